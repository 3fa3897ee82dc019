package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/linkage"
	"github.com/nidhogg/nuka-memory/internal/metrics"
	"github.com/nidhogg/nuka-memory/internal/scope"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

// Write validates, embeds and stores a memory, returning its new id.
func (f *Facade) Write(ctx context.Context, req WriteRequest) (string, error) {
	if err := f.ready(); err != nil {
		return "", err
	}
	start := time.Now()

	spec, ok := scope.Lookup(req.Scope)
	if !ok {
		return "", &ValidationError{Field: "scope", Reason: fmt.Sprintf("unknown scope %q", req.Scope)}
	}
	if strings.TrimSpace(req.Content) == "" {
		return "", &ValidationError{Field: "content", Scope: req.Scope, Reason: "content must not be empty"}
	}
	importance := f.cfg.DefaultImportance
	if req.Importance != nil {
		importance = *req.Importance
	}
	if importance < 0 || importance > 1 {
		return "", &ValidationError{Field: "importance", Scope: req.Scope,
			Reason: fmt.Sprintf("importance %.2f outside [0,1]", importance)}
	}

	md := cloneMetadata(req.Metadata)
	setIfEmpty(md, "project_id", req.ProjectID)
	setIfEmpty(md, "thread_id", req.ThreadID)
	setIfEmpty(md, "agent_type", req.AgentType)
	md = spec.ApplyDefaults(md)
	if missing := spec.Missing(md); len(missing) > 0 {
		return "", &ValidationError{Field: missing[0], Scope: req.Scope}
	}

	collection, err := f.namer.Collection(req.Scope, MetaString(md, spec.PartitionKey))
	if err != nil {
		return "", &ValidationError{Field: spec.PartitionKey, Scope: req.Scope}
	}

	vector, err := f.vectorFor(ctx, req)
	if err != nil {
		return "", err
	}
	if err := f.ensureCollection(ctx, collection); err != nil {
		return "", err
	}

	now := f.now()
	created := req.CreatedAt
	if created.IsZero() {
		created = now
	}
	id := uuid.NewString()
	payload := encodePayload(req.Content, req.Scope, md, importance, created, now)
	if err := f.store.Upsert(ctx, collection, vectorstore.Point{ID: id, Vector: vector, Payload: payload}); err != nil {
		return "", fmt.Errorf("store memory: %w", err)
	}
	f.record(metrics.OpWrite, start)

	if req.Scope == scope.Thread {
		threadID := MetaString(md, "thread_id")
		if b, _ := md[SummaryKey].(bool); b {
			f.registry.MarkSummarized(threadID, now)
		} else {
			f.registry.Touch(threadID, now)
		}
	}
	if f.linker != nil {
		if refs := linkage.RefsFromMetadata(md); len(refs) > 0 {
			if err := f.linker.Link(ctx, id, collection, refs); err != nil {
				f.logger.Warn("link memory failed", zap.String("id", id), zap.Error(err))
			}
		}
	}

	f.logger.Info("memory written",
		zap.String("id", id),
		zap.String("scope", req.Scope.Label()),
		zap.String("collection", collection),
		zap.Int("content_length", len(req.Content)))
	return id, nil
}

func (f *Facade) vectorFor(ctx context.Context, req WriteRequest) ([]float32, error) {
	dim := f.embedder.Dimension()
	if req.SkipEmbedding {
		if len(req.Embedding) == dim {
			return req.Embedding, nil
		}
		return placeholderVector(dim), nil
	}
	vecs, err := f.embedder.Embed(ctx, []string{req.Content})
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embed content: empty embedding")
	}
	return vecs[0], nil
}

// placeholderVector is a unit vector; zero vectors break cosine distance.
func placeholderVector(dim int) []float32 {
	if dim <= 0 {
		dim = 1
	}
	v := make([]float32, dim)
	v[0] = 1
	return v
}

func setIfEmpty(md map[string]any, key, value string) {
	if value == "" {
		return
	}
	if MetaString(md, key) == "" {
		md[key] = value
	}
}

// WriteGlobal stores organization-wide knowledge.
func (f *Facade) WriteGlobal(ctx context.Context, content string, metadata map[string]any, importance float64) (string, error) {
	return f.Write(ctx, WriteRequest{Content: content, Scope: scope.Global, Metadata: metadata, Importance: &importance})
}

// WriteProjectNote stores a note in a project's partition.
func (f *Facade) WriteProjectNote(ctx context.Context, projectID, content string, metadata map[string]any, importance float64) (string, error) {
	return f.Write(ctx, WriteRequest{Content: content, Scope: scope.Project, ProjectID: projectID, Metadata: metadata, Importance: &importance})
}

// WriteAgentPreference stores a learned preference for an agent type.
func (f *Facade) WriteAgentPreference(ctx context.Context, agentType, content string, metadata map[string]any, importance float64) (string, error) {
	return f.Write(ctx, WriteRequest{Content: content, Scope: scope.Agent, AgentType: agentType, Metadata: metadata, Importance: &importance})
}

// WriteThreadTurn stores one conversation turn.
func (f *Facade) WriteThreadTurn(ctx context.Context, threadID, role, content string, importance float64) (string, error) {
	md := map[string]any{}
	if role != "" {
		md["role"] = role
	}
	return f.Write(ctx, WriteRequest{Content: content, Scope: scope.Thread, ThreadID: threadID, Metadata: md, Importance: &importance})
}

// WriteObjective stores a goal or milestone.
func (f *Facade) WriteObjective(ctx context.Context, content string, metadata map[string]any, importance float64) (string, error) {
	return f.Write(ctx, WriteRequest{Content: content, Scope: scope.Objectives, Metadata: metadata, Importance: &importance})
}

// WriteArtifact stores an artifact description.
func (f *Facade) WriteArtifact(ctx context.Context, content string, metadata map[string]any, importance float64) (string, error) {
	return f.Write(ctx, WriteRequest{Content: content, Scope: scope.Artifacts, Metadata: metadata, Importance: &importance})
}
