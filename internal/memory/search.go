package memory

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/metrics"
	"github.com/nidhogg/nuka-memory/internal/scope"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

type candidate struct {
	entry   Entry
	vector  float64
	lexical float64
}

// Search runs a hybrid vector and keyword query over a scope. Only lifecycle
// errors are returned; store failures degrade to fewer or no results.
func (f *Facade) Search(ctx context.Context, req SearchRequest) ([]Result, error) {
	if err := f.ready(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer f.record(metrics.OpSearch, start)

	if strings.TrimSpace(req.Query) == "" {
		return []Result{}, nil
	}
	limit := req.Limit
	if limit <= 0 {
		limit = f.cfg.DefaultLimit
	}

	collections, err := f.searchCollections(ctx, req)
	if err != nil {
		f.logger.Warn("resolve search collections failed", zap.String("scope", req.Scope.Label()), zap.Error(err))
		return []Result{}, nil
	}
	filter := cloneMetadata(req.Filter)
	if req.AgentType != "" {
		filter["agent_type"] = req.AgentType
	}

	var queryVec []float32
	if vecs, err := f.embedder.Embed(ctx, []string{req.Query}); err != nil || len(vecs) == 0 {
		f.logger.Warn("embed query failed, falling back to keyword search", zap.Error(err))
	} else {
		queryVec = vecs[0]
	}

	var candidates []candidate
	for _, col := range collections {
		candidates = append(candidates, f.searchCollection(ctx, col, req.Query, queryVec, limit)...)
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if !req.IncludeArchived && c.entry.Archived() {
			continue
		}
		if !matchesFilter(c.entry.Metadata, filter) {
			continue
		}
		score := f.cfg.VectorWeight*c.vector + f.cfg.LexicalWeight*c.lexical
		if score <= 0 {
			continue
		}
		results = append(results, Result{
			ID:         c.entry.ID,
			Collection: c.entry.Collection,
			Content:    c.entry.Content,
			Score:      score,
			Scope:      c.entry.Scope,
			Metadata:   c.entry.Metadata,
			Importance: c.entry.Importance,
			CreatedAt:  c.entry.CreatedAt,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}

	if !req.Passive {
		f.touch(ctx, results)
	}
	f.logger.Debug("memory search",
		zap.String("scope", req.Scope.Label()),
		zap.Int("collections", len(collections)),
		zap.Int("results", len(results)))
	return results, nil
}

func (f *Facade) searchCollections(ctx context.Context, req SearchRequest) ([]string, error) {
	spec, ok := scope.Lookup(req.Scope)
	if !ok {
		return nil, fmt.Errorf("unknown scope %q", req.Scope)
	}
	if !spec.Partitioned() {
		name, err := f.namer.Collection(req.Scope, "")
		return []string{name}, err
	}
	if partition := MetaString(req.scopeFields(), spec.PartitionKey); partition != "" {
		name, err := f.namer.Collection(req.Scope, partition)
		return []string{name}, err
	}
	refs, err := f.Collections(ctx, req.Scope)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(refs))
	for _, r := range refs {
		names = append(names, r.Name)
	}
	return names, nil
}

func (f *Facade) searchCollection(ctx context.Context, collection, query string, queryVec []float32, limit int) []candidate {
	byID := make(map[string]*candidate)
	var order []string

	add := func(id string, payload map[string]any) *candidate {
		if c, ok := byID[id]; ok {
			return c
		}
		c := &candidate{entry: decodeEntry(id, collection, payload)}
		byID[id] = c
		order = append(order, id)
		return c
	}

	if queryVec != nil {
		hits, err := f.store.Search(ctx, collection, queryVec, limit*f.cfg.Oversample)
		if err != nil {
			f.logSearchErr(collection, err)
		}
		for _, h := range hits {
			c := add(h.ID, h.Payload)
			c.vector = clamp01(float64(h.Score))
		}
	}

	records, err := f.store.Scroll(ctx, collection, f.cfg.LexicalScanLimit)
	if err != nil {
		f.logSearchErr(collection, err)
	}
	for _, r := range records {
		content, _ := r.Payload[keyContent].(string)
		lex := lexicalScore(query, content)
		if lex == 0 {
			continue
		}
		add(r.ID, r.Payload).lexical = lex
	}

	out := make([]candidate, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

func (f *Facade) logSearchErr(collection string, err error) {
	// Partitions that were never written to are expected.
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return
	}
	f.logger.Warn("search collection failed", zap.String("collection", collection), zap.Error(err))
}

func (f *Facade) touch(ctx context.Context, results []Result) {
	if len(results) == 0 {
		return
	}
	at := f.now().UTC().Format(time.RFC3339Nano)
	for _, r := range results {
		if err := f.store.SetPayload(ctx, r.Collection, r.ID, map[string]any{keyLastAccessed: at}); err != nil {
			f.logger.Debug("touch memory failed", zap.String("id", r.ID), zap.Error(err))
		}
	}
}

func matchesFilter(md, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := md[k]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) && !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
