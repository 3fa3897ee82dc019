package memory

import (
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-memory/internal/scope"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

// ErrNotInitialized is returned by every facade operation before Initialize succeeds.
var ErrNotInitialized = errors.New("memory system not initialized")

// ValidationError rejects a write before anything is persisted.
type ValidationError struct {
	Field  string
	Scope  scope.Scope
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("%s required for %s scope", e.Field, e.Scope.Label())
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Payload keys owned by the facade. Metadata cannot override them.
const (
	keyContent      = "content"
	keyScope        = "scope"
	keyImportance   = "importance"
	keyCreatedAt    = "created_at"
	keyLastAccessed = "last_accessed_at"

	// ArchivedAtKey records when an entry was archived.
	ArchivedAtKey = "archived_at"
	// SummaryKey marks entries written by thread summarization.
	SummaryKey = "is_summary"
)

var reserved = map[string]bool{
	keyContent:      true,
	keyScope:        true,
	keyImportance:   true,
	keyCreatedAt:    true,
	keyLastAccessed: true,
}

// Entry is one stored memory.
type Entry struct {
	ID             string         `json:"id"`
	Collection     string         `json:"collection"`
	Scope          scope.Scope    `json:"scope"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata"`
	Importance     float64        `json:"importance"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
}

// Archived reports whether the entry carries the archive tag.
func (e Entry) Archived() bool { return vectorstore.IsArchived(e.Metadata) }

// IsSummary reports whether the entry is a thread summary.
func (e Entry) IsSummary() bool {
	v, _ := e.Metadata[SummaryKey].(bool)
	return v
}

// Type returns the metadata type tag.
func (e Entry) Type() string { return MetaString(e.Metadata, "type") }

// Age is the time since creation.
func (e Entry) Age(now time.Time) time.Duration { return now.Sub(e.CreatedAt) }

// SizeBytes approximates the stored content size.
func (e Entry) SizeBytes() int { return len(e.Content) }

// WriteRequest describes a new memory.
type WriteRequest struct {
	Content  string
	Scope    scope.Scope
	Metadata map[string]any
	// Typed shortcuts merged into Metadata.
	ProjectID string
	ThreadID  string
	AgentType string
	// Importance defaults to Config.DefaultImportance when nil.
	Importance *float64
	// SkipEmbedding stores Embedding as given, or a unit placeholder.
	SkipEmbedding bool
	Embedding     []float32
	// CreatedAt defaults to now. Imports use it to keep original timestamps.
	CreatedAt time.Time
}

// Importance returns a pointer for WriteRequest.Importance.
func Importance(v float64) *float64 { return &v }

// SearchRequest describes a scoped query.
type SearchRequest struct {
	Query     string
	Scope     scope.Scope
	ProjectID string
	ThreadID  string
	AgentType string
	// Filter keeps only entries whose metadata equals every given value.
	Filter map[string]any
	Limit  int
	// Passive searches do not refresh last-accessed timestamps.
	Passive         bool
	IncludeArchived bool
}

// scopeFields returns the request's scope fields keyed by metadata name,
// over any Filter values, so a scope's partition key can be read directly.
func (r SearchRequest) scopeFields() map[string]any {
	md := cloneMetadata(r.Filter)
	for k, v := range map[string]string{
		"project_id": r.ProjectID,
		"thread_id":  r.ThreadID,
		"agent_type": r.AgentType,
	} {
		if v != "" {
			md[k] = v
		}
	}
	return md
}

// Result is one ranked search hit.
type Result struct {
	ID         string         `json:"id"`
	Collection string         `json:"collection"`
	Content    string         `json:"content"`
	Score      float64        `json:"score"`
	Scope      scope.Scope    `json:"scope"`
	Metadata   map[string]any `json:"metadata"`
	Importance float64        `json:"importance"`
	CreatedAt  time.Time      `json:"created_at"`
}

// CollectionRef is a physical collection owned by a scope.
type CollectionRef struct {
	Name      string      `json:"name"`
	Scope     scope.Scope `json:"scope"`
	Partition string      `json:"partition,omitempty"`
}

func encodePayload(content string, s scope.Scope, metadata map[string]any, importance float64, created, accessed time.Time) map[string]any {
	payload := make(map[string]any, len(metadata)+len(reserved))
	for k, v := range metadata {
		if !reserved[k] {
			payload[k] = v
		}
	}
	payload[keyContent] = content
	payload[keyScope] = string(s)
	payload[keyImportance] = importance
	payload[keyCreatedAt] = created.UTC().Format(time.RFC3339Nano)
	payload[keyLastAccessed] = accessed.UTC().Format(time.RFC3339Nano)
	return payload
}

func decodeEntry(id, collection string, payload map[string]any) Entry {
	e := Entry{
		ID:         id,
		Collection: collection,
		Metadata:   make(map[string]any, len(payload)),
	}
	for k, v := range payload {
		if !reserved[k] {
			e.Metadata[k] = v
		}
	}
	e.Content, _ = payload[keyContent].(string)
	if s, ok := payload[keyScope].(string); ok {
		e.Scope = scope.Scope(s)
	}
	e.Importance, _ = MetaFloat(payload, keyImportance)
	e.CreatedAt = MetaTime(payload, keyCreatedAt)
	e.LastAccessedAt = MetaTime(payload, keyLastAccessed)
	if e.LastAccessedAt.IsZero() {
		e.LastAccessedAt = e.CreatedAt
	}
	return e
}

// MetaString reads a string metadata value.
func MetaString(md map[string]any, key string) string {
	switch v := md[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// MetaFloat reads a numeric metadata value regardless of its decoded type.
func MetaFloat(md map[string]any, key string) (float64, bool) {
	switch v := md[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	}
	return 0, false
}

// MetaTime reads an RFC3339 timestamp metadata value.
func MetaTime(md map[string]any, key string) time.Time {
	switch v := md[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func cloneMetadata(md map[string]any) map[string]any {
	out := make(map[string]any, len(md)+4)
	for k, v := range md {
		out[k] = v
	}
	return out
}
