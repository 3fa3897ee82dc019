package scope

import (
	"fmt"
	"strings"
	"time"
)

// Scope is a logical partition of the memory space.
type Scope string

const (
	Global     Scope = "global"
	Project    Scope = "project"
	Agent      Scope = "agent"
	Thread     Scope = "thread"
	Objectives Scope = "objectives"
	Artifacts  Scope = "artifacts"
)

// Spec is the per-scope rule row. Every scope-dependent decision in the
// repository reads from this table.
type Spec struct {
	Scope Scope
	// Base is the collection name before prefix and partition suffix.
	Base string
	// PartitionKey names the metadata field that splits the scope into one
	// collection per value. Empty means the scope lives in one collection.
	PartitionKey string
	// Required metadata fields. A write missing any of them is rejected.
	Required []string
	// Defaults are merged into metadata when the caller leaves a key unset.
	Defaults map[string]any
	// MaxAge is the pruning age limit. Zero means never aged out.
	MaxAge time.Duration
	// Prunable is false for scopes that pruning must never touch.
	Prunable bool
	// BroadQuery is the query used to enumerate the scope for export.
	BroadQuery string
}

const day = 24 * time.Hour

var table = map[Scope]Spec{
	Global: {
		Scope:      Global,
		Base:       "global_knowledge",
		Defaults:   map[string]any{"type": "knowledge"},
		BroadQuery: "knowledge methodology principles guidance",
	},
	Project: {
		Scope:        Project,
		Base:         "project",
		PartitionKey: "project_id",
		Required:     []string{"project_id"},
		Defaults:     map[string]any{"type": "note"},
		MaxAge:       90 * day,
		Prunable:     true,
		BroadQuery:   "project notes decisions context",
	},
	Agent: {
		Scope:      Agent,
		Base:       "agent_memory",
		Required:   []string{"agent_type"},
		Defaults:   map[string]any{"type": "preference"},
		MaxAge:     180 * day,
		Prunable:   true,
		BroadQuery: "agent preferences learned behavior",
	},
	Thread: {
		Scope:        Thread,
		Base:         "thread",
		PartitionKey: "thread_id",
		Required:     []string{"thread_id"},
		Defaults:     map[string]any{"type": "message"},
		MaxAge:       30 * day,
		Prunable:     true,
		BroadQuery:   "conversation messages discussion",
	},
	Objectives: {
		Scope:      Objectives,
		Base:       "objectives",
		Defaults:   map[string]any{"type": "objective", "status": "active"},
		MaxAge:     365 * day,
		Prunable:   true,
		BroadQuery: "objectives goals milestones",
	},
	Artifacts: {
		Scope:      Artifacts,
		Base:       "artifacts",
		Defaults:   map[string]any{"type": "artifact"},
		MaxAge:     180 * day,
		Prunable:   true,
		BroadQuery: "artifacts code documents builds",
	},
}

var order = []Scope{Global, Project, Agent, Thread, Objectives, Artifacts}

// All returns every scope in a stable order.
func All() []Scope {
	out := make([]Scope, len(order))
	copy(out, order)
	return out
}

// Lookup returns the rule row for s.
func Lookup(s Scope) (Spec, bool) {
	spec, ok := table[s]
	return spec, ok
}

// MustLookup is Lookup for scopes known at compile time.
func MustLookup(s Scope) Spec {
	spec, ok := table[s]
	if !ok {
		panic(fmt.Sprintf("scope: unknown scope %q", s))
	}
	return spec
}

// Parse accepts either the lowercase value or the uppercase label.
func Parse(v string) (Scope, error) {
	s := Scope(strings.ToLower(strings.TrimSpace(v)))
	if _, ok := table[s]; !ok {
		return "", fmt.Errorf("unknown scope %q", v)
	}
	return s, nil
}

// Valid reports whether s is one of the closed set of scopes.
func (s Scope) Valid() bool {
	_, ok := table[s]
	return ok
}

// Label is the uppercase display form, e.g. THREAD.
func (s Scope) Label() string { return strings.ToUpper(string(s)) }

func (s Scope) String() string { return string(s) }

// UnmarshalText accepts labels in any case, so "THREAD" decodes to Thread.
func (s *Scope) UnmarshalText(b []byte) error {
	*s = Scope(strings.ToLower(strings.TrimSpace(string(b))))
	return nil
}

// Partitioned reports whether the scope is split by a metadata key.
func (s Spec) Partitioned() bool { return s.PartitionKey != "" }

// Missing returns the required fields absent or empty in metadata.
func (s Spec) Missing(metadata map[string]any) []string {
	var missing []string
	for _, field := range s.Required {
		v, ok := metadata[field]
		if !ok || v == nil {
			missing = append(missing, field)
			continue
		}
		if str, isStr := v.(string); isStr && strings.TrimSpace(str) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

// ApplyDefaults copies the scope defaults into metadata where unset.
func (s Spec) ApplyDefaults(metadata map[string]any) map[string]any {
	if metadata == nil {
		metadata = make(map[string]any, len(s.Defaults))
	}
	for k, v := range s.Defaults {
		if _, ok := metadata[k]; !ok {
			metadata[k] = v
		}
	}
	return metadata
}
