package pruning

import (
	"time"

	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/scope"
)

// Rules controls which entries pruning keeps, archives or deletes.
type Rules struct {
	// MaxAgeDays overrides the scope table's max age, keyed by scope value.
	MaxAgeDays             map[string]int `json:"max_age_days"`
	MinImportanceKeep      float64        `json:"min_importance_keep"`
	LowImportanceThreshold float64        `json:"low_importance_threshold"`
	// ArchiveImportance is the floor at which a candidate is archived
	// rather than deleted.
	ArchiveImportance   float64  `json:"archive_importance"`
	ArchiveTypes        []string `json:"archive_types"`
	StalenessDays       int      `json:"staleness_days"`
	MaxEntriesPerScope  int      `json:"max_entries_per_scope"`
	MaxEntriesPerThread int      `json:"max_entries_per_thread"`
	DryRun              bool     `json:"dry_run"`
	ScopeDelayMs        int      `json:"scope_delay_ms"`
	// BatchSize is the page size used to scan a collection.
	BatchSize int `json:"batch_size"`
}

// DefaultRules returns the standard pruning policy. DryRun is on.
func DefaultRules() Rules {
	return Rules{
		MinImportanceKeep:      0.8,
		LowImportanceThreshold: 0.2,
		ArchiveImportance:      0.3,
		ArchiveTypes:           []string{"summary", "decision", "milestone"},
		StalenessDays:          7,
		MaxEntriesPerScope:     10000,
		MaxEntriesPerThread:    1000,
		DryRun:                 true,
		ScopeDelayMs:           500,
		BatchSize:              1000,
	}
}

// MaxAge returns the age limit for s. Zero means entries never age out.
func (r Rules) MaxAge(s scope.Scope) time.Duration {
	if days, ok := r.MaxAgeDays[string(s)]; ok {
		return time.Duration(days) * 24 * time.Hour
	}
	spec, _ := scope.Lookup(s)
	return spec.MaxAge
}

// Staleness is the window in which an access protects an entry.
func (r Rules) Staleness() time.Duration {
	return time.Duration(r.StalenessDays) * 24 * time.Hour
}

// ScopeDelay is the pause between scopes in PruneAll.
func (r Rules) ScopeDelay() time.Duration {
	return time.Duration(r.ScopeDelayMs) * time.Millisecond
}

// Cap returns the live-entry cap for one collection of s.
func (r Rules) Cap(s scope.Scope) int {
	if s == scope.Thread {
		return r.MaxEntriesPerThread
	}
	return r.MaxEntriesPerScope
}

// Action is the outcome for one entry.
type Action string

const (
	Keep    Action = "keep"
	Archive Action = "archive"
	Delete  Action = "delete"
)

// Decision is an action with the rule that produced it.
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
	// Protected entries may not be pushed out by size caps.
	Protected bool `json:"protected"`
}

// Evaluate applies the keep and candidate rules in order. It returns a Keep
// decision or a candidate marker with Action left empty.
func Evaluate(e memory.Entry, now time.Time, rules Rules) Decision {
	if e.Importance >= rules.MinImportanceKeep {
		return Decision{Action: Keep, Reason: "high importance", Protected: true}
	}
	if now.Sub(e.LastAccessedAt) < rules.Staleness() {
		return Decision{Action: Keep, Reason: "recently accessed", Protected: true}
	}
	if maxAge := rules.MaxAge(e.Scope); maxAge > 0 && e.Age(now) > maxAge {
		return Decision{Reason: "older than max age"}
	}
	if e.Importance < rules.LowImportanceThreshold {
		return Decision{Reason: "low importance"}
	}
	return Decision{Action: Keep, Reason: "within policy"}
}

// Disposition picks archive or delete for a candidate.
func Disposition(e memory.Entry, rules Rules, linked bool) Action {
	if e.Importance >= rules.ArchiveImportance {
		return Archive
	}
	t := e.Type()
	for _, at := range rules.ArchiveTypes {
		if t == at {
			return Archive
		}
	}
	if linked {
		return Archive
	}
	return Delete
}

// Classify is Evaluate followed by Disposition for candidates.
func Classify(e memory.Entry, now time.Time, rules Rules, linked bool) Decision {
	d := Evaluate(e, now, rules)
	if d.Action == Keep {
		return d
	}
	d.Action = Disposition(e, rules, linked)
	return d
}
