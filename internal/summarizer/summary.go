package summarizer

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

// Config controls when and how threads are summarized.
type Config struct {
	TurnThreshold       int     `json:"turn_threshold"`
	ImportanceThreshold float64 `json:"importance_threshold"`
	MaxSummaryLength    int     `json:"max_summary_length"`
	KeepRecentTurns     int     `json:"keep_recent_turns"`
	// KeyTurnImportance marks turns quoted as key points.
	KeyTurnImportance float64 `json:"key_turn_importance"`
	MaxKeyPoints      int     `json:"max_key_points"`
	SummaryImportance float64 `json:"summary_importance"`
	ThreadDelayMs     int     `json:"thread_delay_ms"`
}

// DefaultConfig returns the standard summarization policy.
func DefaultConfig() Config {
	return Config{
		TurnThreshold:       25,
		ImportanceThreshold: 0.5,
		MaxSummaryLength:    2000,
		KeepRecentTurns:     5,
		KeyTurnImportance:   0.8,
		MaxKeyPoints:        3,
		SummaryImportance:   0.9,
		ThreadDelayMs:       200,
	}
}

// Decision explains whether a thread qualifies for summarization.
type Decision struct {
	Summarize     bool    `json:"summarize"`
	Reason        string  `json:"reason,omitempty"`
	TurnCount     int     `json:"turn_count"`
	AvgImportance float64 `json:"avg_importance"`
}

// ShouldSummarize requires both enough turns and enough average importance.
func ShouldSummarize(turns []memory.Entry, cfg Config) Decision {
	d := Decision{TurnCount: len(turns), AvgImportance: averageImportance(turns)}
	switch {
	case d.TurnCount < cfg.TurnThreshold:
		d.Reason = fmt.Sprintf("only %d turns, threshold is %d", d.TurnCount, cfg.TurnThreshold)
	case d.AvgImportance < cfg.ImportanceThreshold:
		d.Reason = fmt.Sprintf("average importance %.2f below %.2f", d.AvgImportance, cfg.ImportanceThreshold)
	case d.TurnCount <= cfg.KeepRecentTurns:
		d.Reason = "no turns outside the recent window"
	default:
		d.Summarize = true
	}
	return d
}

// Partition splits chronologically ordered turns into the ones to
// summarize and the most recent ones kept verbatim.
func Partition(turns []memory.Entry, keepRecent int) (old, recent []memory.Entry) {
	if keepRecent < 0 {
		keepRecent = 0
	}
	if len(turns) <= keepRecent {
		return nil, turns
	}
	cut := len(turns) - keepRecent
	return turns[:cut], turns[cut:]
}

// BuildSummary renders a deterministic digest of turns, which must be in
// chronological order.
func BuildSummary(turns []memory.Entry, cfg Config) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	first, last := turns[0].CreatedAt, turns[len(turns)-1].CreatedAt
	fmt.Fprintf(&b, "Summary of %d turns over %s.\n", len(turns), formatSpan(last.Sub(first)))
	if p := participants(turns); len(p) > 0 {
		fmt.Fprintf(&b, "Participants: %s.\n", strings.Join(p, ", "))
	}
	fmt.Fprintf(&b, "Average importance: %.2f.\n", averageImportance(turns))

	keys := keyTurns(turns, cfg)
	if len(keys) > 0 {
		b.WriteString("Key points:\n")
		for _, t := range keys {
			fmt.Fprintf(&b, "- %s\n", excerpt(t.Content, 200))
		}
	}
	fmt.Fprintf(&b, "Last discussed: %s", excerpt(turns[len(turns)-1].Content, 300))
	return truncate(b.String(), cfg.MaxSummaryLength)
}

func averageImportance(turns []memory.Entry) float64 {
	if len(turns) == 0 {
		return 0
	}
	var sum float64
	for _, t := range turns {
		sum += t.Importance
	}
	return sum / float64(len(turns))
}

func participants(turns []memory.Entry) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range turns {
		who := memory.MetaString(t.Metadata, "role")
		if who == "" {
			who = memory.MetaString(t.Metadata, "agent_type")
		}
		if who == "" || seen[who] {
			continue
		}
		seen[who] = true
		out = append(out, who)
	}
	sort.Strings(out)
	return out
}

// keyTurns picks the most important turns at or above the key threshold,
// returned in chronological order.
func keyTurns(turns []memory.Entry, cfg Config) []memory.Entry {
	var picked []memory.Entry
	for _, t := range turns {
		if t.Importance >= cfg.KeyTurnImportance {
			picked = append(picked, t)
		}
	}
	sort.SliceStable(picked, func(i, j int) bool { return picked[i].Importance > picked[j].Importance })
	if cfg.MaxKeyPoints > 0 && len(picked) > cfg.MaxKeyPoints {
		picked = picked[:cfg.MaxKeyPoints]
	}
	sort.SliceStable(picked, func(i, j int) bool { return picked[i].CreatedAt.Before(picked[j].CreatedAt) })
	return picked
}

func formatSpan(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "less than a minute"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%.1f hours", d.Hours())
	default:
		return fmt.Sprintf("%d days", int(d.Hours()/24))
	}
}

func excerpt(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	return truncate(s, max)
}

// truncate cuts s to at most max runes, marking the cut with "...".
func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	if max <= 3 {
		return string([]rune(s)[:max])
	}
	return string([]rune(s)[:max-3]) + "..."
}
