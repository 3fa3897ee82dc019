package summarizer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/scope"
)

// ThreadResult reports summarization of one thread.
type ThreadResult struct {
	ThreadID      string   `json:"thread_id"`
	Summarized    bool     `json:"summarized"`
	SkipReason    string   `json:"skip_reason,omitempty"`
	TurnCount     int      `json:"turn_count"`
	AvgImportance float64  `json:"avg_importance"`
	SummaryID     string   `json:"summary_id,omitempty"`
	SummaryLength int      `json:"summary_length"`
	ArchivedTurns int      `json:"archived_turns"`
	Errors        []string `json:"errors,omitempty"`
}

// Report aggregates a SummarizeAll pass.
type Report struct {
	StartedAt  time.Time       `json:"started_at"`
	Threads    []*ThreadResult `json:"threads"`
	Summarized int             `json:"summarized"`
	Skipped    int             `json:"skipped"`
	Errors     int             `json:"errors"`
}

// Succeeded reports whether the sweep finished without thread errors.
func (r *Report) Succeeded() bool { return r.Errors == 0 }

// Status summarizes the engine for health reporting.
type Status struct {
	Config         Config    `json:"config"`
	LastRun        time.Time `json:"last_run,omitempty"`
	TotalSummaries int       `json:"total_summaries"`
	TrackedThreads int       `json:"tracked_threads"`
	PendingThreads int       `json:"pending_threads"`
}

// Engine compacts long conversation threads into summary entries.
type Engine struct {
	mem    *memory.Facade
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	lastRun   time.Time
	summaries int
}

// NewEngine creates a summarization engine.
func NewEngine(mem *memory.Facade, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{mem: mem, cfg: cfg, logger: logger}
}

// Turns returns a thread's live turns in chronological order. Summaries
// and archived turns are excluded.
func (e *Engine) Turns(ctx context.Context, threadID string) ([]memory.Entry, error) {
	collection, err := e.mem.Namer().Collection(scope.Thread, threadID)
	if err != nil {
		return nil, &memory.ValidationError{Field: "thread_id", Scope: scope.Thread, Reason: err.Error()}
	}
	entries, err := e.mem.Entries(ctx, collection, 0)
	if err != nil {
		return nil, err
	}
	turns := entries[:0]
	for _, en := range entries {
		if en.Archived() || en.IsSummary() {
			continue
		}
		turns = append(turns, en)
	}
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].CreatedAt.Before(turns[j].CreatedAt) })
	return turns, nil
}

// SummarizeThread writes a summary of a thread's older turns and archives
// them when the thread qualifies.
func (e *Engine) SummarizeThread(ctx context.Context, threadID string) (*ThreadResult, error) {
	res := &ThreadResult{ThreadID: threadID}
	turns, err := e.Turns(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	d := ShouldSummarize(turns, e.cfg)
	res.TurnCount, res.AvgImportance = d.TurnCount, d.AvgImportance
	if !d.Summarize {
		res.SkipReason = d.Reason
		return res, nil
	}

	old, _ := Partition(turns, e.cfg.KeepRecentTurns)

	// Turns are archived before the summary is written. A turn that fails to
	// archive stays live and is left out of the summary, so the next sweep
	// never covers the same turns twice.
	covered := make([]memory.Entry, 0, len(old))
	for _, t := range old {
		if err := e.mem.Archive(ctx, t.Collection, t.ID); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		covered = append(covered, t)
	}
	res.ArchivedTurns = len(covered)
	if len(covered) == 0 {
		e.logger.Warn("no turns archived, summary not written",
			zap.String("thread", threadID), zap.Int("errors", len(res.Errors)))
		return res, nil
	}

	text := BuildSummary(covered, e.cfg)
	id, err := e.mem.Write(ctx, memory.WriteRequest{
		Content:  text,
		Scope:    scope.Thread,
		ThreadID: threadID,
		Metadata: map[string]any{
			memory.SummaryKey:  true,
			"type":             "summary",
			"summarized_turns": len(covered),
			"first_turn_at":    covered[0].CreatedAt.UTC().Format(time.RFC3339Nano),
			"last_turn_at":     covered[len(covered)-1].CreatedAt.UTC().Format(time.RFC3339Nano),
		},
		Importance: memory.Importance(e.cfg.SummaryImportance),
	})
	if err != nil {
		return res, fmt.Errorf("write summary for %s: %w", threadID, err)
	}
	res.Summarized = true
	res.SummaryID = id
	res.SummaryLength = len([]rune(text))

	e.mu.Lock()
	e.summaries++
	e.mu.Unlock()
	e.logger.Info("thread summarized",
		zap.String("thread", threadID),
		zap.Int("summarized_turns", len(covered)),
		zap.Int("archived", res.ArchivedTurns),
		zap.Int("summary_length", res.SummaryLength))
	return res, nil
}

// SummarizeAll visits every known thread, from the registry and from the
// store, pausing briefly between threads.
func (e *Engine) SummarizeAll(ctx context.Context) (*Report, error) {
	rep := &Report{StartedAt: time.Now()}
	threads, err := e.threadIDs(ctx)
	if err != nil {
		return nil, err
	}
	for i, id := range threads {
		res, err := e.SummarizeThread(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			e.logger.Warn("summarize thread failed", zap.String("thread", id), zap.Error(err))
			res = &ThreadResult{ThreadID: id, Errors: []string{err.Error()}}
		}
		rep.Threads = append(rep.Threads, res)
		switch {
		case res.Summarized:
			rep.Summarized++
		case res.SkipReason != "":
			rep.Skipped++
		}
		rep.Errors += len(res.Errors)
		if i < len(threads)-1 && e.cfg.ThreadDelayMs > 0 {
			select {
			case <-ctx.Done():
				return rep, ctx.Err()
			case <-time.After(time.Duration(e.cfg.ThreadDelayMs) * time.Millisecond):
			}
		}
	}
	e.mu.Lock()
	e.lastRun = rep.StartedAt
	e.mu.Unlock()
	return rep, nil
}

func (e *Engine) threadIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	namer := e.mem.Namer()
	add := func(id string) {
		col, err := namer.Collection(scope.Thread, id)
		if err != nil || seen[col] {
			return
		}
		seen[col] = true
		ids = append(ids, id)
	}
	for _, a := range e.mem.Registry().Threads() {
		add(a.ThreadID)
	}
	refs, err := e.mem.Collections(ctx, scope.Thread)
	if err != nil {
		return nil, fmt.Errorf("list thread collections: %w", err)
	}
	for _, r := range refs {
		if seen[r.Name] {
			continue
		}
		// Rewritten partition names carry a hash, so read the id back.
		id := r.Partition
		if first, err := e.mem.Entries(ctx, r.Name, 1); err == nil && len(first) > 0 {
			if v := memory.MetaString(first[0].Metadata, "thread_id"); v != "" {
				id = v
			}
		}
		add(id)
	}
	return ids, nil
}

// Status reports configuration and activity.
func (e *Engine) Status() Status {
	threads := e.mem.Registry().Threads()
	pending := 0
	for _, a := range threads {
		if a.TurnsSinceSummary >= e.cfg.TurnThreshold {
			pending++
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Config:         e.cfg,
		LastRun:        e.lastRun,
		TotalSummaries: e.summaries,
		TrackedThreads: len(threads),
		PendingThreads: pending,
	}
}
