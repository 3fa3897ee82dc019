package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run is one recorded maintenance, pruning, summarization or import run.
type Run struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	StartedAt  time.Time       `json:"started_at"`
	RecordedAt time.Time       `json:"recorded_at"`
	Success    bool            `json:"success"`
	Payload    json.RawMessage `json:"payload"`
}

// Ledger records and lists runs.
type Ledger interface {
	RecordRun(ctx context.Context, kind string, startedAt time.Time, payload any) error
	ListRuns(ctx context.Context, kind string, limit int) ([]Run, error)
}

// successReporter is implemented by reports that carry an outcome flag.
type successReporter interface {
	Succeeded() bool
}

func newRun(kind string, startedAt time.Time, payload any) (Run, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Run{}, fmt.Errorf("marshal %s run: %w", kind, err)
	}
	success := true
	if sr, ok := payload.(successReporter); ok {
		success = sr.Succeeded()
	}
	return Run{
		ID:         uuid.NewString(),
		Kind:       kind,
		StartedAt:  startedAt.UTC(),
		RecordedAt: time.Now().UTC(),
		Success:    success,
		Payload:    raw,
	}, nil
}

// RecordRun inserts a run into maintenance_runs.
func (s *Store) RecordRun(ctx context.Context, kind string, startedAt time.Time, payload any) error {
	r, err := newRun(kind, startedAt, payload)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO maintenance_runs (id, kind, started_at, recorded_at, success, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.Kind, r.StartedAt, r.RecordedAt, r.Success, r.Payload,
	)
	if err != nil {
		return fmt.Errorf("record %s run: %w", kind, err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first. An empty kind
// lists all kinds.
func (s *Store) ListRuns(ctx context.Context, kind string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id::text, kind, started_at, recorded_at, success, payload
		FROM maintenance_runs
		WHERE $1 = '' OR kind = $1
		ORDER BY started_at DESC
		LIMIT $2`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Kind, &r.StartedAt, &r.RecordedAt, &r.Success, &r.Payload); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// MemoryLedger keeps runs in process. It backs deployments without
// PostgreSQL and tests.
type MemoryLedger struct {
	mu   sync.Mutex
	runs []Run
	max  int
}

// NewMemoryLedger keeps at most max runs; max <= 0 keeps 500.
func NewMemoryLedger(max int) *MemoryLedger {
	if max <= 0 {
		max = 500
	}
	return &MemoryLedger{max: max}
}

// RecordRun appends a run, dropping the oldest beyond capacity.
func (l *MemoryLedger) RecordRun(_ context.Context, kind string, startedAt time.Time, payload any) error {
	r, err := newRun(kind, startedAt, payload)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append(l.runs, r)
	if len(l.runs) > l.max {
		l.runs = l.runs[len(l.runs)-l.max:]
	}
	return nil
}

// ListRuns returns matching runs, newest first.
func (l *MemoryLedger) ListRuns(_ context.Context, kind string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Run
	for i := len(l.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if kind == "" || l.runs[i].Kind == kind {
			out = append(out, l.runs[i])
		}
	}
	return out, nil
}
