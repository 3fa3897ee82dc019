package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type outcome struct {
	OK bool `json:"ok"`
}

func (o outcome) Succeeded() bool { return o.OK }

func TestMemoryLedgerOrderAndFilter(t *testing.T) {
	l := NewMemoryLedger(0)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	l.RecordRun(ctx, "pruning", base, outcome{OK: true})
	l.RecordRun(ctx, "maintenance", base.Add(time.Minute), outcome{OK: false})
	l.RecordRun(ctx, "pruning", base.Add(2*time.Minute), map[string]int{"pruned": 3})

	all, _ := l.ListRuns(ctx, "", 0)
	if len(all) != 3 || !all[0].StartedAt.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("runs = %+v", all)
	}
	prunes, _ := l.ListRuns(ctx, "pruning", 10)
	if len(prunes) != 2 {
		t.Fatalf("pruning runs = %d, want 2", len(prunes))
	}
	var payload map[string]int
	if err := json.Unmarshal(prunes[0].Payload, &payload); err != nil || payload["pruned"] != 3 {
		t.Errorf("payload = %s", prunes[0].Payload)
	}

	maint, _ := l.ListRuns(ctx, "maintenance", 1)
	if len(maint) != 1 || maint[0].Success {
		t.Errorf("maintenance run = %+v, want failed run", maint)
	}
}

func TestMemoryLedgerCapacity(t *testing.T) {
	l := NewMemoryLedger(2)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		l.RecordRun(ctx, "health", time.Unix(int64(i), 0), nil)
	}
	runs, _ := l.ListRuns(ctx, "", 10)
	if len(runs) != 2 || runs[0].StartedAt.Unix() != 4 {
		t.Errorf("runs = %+v", runs)
	}
}

func TestRecordRunRejectsUnmarshalable(t *testing.T) {
	l := NewMemoryLedger(1)
	if err := l.RecordRun(context.Background(), "x", time.Now(), make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}
