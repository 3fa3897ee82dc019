package app

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/config"
	"github.com/nidhogg/nuka-memory/internal/scope"
	"github.com/nidhogg/nuka-memory/internal/store"
)

func TestNew_InProcessDefaults(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, config.Default(), zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()

	if a.Bus != nil {
		t.Error("bus should be nil without redis")
	}
	if _, ok := a.Ledger.(*store.MemoryLedger); !ok {
		t.Errorf("ledger = %T, want in-memory ledger", a.Ledger)
	}

	rep := a.Maintenance.InitializeKnowledgeSystem(ctx)
	if !rep.Success {
		t.Fatalf("initialize: %v", rep.Errors)
	}
	// The bootstrap hook seeds on first initialize, so the explicit pass skips.
	if rep.Seed == nil || !rep.Seed.Skipped {
		t.Errorf("seed = %+v, want skipped after bootstrap", rep.Seed)
	}
	n, err := a.Memory.ScopeCount(ctx, scope.Global)
	if err != nil || n != len(a.Seeder.Corpus().Entries) {
		t.Errorf("global entries = %d (%v), want %d", n, err, len(a.Seeder.Corpus().Entries))
	}

	cycle, err := a.Maintenance.RunMaintenanceCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	runs, err := a.Ledger.ListRuns(ctx, "maintenance_cycle", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Success != cycle.Success {
		t.Errorf("runs = %+v", runs)
	}
}

func TestNew_RedisDownDegrades(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Redis.URL = "redis://127.0.0.1:1/0"
	cfg.Events.Enabled = true
	a, err := New(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()
	if a.Bus != nil {
		t.Error("bus should be nil when redis is unreachable")
	}
}

func TestNewLogger(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn"} {
		if _, err := NewLogger(lvl); err != nil {
			t.Errorf("%s: %v", lvl, err)
		}
	}
	if _, err := NewLogger("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
