package knowledge

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/memory/memorytest"
	"github.com/nidhogg/nuka-memory/internal/scope"
)

func TestEmbeddedCorpusParses(t *testing.T) {
	c, err := LoadCorpus()
	if err != nil {
		t.Fatalf("load corpus: %v", err)
	}
	if c.Version == "" || len(c.Entries) == 0 || len(c.Anchors) == 0 {
		t.Fatalf("corpus incomplete: version=%q entries=%d anchors=%d", c.Version, len(c.Entries), len(c.Anchors))
	}
	cats := map[string]bool{}
	for _, e := range c.Entries {
		cats[e.Category] = true
		if e.Importance <= 0 || e.Importance > 1 {
			t.Errorf("%s: importance %v out of range", e.Title, e.Importance)
		}
	}
	for _, want := range []string{"methodology", "design_principles", "language_guidance"} {
		if !cats[want] {
			t.Errorf("corpus missing category %s", want)
		}
	}
}

func TestParseCorpusRejectsEmptyContent(t *testing.T) {
	_, err := ParseCorpus([]byte("version: \"1\"\nentries:\n  - title: x\n    content: \"  \"\n"))
	if err == nil {
		t.Fatal("expected error for empty content")
	}
	if _, err := ParseCorpus([]byte("entries: []\n")); err == nil {
		t.Fatal("expected error for missing version")
	}
}

func TestBootstrapSeedsOnInitialize(t *testing.T) {
	env := memorytest.NewUninitialized(t)
	seeder, err := NewSeeder(env.Facade, zap.NewNop())
	if err != nil {
		t.Fatalf("new seeder: %v", err)
	}
	env.Facade.SetBootstrapper(seeder)
	ctx := context.Background()

	status, err := env.Facade.Initialize(ctx)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if status.BootstrapError != "" {
		t.Fatalf("bootstrap error: %s", status.BootstrapError)
	}
	n, _ := env.Facade.ScopeCount(ctx, scope.Global)
	if n != len(seeder.Corpus().Entries) {
		t.Fatalf("global count = %d, want %d", n, len(seeder.Corpus().Entries))
	}
	last := seeder.Status().LastSeed
	if last == nil || len(last.Missing) != 0 {
		t.Fatalf("verification missing anchors: %+v", last)
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	env := memorytest.New(t)
	seeder, err := NewSeeder(env.Facade, zap.NewNop())
	if err != nil {
		t.Fatalf("new seeder: %v", err)
	}
	ctx := context.Background()

	first, err := seeder.Seed(ctx, false)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if first.Skipped || first.Seeded == 0 {
		t.Fatalf("first seed = %+v", first)
	}
	before, _ := env.Facade.ScopeCount(ctx, scope.Global)

	second, err := seeder.Seed(ctx, false)
	if err != nil {
		t.Fatalf("seed again: %v", err)
	}
	if !second.Skipped {
		t.Error("second seed should be skipped")
	}
	after, _ := env.Facade.ScopeCount(ctx, scope.Global)
	if after != before {
		t.Errorf("count changed from %d to %d", before, after)
	}
}

func TestForcedReseedReplacesSeededEntries(t *testing.T) {
	env := memorytest.New(t)
	ctx := context.Background()
	if _, err := env.Facade.WriteGlobal(ctx, "operator note about deployment windows", nil, 0.6); err != nil {
		t.Fatal(err)
	}
	seeder, _ := NewSeeder(env.Facade, zap.NewNop())

	rep, err := seeder.Seed(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Skipped {
		t.Fatal("seed into non-empty global should be skipped")
	}

	rep, err = seeder.Seed(ctx, true)
	if err != nil {
		t.Fatalf("forced seed: %v", err)
	}
	if rep.Removed != 0 || rep.Seeded != len(seeder.Corpus().Entries) {
		t.Fatalf("forced seed = %+v", rep)
	}
	rep, err = seeder.Seed(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Removed != len(seeder.Corpus().Entries) {
		t.Errorf("removed = %d, want %d", rep.Removed, len(seeder.Corpus().Entries))
	}
	n, _ := env.Facade.ScopeCount(ctx, scope.Global)
	if want := len(seeder.Corpus().Entries) + 1; n != want {
		t.Errorf("global count = %d, want %d", n, want)
	}
}

func TestVerifyReportsMissingAnchors(t *testing.T) {
	env := memorytest.New(t)
	c := &Corpus{
		Version: "test",
		Anchors: []string{"circuit breaker", "zebra crossing"},
		Entries: []CorpusEntry{{Title: "cb", Content: "Wrap flaky dependencies in a circuit breaker.", Importance: 0.8}},
	}
	seeder := NewSeederWithCorpus(env.Facade, c, zap.NewNop())
	rep, err := seeder.Seed(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Verified) != 1 || rep.Verified[0] != "circuit breaker" {
		t.Errorf("verified = %v", rep.Verified)
	}
	if len(rep.Missing) != 1 || rep.Missing[0] != "zebra crossing" {
		t.Errorf("missing = %v", rep.Missing)
	}
}
