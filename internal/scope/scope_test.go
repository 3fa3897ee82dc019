package scope

import (
	"strings"
	"testing"
)

func TestEveryScopeHasARow(t *testing.T) {
	for _, s := range All() {
		spec, ok := Lookup(s)
		if !ok {
			t.Fatalf("scope %s has no rule row", s)
		}
		if spec.Base == "" {
			t.Errorf("scope %s has empty base collection", s)
		}
		if spec.BroadQuery == "" {
			t.Errorf("scope %s has no broad query", s)
		}
	}
}

func TestGlobalIsNeverPrunable(t *testing.T) {
	if MustLookup(Global).Prunable {
		t.Fatal("GLOBAL must not be prunable")
	}
	if MustLookup(Global).MaxAge != 0 {
		t.Fatal("GLOBAL must not have a max age")
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Scope
		err  bool
	}{
		{"THREAD", Thread, false},
		{"project", Project, false},
		{" Objectives ", Objectives, false},
		{"session", "", true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if (err != nil) != tt.err {
			t.Fatalf("Parse(%q) err = %v, want err %v", tt.in, err, tt.err)
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMissing(t *testing.T) {
	spec := MustLookup(Thread)
	if got := spec.Missing(map[string]any{}); len(got) != 1 || got[0] != "thread_id" {
		t.Fatalf("got %v, want [thread_id]", got)
	}
	if got := spec.Missing(map[string]any{"thread_id": "  "}); len(got) != 1 {
		t.Fatalf("blank thread_id should be missing, got %v", got)
	}
	if got := spec.Missing(map[string]any{"thread_id": "t1"}); len(got) != 0 {
		t.Fatalf("got %v, want none", got)
	}
}

func TestApplyDefaultsKeepsCallerValues(t *testing.T) {
	md := MustLookup(Objectives).ApplyDefaults(map[string]any{"status": "done"})
	if md["status"] != "done" {
		t.Errorf("got status %v, want done", md["status"])
	}
	if md["type"] != "objective" {
		t.Errorf("got type %v, want objective", md["type"])
	}
}

func TestCollectionNames(t *testing.T) {
	n := NewNamer(DefaultPrefix)

	got, err := n.Collection(Thread, "abc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "nuka_thread_abc-1" {
		t.Errorf("got %q, want nuka_thread_abc-1", got)
	}

	rewritten, _ := n.Collection(Thread, "abc/1")
	if !strings.HasPrefix(rewritten, "nuka_thread_abc_1_") {
		t.Errorf("got %q, want sanitized name with hash suffix", rewritten)
	}
	again, _ := n.Collection(Thread, " abc/1 ")
	if again != rewritten {
		t.Errorf("got %q and %q for the same id", again, rewritten)
	}

	if _, err := n.Collection(Project, ""); err == nil {
		t.Error("expected error for missing partition")
	}

	got, _ = n.Collection(Agent, "ignored")
	if got != "nuka_agent_memory" {
		t.Errorf("got %q, want nuka_agent_memory", got)
	}
}

func TestDistinctPartitionsNeverShareACollection(t *testing.T) {
	n := NewNamer(DefaultPrefix)
	seen := make(map[string]string)
	for _, id := range []string{"team_alpha", "team.alpha", "team/alpha", "team alpha"} {
		name, err := n.Collection(Thread, id)
		if err != nil {
			t.Fatalf("Collection(%q): %v", id, err)
		}
		if prev, ok := seen[name]; ok {
			t.Errorf("%q and %q both map to %s", prev, id, name)
		}
		seen[name] = id

		// Names parse back to a partition that resolves to the same collection.
		_, part, ok := n.Parse(name)
		if !ok {
			t.Fatalf("Parse(%s) failed", name)
		}
		if again, _ := n.Collection(Thread, part); again != name {
			t.Errorf("partition %q resolves to %s, want %s", part, again, name)
		}
	}
}

func TestCollectionRoundTrip(t *testing.T) {
	n := NewNamer(DefaultPrefix)
	for _, s := range All() {
		name, err := n.Collection(s, "p1")
		if err != nil {
			t.Fatalf("Collection(%s): %v", s, err)
		}
		gotScope, part, ok := n.Parse(name)
		if !ok || gotScope != s {
			t.Fatalf("Parse(%q) = %s, %v; want %s", name, gotScope, ok, s)
		}
		if MustLookup(s).Partitioned() && part != "p1" {
			t.Errorf("Parse(%q) partition = %q, want p1", name, part)
		}
	}
	if _, _, ok := n.Parse("other_collection"); ok {
		t.Error("foreign collection should not parse")
	}
}

func TestStaticCollections(t *testing.T) {
	got := NewNamer("x_").Static()
	if len(got) != 4 {
		t.Fatalf("got %d static collections, want 4: %v", len(got), got)
	}
}
