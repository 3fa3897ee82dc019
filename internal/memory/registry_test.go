package memory

import (
	"testing"
	"time"
)

var fixedTime = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func TestRegistryOrdersByLastWrite(t *testing.T) {
	r := NewThreadRegistry()
	r.Touch("old", fixedTime)
	r.Touch("new", fixedTime.Add(time.Hour))
	r.Touch("old", fixedTime.Add(-time.Hour))

	got := r.Threads()
	if len(got) != 2 || got[0].ThreadID != "new" {
		t.Fatalf("got %+v, want new first", got)
	}
	if got[1].TurnsSinceSummary != 2 || !got[1].LastWrite.Equal(fixedTime) {
		t.Errorf("got %+v, want 2 turns and unchanged last write", got[1])
	}

	r.Forget("new")
	if _, ok := r.Get("new"); ok {
		t.Error("forgotten thread still present")
	}
}
