package memory

import (
	"sort"
	"sync"
	"time"
)

// ThreadActivity tracks one conversation thread.
type ThreadActivity struct {
	ThreadID string `json:"thread_id"`
	// TurnsSinceSummary counts writes since the last summary.
	TurnsSinceSummary int       `json:"turns_since_summary"`
	LastWrite         time.Time `json:"last_write"`
	LastSummarized    time.Time `json:"last_summarized,omitempty"`
}

// ThreadRegistry records thread activity for the summarizer. It is owned by
// a Facade instance, never shared globally.
type ThreadRegistry struct {
	mu      sync.Mutex
	threads map[string]*ThreadActivity
}

// NewThreadRegistry creates an empty registry.
func NewThreadRegistry() *ThreadRegistry {
	return &ThreadRegistry{threads: make(map[string]*ThreadActivity)}
}

// Touch records a turn written to a thread.
func (r *ThreadRegistry) Touch(threadID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.get(threadID)
	a.TurnsSinceSummary++
	if at.After(a.LastWrite) {
		a.LastWrite = at
	}
}

// MarkSummarized resets the turn counter after a summary is written.
func (r *ThreadRegistry) MarkSummarized(threadID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.get(threadID)
	a.TurnsSinceSummary = 0
	a.LastSummarized = at
}

// Get returns a copy of one thread's activity.
func (r *ThreadRegistry) Get(threadID string) (ThreadActivity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.threads[threadID]
	if !ok {
		return ThreadActivity{}, false
	}
	return *a, true
}

// Threads returns all tracked threads, most recently written first.
func (r *ThreadRegistry) Threads() []ThreadActivity {
	r.mu.Lock()
	out := make([]ThreadActivity, 0, len(r.threads))
	for _, a := range r.threads {
		out = append(out, *a)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastWrite.Equal(out[j].LastWrite) {
			return out[i].ThreadID < out[j].ThreadID
		}
		return out[i].LastWrite.After(out[j].LastWrite)
	})
	return out
}

// Forget drops a thread, e.g. after its collection is removed.
func (r *ThreadRegistry) Forget(threadID string) {
	r.mu.Lock()
	delete(r.threads, threadID)
	r.mu.Unlock()
}

func (r *ThreadRegistry) get(threadID string) *ThreadActivity {
	a, ok := r.threads[threadID]
	if !ok {
		a = &ThreadActivity{ThreadID: threadID}
		r.threads[threadID] = a
	}
	return a
}
