// Package memorytest builds in-process memory facades for tests.
package memorytest

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/metrics"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

// Dimension is the hash embedding size used by test facades.
const Dimension = 64

// Clock is a settable time source.
type Clock struct{ T time.Time }

// Now returns the current fake time.
func (c *Clock) Now() time.Time { return c.T }

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// Env bundles a facade with its backing pieces.
type Env struct {
	Facade    *memory.Facade
	Store     *vectorstore.ChromemStore
	Collector *metrics.Collector
	Clock     *Clock
}

// New returns an initialized facade on a chromem store and hash embedder.
func New(t testing.TB) *Env {
	t.Helper()
	env := NewUninitialized(t)
	if _, err := env.Facade.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize memory: %v", err)
	}
	return env
}

// NewUninitialized returns a facade that has not been initialized.
func NewUninitialized(t testing.TB) *Env {
	t.Helper()
	store := vectorstore.NewChromemStore()
	collector := metrics.NewCollector(metrics.DefaultConfig(), zap.NewNop())
	clock := &Clock{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	f := memory.New(store, embedding.NewHashProvider(Dimension), memory.DefaultConfig(), zap.NewNop())
	f.SetMetrics(collector)
	f.SetClock(clock.Now)
	return &Env{Facade: f, Store: store, Collector: collector, Clock: clock}
}

// MustWrite writes and fails the test on error.
func (e *Env) MustWrite(t testing.TB, req memory.WriteRequest) string {
	t.Helper()
	id, err := e.Facade.Write(context.Background(), req)
	if err != nil {
		t.Fatalf("write %q: %v", req.Content, err)
	}
	return id
}
