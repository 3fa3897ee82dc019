package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/linkage"
	"github.com/nidhogg/nuka-memory/internal/metrics"
	"github.com/nidhogg/nuka-memory/internal/scope"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

// Config controls collection naming and hybrid search weighting.
type Config struct {
	CollectionPrefix  string  `json:"collection_prefix"`
	VectorWeight      float64 `json:"vector_weight"`
	LexicalWeight     float64 `json:"lexical_weight"`
	LexicalScanLimit  int     `json:"lexical_scan_limit"`
	Oversample        int     `json:"oversample"`
	DefaultLimit      int     `json:"default_limit"`
	DefaultImportance float64 `json:"default_importance"`
}

// DefaultConfig returns the standard facade settings.
func DefaultConfig() Config {
	return Config{
		CollectionPrefix:  scope.DefaultPrefix,
		VectorWeight:      0.7,
		LexicalWeight:     0.3,
		LexicalScanLimit:  500,
		Oversample:        3,
		DefaultLimit:      10,
		DefaultImportance: 0.5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.VectorWeight == 0 && c.LexicalWeight == 0 {
		c.VectorWeight, c.LexicalWeight = d.VectorWeight, d.LexicalWeight
	}
	if c.LexicalScanLimit <= 0 {
		c.LexicalScanLimit = d.LexicalScanLimit
	}
	if c.Oversample <= 0 {
		c.Oversample = d.Oversample
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = d.DefaultLimit
	}
	if c.DefaultImportance <= 0 {
		c.DefaultImportance = d.DefaultImportance
	}
	return c
}

// Linker records and queries artifact links for entries.
type Linker interface {
	Link(ctx context.Context, entryID, collection string, refs []linkage.Ref) error
	HasLinks(ctx context.Context, entryID string) (bool, error)
	Unlink(ctx context.Context, entryID string) error
}

// Bootstrapper runs once after the first successful Initialize.
type Bootstrapper interface {
	Bootstrap(ctx context.Context) error
}

// InitStatus reports what Initialize did.
type InitStatus struct {
	AlreadyInitialized bool     `json:"already_initialized"`
	Collections        []string `json:"collections"`
	BootstrapError     string   `json:"bootstrap_error,omitempty"`
}

// HealthReport is the facade's own view of its dependencies.
type HealthReport struct {
	Initialized    bool   `json:"initialized"`
	StoreReachable bool   `json:"store_reachable"`
	Collections    int    `json:"collections"`
	EmbeddingDim   int    `json:"embedding_dimension"`
	Error          string `json:"error,omitempty"`
}

// Facade is the single entry point for scoped memory reads and writes.
type Facade struct {
	store    vectorstore.Store
	embedder embedding.Provider
	namer    scope.Namer
	cfg      Config
	registry *ThreadRegistry
	logger   *zap.Logger

	metrics      *metrics.Collector
	linker       Linker
	bootstrapper Bootstrapper
	now          func() time.Time

	mu          sync.RWMutex
	initialized bool

	ensuredMu sync.Mutex
	ensured   map[string]bool
}

// New creates an uninitialized Facade.
func New(store vectorstore.Store, embedder embedding.Provider, cfg Config, logger *zap.Logger) *Facade {
	cfg = cfg.withDefaults()
	return &Facade{
		store:    store,
		embedder: embedder,
		namer:    scope.NewNamer(cfg.CollectionPrefix),
		cfg:      cfg,
		registry: NewThreadRegistry(),
		logger:   logger,
		now:      time.Now,
		ensured:  make(map[string]bool),
	}
}

// SetMetrics attaches a metrics collector.
func (f *Facade) SetMetrics(c *metrics.Collector) { f.metrics = c }

// SetLinker attaches an artifact link graph.
func (f *Facade) SetLinker(l Linker) { f.linker = l }

// SetBootstrapper sets the hook run after first initialization.
func (f *Facade) SetBootstrapper(b Bootstrapper) { f.bootstrapper = b }

// SetClock overrides the time source.
func (f *Facade) SetClock(now func() time.Time) { f.now = now }

// Now returns the facade's current time.
func (f *Facade) Now() time.Time { return f.now() }

// Registry returns the thread activity registry.
func (f *Facade) Registry() *ThreadRegistry { return f.registry }

// Namer returns the collection namer.
func (f *Facade) Namer() scope.Namer { return f.namer }

// Dimension is the embedding size used for new collections.
func (f *Facade) Dimension() int { return f.embedder.Dimension() }

// Initialized reports whether Initialize has succeeded.
func (f *Facade) Initialized() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.initialized
}

// Initialize connects to the store, ensures the unpartitioned scope
// collections and runs the bootstrapper. Repeated calls are no-ops. A store
// failure leaves the facade uninitialized; a bootstrap failure does not.
func (f *Facade) Initialize(ctx context.Context) (*InitStatus, error) {
	f.mu.Lock()
	if f.initialized {
		f.mu.Unlock()
		return &InitStatus{AlreadyInitialized: true}, nil
	}

	if _, err := f.store.ListCollections(ctx); err != nil {
		f.mu.Unlock()
		return nil, fmt.Errorf("connect vector store: %w", err)
	}
	static := f.namer.Static()
	for _, name := range static {
		if err := f.ensureCollection(ctx, name); err != nil {
			f.mu.Unlock()
			return nil, err
		}
	}
	f.initialized = true
	f.mu.Unlock()

	f.logger.Info("memory system initialized",
		zap.Strings("collections", static),
		zap.Int("dimension", f.embedder.Dimension()))

	status := &InitStatus{Collections: static}
	if f.bootstrapper != nil {
		if err := f.bootstrapper.Bootstrap(ctx); err != nil {
			f.logger.Warn("memory bootstrap failed", zap.Error(err))
			status.BootstrapError = err.Error()
		}
	}
	return status, nil
}

func (f *Facade) ready() error {
	if !f.Initialized() {
		return ErrNotInitialized
	}
	return nil
}

func (f *Facade) ensureCollection(ctx context.Context, name string) error {
	f.ensuredMu.Lock()
	defer f.ensuredMu.Unlock()
	if f.ensured[name] {
		return nil
	}
	if err := f.store.EnsureCollection(ctx, name, f.embedder.Dimension()); err != nil {
		return fmt.Errorf("ensure collection %s: %w", name, err)
	}
	f.ensured[name] = true
	return nil
}

func (f *Facade) forgetCollection(name string) {
	f.ensuredMu.Lock()
	delete(f.ensured, name)
	f.ensuredMu.Unlock()
}

func (f *Facade) record(op metrics.Operation, start time.Time) {
	if f.metrics != nil {
		f.metrics.Record(op, time.Since(start))
	}
}

// Health probes the store without failing.
func (f *Facade) Health(ctx context.Context) HealthReport {
	rep := HealthReport{Initialized: f.Initialized(), EmbeddingDim: f.embedder.Dimension()}
	names, err := f.store.ListCollections(ctx)
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	rep.StoreReachable = true
	for _, n := range names {
		if _, _, ok := f.namer.Parse(n); ok {
			rep.Collections++
		}
	}
	return rep
}
