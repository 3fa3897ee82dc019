package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Operation names a timed facade operation.
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpSearch Operation = "search"
)

// DefaultHistorySize bounds each rolling latency window.
const DefaultHistorySize = 100

// DefaultCapacityBytes is the storage budget utilization is measured against.
const DefaultCapacityBytes int64 = 1 << 30

// perPointOverhead approximates payload and index bytes per stored point.
const perPointOverhead = 512

// CollectionStats is the store-side view of one collection.
type CollectionStats struct {
	Name      string `json:"name"`
	Scope     string `json:"scope"`
	Entries   int    `json:"entries"`
	Archived  int    `json:"archived"`
	Dimension int    `json:"dimension"`
	Bytes     int64  `json:"estimated_bytes"`
}

// StatsSource lists per-collection stats. The memory facade implements it.
type StatsSource interface {
	CollectionStats(ctx context.Context) ([]CollectionStats, error)
}

// Config sizes the collector.
type Config struct {
	HistorySize   int   `json:"history_size"`
	CapacityBytes int64 `json:"capacity_bytes"`
}

// DefaultConfig returns the standard collector sizing.
func DefaultConfig() Config {
	return Config{HistorySize: DefaultHistorySize, CapacityBytes: DefaultCapacityBytes}
}

// Snapshot is a point-in-time view of collected metrics.
type Snapshot struct {
	CollectedAt   time.Time             `json:"collected_at"`
	Collections   []CollectionStats     `json:"collections"`
	TotalEntries  int                   `json:"total_entries"`
	TotalArchived int                   `json:"total_archived"`
	TotalBytes    int64                 `json:"total_bytes"`
	CapacityBytes int64                 `json:"capacity_bytes"`
	Utilization   float64               `json:"utilization"`
	Fragmentation float64               `json:"fragmentation"`
	Operations    map[Operation]int64   `json:"operations"`
	AvgLatencyMs  map[Operation]float64 `json:"avg_latency_ms"`
	CacheHits     int64                 `json:"cache_hits"`
	CacheMisses   int64                 `json:"cache_misses"`
	CacheHitRatio float64               `json:"cache_hit_ratio"`
	StatsError    string                `json:"stats_error,omitempty"`
}

// CacheLookups is the number of cache lookups observed.
func (s Snapshot) CacheLookups() int64 { return s.CacheHits + s.CacheMisses }

// Collector aggregates counters and rolling latencies. Safe for concurrent use.
type Collector struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	counts    map[Operation]int64
	latencies map[Operation][]time.Duration
	hits      int64
	misses    int64
}

// NewCollector creates a Collector. Zero config fields take defaults.
func NewCollector(cfg Config, logger *zap.Logger) *Collector {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.CapacityBytes <= 0 {
		cfg.CapacityBytes = DefaultCapacityBytes
	}
	return &Collector{
		cfg:       cfg,
		logger:    logger,
		counts:    make(map[Operation]int64),
		latencies: make(map[Operation][]time.Duration),
	}
}

// Record counts one operation and appends its latency, dropping the oldest
// sample once the window is full.
func (c *Collector) Record(op Operation, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[op]++
	window := append(c.latencies[op], d)
	if len(window) > c.cfg.HistorySize {
		window = window[len(window)-c.cfg.HistorySize:]
	}
	c.latencies[op] = window
}

// RecordCacheHit counts an embedding cache hit.
func (c *Collector) RecordCacheHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

// RecordCacheMiss counts an embedding cache miss.
func (c *Collector) RecordCacheMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// AvgLatency returns the mean of the current window for op.
func (c *Collector) AvgLatency(op Operation) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return mean(c.latencies[op])
}

// HistoryLen returns how many samples are held for op.
func (c *Collector) HistoryLen(op Operation) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.latencies[op])
}

// Collect takes a snapshot, reading collection stats from src when given.
// A stats failure is logged and reported in the snapshot, never returned.
func (c *Collector) Collect(ctx context.Context, src StatsSource) Snapshot {
	snap := Snapshot{
		CollectedAt:   time.Now().UTC(),
		CapacityBytes: c.cfg.CapacityBytes,
		Operations:    make(map[Operation]int64),
		AvgLatencyMs:  make(map[Operation]float64),
	}
	if src != nil {
		stats, err := src.CollectionStats(ctx)
		if err != nil {
			c.logger.Warn("collect collection stats failed", zap.Error(err))
			snap.StatsError = err.Error()
		}
		for i := range stats {
			if stats[i].Bytes == 0 {
				stats[i].Bytes = EstimateBytes(stats[i].Entries, stats[i].Dimension)
			}
			snap.TotalEntries += stats[i].Entries
			snap.TotalArchived += stats[i].Archived
			snap.TotalBytes += stats[i].Bytes
		}
		sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
		snap.Collections = stats
	}
	snap.Utilization = float64(snap.TotalBytes) / float64(snap.CapacityBytes)
	if snap.TotalEntries > 0 {
		snap.Fragmentation = float64(snap.TotalArchived) / float64(snap.TotalEntries)
	}

	c.mu.Lock()
	for op, n := range c.counts {
		snap.Operations[op] = n
	}
	for op, window := range c.latencies {
		snap.AvgLatencyMs[op] = float64(mean(window)) / float64(time.Millisecond)
	}
	snap.CacheHits, snap.CacheMisses = c.hits, c.misses
	c.mu.Unlock()

	if lookups := snap.CacheLookups(); lookups > 0 {
		snap.CacheHitRatio = float64(snap.CacheHits) / float64(lookups)
	}
	return snap
}

// EstimateBytes approximates storage for n points of the given dimension.
func EstimateBytes(n, dimension int) int64 {
	return int64(n) * int64(dimension*4+perPointOverhead)
}

func mean(window []time.Duration) time.Duration {
	if len(window) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range window {
		sum += d
	}
	return sum / time.Duration(len(window))
}
