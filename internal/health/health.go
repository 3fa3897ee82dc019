package health

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nidhogg/nuka-memory/internal/metrics"
)

// Status is the overall health verdict.
type Status string

const (
	Healthy  Status = "HEALTHY"
	Warning  Status = "WARNING"
	Error    Status = "ERROR"
	Critical Status = "CRITICAL"
)

// Severity grades a single alert.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Threshold is a two-tier limit. Inverted thresholds alert when the value
// falls to or below the limit instead of rising above it.
type Threshold struct {
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
	Inverted bool    `json:"inverted"`
}

// Thresholds configures every evaluated metric.
type Thresholds struct {
	Utilization     Threshold `json:"utilization"`
	SearchLatencyMs Threshold `json:"search_latency_ms"`
	CacheHitRatio   Threshold `json:"cache_hit_ratio"`
	Fragmentation   Threshold `json:"fragmentation"`
}

// DefaultThresholds returns the standard alert limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Utilization:     Threshold{Warning: 0.80, Critical: 0.90},
		SearchLatencyMs: Threshold{Warning: 1000, Critical: 3000},
		CacheHitRatio:   Threshold{Warning: 0.5, Critical: 0.3, Inverted: true},
		Fragmentation:   Threshold{Warning: 0.3, Critical: 0.5},
	}
}

// Alert is one threshold breach.
type Alert struct {
	Severity    Severity  `json:"severity"`
	Metric      string    `json:"metric"`
	Message     string    `json:"message"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	Suggestions []string  `json:"suggestions"`
	RaisedAt    time.Time `json:"raised_at"`
}

// Check grades value against t. ok is false when no tier is breached.
func (t Threshold) Check(value float64) (sev Severity, limit float64, ok bool) {
	breached := func(limit float64) bool {
		if t.Inverted {
			return value <= limit
		}
		return value >= limit
	}
	switch {
	case breached(t.Critical):
		return SeverityCritical, t.Critical, true
	case breached(t.Warning):
		return SeverityWarning, t.Warning, true
	}
	return "", 0, false
}

// Evaluate compares a metrics snapshot against thresholds.
func Evaluate(snap metrics.Snapshot, th Thresholds, now time.Time) []Alert {
	var alerts []Alert
	raise := func(metric string, t Threshold, value float64, msg func(Severity) string, suggestions []string) {
		sev, limit, ok := t.Check(value)
		if !ok {
			return
		}
		alerts = append(alerts, Alert{
			Severity:    sev,
			Metric:      metric,
			Message:     msg(sev),
			Value:       value,
			Threshold:   limit,
			Suggestions: suggestions,
			RaisedAt:    now,
		})
	}

	raise("utilization", th.Utilization, snap.Utilization, func(Severity) string {
		return fmt.Sprintf("storage at %.0f%% of capacity (%s of %s)",
			snap.Utilization*100,
			humanize.IBytes(uint64(snap.TotalBytes)),
			humanize.IBytes(uint64(snap.CapacityBytes)))
	}, []string{
		"run pruning without dry run",
		"summarize long threads",
		"lower per-scope entry caps",
	})

	if snap.Operations[metrics.OpSearch] > 0 {
		latency := snap.AvgLatencyMs[metrics.OpSearch]
		raise("search_latency_ms", th.SearchLatencyMs, latency, func(Severity) string {
			return fmt.Sprintf("average search latency %.0fms", latency)
		}, []string{
			"reduce the lexical scan limit",
			"archive or prune large collections",
			"check vector store load",
		})
	}

	if snap.CacheLookups() > 0 {
		raise("cache_hit_ratio", th.CacheHitRatio, snap.CacheHitRatio, func(Severity) string {
			return fmt.Sprintf("embedding cache hit ratio %.0f%% over %s lookups",
				snap.CacheHitRatio*100, humanize.Comma(snap.CacheLookups()))
		}, []string{
			"increase embedding cache size",
			"use the shared redis cache across processes",
		})
	}

	if snap.TotalEntries > 0 {
		raise("fragmentation", th.Fragmentation, snap.Fragmentation, func(Severity) string {
			return fmt.Sprintf("%s of %s entries archived (%.0f%%)",
				humanize.Comma(int64(snap.TotalArchived)),
				humanize.Comma(int64(snap.TotalEntries)),
				snap.Fragmentation*100)
		}, []string{
			"export and drop archived entries",
			"shorten max ages for archived-heavy scopes",
		})
	}
	return alerts
}

// ResolveStatus applies CRITICAL > ERROR > WARNING > HEALTHY.
func ResolveStatus(alerts []Alert, checkErr error) Status {
	warning := false
	for _, a := range alerts {
		if a.Severity == SeverityCritical {
			return Critical
		}
		if a.Severity == SeverityWarning {
			warning = true
		}
	}
	if checkErr != nil {
		return Error
	}
	if warning {
		return Warning
	}
	return Healthy
}
