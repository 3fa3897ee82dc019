package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/metrics"
)

// DefaultAlertHistory bounds the retained alert history.
const DefaultAlertHistory = 100

// Report is the outcome of one health check.
type Report struct {
	Status    Status           `json:"status"`
	Alerts    []Alert          `json:"alerts"`
	Snapshot  metrics.Snapshot `json:"snapshot"`
	CheckedAt time.Time        `json:"checked_at"`
	Error     string           `json:"error,omitempty"`
}

// Notifier delivers unhealthy reports somewhere a human will see them.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, rep *Report) error
}

// MonitorStatus summarizes the monitor for composite health.
type MonitorStatus struct {
	LastStatus        Status    `json:"last_status"`
	LastCheck         time.Time `json:"last_check,omitempty"`
	Checks            int       `json:"checks"`
	AccumulatedAlerts int       `json:"accumulated_alerts"`
	Notifiers         []string  `json:"notifiers"`
}

// Monitor evaluates metrics snapshots and keeps an alert history.
type Monitor struct {
	collector  *metrics.Collector
	source     metrics.StatsSource
	thresholds Thresholds
	logger     *zap.Logger
	now        func() time.Time

	mu         sync.Mutex
	notifiers  []Notifier
	history    []Alert
	maxHistory int
	last       *Report
	checks     int
}

// NewMonitor creates a monitor over collector and source.
func NewMonitor(collector *metrics.Collector, source metrics.StatsSource, th Thresholds, logger *zap.Logger) *Monitor {
	return &Monitor{
		collector:  collector,
		source:     source,
		thresholds: th,
		logger:     logger,
		now:        time.Now,
		maxHistory: DefaultAlertHistory,
	}
}

// AddNotifier registers an alert sink.
func (m *Monitor) AddNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

// SetClock replaces the time source used to stamp reports.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// SetHistoryLimit changes how many alerts are retained.
func (m *Monitor) SetHistoryLimit(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.maxHistory = n
	}
}

// Check collects metrics, evaluates thresholds and notifies on anything
// other than HEALTHY. Notifier failures are logged only.
func (m *Monitor) Check(ctx context.Context) *Report {
	snap := m.collector.Collect(ctx, m.source)
	now := m.now()
	alerts := Evaluate(snap, m.thresholds, now)

	var checkErr error
	if snap.StatsError != "" {
		checkErr = errors.New(snap.StatsError)
	}
	rep := &Report{
		Status:    ResolveStatus(alerts, checkErr),
		Alerts:    alerts,
		Snapshot:  snap,
		CheckedAt: now,
		Error:     snap.StatsError,
	}
	if rep.Alerts == nil {
		rep.Alerts = []Alert{}
	}

	m.mu.Lock()
	m.checks++
	m.last = rep
	m.history = append(m.history, alerts...)
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
	notifiers := append([]Notifier(nil), m.notifiers...)
	m.mu.Unlock()

	m.logger.Info("health check",
		zap.String("status", string(rep.Status)),
		zap.Int("alerts", len(alerts)),
		zap.Float64("utilization", snap.Utilization))

	if rep.Status != Healthy {
		for _, n := range notifiers {
			if err := n.Notify(ctx, rep); err != nil {
				m.logger.Warn("alert notification failed", zap.String("notifier", n.Name()), zap.Error(err))
			}
		}
	}
	return rep
}

// Last returns the most recent report, or nil before the first check.
func (m *Monitor) Last() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Alerts returns a copy of the retained alert history, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.history...)
}

// AccumulatedAlerts is the number of retained alerts.
func (m *Monitor) AccumulatedAlerts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// ClearAlerts drops the retained history, e.g. after an operator ack.
func (m *Monitor) ClearAlerts() {
	m.mu.Lock()
	m.history = nil
	m.mu.Unlock()
}

// Status reports the monitor's state.
func (m *Monitor) Status() MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := MonitorStatus{Checks: m.checks, AccumulatedAlerts: len(m.history), LastStatus: Healthy}
	if m.last != nil {
		st.LastStatus = m.last.Status
		st.LastCheck = m.last.CheckedAt
	}
	for _, n := range m.notifiers {
		st.Notifiers = append(st.Notifiers, n.Name())
	}
	return st
}
