package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/events"
	"github.com/nidhogg/nuka-memory/internal/health"
	"github.com/nidhogg/nuka-memory/internal/knowledge"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/pruning"
	"github.com/nidhogg/nuka-memory/internal/summarizer"
)

// UnhealthyAlertCount is the accumulated alert count above which the
// system is reported unhealthy.
const UnhealthyAlertCount = 10

// Intervals sets how often each maintenance task may run.
type Intervals struct {
	SummarizationMinutes int `json:"summarization_minutes"`
	PruningMinutes       int `json:"pruning_minutes"`
	HealthMinutes        int `json:"health_minutes"`
	// PollSeconds is how often the background loop checks for due tasks.
	PollSeconds int `json:"poll_seconds"`
}

// DefaultIntervals runs summarization hourly, pruning daily and health
// checks every five minutes.
func DefaultIntervals() Intervals {
	return Intervals{
		SummarizationMinutes: 60,
		PruningMinutes:       24 * 60,
		HealthMinutes:        5,
		PollSeconds:          60,
	}
}

func (i Intervals) withDefaults() Intervals {
	d := DefaultIntervals()
	if i.SummarizationMinutes <= 0 {
		i.SummarizationMinutes = d.SummarizationMinutes
	}
	if i.PruningMinutes <= 0 {
		i.PruningMinutes = d.PruningMinutes
	}
	if i.HealthMinutes <= 0 {
		i.HealthMinutes = d.HealthMinutes
	}
	if i.PollSeconds <= 0 {
		i.PollSeconds = d.PollSeconds
	}
	return i
}

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

// Task names used in reports and the run ledger.
const (
	TaskSummarization = "summarization"
	TaskPruning       = "pruning"
	TaskHealth        = "health"
)

// Recorder persists completed runs.
type Recorder interface {
	RecordRun(ctx context.Context, kind string, startedAt time.Time, payload any) error
}

// Publisher announces completed runs.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload any) error
}

// CycleReport describes one maintenance cycle.
type CycleReport struct {
	StartedAt     time.Time          `json:"started_at"`
	Ran           []string           `json:"ran"`
	Skipped       []string           `json:"skipped"`
	Summarization *summarizer.Report `json:"summarization,omitempty"`
	Pruning       *pruning.Report    `json:"pruning,omitempty"`
	Health        *health.Report     `json:"health,omitempty"`
	Errors        []string           `json:"errors"`
	Success       bool               `json:"success"`
}

// Succeeded reports whether every executed task finished cleanly.
func (r *CycleReport) Succeeded() bool { return r.Success }

// InitReport describes InitializeKnowledgeSystem.
type InitReport struct {
	Memory     *memory.InitStatus     `json:"memory,omitempty"`
	Seed       *knowledge.SeedReport  `json:"seed,omitempty"`
	Components map[string]interface{} `json:"components"`
	Health     *health.Report         `json:"health,omitempty"`
	Errors     []string               `json:"errors"`
	Success    bool                   `json:"success"`
}

// SystemHealth is the composite health view.
type SystemHealth struct {
	Status     string                 `json:"status"`
	CheckedAt  time.Time              `json:"checked_at"`
	Memory     memory.HealthReport    `json:"memory"`
	Components map[string]interface{} `json:"components"`
	Candidates map[string]int         `json:"pruning_candidates"`
	Alerts     int                    `json:"accumulated_alerts"`
	Errors     []string               `json:"errors"`
}

// Composite health states.
const (
	SystemHealthy   = "healthy"
	SystemDegraded  = "degraded"
	SystemUnhealthy = "unhealthy"
)

// Status reports scheduling state.
type Status struct {
	Intervals         Intervals `json:"intervals"`
	LastSummarization time.Time `json:"last_summarization,omitempty"`
	LastPruning       time.Time `json:"last_pruning,omitempty"`
	LastHealth        time.Time `json:"last_health,omitempty"`
	Cycles            int       `json:"cycles"`
	Running           bool      `json:"running"`
}

// Orchestrator runs summarization, pruning and health checks on their
// intervals.
type Orchestrator struct {
	mem        *memory.Facade
	pruner     *pruning.Engine
	summarizer *summarizer.Engine
	monitor    *health.Monitor
	seeder     *knowledge.Seeder
	intervals  Intervals
	recorder   Recorder
	publisher  Publisher
	logger     *zap.Logger
	now        func() time.Time
	poll       time.Duration

	mu                sync.Mutex
	lastSummarization time.Time
	lastPruning       time.Time
	lastHealth        time.Time
	cycles            int
	cancel            context.CancelFunc
	done              chan struct{}
}

// New creates an orchestrator. seeder may be nil.
func New(mem *memory.Facade, pruner *pruning.Engine, summ *summarizer.Engine, monitor *health.Monitor, seeder *knowledge.Seeder, intervals Intervals, logger *zap.Logger) *Orchestrator {
	intervals = intervals.withDefaults()
	return &Orchestrator{
		mem:        mem,
		pruner:     pruner,
		summarizer: summ,
		monitor:    monitor,
		seeder:     seeder,
		intervals:  intervals,
		logger:     logger,
		now:        time.Now,
		poll:       time.Duration(intervals.PollSeconds) * time.Second,
	}
}

// SetRecorder enables run ledger recording.
func (o *Orchestrator) SetRecorder(r Recorder) { o.recorder = r }

// SetPublisher enables event publishing.
func (o *Orchestrator) SetPublisher(p Publisher) { o.publisher = p }

// SetClock replaces the scheduling time source.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// due reports whether a task last run at last is due at now.
func due(last, now time.Time, every time.Duration) bool {
	return last.IsZero() || now.Sub(last) >= every
}

// RunMaintenanceCycle runs each task whose interval has elapsed. Only the
// timestamps of executed tasks are updated.
func (o *Orchestrator) RunMaintenanceCycle(ctx context.Context) (*CycleReport, error) {
	if !o.mem.Initialized() {
		return nil, memory.ErrNotInitialized
	}
	now := o.now()
	o.mu.Lock()
	runSumm := due(o.lastSummarization, now, minutes(o.intervals.SummarizationMinutes))
	runPrune := due(o.lastPruning, now, minutes(o.intervals.PruningMinutes))
	runHealth := due(o.lastHealth, now, minutes(o.intervals.HealthMinutes))
	o.mu.Unlock()

	rep := &CycleReport{StartedAt: now, Ran: []string{}, Skipped: []string{}, Errors: []string{}}

	if runSumm {
		r, err := o.summarizer.SummarizeAll(ctx)
		rep.Summarization = r
		o.mark(TaskSummarization, now)
		rep.Ran = append(rep.Ran, TaskSummarization)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("summarization: %v", err))
		} else if r.Errors > 0 {
			rep.Errors = append(rep.Errors, fmt.Sprintf("summarization: %d thread errors", r.Errors))
		}
		o.record(ctx, "summarization", now, r)
	} else {
		rep.Skipped = append(rep.Skipped, TaskSummarization)
	}
	if ctx.Err() != nil {
		return rep, ctx.Err()
	}

	if runPrune {
		r, err := o.pruner.PruneAll(ctx, o.pruner.Rules().DryRun)
		rep.Pruning = r
		o.mark(TaskPruning, now)
		rep.Ran = append(rep.Ran, TaskPruning)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("pruning: %v", err))
		} else if r.Errors > 0 {
			rep.Errors = append(rep.Errors, fmt.Sprintf("pruning: %d item errors", r.Errors))
		}
		o.record(ctx, "pruning", now, r)
	} else {
		rep.Skipped = append(rep.Skipped, TaskPruning)
	}
	if ctx.Err() != nil {
		return rep, ctx.Err()
	}

	if runHealth {
		rep.Health = o.monitor.Check(ctx)
		o.mark(TaskHealth, now)
		rep.Ran = append(rep.Ran, TaskHealth)
		if rep.Health.Error != "" {
			rep.Errors = append(rep.Errors, fmt.Sprintf("health: %s", rep.Health.Error))
		}
	} else {
		rep.Skipped = append(rep.Skipped, TaskHealth)
	}

	rep.Success = len(rep.Errors) == 0
	o.mu.Lock()
	o.cycles++
	o.mu.Unlock()

	o.logger.Info("maintenance cycle complete",
		zap.Strings("ran", rep.Ran),
		zap.Strings("skipped", rep.Skipped),
		zap.Int("errors", len(rep.Errors)))
	o.record(ctx, "maintenance_cycle", now, rep)
	if o.publisher != nil && len(rep.Ran) > 0 {
		if err := o.publisher.Publish(ctx, events.KindMaintenanceCycle, rep); err != nil {
			o.logger.Warn("publish maintenance cycle failed", zap.Error(err))
		}
	}
	return rep, nil
}

func (o *Orchestrator) mark(task string, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch task {
	case TaskSummarization:
		o.lastSummarization = at
	case TaskPruning:
		o.lastPruning = at
	case TaskHealth:
		o.lastHealth = at
	}
}

func (o *Orchestrator) record(ctx context.Context, kind string, at time.Time, payload any) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordRun(ctx, kind, at, payload); err != nil {
		o.logger.Warn("record run failed", zap.String("kind", kind), zap.Error(err))
	}
}

// InitializeKnowledgeSystem initializes memory, seeds knowledge, probes
// each component and runs a first health check. Partial failures are
// collected; only a failed memory initialization stops the sequence.
func (o *Orchestrator) InitializeKnowledgeSystem(ctx context.Context) *InitReport {
	rep := &InitReport{Components: make(map[string]interface{}), Errors: []string{}}

	status, err := o.mem.Initialize(ctx)
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("memory: %v", err))
		o.logger.Error("knowledge system initialization failed", zap.Error(err))
		return rep
	}
	rep.Memory = status
	if status.BootstrapError != "" {
		rep.Errors = append(rep.Errors, fmt.Sprintf("bootstrap: %s", status.BootstrapError))
	}

	if o.seeder != nil {
		seed, err := o.seeder.Seed(ctx, false)
		switch {
		case err != nil:
			rep.Errors = append(rep.Errors, fmt.Sprintf("seed: %v", err))
		case !seed.Success():
			rep.Errors = append(rep.Errors, fmt.Sprintf("seed: %d entries failed", len(seed.Errors)))
		}
		rep.Seed = seed
	}

	o.probe(rep.Components)

	rep.Health = o.monitor.Check(ctx)
	o.mark(TaskHealth, o.now())
	if rep.Health.Error != "" {
		rep.Errors = append(rep.Errors, fmt.Sprintf("health: %s", rep.Health.Error))
	}

	rep.Success = len(rep.Errors) == 0
	o.logger.Info("knowledge system initialized",
		zap.Bool("success", rep.Success),
		zap.String("health", string(rep.Health.Status)))
	return rep
}

func (o *Orchestrator) probe(into map[string]interface{}) {
	into["pruning"] = o.pruner.Status()
	into["summarization"] = o.summarizer.Status()
	into["health"] = o.monitor.Status()
	into["maintenance"] = o.Status()
	if o.seeder != nil {
		into["knowledge"] = o.seeder.Status()
	}
}

// SystemHealth merges memory health, component status and pruning
// candidates. Component errors degrade the system; too many accumulated
// alerts make it unhealthy.
func (o *Orchestrator) SystemHealth(ctx context.Context) *SystemHealth {
	sh := &SystemHealth{
		Status:     SystemHealthy,
		CheckedAt:  o.now(),
		Memory:     o.mem.Health(ctx),
		Components: make(map[string]interface{}),
		Candidates: map[string]int{},
		Errors:     []string{},
	}
	o.probe(sh.Components)

	if sh.Memory.Error != "" {
		sh.Errors = append(sh.Errors, "memory: "+sh.Memory.Error)
	} else if !sh.Memory.Initialized {
		sh.Errors = append(sh.Errors, "memory: "+memory.ErrNotInitialized.Error())
	}
	if sh.Memory.Initialized {
		cands, err := o.pruner.Candidates(ctx)
		if err != nil && !errors.Is(err, memory.ErrNotInitialized) {
			sh.Errors = append(sh.Errors, fmt.Sprintf("pruning candidates: %v", err))
		}
		sh.Candidates = cands
	}
	if last := o.monitor.Last(); last != nil && last.Error != "" {
		sh.Errors = append(sh.Errors, "health: "+last.Error)
	}

	sh.Alerts = o.monitor.AccumulatedAlerts()
	switch {
	case sh.Alerts > UnhealthyAlertCount:
		sh.Status = SystemUnhealthy
	case len(sh.Errors) > 0:
		sh.Status = SystemDegraded
	}
	return sh
}

// Status reports scheduling state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Intervals:         o.intervals,
		LastSummarization: o.lastSummarization,
		LastPruning:       o.lastPruning,
		LastHealth:        o.lastHealth,
		Cycles:            o.cycles,
		Running:           o.cancel != nil,
	}
}

// Start runs maintenance cycles in the background every poll interval.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.cancel != nil {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	done := o.done
	o.mu.Unlock()

	go o.loop(ctx, done)
	o.logger.Info("maintenance loop started",
		zap.Int("poll_seconds", o.intervals.PollSeconds))
}

// Stop halts the background loop and waits for an in-flight cycle.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	o.logger.Info("maintenance loop stopped")
}

func (o *Orchestrator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.RunMaintenanceCycle(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("maintenance cycle failed", zap.Error(err))
			}
		}
	}
}
