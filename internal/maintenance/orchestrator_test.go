package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/health"
	"github.com/nidhogg/nuka-memory/internal/knowledge"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/memory/memorytest"
	"github.com/nidhogg/nuka-memory/internal/pruning"
	"github.com/nidhogg/nuka-memory/internal/scope"
	"github.com/nidhogg/nuka-memory/internal/summarizer"
)

type fakeRecorder struct {
	mu    sync.Mutex
	kinds []string
}

func (f *fakeRecorder) RecordRun(_ context.Context, kind string, _ time.Time, _ any) error {
	f.mu.Lock()
	f.kinds = append(f.kinds, kind)
	f.mu.Unlock()
	return nil
}

type fakePublisher struct {
	mu    sync.Mutex
	kinds []string
}

func (f *fakePublisher) Publish(_ context.Context, kind string, _ any) error {
	f.mu.Lock()
	f.kinds = append(f.kinds, kind)
	f.mu.Unlock()
	return nil
}

func newOrchestrator(t *testing.T, env *memorytest.Env, th health.Thresholds, withSeeder bool) *Orchestrator {
	t.Helper()
	rules := pruning.DefaultRules()
	rules.ScopeDelayMs = 0
	scfg := summarizer.DefaultConfig()
	scfg.ThreadDelayMs = 0

	monitor := health.NewMonitor(env.Collector, env.Facade, th, zap.NewNop())
	monitor.SetClock(env.Clock.Now)

	var seeder *knowledge.Seeder
	if withSeeder {
		var err error
		if seeder, err = knowledge.NewSeeder(env.Facade, zap.NewNop()); err != nil {
			t.Fatalf("new seeder: %v", err)
		}
	}
	o := New(env.Facade,
		pruning.NewEngine(env.Facade, rules, zap.NewNop()),
		summarizer.NewEngine(env.Facade, scfg, zap.NewNop()),
		monitor, seeder, DefaultIntervals(), zap.NewNop())
	o.SetClock(env.Clock.Now)
	return o
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCycleRunsOnlyDueTasks(t *testing.T) {
	env := memorytest.New(t)
	o := newOrchestrator(t, env, health.DefaultThresholds(), false)
	ctx := context.Background()

	steps := []struct {
		advance time.Duration
		ran     []string
	}{
		{0, []string{TaskSummarization, TaskPruning, TaskHealth}},
		{0, []string{}},
		{10 * time.Minute, []string{TaskHealth}},
		{time.Hour, []string{TaskSummarization, TaskHealth}},
		{24 * time.Hour, []string{TaskSummarization, TaskPruning, TaskHealth}},
	}
	for i, step := range steps {
		env.Clock.Advance(step.advance)
		rep, err := o.RunMaintenanceCycle(ctx)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if !equal(rep.Ran, step.ran) {
			t.Errorf("step %d: ran %v, want %v", i, rep.Ran, step.ran)
		}
		if !rep.Success {
			t.Errorf("step %d: errors %v", i, rep.Errors)
		}
	}
}

func TestCycleUpdatesOnlyExecutedTimestamps(t *testing.T) {
	env := memorytest.New(t)
	o := newOrchestrator(t, env, health.DefaultThresholds(), false)
	ctx := context.Background()

	start := env.Clock.Now()
	if _, err := o.RunMaintenanceCycle(ctx); err != nil {
		t.Fatal(err)
	}
	env.Clock.Advance(6 * time.Minute)
	if _, err := o.RunMaintenanceCycle(ctx); err != nil {
		t.Fatal(err)
	}
	st := o.Status()
	if !st.LastSummarization.Equal(start) || !st.LastPruning.Equal(start) {
		t.Errorf("summarization/pruning timestamps moved: %+v", st)
	}
	if !st.LastHealth.Equal(start.Add(6 * time.Minute)) {
		t.Errorf("last health = %v, want %v", st.LastHealth, start.Add(6*time.Minute))
	}
	if st.Cycles != 2 {
		t.Errorf("cycles = %d, want 2", st.Cycles)
	}
}

func TestCycleSummarizesAndRecords(t *testing.T) {
	env := memorytest.New(t)
	for i := 0; i < 30; i++ {
		env.MustWrite(t, memory.WriteRequest{
			Content:    "deployment discussion turn",
			Scope:      scope.Thread,
			ThreadID:   "t2",
			Importance: memory.Importance(0.6),
		})
		env.Clock.Advance(time.Minute)
	}
	o := newOrchestrator(t, env, health.DefaultThresholds(), false)
	rec, pub := &fakeRecorder{}, &fakePublisher{}
	o.SetRecorder(rec)
	o.SetPublisher(pub)

	rep, err := o.RunMaintenanceCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Summarization == nil || rep.Summarization.Summarized != 1 {
		t.Fatalf("summarization = %+v", rep.Summarization)
	}
	if rep.Pruning == nil || !rep.Pruning.DryRun {
		t.Errorf("pruning should run dry by default: %+v", rep.Pruning)
	}
	if !equal(rec.kinds, []string{"summarization", "pruning", "maintenance_cycle"}) {
		t.Errorf("recorded %v", rec.kinds)
	}
	if !equal(pub.kinds, []string{"maintenance.cycle"}) {
		t.Errorf("published %v", pub.kinds)
	}
}

func TestCycleRequiresInitialization(t *testing.T) {
	env := memorytest.NewUninitialized(t)
	o := newOrchestrator(t, env, health.DefaultThresholds(), false)
	if _, err := o.RunMaintenanceCycle(context.Background()); !errors.Is(err, memory.ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestInitializeKnowledgeSystem(t *testing.T) {
	env := memorytest.NewUninitialized(t)
	o := newOrchestrator(t, env, health.DefaultThresholds(), true)
	ctx := context.Background()

	rep := o.InitializeKnowledgeSystem(ctx)
	if !rep.Success {
		t.Fatalf("init errors: %v", rep.Errors)
	}
	if rep.Seed == nil || rep.Seed.Seeded == 0 {
		t.Errorf("seed = %+v", rep.Seed)
	}
	if rep.Health == nil || rep.Health.Status != health.Healthy {
		t.Errorf("health = %+v", rep.Health)
	}
	for _, name := range []string{"pruning", "summarization", "health", "knowledge", "maintenance"} {
		if _, ok := rep.Components[name]; !ok {
			t.Errorf("component %s not probed", name)
		}
	}

	again := o.InitializeKnowledgeSystem(ctx)
	if !again.Memory.AlreadyInitialized || !again.Seed.Skipped {
		t.Errorf("second init should be a no-op: %+v %+v", again.Memory, again.Seed)
	}
}

func TestSystemHealthStates(t *testing.T) {
	env := memorytest.NewUninitialized(t)
	th := health.DefaultThresholds()
	th.Utilization = health.Threshold{Warning: 1e-12, Critical: 1}
	o := newOrchestrator(t, env, th, false)
	ctx := context.Background()

	if sh := o.SystemHealth(ctx); sh.Status != SystemDegraded {
		t.Fatalf("uninitialized status = %s, want degraded", sh.Status)
	}

	if _, err := env.Facade.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	env.MustWrite(t, memory.WriteRequest{Content: "old project note", Scope: scope.Project, ProjectID: "p", Importance: memory.Importance(0.1)})
	env.Clock.Advance(100 * 24 * time.Hour)

	sh := o.SystemHealth(ctx)
	if sh.Status != SystemHealthy {
		t.Fatalf("status = %s, errors %v", sh.Status, sh.Errors)
	}
	if sh.Candidates["PROJECT"] != 1 {
		t.Errorf("candidates = %v", sh.Candidates)
	}

	for i := 0; i <= UnhealthyAlertCount; i++ {
		o.monitor.Check(ctx)
	}
	if sh := o.SystemHealth(ctx); sh.Status != SystemUnhealthy || sh.Alerts <= UnhealthyAlertCount {
		t.Errorf("status = %s alerts = %d, want unhealthy", sh.Status, sh.Alerts)
	}
}

func TestStartStop(t *testing.T) {
	env := memorytest.New(t)
	o := newOrchestrator(t, env, health.DefaultThresholds(), false)
	o.poll = 5 * time.Millisecond

	o.Start(context.Background())
	o.Start(context.Background())
	if !o.Status().Running {
		t.Fatal("orchestrator should be running")
	}
	deadline := time.Now().Add(2 * time.Second)
	for o.Status().Cycles == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	o.Stop()
	o.Stop()
	st := o.Status()
	if st.Running || st.Cycles == 0 {
		t.Errorf("status after stop = %+v", st)
	}
}
