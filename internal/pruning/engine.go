package pruning

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/scope"
)

// CollectionResult reports pruning of one collection.
type CollectionResult struct {
	Collection string   `json:"collection"`
	Examined   int      `json:"examined"`
	Pruned     int      `json:"pruned"`
	Archived   int      `json:"archived"`
	BytesFreed int64    `json:"bytes_freed"`
	Errors     []string `json:"errors,omitempty"`
}

// ScopeResult aggregates pruning of every collection in a scope.
type ScopeResult struct {
	Scope       scope.Scope        `json:"scope"`
	DryRun      bool               `json:"dry_run"`
	Skipped     string             `json:"skipped,omitempty"`
	Collections []CollectionResult `json:"collections"`
	Examined    int                `json:"examined"`
	Pruned      int                `json:"pruned"`
	Archived    int                `json:"archived"`
	BytesFreed  int64              `json:"bytes_freed"`
	Errors      []string           `json:"errors,omitempty"`
}

func (r *ScopeResult) add(c CollectionResult) {
	r.Collections = append(r.Collections, c)
	r.Examined += c.Examined
	r.Pruned += c.Pruned
	r.Archived += c.Archived
	r.BytesFreed += c.BytesFreed
	r.Errors = append(r.Errors, c.Errors...)
}

// Report is the outcome of PruneAll.
type Report struct {
	DryRun     bool           `json:"dry_run"`
	StartedAt  time.Time      `json:"started_at"`
	Duration   time.Duration  `json:"duration"`
	Scopes     []*ScopeResult `json:"scopes"`
	Examined   int            `json:"examined"`
	Pruned     int            `json:"pruned"`
	Archived   int            `json:"archived"`
	BytesFreed int64          `json:"bytes_freed"`
	Errors     int            `json:"errors"`
}

// Succeeded reports whether the run finished without item errors.
func (r *Report) Succeeded() bool { return r.Errors == 0 }

// Status summarizes the engine for health reporting.
type Status struct {
	Rules      Rules     `json:"rules"`
	LastRun    time.Time `json:"last_run,omitempty"`
	LastDryRun bool      `json:"last_dry_run"`
	LastPruned int       `json:"last_pruned"`
	Runs       int       `json:"runs"`
}

// Engine applies Rules to stored memories through the facade.
type Engine struct {
	mem    *memory.Facade
	rules  Rules
	logger *zap.Logger

	mu     sync.Mutex
	status Status
}

// NewEngine creates a pruning engine.
func NewEngine(mem *memory.Facade, rules Rules, logger *zap.Logger) *Engine {
	return &Engine{mem: mem, rules: rules, logger: logger, status: Status{Rules: rules}}
}

// Rules returns the engine's policy.
func (e *Engine) Rules() Rules { return e.rules }

// PruneScope prunes every collection of s. In dry run nothing is mutated.
func (e *Engine) PruneScope(ctx context.Context, s scope.Scope, dryRun bool) (*ScopeResult, error) {
	spec, ok := scope.Lookup(s)
	if !ok {
		return nil, fmt.Errorf("unknown scope %q", s)
	}
	res := &ScopeResult{Scope: s, DryRun: dryRun}
	if !spec.Prunable {
		res.Skipped = "scope is not prunable"
		return res, nil
	}
	refs, err := e.mem.Collections(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("list %s collections: %w", s.Label(), err)
	}
	plans := make([]*collectionPlan, 0, len(refs))
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		plans = append(plans, e.planCollection(ctx, ref.Name))
	}
	// THREAD caps each conversation; other scopes cap the scope as a whole.
	if s == scope.Thread {
		for _, p := range plans {
			e.applyCap(ctx, []*collectionPlan{p}, e.rules.Cap(s))
		}
	} else {
		e.applyCap(ctx, plans, e.rules.Cap(s))
	}
	for _, p := range plans {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.add(e.execute(ctx, p, dryRun))
	}
	e.logger.Info("pruned scope",
		zap.String("scope", s.Label()),
		zap.Bool("dry_run", dryRun),
		zap.Int("examined", res.Examined),
		zap.Int("pruned", res.Pruned),
		zap.Int("archived", res.Archived))
	return res, nil
}

type planned struct {
	entry  memory.Entry
	action Action
}

// collectionPlan is the classification of one whole collection.
type collectionPlan struct {
	collection string
	examined   int
	live       int
	plan       []planned
	spare      []memory.Entry // kept but not protected
	errors     []string
}

func (e *Engine) planCollection(ctx context.Context, collection string) *collectionPlan {
	p := &collectionPlan{collection: collection}
	now := e.mem.Now()
	err := e.mem.ScanEntries(ctx, collection, e.rules.BatchSize, func(page []memory.Entry) error {
		p.examined += len(page)
		for _, entry := range page {
			d := Evaluate(entry, now, e.rules)
			if d.Action == Keep {
				if !entry.Archived() {
					p.live++
					if !d.Protected {
						p.spare = append(p.spare, entry)
					}
				}
				continue
			}
			action := Disposition(entry, e.rules, e.mem.Linked(ctx, entry))
			if action == Archive && entry.Archived() {
				continue
			}
			p.plan = append(p.plan, planned{entry: entry, action: action})
		}
		return nil
	})
	if err != nil {
		p.errors = append(p.errors, err.Error())
	}
	return p
}

// applyCap turns the least important, oldest unprotected entries across
// plans into candidates until the live count fits limit.
func (e *Engine) applyCap(ctx context.Context, plans []*collectionPlan, limit int) {
	if limit <= 0 {
		return
	}
	live := 0
	var spare []memory.Entry
	byCollection := make(map[string]*collectionPlan, len(plans))
	for _, p := range plans {
		live += p.live
		spare = append(spare, p.spare...)
		byCollection[p.collection] = p
	}
	if live <= limit {
		return
	}
	sort.Slice(spare, func(i, j int) bool {
		if spare[i].Importance == spare[j].Importance {
			return spare[i].CreatedAt.Before(spare[j].CreatedAt)
		}
		return spare[i].Importance < spare[j].Importance
	})
	overflow := min(live-limit, len(spare))
	for _, entry := range spare[:overflow] {
		p := byCollection[entry.Collection]
		p.plan = append(p.plan, planned{entry: entry, action: Disposition(entry, e.rules, e.mem.Linked(ctx, entry))})
	}
}

func (e *Engine) execute(ctx context.Context, p *collectionPlan, dryRun bool) CollectionResult {
	out := CollectionResult{Collection: p.collection, Examined: p.examined, Errors: p.errors}
	dim := e.mem.Dimension()
	for _, pl := range p.plan {
		switch pl.action {
		case Archive:
			if !dryRun {
				if err := e.mem.Archive(ctx, p.collection, pl.entry.ID); err != nil {
					out.Errors = append(out.Errors, err.Error())
					continue
				}
			}
			out.Archived++
		case Delete:
			if !dryRun {
				if err := e.mem.Delete(ctx, p.collection, pl.entry.ID); err != nil {
					out.Errors = append(out.Errors, err.Error())
					continue
				}
			}
			out.Pruned++
			out.BytesFreed += int64(pl.entry.SizeBytes() + dim*4)
		}
	}
	return out
}

// PruneAll prunes every prunable scope, pausing between scopes.
func (e *Engine) PruneAll(ctx context.Context, dryRun bool) (*Report, error) {
	rep := &Report{DryRun: dryRun, StartedAt: time.Now()}
	prunable := prunableScopes()
	for i, s := range prunable {
		res, err := e.PruneScope(ctx, s, dryRun)
		if err != nil {
			if ctx.Err() != nil {
				return rep, err
			}
			e.logger.Warn("prune scope failed", zap.String("scope", s.Label()), zap.Error(err))
			res = &ScopeResult{Scope: s, DryRun: dryRun, Errors: []string{err.Error()}}
		}
		rep.Scopes = append(rep.Scopes, res)
		rep.Examined += res.Examined
		rep.Pruned += res.Pruned
		rep.Archived += res.Archived
		rep.BytesFreed += res.BytesFreed
		rep.Errors += len(res.Errors)
		if i < len(prunable)-1 {
			if err := sleep(ctx, e.rules.ScopeDelay()); err != nil {
				return rep, err
			}
		}
	}
	rep.Duration = time.Since(rep.StartedAt)

	e.mu.Lock()
	e.status.LastRun = rep.StartedAt
	e.status.LastDryRun = dryRun
	e.status.LastPruned = rep.Pruned
	e.status.Runs++
	e.mu.Unlock()
	return rep, nil
}

// Candidates dry-runs every prunable scope and returns how many entries
// would be archived or deleted, keyed by scope label.
func (e *Engine) Candidates(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	for _, s := range prunableScopes() {
		res, err := e.PruneScope(ctx, s, true)
		if err != nil {
			return out, err
		}
		out[s.Label()] = res.Pruned + res.Archived
	}
	return out, nil
}

// Status returns the engine's last-run summary.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func prunableScopes() []scope.Scope {
	var out []scope.Scope
	for _, s := range scope.All() {
		if scope.MustLookup(s).Prunable {
			out = append(out, s)
		}
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
