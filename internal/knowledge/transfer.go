package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/events"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/scope"
)

// StaleAfter is the package age that triggers a staleness warning.
const StaleAfter = 90 * 24 * time.Hour

// DefaultExportLimit caps entries fetched per scope.
const DefaultExportLimit = 1000

// MergeStrategy decides how imported entries meet existing ones.
type MergeStrategy string

const (
	SkipExisting MergeStrategy = "skip_existing"
	Append       MergeStrategy = "append"
	Overwrite    MergeStrategy = "overwrite"
)

// ParseStrategy validates a strategy name. Empty means skip_existing.
func ParseStrategy(s string) (MergeStrategy, error) {
	switch MergeStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", SkipExisting:
		return SkipExisting, nil
	case Append:
		return Append, nil
	case Overwrite:
		return Overwrite, nil
	}
	return "", fmt.Errorf("unknown merge strategy %q", s)
}

// Recorder persists a summary of a completed run.
type Recorder interface {
	RecordRun(ctx context.Context, kind string, startedAt time.Time, payload any) error
}

// Publisher announces completed imports.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload any) error
}

// ExportOptions selects what goes into a package.
type ExportOptions struct {
	Scopes        []scope.Scope `json:"scopes" yaml:"scopes"`
	ProjectID     string        `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	MinImportance float64       `json:"min_importance" yaml:"min_importance"`
	Anonymize     bool          `json:"anonymize" yaml:"anonymize"`
	SensitiveKeys []string      `json:"sensitive_keys,omitempty" yaml:"sensitive_keys,omitempty"`
	Limit         int           `json:"limit,omitempty" yaml:"limit,omitempty"`
	// Exhaustive also scans every collection of the scope, so entries the
	// broad query does not rank are included.
	Exhaustive bool `json:"exhaustive,omitempty" yaml:"exhaustive,omitempty"`
}

// ImportOptions controls how a package is applied.
type ImportOptions struct {
	Strategy      MergeStrategy `json:"strategy"`
	TargetProject string        `json:"target_project,omitempty"`
}

// ImportReport summarizes an import.
type ImportReport struct {
	Strategy MergeStrategy       `json:"strategy"`
	Imported int                 `json:"imported"`
	Skipped  int                 `json:"skipped"`
	Failed   int                 `json:"failed"`
	PerScope map[scope.Scope]int `json:"per_scope"`
	Warnings []string            `json:"warnings"`
	Errors   []string            `json:"errors"`
	Success  bool                `json:"success"`
}

// Succeeded reports whether every entry was handled without error.
func (r *ImportReport) Succeeded() bool { return r.Success }

// Transfer exports and imports knowledge packages through the facade.
type Transfer struct {
	mem       *memory.Facade
	recorder  Recorder
	publisher Publisher
	logger    *zap.Logger
}

// NewTransfer creates a transfer service.
func NewTransfer(mem *memory.Facade, logger *zap.Logger) *Transfer {
	return &Transfer{mem: mem, logger: logger}
}

// SetRecorder enables run ledger recording for imports.
func (t *Transfer) SetRecorder(r Recorder) { t.recorder = r }

// SetPublisher announces finished imports on an event stream.
func (t *Transfer) SetPublisher(p Publisher) { t.publisher = p }

// Export builds a package from the selected scopes. All scopes are
// exported when opts.Scopes is empty.
func (t *Transfer) Export(ctx context.Context, opts ExportOptions) (*Package, error) {
	if !t.mem.Initialized() {
		return nil, memory.ErrNotInitialized
	}
	if len(opts.Scopes) == 0 {
		opts.Scopes = scope.All()
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultExportLimit
	}
	var anon *Anonymizer
	if opts.Anonymize {
		keys := opts.SensitiveKeys
		if len(keys) == 0 {
			keys = DefaultSensitiveKeys
		}
		var err error
		if anon, err = NewAnonymizer(keys); err != nil {
			return nil, fmt.Errorf("compile sensitive keys: %w", err)
		}
	}

	pkg := &Package{
		Metadata: PackageMetadata{
			FormatVersion: FormatVersion,
			ExportedAt:    t.mem.Now().UTC(),
			SourceProject: opts.ProjectID,
			Options:       opts,
		},
		Scopes: make(map[scope.Scope][]Exported, len(opts.Scopes)),
	}
	for _, s := range opts.Scopes {
		spec, ok := scope.Lookup(s)
		if !ok {
			return nil, fmt.Errorf("unknown scope %q", s)
		}
		entries, err := t.collect(ctx, spec, opts)
		if err != nil {
			return nil, err
		}
		list := make([]Exported, 0, len(entries))
		for _, e := range entries {
			if e.Importance < opts.MinImportance {
				continue
			}
			ex := Exported{
				Content:    e.Content,
				Scope:      s,
				Importance: e.Importance,
				Metadata:   e.Metadata,
				CreatedAt:  e.CreatedAt,
			}
			if anon != nil {
				ex.Content = anon.Content(ex.Content)
				ex.Metadata = anon.Metadata(ex.Metadata)
			}
			list = append(list, ex)
		}
		sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
		pkg.Scopes[s] = list
	}
	pkg.Metadata.EntryCount = pkg.Entries()

	t.logger.Info("knowledge exported",
		zap.Int("scopes", len(pkg.Scopes)),
		zap.Int("entries", pkg.Metadata.EntryCount),
		zap.Bool("anonymized", opts.Anonymize))
	return pkg, nil
}

// collect returns the live entries of a scope via a passive broad search,
// plus a full scan when opts.Exhaustive is set. Results are deduplicated
// by entry id.
func (t *Transfer) collect(ctx context.Context, spec scope.Spec, opts ExportOptions) ([]memory.Entry, error) {
	req := memory.SearchRequest{
		Query:   spec.BroadQuery,
		Scope:   spec.Scope,
		Limit:   opts.Limit,
		Passive: true,
	}
	if spec.PartitionKey == "project_id" {
		req.ProjectID = opts.ProjectID
	}
	hits, err := t.mem.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(hits))
	out := make([]memory.Entry, 0, len(hits))
	for _, h := range hits {
		seen[h.ID] = true
		out = append(out, memory.Entry{
			ID:         h.ID,
			Collection: h.Collection,
			Scope:      h.Scope,
			Content:    h.Content,
			Metadata:   h.Metadata,
			Importance: h.Importance,
			CreatedAt:  h.CreatedAt,
		})
	}
	if !opts.Exhaustive {
		return out, nil
	}

	refs, err := t.mem.Collections(ctx, spec.Scope)
	if err != nil {
		return nil, err
	}
	var only string
	if req.ProjectID != "" {
		if only, err = t.mem.Namer().Collection(spec.Scope, req.ProjectID); err != nil {
			return nil, err
		}
	}
	for _, ref := range refs {
		if only != "" && ref.Name != only {
			continue
		}
		entries, err := t.mem.Entries(ctx, ref.Name, 0)
		if err != nil {
			t.logger.Warn("export scan failed", zap.String("collection", ref.Name), zap.Error(err))
			continue
		}
		for _, e := range entries {
			if seen[e.ID] || e.Archived() {
				continue
			}
			seen[e.ID] = true
			out = append(out, e)
		}
	}
	return out, nil
}

// Validate checks package structure. It returns warnings and per-entry
// errors, and a non-nil error only for packages that cannot be imported.
func Validate(p *Package, now time.Time) (warnings, errs []string, err error) {
	if p == nil {
		return nil, nil, fmt.Errorf("validate package: empty package")
	}
	if !strings.HasPrefix(p.Metadata.FormatVersion, "1.") {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, p.Metadata.FormatVersion)
	}
	if !p.Metadata.ExportedAt.IsZero() && now.Sub(p.Metadata.ExportedAt) > StaleAfter {
		warnings = append(warnings, fmt.Sprintf("package exported %s is older than %d days",
			p.Metadata.ExportedAt.Format(time.RFC3339), int(StaleAfter.Hours()/24)))
	}
	for _, s := range sortedScopes(p) {
		if !s.Valid() {
			errs = append(errs, fmt.Sprintf("unknown scope %q", s))
			continue
		}
		for i, e := range p.Scopes[s] {
			if strings.TrimSpace(e.Content) == "" {
				errs = append(errs, fmt.Sprintf("%s[%d]: empty content", s, i))
			}
			if len(e.Metadata) == 0 {
				warnings = append(warnings, fmt.Sprintf("%s[%d]: missing metadata", s, i))
			}
		}
	}
	return warnings, errs, nil
}

// Import writes the package entries. Per-entry failures are collected and
// do not stop the import.
func (t *Transfer) Import(ctx context.Context, p *Package, opts ImportOptions) (*ImportReport, error) {
	if !t.mem.Initialized() {
		return nil, memory.ErrNotInitialized
	}
	strategy, err := ParseStrategy(string(opts.Strategy))
	if err != nil {
		return nil, err
	}
	started := t.mem.Now()
	warnings, _, err := Validate(p, started)
	if err != nil {
		return nil, err
	}

	rep := &ImportReport{
		Strategy: strategy,
		PerScope: make(map[scope.Scope]int),
		Warnings: append([]string{}, warnings...),
		Errors:   []string{},
	}
	for _, s := range sortedScopes(p) {
		if !s.Valid() {
			rep.Errors = append(rep.Errors, fmt.Sprintf("unknown scope %q", s))
			rep.Failed += len(p.Scopes[s])
			continue
		}
		for i, e := range p.Scopes[s] {
			label := fmt.Sprintf("%s[%d]", s, i)
			if strings.TrimSpace(e.Content) == "" {
				rep.Errors = append(rep.Errors, label+": empty content")
				rep.Failed++
				continue
			}
			md := make(map[string]any, len(e.Metadata)+1)
			for k, v := range e.Metadata {
				md[k] = v
			}
			if opts.TargetProject != "" && (s == scope.Project || md["project_id"] != nil) {
				md["project_id"] = opts.TargetProject
			}

			if strategy == SkipExisting {
				exists, err := t.exists(ctx, s, e.Content, md)
				if err != nil {
					rep.Errors = append(rep.Errors, fmt.Sprintf("%s: probe: %v", label, err))
					rep.Failed++
					continue
				}
				if exists {
					rep.Skipped++
					continue
				}
			}

			_, err := t.mem.Write(ctx, memory.WriteRequest{
				Content:    e.Content,
				Scope:      s,
				Metadata:   md,
				Importance: memory.Importance(e.Importance),
				CreatedAt:  e.CreatedAt,
			})
			if err != nil {
				rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", label, err))
				rep.Failed++
				continue
			}
			rep.Imported++
			rep.PerScope[s]++
		}
	}
	rep.Success = len(rep.Errors) == 0

	t.logger.Info("knowledge imported",
		zap.String("strategy", string(strategy)),
		zap.Int("imported", rep.Imported),
		zap.Int("skipped", rep.Skipped),
		zap.Int("failed", rep.Failed))
	if t.recorder != nil {
		if err := t.recorder.RecordRun(ctx, "knowledge_import", started, rep); err != nil {
			t.logger.Warn("record import run failed", zap.Error(err))
		}
	}
	if t.publisher != nil {
		if err := t.publisher.Publish(ctx, events.KindKnowledgeImport, rep); err != nil {
			t.logger.Warn("publish import failed", zap.Error(err))
		}
	}
	return rep, nil
}

// exists probes for an entry with identical content in the same partition.
func (t *Transfer) exists(ctx context.Context, s scope.Scope, content string, md map[string]any) (bool, error) {
	hits, err := t.mem.Search(ctx, memory.SearchRequest{
		Query:           content,
		Scope:           s,
		ProjectID:       memory.MetaString(md, "project_id"),
		ThreadID:        memory.MetaString(md, "thread_id"),
		AgentType:       memory.MetaString(md, "agent_type"),
		Limit:           5,
		Passive:         true,
		IncludeArchived: true,
	})
	if err != nil {
		return false, err
	}
	for _, h := range hits {
		if h.Content == content {
			return true, nil
		}
	}
	return false, nil
}

func sortedScopes(p *Package) []scope.Scope {
	out := make([]scope.Scope, 0, len(p.Scopes))
	for s := range p.Scopes {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
