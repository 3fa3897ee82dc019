package knowledge

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/scope"
)

//go:embed corpus.yaml
var corpusYAML []byte

// SourceSeed marks entries written by the seeder.
const SourceSeed = "seed"

// Corpus is the versioned foundational knowledge set.
type Corpus struct {
	Version string        `yaml:"version"`
	Anchors []string      `yaml:"anchors"`
	Entries []CorpusEntry `yaml:"entries"`
}

// CorpusEntry is one seeded knowledge item.
type CorpusEntry struct {
	Category   string   `yaml:"category"`
	Title      string   `yaml:"title"`
	Content    string   `yaml:"content"`
	Importance float64  `yaml:"importance"`
	Language   string   `yaml:"language,omitempty"`
	Tags       []string `yaml:"tags,omitempty"`
}

// LoadCorpus parses the embedded corpus.
func LoadCorpus() (*Corpus, error) {
	return ParseCorpus(corpusYAML)
}

// ParseCorpus parses a corpus document.
func ParseCorpus(data []byte) (*Corpus, error) {
	var c Corpus
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse corpus: %w", err)
	}
	if c.Version == "" {
		return nil, fmt.Errorf("parse corpus: missing version")
	}
	for i, e := range c.Entries {
		if strings.TrimSpace(e.Content) == "" {
			return nil, fmt.Errorf("parse corpus: entry %d (%s) has no content", i, e.Title)
		}
	}
	return &c, nil
}

// SeedReport describes one seeding pass.
type SeedReport struct {
	Version  string    `json:"version"`
	Skipped  bool      `json:"skipped"`
	Reason   string    `json:"reason,omitempty"`
	Removed  int       `json:"removed"`
	Seeded   int       `json:"seeded"`
	Verified []string  `json:"verified"`
	Missing  []string  `json:"missing"`
	Errors   []string  `json:"errors"`
	At       time.Time `json:"at"`
}

// Success reports whether seeding wrote everything without errors.
func (r *SeedReport) Success() bool { return len(r.Errors) == 0 }

// SeederStatus is the seeder's self-reported state.
type SeederStatus struct {
	Version  string      `json:"version"`
	Entries  int         `json:"entries"`
	LastSeed *SeedReport `json:"last_seed,omitempty"`
}

// Seeder bootstraps the GLOBAL scope with the foundational corpus.
type Seeder struct {
	mem    *memory.Facade
	corpus *Corpus
	logger *zap.Logger

	mu   sync.Mutex
	last *SeedReport
}

// NewSeeder creates a seeder over the embedded corpus.
func NewSeeder(mem *memory.Facade, logger *zap.Logger) (*Seeder, error) {
	c, err := LoadCorpus()
	if err != nil {
		return nil, err
	}
	return NewSeederWithCorpus(mem, c, logger), nil
}

// NewSeederWithCorpus creates a seeder over a caller-supplied corpus.
func NewSeederWithCorpus(mem *memory.Facade, c *Corpus, logger *zap.Logger) *Seeder {
	return &Seeder{mem: mem, corpus: c, logger: logger}
}

// Corpus returns the corpus being seeded.
func (s *Seeder) Corpus() *Corpus { return s.corpus }

// Bootstrap seeds an empty GLOBAL scope. Verification misses are logged
// but do not fail bootstrap.
func (s *Seeder) Bootstrap(ctx context.Context) error {
	rep, err := s.Seed(ctx, false)
	if err != nil {
		return err
	}
	if len(rep.Missing) > 0 {
		s.logger.Warn("seed verification incomplete", zap.Strings("missing", rep.Missing))
	}
	if !rep.Success() {
		return fmt.Errorf("seed knowledge: %d entries failed", len(rep.Errors))
	}
	return nil
}

// Seed writes the corpus into GLOBAL. Without force it does nothing when
// GLOBAL already holds entries. With force, previously seeded entries are
// removed first.
func (s *Seeder) Seed(ctx context.Context, force bool) (*SeedReport, error) {
	rep := &SeedReport{Version: s.corpus.Version, At: s.mem.Now(), Verified: []string{}, Missing: []string{}, Errors: []string{}}

	count, err := s.mem.ScopeCount(ctx, scope.Global)
	if err != nil {
		return nil, fmt.Errorf("count global entries: %w", err)
	}
	if count > 0 && !force {
		rep.Skipped = true
		rep.Reason = fmt.Sprintf("global scope already holds %d entries", count)
		s.logger.Info("knowledge seeding skipped", zap.Int("existing", count))
		s.remember(rep)
		return rep, nil
	}

	if force && count > 0 {
		removed, err := s.removeSeeded(ctx)
		if err != nil {
			return nil, err
		}
		rep.Removed = removed
	}

	for _, e := range s.corpus.Entries {
		md := map[string]any{
			"source":       SourceSeed,
			"seed_version": s.corpus.Version,
			"category":     e.Category,
			"title":        e.Title,
		}
		if e.Language != "" {
			md["language"] = e.Language
		}
		if len(e.Tags) > 0 {
			md["tags"] = append([]string(nil), e.Tags...)
		}
		if _, err := s.mem.WriteGlobal(ctx, strings.TrimSpace(e.Content), md, e.Importance); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", e.Title, err))
			continue
		}
		rep.Seeded++
	}

	rep.Verified, rep.Missing = s.Verify(ctx)
	s.logger.Info("knowledge seeded",
		zap.String("version", rep.Version),
		zap.Int("seeded", rep.Seeded),
		zap.Int("removed", rep.Removed),
		zap.Int("missing_anchors", len(rep.Missing)))
	s.remember(rep)
	return rep, nil
}

// Verify runs a passive search per anchor term and splits anchors into
// found and missing.
func (s *Seeder) Verify(ctx context.Context) (found, missing []string) {
	found, missing = []string{}, []string{}
	for _, anchor := range s.corpus.Anchors {
		hits, err := s.mem.Search(ctx, memory.SearchRequest{
			Query:   anchor,
			Scope:   scope.Global,
			Limit:   1,
			Passive: true,
		})
		if err != nil || len(hits) == 0 {
			missing = append(missing, anchor)
			continue
		}
		found = append(found, anchor)
	}
	return found, missing
}

func (s *Seeder) removeSeeded(ctx context.Context) (int, error) {
	col, err := s.mem.Namer().Collection(scope.Global, "")
	if err != nil {
		return 0, err
	}
	entries, err := s.mem.Entries(ctx, col, 0)
	if err != nil {
		return 0, fmt.Errorf("read seeded entries: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if memory.MetaString(e.Metadata, "source") == SourceSeed {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.mem.Delete(ctx, col, ids...); err != nil {
		return 0, fmt.Errorf("remove seeded entries: %w", err)
	}
	return len(ids), nil
}

func (s *Seeder) remember(rep *SeedReport) {
	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()
}

// Status reports the corpus version and the last seeding pass.
func (s *Seeder) Status() SeederStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SeederStatus{Version: s.corpus.Version, Entries: len(s.corpus.Entries), LastSeed: s.last}
}
