package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"server": {"port": 9000},
		"pruning": {"min_importance_keep": 0.9},
		"maintenance": {"pruning_minutes": 720}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Server.LogLevel != "info" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Pruning.MinImportanceKeep != 0.9 {
		t.Errorf("min_importance_keep = %v", cfg.Pruning.MinImportanceKeep)
	}
	if !cfg.Pruning.DryRun {
		t.Error("dry_run default should survive a partial pruning section")
	}
	if cfg.Maintenance.PruningMinutes != 720 || cfg.Maintenance.SummarizationMinutes != 60 {
		t.Errorf("maintenance = %+v", cfg.Maintenance)
	}
	if cfg.Summarization.TurnThreshold != 25 {
		t.Errorf("turn_threshold = %d", cfg.Summarization.TurnThreshold)
	}
	if cfg.VectorStore.Backend != "chromem" || cfg.Embedding.Provider != "hash" {
		t.Errorf("backends = %s/%s", cfg.VectorStore.Backend, cfg.Embedding.Provider)
	}
}

func TestEnvSubstitution(t *testing.T) {
	t.Setenv("NUKA_TEST_QDRANT_HOST", "qdrant.internal")
	cfg, err := Parse([]byte(`{
		"vector_store": {"backend": "qdrant", "qdrant": {"host": "${NUKA_TEST_QDRANT_HOST}"}},
		"database": {"redis": {"url": "${NUKA_TEST_UNSET_REDIS:redis://localhost:6379/0}"}}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.VectorStore.Qdrant.Host != "qdrant.internal" {
		t.Errorf("host = %q", cfg.VectorStore.Qdrant.Host)
	}
	if cfg.VectorStore.Qdrant.Port != 6334 {
		t.Errorf("port = %d", cfg.VectorStore.Qdrant.Port)
	}
	if cfg.Database.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("redis url = %q", cfg.Database.Redis.URL)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"backend":     `{"vector_store": {"backend": "pinecone"}}`,
		"embedder":    `{"embedding": {"provider": "api", "endpoint": "http://emb"}}`,
		"redis cache": `{"embedding": {"cache": {"backend": "redis"}}}`,
		"events":      `{"events": {"enabled": true}}`,
		"slack":       `{"alerts": {"slack": {"enabled": true, "channel": "C1"}}}`,
		"discord":     `{"alerts": {"discord": {"enabled": true, "token": "x"}}}`,
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	os.WriteFile(path, []byte(`{"alerts": {"slack": {"enabled": true, "bot_token": "xoxb", "channel": "C1"}}}`), 0o644)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Alerts.Slack.Enabled || cfg.Alerts.Slack.Channel != "C1" || cfg.Alerts.Source != "nuka-memory" {
		t.Errorf("alerts = %+v", cfg.Alerts)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestLoadShippedConfig(t *testing.T) {
	t.Setenv("VECTOR_BACKEND", "")
	t.Setenv("REDIS_URL", "")
	cfg, err := Load(filepath.Join("..", "..", DefaultPath))
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if cfg.VectorStore.Backend != "chromem" || !cfg.Server.Maintenance {
		t.Errorf("server = %+v, backend = %q", cfg.Server, cfg.VectorStore.Backend)
	}
	if cfg.Maintenance.PruningMinutes != 1440 || cfg.Embedding.Dimension != 256 {
		t.Errorf("maintenance = %+v, dimension = %d", cfg.Maintenance, cfg.Embedding.Dimension)
	}
}
