package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/health"
	"github.com/nidhogg/nuka-memory/internal/maintenance"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/metrics"
	"github.com/nidhogg/nuka-memory/internal/notify"
	"github.com/nidhogg/nuka-memory/internal/pruning"
	"github.com/nidhogg/nuka-memory/internal/summarizer"
)

// DefaultPath is used when neither --config nor CONFIG_PATH is set.
const DefaultPath = "configs/nuka-memory.json"

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig          `json:"server"`
	Memory        memory.Config         `json:"memory"`
	VectorStore   VectorStoreConfig     `json:"vector_store"`
	Embedding     EmbeddingConfig       `json:"embedding"`
	Database      DatabaseConfig        `json:"database"`
	Metrics       metrics.Config        `json:"metrics"`
	Health        HealthConfig          `json:"health"`
	Pruning       pruning.Rules         `json:"pruning"`
	Summarization summarizer.Config     `json:"summarization"`
	Maintenance   maintenance.Intervals `json:"maintenance"`
	Alerts        AlertsConfig          `json:"alerts"`
	Events        EventsConfig          `json:"events"`
}

type ServerConfig struct {
	Port        int      `json:"port"`
	LogLevel    string   `json:"log_level"`
	CORSOrigins []string `json:"cors_origins"`
	// Maintenance enables the background maintenance loop in serve.
	Maintenance bool `json:"maintenance"`
}

type VectorStoreConfig struct {
	Backend string       `json:"backend"` // "qdrant" or "chromem"
	Qdrant  QdrantConfig `json:"qdrant"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type EmbeddingConfig struct {
	embedding.Config
	Cache embedding.CacheConfig `json:"cache"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type HealthConfig struct {
	Thresholds   health.Thresholds `json:"thresholds"`
	AlertHistory int               `json:"alert_history"`
}

type AlertsConfig struct {
	Source  string             `json:"source"`
	Slack   SlackAlertConfig   `json:"slack"`
	Discord DiscordAlertConfig `json:"discord"`
	Stream  StreamAlertConfig  `json:"stream"`
}

type SlackAlertConfig struct {
	Enabled bool `json:"enabled"`
	notify.SlackConfig
}

type DiscordAlertConfig struct {
	Enabled bool `json:"enabled"`
	notify.DiscordConfig
}

type StreamAlertConfig struct {
	Enabled bool `json:"enabled"`
}

type EventsConfig struct {
	Enabled bool   `json:"enabled"`
	Stream  string `json:"stream"`
}

// Default returns a configuration that runs fully in process.
func Default() *Config {
	return &Config{
		Server:      ServerConfig{Port: 8090, LogLevel: "info", CORSOrigins: []string{"*"}},
		Memory:      memory.DefaultConfig(),
		VectorStore: VectorStoreConfig{Backend: "chromem", Qdrant: QdrantConfig{Host: "localhost", Port: 6334}},
		Embedding: EmbeddingConfig{
			Config: embedding.Config{Provider: "hash", Dimension: embedding.DefaultHashDimension},
			Cache:  embedding.CacheConfig{Backend: "memory", MaxItems: 10000, TTLSeconds: 3600},
		},
		Metrics:       metrics.DefaultConfig(),
		Health:        HealthConfig{Thresholds: health.DefaultThresholds(), AlertHistory: health.DefaultAlertHistory},
		Pruning:       pruning.DefaultRules(),
		Summarization: summarizer.DefaultConfig(),
		Maintenance:   maintenance.DefaultIntervals(),
		Alerts:        AlertsConfig{Source: "nuka-memory"},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file over the defaults and substitutes
// environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes JSON config bytes over Default.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

// ApplyDefaults fills zero values left by a partial config file.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = d.Server.LogLevel
	}
	if c.VectorStore.Backend == "" {
		c.VectorStore.Backend = d.VectorStore.Backend
	}
	if c.VectorStore.Qdrant.Port == 0 {
		c.VectorStore.Qdrant.Port = d.VectorStore.Qdrant.Port
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = d.Embedding.Provider
	}
	if c.Embedding.Dimension == 0 && c.Embedding.Provider == "hash" {
		c.Embedding.Dimension = d.Embedding.Dimension
	}
	if c.Metrics.HistorySize <= 0 {
		c.Metrics.HistorySize = d.Metrics.HistorySize
	}
	if c.Metrics.CapacityBytes <= 0 {
		c.Metrics.CapacityBytes = d.Metrics.CapacityBytes
	}
	if c.Health.AlertHistory <= 0 {
		c.Health.AlertHistory = d.Health.AlertHistory
	}
	if c.Alerts.Source == "" {
		c.Alerts.Source = d.Alerts.Source
	}
}

// Validate rejects settings that cannot be wired.
func (c *Config) Validate() error {
	switch c.VectorStore.Backend {
	case "qdrant", "chromem":
	default:
		return fmt.Errorf("unknown vector store backend %q", c.VectorStore.Backend)
	}
	switch c.Embedding.Provider {
	case "hash":
	case "api", "local":
		if c.Embedding.Endpoint == "" || c.Embedding.Dimension <= 0 {
			return fmt.Errorf("embedding provider %s needs endpoint and dimension", c.Embedding.Provider)
		}
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	switch c.Embedding.Cache.Backend {
	case "", "none", "memory":
	case "redis":
		if c.Database.Redis.URL == "" {
			return fmt.Errorf("embedding cache backend redis needs database.redis.url")
		}
	default:
		return fmt.Errorf("unknown embedding cache backend %q", c.Embedding.Cache.Backend)
	}
	if (c.Events.Enabled || c.Alerts.Stream.Enabled) && c.Database.Redis.URL == "" {
		return fmt.Errorf("event stream needs database.redis.url")
	}
	if c.Alerts.Slack.Enabled && (c.Alerts.Slack.BotToken == "" || c.Alerts.Slack.Channel == "") {
		return fmt.Errorf("slack alerts need bot_token and channel")
	}
	if c.Alerts.Discord.Enabled && (c.Alerts.Discord.Token == "" || c.Alerts.Discord.ChannelID == "") {
		return fmt.Errorf("discord alerts need token and channel_id")
	}
	return nil
}
