// Package app wires configuration into a running memory service.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/nuka-memory/internal/config"
	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/events"
	"github.com/nidhogg/nuka-memory/internal/health"
	"github.com/nidhogg/nuka-memory/internal/knowledge"
	"github.com/nidhogg/nuka-memory/internal/linkage"
	"github.com/nidhogg/nuka-memory/internal/maintenance"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/metrics"
	"github.com/nidhogg/nuka-memory/internal/notify"
	"github.com/nidhogg/nuka-memory/internal/pruning"
	"github.com/nidhogg/nuka-memory/internal/store"
	"github.com/nidhogg/nuka-memory/internal/summarizer"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

// App holds every wired component.
type App struct {
	Config      *config.Config
	Memory      *memory.Facade
	Collector   *metrics.Collector
	Pruner      *pruning.Engine
	Summarizer  *summarizer.Engine
	Monitor     *health.Monitor
	Seeder      *knowledge.Seeder
	Transfer    *knowledge.Transfer
	Maintenance *maintenance.Orchestrator
	Ledger      store.Ledger
	Bus         *events.Bus

	closers []func()
	logger  *zap.Logger
}

// NewLogger builds a development logger for "debug" and a production
// logger at the given level otherwise.
func NewLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// New wires the service. Only the vector store is required; Postgres,
// Neo4j and Redis are optional and the service degrades without them.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}

	vs, err := a.openVectorStore()
	if err != nil {
		return nil, err
	}
	a.onClose(func() { vs.Close() })

	a.Collector = metrics.NewCollector(cfg.Metrics, logger)

	rdb := a.openRedis(ctx)

	embedder, err := a.openEmbedder(rdb)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Memory = memory.New(vs, embedder, cfg.Memory, logger)
	a.Memory.SetMetrics(a.Collector)

	if graph := a.openGraph(ctx); graph != nil {
		a.Memory.SetLinker(graph)
	}

	a.Ledger = a.openLedger(ctx)

	if rdb != nil && (cfg.Events.Enabled || cfg.Alerts.Stream.Enabled) {
		a.Bus = events.NewBusFromClient(rdb, cfg.Events.Stream, logger)
	}

	a.Seeder, err = knowledge.NewSeeder(a.Memory, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Memory.SetBootstrapper(a.Seeder)

	a.Transfer = knowledge.NewTransfer(a.Memory, logger)
	a.Transfer.SetRecorder(a.Ledger)

	a.Pruner = pruning.NewEngine(a.Memory, cfg.Pruning, logger)
	a.Summarizer = summarizer.NewEngine(a.Memory, cfg.Summarization, logger)

	a.Monitor = health.NewMonitor(a.Collector, a.Memory, cfg.Health.Thresholds, logger)
	a.Monitor.SetHistoryLimit(cfg.Health.AlertHistory)
	if err := a.addNotifiers(); err != nil {
		a.Close()
		return nil, err
	}

	a.Maintenance = maintenance.New(a.Memory, a.Pruner, a.Summarizer, a.Monitor, a.Seeder, cfg.Maintenance, logger)
	a.Maintenance.SetRecorder(a.Ledger)
	if a.Bus != nil && cfg.Events.Enabled {
		a.Maintenance.SetPublisher(a.Bus)
		a.Transfer.SetPublisher(a.Bus)
	}
	return a, nil
}

// Publisher returns the event bus when events are enabled, nil otherwise.
func (a *App) Publisher() *events.Bus {
	if a.Bus != nil && a.Config.Events.Enabled {
		return a.Bus
	}
	return nil
}

func (a *App) onClose(f func()) { a.closers = append(a.closers, f) }

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) openVectorStore() (vectorstore.Store, error) {
	vc := a.Config.VectorStore
	switch vc.Backend {
	case "qdrant":
		qs, err := vectorstore.NewQdrantStore(vectorstore.QdrantConfig{Host: vc.Qdrant.Host, Port: vc.Qdrant.Port})
		if err != nil {
			return nil, fmt.Errorf("connect qdrant: %w", err)
		}
		a.logger.Info("Qdrant connected", zap.String("host", vc.Qdrant.Host), zap.Int("port", vc.Qdrant.Port))
		return qs, nil
	default:
		a.logger.Info("using in-process vector store")
		return vectorstore.NewChromemStore(), nil
	}
}

func (a *App) openRedis(ctx context.Context) *redis.Client {
	cfg := a.Config
	needed := cfg.Events.Enabled || cfg.Alerts.Stream.Enabled || cfg.Embedding.Cache.Backend == "redis"
	if !needed || cfg.Database.Redis.URL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.Database.Redis.URL)
	if err != nil {
		a.logger.Warn("invalid redis url, running without redis", zap.Error(err))
		return nil
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		a.logger.Warn("Redis unavailable, running without events and shared cache", zap.Error(err))
		rdb.Close()
		return nil
	}
	a.onClose(func() { rdb.Close() })
	a.logger.Info("Redis connected")
	return rdb
}

func (a *App) openEmbedder(rdb *redis.Client) (embedding.Provider, error) {
	ec := a.Config.Embedding
	base, err := embedding.New(ec.Config)
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	switch ec.Cache.Backend {
	case "memory":
		mc, err := embedding.NewMemoryCache(ec.Cache.MaxItems, ec.Cache.TTL())
		if err != nil {
			return nil, fmt.Errorf("embedding cache: %w", err)
		}
		a.onClose(mc.Close)
		return embedding.NewCachedProvider(base, mc, a.Collector, a.logger), nil
	case "redis":
		if rdb == nil {
			a.logger.Warn("redis embedding cache unavailable, embedding without cache")
			return base, nil
		}
		rc := embedding.NewRedisCache(rdb, "", ec.Cache.TTL(), a.logger)
		return embedding.NewCachedProvider(base, rc, a.Collector, a.logger), nil
	}
	return base, nil
}

func (a *App) openGraph(ctx context.Context) *linkage.Graph {
	nc := a.Config.Database.Neo4j
	if nc.URI == "" {
		return nil
	}
	g, err := linkage.NewGraph(nc.URI, nc.User, nc.Password, a.logger)
	if err != nil {
		a.logger.Warn("Neo4j unavailable, running without artifact links", zap.Error(err))
		return nil
	}
	if err := g.EnsureSchema(ctx); err != nil {
		a.logger.Warn("Neo4j schema setup failed", zap.Error(err))
	}
	a.onClose(func() { g.Close(context.Background()) })
	return g
}

func (a *App) openLedger(ctx context.Context) store.Ledger {
	dsn := a.Config.Database.Postgres.DSN
	if dsn == "" {
		return store.NewMemoryLedger(0)
	}
	ps, err := store.New(ctx, dsn, a.logger)
	if err != nil {
		a.logger.Warn("PostgreSQL unavailable, keeping run history in memory", zap.Error(err))
		return store.NewMemoryLedger(0)
	}
	if err := ps.Migrate(ctx); err != nil {
		a.logger.Warn("migration failed, keeping run history in memory", zap.Error(err))
		ps.Close()
		return store.NewMemoryLedger(0)
	}
	a.onClose(ps.Close)
	return ps
}

func (a *App) addNotifiers() error {
	ac := a.Config.Alerts
	if ac.Slack.Enabled {
		a.Monitor.AddNotifier(notify.NewSlackNotifier(ac.Slack.SlackConfig, ac.Source, a.logger))
	}
	if ac.Discord.Enabled {
		dn, err := notify.NewDiscordNotifier(ac.Discord.DiscordConfig, ac.Source, a.logger)
		if err != nil {
			return err
		}
		a.Monitor.AddNotifier(dn)
	}
	if ac.Stream.Enabled && a.Bus != nil {
		a.Monitor.AddNotifier(notify.NewStreamNotifier(a.Bus))
	}
	return nil
}
