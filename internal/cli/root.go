// Package cli implements the nuka-memory command line.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/app"
	"github.com/nidhogg/nuka-memory/internal/config"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "nuka-memory",
	Short: "Scoped long-term memory for agent teams",
	Long: `nuka-memory stores agent memories in scoped vector collections and keeps
them healthy: it summarizes long threads, prunes stale entries, seeds a
baseline knowledge corpus and moves knowledge between projects.

Example:
  nuka-memory serve --config configs/nuka-memory.json
  nuka-memory export --scopes GLOBAL,OBJECTIVES --anonymize --out team.yaml`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $CONFIG_PATH or "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override server.log_level")
}

// loadConfig resolves --config, then CONFIG_PATH, then the default path. A
// missing default file falls back to the built-in configuration.
func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()

	path := cfgFile
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	explicit := path != ""
	if !explicit {
		path = config.DefaultPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// openApp loads configuration and wires the service.
func openApp(ctx context.Context) (*app.App, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Server.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger, err := app.NewLogger(level)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Sync()
		return nil, nil, fmt.Errorf("start nuka-memory: %w", err)
	}
	return a, logger, nil
}

// openInitialized wires the service and initializes the memory facade.
func openInitialized(ctx context.Context) (*app.App, *zap.Logger, error) {
	a, logger, err := openApp(ctx)
	if err != nil {
		return nil, nil, err
	}
	if _, err := a.Memory.Initialize(ctx); err != nil {
		a.Close()
		logger.Sync()
		return nil, nil, fmt.Errorf("initialize memory: %w", err)
	}
	return a, logger, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
