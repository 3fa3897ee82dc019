package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/api"
)

var (
	servePort        int
	serveMaintenance bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the maintenance scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, logger, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer a.Close()

		rep := a.Maintenance.InitializeKnowledgeSystem(ctx)
		if !rep.Success {
			logger.Warn("knowledge system initialized with errors", zap.Strings("errors", rep.Errors))
		}

		cfg := a.Config
		if cmd.Flags().Changed("maintenance") {
			cfg.Server.Maintenance = serveMaintenance
		}
		if cfg.Server.Maintenance {
			a.Maintenance.Start(ctx)
			defer a.Maintenance.Stop()
		}

		handler := api.NewHandler(a.Memory, a.Pruner, a.Summarizer, a.Seeder, a.Transfer, a.Maintenance, a.Ledger, logger)
		handler.SetCORSOrigins(cfg.Server.CORSOrigins)
		if bus := a.Publisher(); bus != nil {
			handler.SetPublisher(bus)
		}

		port := cfg.Server.Port
		if servePort > 0 {
			port = servePort
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errc := make(chan error, 1)
		go func() {
			logger.Info("nuka-memory listening", zap.Int("port", port), zap.Bool("maintenance", cfg.Server.Maintenance))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)
		select {
		case <-quit:
		case err := <-errc:
			return fmt.Errorf("serve http: %w", err)
		}

		logger.Info("shutting down nuka-memory")
		shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
		defer stop()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")
	serveCmd.Flags().BoolVar(&serveMaintenance, "maintenance", false, "run scheduled maintenance (overrides server.maintenance)")
}
