package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/flowgate/internal/jobs"
	"github.com/michaelbrown/flowgate/internal/logging"
	"github.com/michaelbrown/flowgate/internal/metrics"
	"github.com/michaelbrown/flowgate/internal/server"
	"github.com/michaelbrown/flowgate/internal/storage/sqlite"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Flowgate HTTP gateway",
	Long: `Start the Flowgate HTTP gateway.

GET / reports the service identity. POST /api/test runs a file set
synchronously; /api/jobs submits and tracks background jobs.

Examples:
  flowgate serve
  SANDBOX_ENDPOINT=http://localhost:8080/execute flowgate serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config and PORT)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if portFlag > 0 {
		cfg.Server.Port = portFlag
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cfg.Log)
	defer logger.Sync()

	// Open storage
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	collector := metrics.NewCollector("flowgate")
	client := newClient(cfg, logger, collector)

	mgr := jobs.NewManager(store, client, jobs.Options{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		Logger:        logger,
		Tracker:       collector,
	})
	if _, err := mgr.RecoverStale(cmd.Context()); err != nil {
		logger.Warn("recovering stale jobs", zap.Error(err))
	}

	srv := server.New(cfg.Server, client, store, mgr, server.Options{
		Logger:  logger,
		Metrics: collector,
	})

	logger.Info("sandbox configured",
		zap.String("endpoint", client.Endpoint()),
		zap.Duration("timeout", client.Timeout()),
		zap.Int("max_retries", cfg.Sandbox.MaxRetries))

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(cfg.Server.Port)
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})
	return g.Wait()
}
