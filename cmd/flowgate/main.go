package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/flowgate/internal/config"
	"github.com/michaelbrown/flowgate/internal/execution"
	"github.com/michaelbrown/flowgate/internal/logging"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "flowgate",
	Short: "Flowgate - agent flow gateway for a remote code sandbox",
	Long: `Flowgate accepts agent flow jobs and runs their code on a remote
sandboxed execution service.

It serves an HTTP gateway, runs file sets once from the command line,
and keeps a local history of submitted jobs.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ./flowgate.yaml or ~/.flowgate/flowgate.yaml)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newClient builds the execution client from the sandbox settings.
func newClient(cfg *config.Config, logger *zap.Logger, observer execution.Observer) *execution.Client {
	return execution.NewClient(execution.Options{
		Endpoint:         cfg.Sandbox.Endpoint,
		Timeout:          cfg.Sandbox.Timeout,
		MaxResponseBytes: cfg.Sandbox.MaxResponseBytes,
		Retry:            cfg.Sandbox.RetryPolicy(),
		Logger:           logger,
		Observer:         observer,
	})
}

// cliLogger logs warnings and above to stderr for one-shot commands.
func cliLogger(cfg *config.Config) *zap.Logger {
	lc := cfg.Log
	lc.Format = "console"
	if lc.Level == "" || lc.Level == "info" {
		lc.Level = "warn"
	}
	return logging.New(lc)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
