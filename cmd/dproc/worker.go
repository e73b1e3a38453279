package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dproc-io/dproc/internal/app"
	"github.com/dproc-io/dproc/internal/common"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a headless worker process",
	Long: `Claims jobs from the queue and executes them without serving HTTP.
Point multiple worker processes at the same Redis queue and Postgres
store to scale out.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "Concurrent executions (overrides config)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	if workerConcurrency > 0 {
		config.Worker.Concurrency = workerConcurrency
	}

	common.InstallCrashHandler(filepath.Join(config.WorkspaceDir(), "logs"))
	defer common.RecoverWithCrashFile()

	application, err := app.New(config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	application.StartWorkers()

	logger.Info().
		Int("concurrency", config.Worker.Concurrency).
		Msg("Worker ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Interrupt signal received, draining workers")
	return nil
}
