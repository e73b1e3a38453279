package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dproc-io/dproc/internal/app"
	"github.com/dproc-io/dproc/internal/common"
	"github.com/dproc-io/dproc/internal/server"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server with an embedded worker pool",
	Long: `Starts the full service: job submission and status over HTTP, a
websocket event feed, and workers claiming jobs from the queue.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Server port (overrides config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Server host (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if servePort != 0 {
		config.Server.Port = servePort
	}
	if serveHost != "" {
		config.Server.Host = serveHost
	}

	common.InstallCrashHandler(filepath.Join(config.WorkspaceDir(), "logs"))
	defer common.RecoverWithCrashFile()

	common.PrintBanner(common.GetVersion())

	application, err := app.New(config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	application.StartWorkers()

	srv := server.New(application)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s", config.ListenAddr())).
		Msg("Server ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info().Msg("Interrupt signal received")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	return nil
}
