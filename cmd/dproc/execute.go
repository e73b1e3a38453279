package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dproc-io/dproc/internal/app"
	"github.com/dproc-io/dproc/internal/models"
)

var (
	executeInputs   []string
	executeFormat   string
	executePriority string
	executeWait     bool
)

var executeCmd = &cobra.Command{
	Use:   "execute <name>",
	Short: "Submit a pipeline run through the queue",
	Long: `Validates the request and enqueues it on its priority lane. With
--wait this process also runs a worker pool and blocks until the
execution is terminal; Ctrl+C while waiting cancels the job.`,
	Args: cobra.ExactArgs(1),
	RunE: runExecute,
}

func init() {
	executeCmd.Flags().StringArrayVarP(&executeInputs, "input", "i", nil, "Pipeline input as key=value or a JSON object (repeatable)")
	executeCmd.Flags().StringVarP(&executeFormat, "format", "f", "", "Output format (defaults to the pipeline's first declared format)")
	executeCmd.Flags().StringVar(&executePriority, "priority", "", "Queue priority: low, normal, or high")
	executeCmd.Flags().BoolVar(&executeWait, "wait", false, "Run workers in-process and block until the execution finishes")
}

func runExecute(cmd *cobra.Command, args []string) error {
	name := args[0]

	inputs, err := parseInputs(executeInputs)
	if err != nil {
		return err
	}

	application, err := app.New(config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	result, err := application.Jobs.Submit(cmd.Context(), models.JobRequest{
		PipelineName: name,
		Inputs:       inputs,
		OutputFormat: executeFormat,
		Priority:     models.Priority(executePriority),
	})
	if err != nil {
		return err
	}

	fmt.Printf("Queued execution %s (job %s)\n", result.ExecutionID, result.JobID)

	if !executeWait {
		fmt.Printf("Check progress with: dproc history --limit 1\n")
		return nil
	}

	application.StartWorkers()
	return waitForTerminal(application, result.ExecutionID)
}

// waitForTerminal polls the store until the execution settles. An
// interrupt cancels the job, then polling continues so the cancelled
// record is reported.
func waitForTerminal(application *app.App, executionID string) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	cancelled := false
	for {
		select {
		case <-sigChan:
			if cancelled {
				return errors.New("aborted while waiting for cancellation")
			}
			cancelled = true
			fmt.Println("\nCancelling execution...")
			if err := application.Jobs.Cancel(context.Background(), executionID); err != nil {
				return err
			}
		case <-ticker.C:
			rec, err := application.Store.Get(context.Background(), executionID)
			if err != nil {
				return err
			}
			if !rec.Status.IsTerminal() {
				continue
			}
			printExecution(rec)
			if rec.Status == models.StatusFailed {
				return errors.New(rec.Error)
			}
			return nil
		}
	}
}
