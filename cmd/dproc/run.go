package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dproc-io/dproc/internal/app"
	"github.com/dproc-io/dproc/internal/common"
	"github.com/dproc-io/dproc/internal/models"
)

var (
	runInputs []string
	runFormat string
)

var runCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Execute a pipeline synchronously in this process",
	Long: `Runs the pipeline end to end without queueing: validate, process,
render prompts, call the LLM, render outputs. Blocks until the run is
terminal. Ctrl+C cancels the execution.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayVarP(&runInputs, "input", "i", nil, "Pipeline input as key=value or a JSON object (repeatable)")
	runCmd.Flags().StringVarP(&runFormat, "format", "f", "", "Output format (defaults to the pipeline's first declared format)")
}

func runRun(cmd *cobra.Command, args []string) error {
	name := args[0]

	inputs, err := parseInputs(runInputs)
	if err != nil {
		return err
	}

	application, err := app.New(config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobID := common.NewJobID()
	envelope := models.NewJobEnvelope(jobID, name, models.InputValuesFromAny(inputs), runFormat, models.PriorityNormal, "")

	fmt.Printf("Running pipeline %q...\n", name)
	execErr := application.Executor.Execute(ctx, envelope)

	rec, err := application.Store.GetByJobID(cmd.Context(), jobID)
	if err == nil {
		printExecution(rec)
	}

	return execErr
}

// printExecution writes the operator-facing summary of one record.
func printExecution(rec *models.ExecutionRecord) {
	fmt.Printf("\nExecution %s\n", rec.ID)
	fmt.Printf("  Status:   %s\n", rec.Status)
	if rec.OutputPath != "" {
		fmt.Printf("  Output:   %s\n", rec.OutputPath)
	}
	if rec.BundlePath != "" {
		fmt.Printf("  Bundle:   %s\n", rec.BundlePath)
	}
	if rec.ExecutionTime > 0 {
		fmt.Printf("  Duration: %dms\n", rec.ExecutionTime)
	}
	if rec.TokensUsed > 0 {
		fmt.Printf("  Tokens:   %d\n", rec.TokensUsed)
	}
	if rec.Error != "" {
		fmt.Printf("  Error:    %s\n", rec.Error)
	}
}
