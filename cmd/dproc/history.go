package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dproc-io/dproc/internal/app"
	"github.com/dproc-io/dproc/internal/errdefs"
	"github.com/dproc-io/dproc/internal/models"
)

var (
	historyLimit  int
	historyStatus string
)

var historyCmd = &cobra.Command{
	Use:   "history [pipeline]",
	Short: "Show recent executions, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum records to show")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "Filter by status: queued, processing, completed, failed, cancelled")
}

func runHistory(cmd *cobra.Command, args []string) error {
	filter := models.ExecutionFilter{Limit: historyLimit}
	if len(args) == 1 {
		filter.PipelineName = args[0]
	}
	if historyStatus != "" {
		status := models.ExecutionStatus(historyStatus)
		if !models.ValidStatus(status) {
			return errdefs.ValidationError("status",
				"status must be queued, processing, completed, failed, or cancelled")
		}
		filter.Status = status
	}

	application, err := app.New(config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	records, err := application.Jobs.History(cmd.Context(), filter)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No executions recorded")
		return nil
	}

	fmt.Printf("%-30s %-20s %-12s %-10s %-20s %s\n", "ID", "PIPELINE", "STATUS", "DURATION", "CREATED", "RESULT")
	for _, rec := range records {
		duration := "-"
		if rec.ExecutionTime > 0 {
			duration = fmt.Sprintf("%dms", rec.ExecutionTime)
		}
		result := rec.OutputPath
		if rec.Error != "" {
			result = rec.Error
		}
		fmt.Printf("%-30s %-20s %-12s %-10s %-20s %s\n",
			rec.ID,
			rec.PipelineName,
			rec.Status,
			duration,
			rec.CreatedAt.Local().Format(time.DateTime),
			result,
		)
	}
	return nil
}
