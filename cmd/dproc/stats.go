package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dproc-io/dproc/internal/app"
)

var statsCmd = &cobra.Command{
	Use:   "stats [pipeline]",
	Short: "Show per-pipeline execution aggregates",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	pipelineName := ""
	if len(args) == 1 {
		pipelineName = args[0]
	}

	application, err := app.New(config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	stats, err := application.Jobs.Stats(cmd.Context(), pipelineName)
	if err != nil {
		return err
	}

	if len(stats) == 0 {
		fmt.Println("No executions recorded")
		return nil
	}

	fmt.Printf("%-24s %8s %8s %8s %12s %10s %s\n", "PIPELINE", "TOTAL", "OK", "FAILED", "AVG TIME", "TOKENS", "LAST RUN")
	for _, s := range stats {
		fmt.Printf("%-24s %8d %8d %8d %10.0fms %10d %s\n",
			s.PipelineName,
			s.TotalExecutions,
			s.SuccessfulExecutions,
			s.FailedExecutions,
			s.AvgExecutionTime,
			s.TotalTokensUsed,
			s.LastExecutedAt.Local().Format(time.DateTime),
		)
	}
	return nil
}
