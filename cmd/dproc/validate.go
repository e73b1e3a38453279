package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dproc-io/dproc/internal/errdefs"
	"github.com/dproc-io/dproc/internal/pipeline"
)

var validateCmd = &cobra.Command{
	Use:   "validate <name>",
	Short: "Check a pipeline definition",
	Long: `Validates spec.yml, config.yml, and processor.yml structurally:
required fields, declared outputs, select options, and provider names.
Environmental checks (API keys, output directory) run at submission.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	name := args[0]

	service := pipeline.NewService(config.PipelinesDir(), config.OutputsDir(), logger)
	result, err := service.Validate(name)
	if err != nil {
		return err
	}

	if result.Valid {
		fmt.Printf("Pipeline %q is valid\n", name)
		return nil
	}

	fmt.Printf("Pipeline %q has %d problem(s):\n", name, len(result.Errors))
	for _, issue := range result.Errors {
		fmt.Printf("  - %s\n", issue)
	}
	fmt.Println()
	return errdefs.InvalidPipeline(name, result.Errors)
}
