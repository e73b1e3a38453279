package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dproc-io/dproc/internal/pipeline"
)

var initCmd = &cobra.Command{
	Use:   "init <name>",
	Short: "Scaffold a new pipeline",
	Long: `Creates a runnable starter pipeline under the workspace: spec and
config, a passthrough processor, a main prompt, and mdx/html templates.
Edit the generated files, then check them with "dproc validate".`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	name := args[0]

	service := pipeline.NewService(config.PipelinesDir(), config.OutputsDir(), logger)
	if err := service.Scaffold(name); err != nil {
		return err
	}

	dir := filepath.Join(config.PipelinesDir(), name)
	fmt.Printf("Created pipeline %q\n\n", name)
	fmt.Printf("  %s\n\n", dir)
	fmt.Println("Next steps:")
	fmt.Printf("  1. Edit %s\n", filepath.Join(dir, "spec.yml"))
	fmt.Printf("  2. dproc validate %s\n", name)
	fmt.Printf("  3. dproc run %s --input companyName=\"Acme Corp\"\n", name)
	return nil
}
