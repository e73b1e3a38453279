package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dproc-io/dproc/internal/pipeline"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipelines in the workspace",
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	service := pipeline.NewService(config.PipelinesDir(), config.OutputsDir(), logger)

	infos, err := service.List()
	if err != nil {
		return err
	}

	if len(infos) == 0 {
		fmt.Printf("No pipelines found under %s\n", config.PipelinesDir())
		fmt.Println("Create one with: dproc init <name>")
		return nil
	}

	fmt.Printf("%-24s %-10s %-8s %-18s %s\n", "NAME", "VERSION", "VALID", "OUTPUTS", "DESCRIPTION")
	for _, info := range infos {
		version, outputs, description := "-", "-", ""
		if info.Spec != nil {
			version = info.Spec.Pipeline.Version
			outputs = strings.Join(info.Spec.Outputs, ",")
			description = info.Spec.Pipeline.Description
		}
		fmt.Printf("%-24s %-10s %-8t %-18s %s\n", info.Name, version, info.Valid, outputs, description)
	}
	return nil
}
