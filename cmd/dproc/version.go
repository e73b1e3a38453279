package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dproc-io/dproc/internal/common"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dproc %s\n", common.GetFullVersion())
	},
}
