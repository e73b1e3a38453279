// -------------------------------------------------------------------------
// dproc - pipeline execution core CLI
// -------------------------------------------------------------------------

package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/common"
	"github.com/dproc-io/dproc/internal/errdefs"
)

var (
	// Global flags
	configFile string
	workspace  string

	// Global state shared by the command files
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:   "dproc",
	Short: "Queue-backed pipeline execution for LLM report generation",
	Long: `Dproc runs report pipelines: validated inputs flow through a data
processor, prompt rendering, an LLM call, and template rendering, with
every execution tracked in durable storage.

Jobs are queued with priority and claimed by workers with visibility
timeouts, so a crashed worker never loses a job.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		config, err = common.LoadFromFile(configFile)
		if err != nil {
			return err
		}
		if workspace != "" {
			config.Workspace = workspace
		}
		logger = common.InitLogger(config)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path (default: ./dproc.toml when present)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace root (overrides config)")

	rootCmd.AddCommand(
		initCmd,
		listCmd,
		validateCmd,
		runCmd,
		executeCmd,
		historyCmd,
		statsCmd,
		configureCmd,
		workerCmd,
		serveCmd,
		versionCmd,
	)
}

func main() {
	common.LoadVersionFromFile()

	if err := rootCmd.Execute(); err != nil {
		errdefs.RenderCLI(os.Stderr, err, debugMode())
		os.Exit(1)
	}
}

// debugMode reports whether CLI errors should carry technical detail.
func debugMode() bool {
	if config != nil && config.Debug {
		return true
	}
	return common.DebugEnv()
}
