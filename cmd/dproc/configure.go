package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dproc-io/dproc/internal/secrets"
)

var (
	configureOpenAI    string
	configureAnthropic string
	configureGoogle    string
	configureShow      bool
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Store LLM provider API keys",
	Long: `Writes provider API keys to ~/.dproc/secrets.json (mode 0600).
Environment variables (OPENAI_API_KEY, ANTHROPIC_API_KEY,
GOOGLE_API_KEY) always take precedence over stored keys.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&configureOpenAI, "openai", "", "OpenAI API key")
	configureCmd.Flags().StringVar(&configureAnthropic, "anthropic", "", "Anthropic API key")
	configureCmd.Flags().StringVar(&configureGoogle, "google", "", "Google API key")
	configureCmd.Flags().BoolVar(&configureShow, "show", false, "Show configured providers with masked keys")
}

func runConfigure(cmd *cobra.Command, args []string) error {
	service, err := secrets.NewService("", logger)
	if err != nil {
		return err
	}

	updates := map[string]string{
		"openai":    configureOpenAI,
		"anthropic": configureAnthropic,
		"google":    configureGoogle,
	}
	changed := 0
	for provider, key := range updates {
		if key == "" {
			continue
		}
		if err := service.SetAPIKey(provider, key); err != nil {
			return err
		}
		fmt.Printf("Stored %s API key\n", provider)
		changed++
	}

	if configureShow {
		masked := service.Masked()
		if len(masked) == 0 {
			fmt.Println("No API keys configured")
			return nil
		}
		fmt.Printf("%-12s %s\n", "PROVIDER", "KEY")
		for _, provider := range []string{"openai", "anthropic", "google"} {
			if key, ok := masked[provider]; ok {
				fmt.Printf("%-12s %s\n", provider, key)
			}
		}
		if !service.LastUpdated().IsZero() {
			fmt.Printf("\nLast updated: %s\n", service.LastUpdated().Local().Format(time.DateTime))
		}
		return nil
	}

	if changed == 0 {
		return cmd.Help()
	}
	return nil
}
