package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"voiceplan/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "voiceplan",
	Short:         "Voice capture, recognition relay and capture diagnostics",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(relayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "voiceplan:", err)
		os.Exit(1)
	}
}

// loadConfig loads the environment and re-validates after flag overrides.
func loadConfig(apply func(*config.Config)) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if apply != nil {
		apply(&cfg)
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}
