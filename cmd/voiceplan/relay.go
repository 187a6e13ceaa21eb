package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/do/v2"
	"github.com/spf13/cobra"

	"voiceplan/internal/bootstrap"
	"voiceplan/internal/config"
	"voiceplan/internal/domain"
	"voiceplan/internal/relay"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Serve the recording channel and forward audio to a recognizer",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(func(c *config.Config) {
			if cmd.Flags().Changed("addr") {
				c.Relay.Addr, _ = cmd.Flags().GetString("addr")
			}
			if cmd.Flags().Changed("provider") {
				c.Relay.Provider, _ = cmd.Flags().GetString("provider")
			}
			if cmd.Flags().Changed("mode") {
				mode, _ := cmd.Flags().GetString("mode")
				c.Relay.Mode = domain.AggregationMode(mode)
			}
		})
		if err != nil {
			return err
		}

		server, err := do.Invoke[*relay.Server](bootstrap.NewInjector(cfg, nil))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return server.ListenAndServe(ctx)
	},
}

func init() {
	relayCmd.Flags().String("addr", ":8080", "Listen address")
	relayCmd.Flags().String("provider", config.ProviderDeepgram, "Recognizer backend (deepgram or cloudspeech)")
	relayCmd.Flags().String("mode", string(domain.ModeReplace), "Result mode (replace or append)")
}
