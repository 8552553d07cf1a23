package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"framecast/internal"
)

type ctxKey string

const configCtxKey ctxKey = "config"

func NewRootCommand() *cobra.Command {
	var configPath string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:           "framecast",
		Short:         "framecast streams camera frames over TCP",
		Long:          `framecast sends length-prefixed image frames from a transmitter to one or more receivers, with send retries, automatic reconnects and optional local recording on both ends.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Subcommands map their short flag names onto config keys.
			for name, key := range cmd.Annotations {
				if err := internal.BindFlag(cmd.Flags(), name, key); err != nil {
					return err
				}
			}
			cfg, err := internal.LoadConfig(configPath, cmd.Flags())
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if err := internal.ConfigureLogger(cfg.LogLevel); err != nil {
				internal.Warn("invalid log level, defaulting to info", internal.Fields{
					internal.FieldError: err.Error(),
				})
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, configCtxKey, cfg))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (TOML), default ~/.framecast/framecast.toml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")

	rootCmd.AddCommand(TransmitCommand())
	rootCmd.AddCommand(ReceiveCommand())
	rootCmd.AddCommand(ConfigCommand())

	return rootCmd
}

// GetConfig returns the configuration loaded for the running command.
func GetConfig(cmd *cobra.Command) *internal.Config {
	if v := cmd.Context().Value(configCtxKey); v != nil {
		if cfg, ok := v.(*internal.Config); ok {
			return cfg
		}
	}
	return nil
}
