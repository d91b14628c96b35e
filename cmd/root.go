package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bavix/nestbridge/internal/bridge"
	"github.com/bavix/nestbridge/internal/config"
	"github.com/bavix/nestbridge/internal/kv"
	"github.com/bavix/nestbridge/internal/logging"
	verpkg "github.com/bavix/nestbridge/internal/version"
)

const defaultConfigPath = "/etc/nestbridge/config.yaml"

var (
	cfgFile   string //nolint:gochecknoglobals // cobra command flag
	logLevel  string //nolint:gochecknoglobals // cobra command flag
	logFormat string //nolint:gochecknoglobals // cobra command flag
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "nestbridge",
		Short:         "Bridge cloud thermostats, cameras and doorbells to a local hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			base := logging.Base("nestbridge", logLevel, logFormat)
			ctx := base.WithContext(cmd.Context())
			cmd.SetContext(ctx)

			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: "+defaultConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format: json, console")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newTokenCmd())

	// Add version command using built-in cobra version
	rootCmd.Version = verpkg.GetVersion()
	rootCmd.SetVersionTemplate("nestbridge " + verpkg.String() + "\n")

	return rootCmd
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func ExecuteContext(ctx context.Context) {
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}

	return defaultConfigPath
}

// openBridge loads the config and storage shared by the one-shot commands.
// The returned closer releases the storage.
func openBridge(ctx context.Context) (*bridge.Bridge, *config.Config, func() error, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, closeStore, err := kv.Open(cfg.Storage)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}

	b, err := bridge.New(ctx, bridge.Options{Config: cfg, Store: store, Logger: *zerolog.Ctx(ctx)})
	if err != nil {
		_ = closeStore()

		return nil, nil, nil, err
	}

	return b, cfg, closeStore, nil
}
