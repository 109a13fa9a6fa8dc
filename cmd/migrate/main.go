package main

import (
	"fmt"
	"os"

	"github.com/TheJokr/chatload/pkg/config"
	"github.com/TheJokr/chatload/pkg/logger"
	"github.com/TheJokr/chatload/pkg/storage"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Create or upgrade the characters schema",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			l, err := logger.New(logger.Config{
				Level:       cfg.LogLevel,
				Environment: cfg.Environment,
				ServiceName: cfg.ServiceName + "-migrate",
			})
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer l.Sync()

			if err := storage.Migrate(cfg.Postgres.URI, l); err != nil {
				l.Error("migration failed", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Configuration file path")
	return cmd
}
