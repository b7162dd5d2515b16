package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/warmpool/warmpool/pkg/config"
	"github.com/warmpool/warmpool/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Long: `Validate a warmpool configuration file.

This command checks:
  - YAML syntax and unknown fields
  - Field constraints (sizes, intervals, provider kinds)
  - Unique pool names and aliases
  - The readiness probe settings`,
		Example: `  # Validate the file given by --config
  warmpool validate

  # Validate a specific file
  warmpool validate ./pools.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if _, err := engine.NewProber(cfg.Engine.Probe); err != nil {
				return fmt.Errorf("probe: %w", err)
			}

			log.Info().
				Str("path", path).
				Int("pools", len(cfg.Pools)).
				Str("backend", cfg.Store.Backend).
				Msg("Configuration is valid")
			return nil
		},
	}

	return cmd
}
