package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/warmpool/warmpool/pkg/config"
	"github.com/warmpool/warmpool/pkg/engine"
	"github.com/warmpool/warmpool/pkg/telemetry"
)

func newRunCommand(version string) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pool manager",
		Long: `Start one worker per configured pool plus the disk and snapshot task
workers, and keep them running until interrupted.

With --watch the configuration file is reloaded on change. Workers are
stopped and rebuilt from the new configuration; an invalid edit is
logged and the running configuration stays in effect.`,
		Example: `  # Run with the default config file
  warmpool run

  # Run and pick up config edits
  warmpool run -c /etc/warmpool.yaml --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, version, watch)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "reload the config file when it changes")

	return cmd
}

func run(ctx context.Context, cfg *config.Config, version string, watch bool) error {
	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()

	logger := tel.Logger.NewComponentLogger("cli")
	tel.Events.Subscribe(func(e telemetry.Event) {
		logger.WithFields(map[string]interface{}{
			"event": e.Type,
			"pool":  e.Pool,
			"vm":    e.VM,
		}).Debug(e.Message)
	}, nil)

	go func() {
		if err := tel.Metrics.Serve(ctx, logger); err != nil {
			logger.WithError(err).Error("metrics endpoint failed")
		}
	}()

	reloads := make(chan *config.Config, 1)
	if watch {
		err := config.Watch(ctx, configPath, tel.Logger.Zerolog(), func(next *config.Config) {
			// Only the newest pending configuration matters.
			select {
			case <-reloads:
			default:
			}
			reloads <- next
		})
		if err != nil {
			return err
		}
	}

	for {
		genCtx, stop := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func(cfg *config.Config) { done <- runGeneration(genCtx, cfg, tel) }(cfg)

		select {
		case err := <-done:
			stop()
			return err
		case next := <-reloads:
			logger.Info("configuration changed, restarting workers")
			stop()
			if err := <-done; err != nil {
				return err
			}
			cfg = next
		}
	}
}

// runGeneration runs the supervisor for one immutable configuration.
func runGeneration(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := newRegistry(cfg, tel)
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			tel.Logger.WithError(err).Warn("failed to close providers")
		}
	}()

	rt, err := engine.NewRuntime(cfg, store, reg, tel)
	if err != nil {
		return err
	}

	tel.Logger.Infof("managing %d pools in namespace %s", len(cfg.Pools), cfg.Store.Namespace)
	err = engine.NewSupervisor(rt).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
