package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/JakeFAU/autoapply/internal/config"
	"github.com/JakeFAU/autoapply/internal/server"
)

// runner is the part of server.App the run command drives.
type runner interface {
	Run(ctx context.Context) error
}

// buildApp is the application factory. Tests replace it.
var buildApp = func(ctx context.Context, cfg config.Config) (runner, error) {
	return server.Build(ctx, cfg)
}

// runFlags maps command-line flags onto configuration keys.
var runFlags = map[string]string{
	"workers":     "pool.workers",
	"cap":         "worker.per_cycle_cap",
	"batch-size":  "worker.batch_size",
	"poll-min":    "backoff.idle.min",
	"poll-max":    "backoff.idle.max",
	"headless":    "browser.headless",
	"source":      "source.kind",
	"target":      "pool.target_successes",
	"max-runtime": "pool.max_runtime",
}

func newRunCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the worker pool and run until interrupted",
		Long: `Starts the supervised worker pool. The run ends on SIGINT or SIGTERM, when the
target success count or maximum runtime is reached, or when an essential
dependent fails permanently. A final summary is printed on the way out.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := viper.New()
			for flag, key := range runFlags {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
			cfg, err := config.LoadWith(v, cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			app, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run: %w", err)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "config file (yaml, json, or toml)")
	f.Int("workers", 3, "number of concurrent workers")
	f.Int("cap", 20, "applications per worker cycle before yielding")
	f.Int("batch-size", 10, "work items fetched per batch (max 50)")
	f.Duration("poll-min", 0, "minimum idle wait when no work is available")
	f.Duration("poll-max", 0, "maximum idle wait when no work is available")
	f.Bool("headless", true, "run the supervised browser without a window")
	f.String("source", config.SourceHTTP, "job source: http or memory (dry run)")
	f.Int("target", 0, "stop after this many successful applications (0 = unlimited)")
	f.Duration("max-runtime", 0, "stop after this long (0 = unlimited)")
	return cmd
}
