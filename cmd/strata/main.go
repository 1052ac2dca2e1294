// Command strata runs the medallion pipeline: it lands Bronze
// partitions, curates them into Silver, and manages pipeline state.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stratapipe/strata/internal/pipeline"
	"github.com/stratapipe/strata/pkg/config"
	"github.com/stratapipe/strata/pkg/logger"
	"github.com/stratapipe/strata/pkg/state"
	"github.com/stratapipe/strata/pkg/storage"
)

// Set at build time via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

var configPath string

func main() {
	// Optional .env for local development; missing file is fine
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "strata",
		Short: "Config-driven Bronze/Silver data pipeline",
		Long: `Strata lands raw source data as immutable Bronze partitions and
curates them into deduplicated, historized Silver datasets with
SCD1/SCD2 state tracking and CDC merge semantics.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "strata.yaml", "pipeline config file")

	rootCmd.AddCommand(newRunCmd(), newStatusCmd(), newResetWatermarkCmd(), newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var runDate string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Curate all configured entities for one run date",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runner, cleanup, err := buildRunner()
			if err != nil {
				return err
			}
			defer cleanup()

			if runDate == "" {
				runDate = time.Now().UTC().Format("2006-01-02")
			}
			runID := uuid.NewString()

			log := logger.Get()
			log.Info("pipeline run starting",
				zap.String("run_id", runID),
				zap.String("run_date", runDate))

			if err := runner.Run(ctx, runDate, runID); err != nil {
				log.Error("pipeline run failed", zap.String("run_id", runID), zap.Error(err))
				return err
			}
			log.Info("pipeline run complete", zap.String("run_id", runID))
			return nil
		},
	}
	cmd.Flags().StringVar(&runDate, "date", "", "run date (YYYY-MM-DD), defaults to today")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show watermarks and circuit breaker state",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, cleanup, err := buildRunner()
			if err != nil {
				return err
			}
			defer cleanup()

			status, err := runner.Status(cmd.Context())
			if err != nil {
				return err
			}

			for _, e := range status.Entities {
				if e.Watermark == nil {
					fmt.Printf("%-40s (no watermark)\n", e.SourceKey)
					continue
				}
				fmt.Printf("%-40s %s=%s  last_reference=%s\n",
					e.SourceKey, e.Watermark.Column, e.Watermark.Value, e.Watermark.LastReferenceDate)
			}
			for _, b := range status.Breakers {
				fmt.Printf("breaker %-32s %s (failures=%d)\n", b.Component, b.State, b.FailureCount)
			}
			return nil
		},
	}
}

func newResetWatermarkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-watermark <source_key>",
		Short: "Reset a watermark (the only way to move it backwards)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, cleanup, err := buildRunner()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := runner.ResetWatermark(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("watermark %s reset\n", args[0])
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("strata %s (%s)\n", version, commit)
		},
	}
}

// buildRunner assembles the pipeline from the config file. The returned
// cleanup flushes logs and closes the state store.
func buildRunner() (*pipeline.Runner, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Encoding:    cfg.Logging.Encoding,
	}); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.Get()

	backend, err := buildBackend(cfg)
	if err != nil {
		return nil, nil, err
	}

	var (
		watermarks  state.WatermarkStore
		checkpoints state.CheckpointStore
		closeState  = func() {}
	)
	if cfg.State.Path == "memory" {
		watermarks = state.NewMemoryWatermarkStore()
		checkpoints = state.NewMemoryCheckpointStore()
	} else {
		store, err := state.OpenSQLiteStore(cfg.State.Path)
		if err != nil {
			return nil, nil, err
		}
		watermarks, checkpoints = store, store
		closeState = func() { store.Close() }
	}

	runner := pipeline.NewRunner(cfg, backend, watermarks, checkpoints, nil, nil, log)
	cleanup := func() {
		closeState()
		_ = log.Sync()
	}
	return runner, cleanup, nil
}

func buildBackend(cfg *config.PipelineConfig) (storage.Backend, error) {
	switch cfg.Storage.Kind {
	case "s3":
		return storage.NewS3Backend(context.Background(), storage.S3Config{
			Bucket:   cfg.Storage.Bucket,
			Prefix:   cfg.Storage.Prefix,
			Region:   cfg.Storage.Region,
			Endpoint: cfg.Storage.Endpoint,
		})
	default:
		return storage.NewLocalBackend(cfg.Storage.Root)
	}
}
