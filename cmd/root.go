// Package cmd wires the croprec command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"croprec/config"
	"croprec/logger"
	"croprec/ml"
	"croprec/pipeline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:          "croprec",
	Short:        "Crop recommendation service",
	Long:         "croprec trains a crop classifier on soil and weather data and serves top crop recommendations for live sensor readings.",
	SilenceUsage: true,
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().String("config", "config.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(predictCmd)
	rootCmd.AddCommand(augmentCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads the config file named by --config and builds the logger.
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, found, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	if !found {
		log.Info("config file not found, using defaults", zap.String("path", path))
	}
	return cfg, log, nil
}

// predictorBuilder builds predictors from the inference settings in cfg.
func predictorBuilder(cfg *config.Config, log *zap.Logger) pipeline.BuildFunc {
	return func(artifacts *ml.Artifacts) (*pipeline.Predictor, error) {
		return pipeline.NewPredictor(artifacts,
			pipeline.WithSoilDefaults(pipeline.SoilDefaults{
				Nitrogen:   cfg.SoilDefaults.Nitrogen,
				Phosphorus: cfg.SoilDefaults.Phosphorus,
				Potassium:  cfg.SoilDefaults.Potassium,
				PH:         cfg.SoilDefaults.PH,
			}),
			pipeline.WithTopK(cfg.ML.TopK),
			pipeline.WithCacheSize(cfg.ML.CacheSize),
			pipeline.WithLogger(log),
		)
	}
}
