package cmd

import (
	"fmt"
	"time"

	"croprec/db"
	qhttp "croprec/http"
	"croprec/monitoring"
	"croprec/pipeline"
	"croprec/sensor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const retentionInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve crop recommendations and live sensor data over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides http.port)")
	serveCmd.Flags().String("serial-port", "", "Serial device of the sensor board; enables the reader")
	serveCmd.Flags().String("artifacts", "", "Model artifact directory (overrides ml.artifact_dir)")
}

// runServe loads the model, opens the store and supervises every background
// loop until the command context is cancelled or one of them fails.
func runServe(cmd *cobra.Command) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cmd.Flags().Changed("port") {
		cfg.Http.Port, _ = cmd.Flags().GetInt("port")
	}
	if p, _ := cmd.Flags().GetString("serial-port"); p != "" {
		cfg.Serial.Enabled = true
		cfg.Serial.Port = p
	}
	if dir, _ := cmd.Flags().GetString("artifacts"); dir != "" {
		cfg.ML.ArtifactDir = dir
	}

	reloader, err := pipeline.NewReloader(cfg.ML.ArtifactDir, predictorBuilder(cfg, log), log)
	if err != nil {
		return fmt.Errorf("load model artifacts from %s: %w", cfg.ML.ArtifactDir, err)
	}
	log.Info("model loaded",
		zap.String("dir", cfg.ML.ArtifactDir),
		zap.Int("classes", len(reloader.Current().Classes())))

	store, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := monitoring.NewHub(cfg.Http.AllowedOrigins, log)
	latest := &sensor.Latest{}

	server := qhttp.NewServer(qhttp.ServerConfig{
		Port:           cfg.Http.Port,
		Timeout:        cfg.Http.Timeout,
		AllowedOrigins: cfg.Http.AllowedOrigins,
		MaxBodyBytes:   cfg.Http.MaxBodyBytes,
	}, &qhttp.Handler{
		Recommender: reloader,
		Latest:      latest,
		Store:       store,
		Hub:         hub,
		Logger:      log,
	}, log)

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return store.RunRetention(ctx, cfg.Database.Retention, retentionInterval) })

	if cfg.Serial.Enabled {
		recorder := sensor.NewRecorder(sensor.RecorderConfig{
			BatchSize:     cfg.Database.BatchSize,
			FlushInterval: cfg.Database.FlushInterval,
		}, store, log)
		reader := sensor.NewReader(sensor.ReaderConfig{
			Port:              cfg.Serial.Port,
			BaudRate:          cfg.Serial.BaudRate,
			ReconnectInterval: cfg.Serial.ReconnectInterval,
		}, latest, log)
		reader.Subscribe(recorder.Add)
		reader.Subscribe(func(r sensor.Reading) {
			if err := hub.Publish(monitoring.SensorReading, r); err != nil {
				log.Warn("publish sensor reading failed", zap.Error(err))
			}
		})

		g.Go(func() error { return recorder.Run(ctx) })
		g.Go(func() error { return reader.Run(ctx) })
	} else {
		log.Info("serial reader disabled; /sensor-data serves zero values")
	}

	if cfg.ML.WatchArtifacts {
		g.Go(func() error { return reloader.Watch(ctx) })
	}

	err = g.Wait()
	log.Info("shutdown complete")
	return err
}
