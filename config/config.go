// Package config loads the service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"croprec/logger"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Http struct {
		Port           int           `yaml:"port" validate:"gte=1,lte=65535"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`
		MaxBodyBytes   int64         `yaml:"max_body_bytes" validate:"gt=0"`
	} `yaml:"http"`
	Serial struct {
		Enabled           bool          `yaml:"enabled"`
		Port              string        `yaml:"port" validate:"required_if=Enabled true"`
		BaudRate          int           `yaml:"baud_rate" validate:"gt=0"`
		ReconnectInterval time.Duration `yaml:"reconnect_interval" validate:"gt=0"`
	} `yaml:"serial"`
	Database struct {
		Path          string        `yaml:"path" validate:"required"`
		BatchSize     int           `yaml:"batch_size" validate:"gt=0"`
		FlushInterval time.Duration `yaml:"flush_interval" validate:"gt=0"`
		Retention     time.Duration `yaml:"retention" validate:"gte=0"`
	} `yaml:"database"`
	Log logger.Config `yaml:"log"`
	ML  struct {
		ArtifactDir    string  `yaml:"artifact_dir" validate:"required"`
		DatasetPath    string  `yaml:"dataset_path"`
		ModelType      string  `yaml:"model_type" validate:"oneof=random_forest decision_tree"`
		NumTrees       int     `yaml:"num_trees" validate:"gt=0"`
		MaxTreeDepth   int     `yaml:"max_tree_depth" validate:"gte=0"`
		MaxFeatures    int     `yaml:"max_features" validate:"gte=0"`
		Seed           int64   `yaml:"seed"`
		TestRatio      float64 `yaml:"test_ratio" validate:"gte=0,lt=1"`
		TopK           int     `yaml:"top_k" validate:"gt=0"`
		CacheSize      int     `yaml:"cache_size" validate:"gte=0"`
		WatchArtifacts bool    `yaml:"watch_artifacts"`
	} `yaml:"ml"`
	SoilDefaults SoilDefaults `yaml:"soil_defaults"`
}

// SoilDefaults stand in for the soil chemistry the sensor cannot measure.
type SoilDefaults struct {
	Nitrogen   float64 `yaml:"nitrogen" validate:"gte=0"`
	Phosphorus float64 `yaml:"phosphorus" validate:"gte=0"`
	Potassium  float64 `yaml:"potassium" validate:"gte=0"`
	PH         float64 `yaml:"ph" validate:"gte=0,lte=14"`
}

func Default() *Config {
	var c Config
	c.Http.Port = 5001
	c.Http.AllowedOrigins = []string{"*"}
	c.Http.Timeout = 30 * time.Second
	c.Http.MaxBodyBytes = 1 << 20

	c.Serial.Enabled = false
	c.Serial.Port = "/dev/ttyUSB0"
	c.Serial.BaudRate = 9600
	c.Serial.ReconnectInterval = 5 * time.Second

	c.Database.Path = "data/croprec.db"
	c.Database.BatchSize = 50
	c.Database.FlushInterval = 10 * time.Second
	c.Database.Retention = 30 * 24 * time.Hour

	c.Log = logger.DefaultConfig()

	c.ML.ArtifactDir = "models"
	c.ML.DatasetPath = "Crop_recommendation.csv"
	c.ML.ModelType = "random_forest"
	c.ML.NumTrees = 100
	c.ML.Seed = 42
	c.ML.TestRatio = 0.2
	c.ML.TopK = 4
	c.ML.CacheSize = 1024

	c.SoilDefaults = SoilDefaults{Nitrogen: 50, Phosphorus: 50, Potassium: 50, PH: 6.5}
	return &c
}

// Load overlays the YAML file at path on Default. A missing file is not an
// error; found reports whether it existed.
func Load(path string) (cfg *Config, found bool, err error) {
	cfg = Default()
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, false, cfg.Validate()
	}
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, true, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, true, err
	}
	return cfg, true, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s fails %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
