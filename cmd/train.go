package cmd

import (
	"errors"
	"fmt"

	"croprec/db"
	"croprec/ml"
	"croprec/pipeline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the crop classifier and write its artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTrain(cmd)
	},
}

func init() {
	f := trainCmd.Flags()
	f.String("dataset", "", "CSV dataset (overrides ml.dataset_path)")
	f.String("out", "", "Artifact directory (overrides ml.artifact_dir)")
	f.String("model", "", "Model kind: random_forest or decision_tree")
	f.Int("trees", 0, "Number of trees in the forest")
	f.Int("max-depth", 0, "Maximum tree depth, 0 for unlimited")
	f.Int64("seed", 0, "Random seed for the split and the model")
	f.Float64("test-ratio", 0, "Held-out fraction used for the accuracy report")
	f.Bool("no-record", false, "Do not record the run in the training log")
	f.Float64Slice("temperature-range", nil, "Reject rows whose temperature falls outside min,max")
}

func runTrain(cmd *cobra.Command) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	f := cmd.Flags()
	if v, _ := f.GetString("dataset"); v != "" {
		cfg.ML.DatasetPath = v
	}
	if v, _ := f.GetString("out"); v != "" {
		cfg.ML.ArtifactDir = v
	}
	if v, _ := f.GetString("model"); v != "" {
		cfg.ML.ModelType = v
	}
	if f.Changed("trees") {
		cfg.ML.NumTrees, _ = f.GetInt("trees")
	}
	if f.Changed("max-depth") {
		cfg.ML.MaxTreeDepth, _ = f.GetInt("max-depth")
	}
	if f.Changed("seed") {
		cfg.ML.Seed, _ = f.GetInt64("seed")
	}
	if f.Changed("test-ratio") {
		cfg.ML.TestRatio, _ = f.GetFloat64("test-ratio")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var opts []pipeline.TrainerOption
	if f.Changed("temperature-range") {
		bounds, _ := f.GetFloat64Slice("temperature-range")
		if len(bounds) != 2 || bounds[0] > bounds[1] {
			return fmt.Errorf("--temperature-range wants min,max with min <= max, got %v", bounds)
		}
		validator := pipeline.NewSampleValidator()
		validator.AddRule(pipeline.RangeRule{Feature: ml.FeatureTemperature, Min: bounds[0], Max: bounds[1]})
		opts = append(opts, pipeline.WithSampleValidator(validator))
	}
	if noRecord, _ := f.GetBool("no-record"); !noRecord {
		store, err := db.Open(cfg.Database.Path, log)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, pipeline.WithTrainingRecorder(store))
	}

	trainer := pipeline.NewTrainer(pipeline.TrainingConfig{
		DatasetPath: cfg.ML.DatasetPath,
		ArtifactDir: cfg.ML.ArtifactDir,
		TestRatio:   cfg.ML.TestRatio,
		Model: ml.ModelConfig{
			Kind:        cfg.ML.ModelType,
			NumTrees:    cfg.ML.NumTrees,
			MaxDepth:    cfg.ML.MaxTreeDepth,
			MaxFeatures: cfg.ML.MaxFeatures,
			Seed:        cfg.ML.Seed,
		},
	}, log, opts...)

	report, err := trainer.Run(cmd.Context())
	if err != nil {
		var verr *pipeline.ValidationError
		if errors.As(err, &verr) {
			for _, issue := range verr.Issues {
				fmt.Fprintln(cmd.ErrOrStderr(), issue.Error())
			}
		}
		return err
	}

	log.Debug("training report", zap.Any("report", report))
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "model:     %s (seed %d)\n", report.ModelKind, report.Seed)
	fmt.Fprintf(out, "samples:   %d (train %d, test %d)\n", report.Samples, report.TrainSamples, report.TestSamples)
	fmt.Fprintf(out, "classes:   %d\n", report.Classes)
	fmt.Fprintf(out, "accuracy:  %.2f%%\n", report.Accuracy*100)
	fmt.Fprintf(out, "artifacts: %s\n", report.ArtifactDir)
	return nil
}
