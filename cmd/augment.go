package cmd

import (
	"fmt"

	"croprec/pipeline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var augmentCmd = &cobra.Command{
	Use:   "augment",
	Short: "Add a synthetic soil moisture column to the training CSV",
	Long: "augment copies the dataset and appends a moisture column drawn uniformly " +
		"from each crop's typical soil moisture range. The column is not a model feature.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAugment(cmd)
	},
}

func init() {
	f := augmentCmd.Flags()
	f.String("in", "", "Input CSV (defaults to ml.dataset_path)")
	f.String("out", "crop_data_with_moisture.csv", "Output CSV")
	f.Int64("seed", 42, "Random seed")
}

func runAugment(cmd *cobra.Command) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	f := cmd.Flags()
	in, _ := f.GetString("in")
	if in == "" {
		in = cfg.ML.DatasetPath
	}
	out, _ := f.GetString("out")
	seed, _ := f.GetInt64("seed")

	rows, err := pipeline.NewAugmenter(seed).AugmentFile(in, out)
	if err != nil {
		return err
	}
	log.Info("dataset augmented", zap.String("in", in), zap.String("out", out), zap.Int("rows", rows))
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows to %s\n", rows, out)
	return nil
}
