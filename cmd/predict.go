package cmd

import (
	"fmt"
	"text/tabwriter"

	"croprec/ml"
	"croprec/pipeline"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Recommend crops for one set of weather readings",
	Example: `  croprec predict --temperature 24 --humidity 82 --rainfall 220
  croprec predict --temperature 30 --humidity 20 --rainfall 70 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPredict(cmd)
	},
}

func init() {
	f := predictCmd.Flags()
	f.Float64("temperature", 0, "Air temperature in °C")
	f.Float64("humidity", 0, "Relative humidity in %")
	f.Float64("rainfall", 0, "Rainfall in mm")
	f.String("artifacts", "", "Model artifact directory (overrides ml.artifact_dir)")
	f.Bool("json", false, "Print the recommendations as JSON")
	predictCmd.MarkFlagRequired("temperature")
	predictCmd.MarkFlagRequired("humidity")
	predictCmd.MarkFlagRequired("rainfall")
}

func runPredict(cmd *cobra.Command) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	f := cmd.Flags()
	if dir, _ := f.GetString("artifacts"); dir != "" {
		cfg.ML.ArtifactDir = dir
	}
	temperature, _ := f.GetFloat64("temperature")
	humidity, _ := f.GetFloat64("humidity")
	rainfall, _ := f.GetFloat64("rainfall")

	artifacts, err := ml.LoadArtifacts(cfg.ML.ArtifactDir)
	if err != nil {
		return err
	}
	predictor, err := predictorBuilder(cfg, log)(artifacts)
	if err != nil {
		return err
	}
	recs, err := predictor.Predict(cmd.Context(), pipeline.NewPredictRequest(temperature, humidity, rainfall))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := f.GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tCROP\tPROBABILITY")
	for i, r := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%.2f%%\n", i+1, r.Name, r.Probability)
	}
	return tw.Flush()
}
