package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, dir string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("N,P,K,temperature,humidity,ph,rainfall,label\n")
	for _, c := range []struct {
		label           string
		temp, hum, rain float64
	}{
		{"rice", 24, 82, 220},
		{"maize", 20, 60, 80},
		{"chickpea", 30, 18, 70},
	} {
		for i := 0; i < 20; i++ {
			jitter := float64(i%5) - 2
			fmt.Fprintf(&b, "50,50,50,%.2f,%.2f,6.5,%.2f,%s\n", c.temp+jitter*0.5, c.hum+jitter, c.rain+jitter*5, c.label)
		}
	}
	path := filepath.Join(dir, "crops.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTrainAugmentPredict(t *testing.T) {
	dir := t.TempDir()
	dataset := writeCSV(t, dir)
	models := filepath.Join(dir, "models")
	configPath := filepath.Join(dir, "missing.yaml")

	out, err := execute(t, "train", "--config", configPath, "--log-level", "error",
		"--dataset", dataset, "--out", models, "--trees", "10", "--no-record")
	require.NoError(t, err, out)
	assert.Contains(t, out, "classes:   3")

	out, err = execute(t, "predict", "--config", configPath, "--log-level", "error",
		"--artifacts", models, "--temperature", "24", "--humidity", "82", "--rainfall", "220", "--json")
	require.NoError(t, err, out)

	var recs []struct {
		Name        string  `json:"name"`
		Probability float64 `json:"probability"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 3)
	assert.Equal(t, "Rice", recs[0].Name)

	augmented := filepath.Join(dir, "augmented.csv")
	out, err = execute(t, "augment", "--config", configPath, "--log-level", "error",
		"--in", dataset, "--out", augmented)
	require.NoError(t, err, out)
	assert.Contains(t, out, "wrote 60 rows")

	data, err := os.ReadFile(augmented)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "N,P,K,temperature,humidity,ph,rainfall,label,moisture"))
}

func TestPredictMissingArtifacts(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "predict", "--config", filepath.Join(dir, "missing.yaml"), "--log-level", "error",
		"--artifacts", filepath.Join(dir, "nope"), "--temperature", "24", "--humidity", "82", "--rainfall", "220")
	assert.Error(t, err)
}

func TestTrainTemperatureRange(t *testing.T) {
	dir := t.TempDir()
	dataset := writeCSV(t, dir)

	out, err := execute(t, "train", "--config", filepath.Join(dir, "missing.yaml"), "--log-level", "error",
		"--dataset", dataset, "--out", filepath.Join(dir, "models"), "--trees", "10", "--no-record",
		"--temperature-range", "0,25")
	require.Error(t, err)
	assert.Contains(t, out, "line 42 (chickpea): temperature_range")
	assert.NotContains(t, out, "(rice): temperature_range")
	assert.NoDirExists(t, filepath.Join(dir, "models"))
}
