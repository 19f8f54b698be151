package ml

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinMaxScalerFitTransform(t *testing.T) {
	samples := [][]float64{
		{90, 42, 43, 20.8, 82.0, 6.5, 202.9},
		{85, 58, 41, 21.7, 80.3, 7.0, 226.6},
		{60, 55, 44, 23.0, 82.3, 7.8, 263.9},
	}

	scaler, err := FitScaler(samples)
	require.NoError(t, err)

	zeros, err := scaler.Transform(scaler.Mins)
	require.NoError(t, err)
	ones, err := scaler.Transform(scaler.Maxs)
	require.NoError(t, err)
	for i := range zeros {
		assert.InDelta(t, 0, zeros[i], 1e-12, "feature %d", i)
		assert.InDelta(t, 1, ones[i], 1e-12, "feature %d", i)
	}

	vectors, err := scaler.TransformAll(samples)
	require.NoError(t, err)
	for _, vector := range vectors {
		for _, value := range vector {
			if value < 0 || value > 1 {
				t.Fatalf("expected normalized value between 0 and 1, got %f", value)
			}
		}
	}
}

func TestMinMaxScalerConstantFeatureMapsToZero(t *testing.T) {
	samples := [][]float64{
		{50, 50, 50, 10, 60, 6.5, 100},
		{50, 50, 50, 30, 60, 6.5, 100},
	}
	scaler, err := FitScaler(samples)
	require.NoError(t, err)

	out, err := scaler.Transform([]float64{80, 50, 50, 20, 60, 6.5, 100})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0, 0.5, 0, 0, 0}, out)
}

func TestMinMaxScalerExtrapolates(t *testing.T) {
	samples := [][]float64{
		{0, 0, 0, 10, 0, 0, 0},
		{10, 10, 10, 20, 10, 10, 10},
	}
	scaler, err := FitScaler(samples)
	require.NoError(t, err)

	out, err := scaler.Transform([]float64{20, -10, 5, 40, 10, 0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, out[0], 1e-12)
	assert.InDelta(t, -1.0, out[1], 1e-12)
	assert.InDelta(t, 3.0, out[3], 1e-12)
}

func TestMinMaxScalerDimensionMismatch(t *testing.T) {
	_, err := FitScaler([][]float64{{1, 2, 3}})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	_, err = FitScaler(nil)
	require.ErrorAs(t, err, &cfgErr)

	scaler, err := FitScaler([][]float64{{1, 2, 3, 4, 5, 6, 7}})
	require.NoError(t, err)
	_, err = scaler.Transform([]float64{1, 2, 3})
	require.ErrorAs(t, err, &cfgErr)
	_, err = scaler.Transform([]float64{1, 2, 3, 4, 5, 6, 7, 8})
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadScalerRejectsReorderedFeatures(t *testing.T) {
	scaler, err := FitScaler([][]float64{{1, 2, 3, 4, 5, 6, 7}})
	require.NoError(t, err)
	scaler.Features[0], scaler.Features[1] = scaler.Features[1], scaler.Features[0]

	path := filepath.Join(t.TempDir(), ScalerFile)
	require.NoError(t, scaler.Save(path))

	_, err = LoadScaler(path)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestNormalizeFeature(t *testing.T) {
	tests := []struct {
		name          string
		value, lo, hi float64
		want          float64
	}{
		{"min", 5, 5, 10, 0},
		{"max", 10, 5, 10, 1},
		{"middle", 7.5, 5, 10, 0.5},
		{"constant", 3, 4, 4, 0},
		{"below range", 0, 5, 10, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, NormalizeFeature(tt.value, tt.lo, tt.hi), 1e-12)
		})
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	payload, err := os.ReadFile(path)
	require.NoError(t, err)
	return payload
}
