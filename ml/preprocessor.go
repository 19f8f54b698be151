package ml

import (
	"errors"
	"os"
	"slices"

	"github.com/goccy/go-json"
)

// MinMaxScaler holds per-feature min/max learned from training data.
type MinMaxScaler struct {
	Features []string  `json:"features"`
	Mins     []float64 `json:"mins"`
	Maxs     []float64 `json:"maxs"`
}

// FitScaler computes the per-feature minimum and maximum over samples.
func FitScaler(samples [][]float64) (*MinMaxScaler, error) {
	if len(samples) == 0 {
		return nil, configErr("fit scaler", "no samples")
	}
	mins := slices.Clone(samples[0])
	maxs := slices.Clone(samples[0])
	for i, sample := range samples {
		if err := CheckVector("fit scaler", sample); err != nil {
			return nil, err
		}
		if i == 0 {
			continue
		}
		for j, value := range sample {
			if value < mins[j] {
				mins[j] = value
			}
			if value > maxs[j] {
				maxs[j] = value
			}
		}
	}
	return &MinMaxScaler{
		Features: FeatureNames(),
		Mins:     mins,
		Maxs:     maxs,
	}, nil
}

// Transform rescales a single vector. The input is not modified.
func (s *MinMaxScaler) Transform(vector []float64) ([]float64, error) {
	if len(vector) != len(s.Mins) {
		return nil, configErr("transform", "feature vector has %d values, scaler was fitted on %d", len(vector), len(s.Mins))
	}
	return NormalizeVector(vector, s.Mins, s.Maxs)
}

func (s *MinMaxScaler) TransformAll(vectors [][]float64) ([][]float64, error) {
	out := make([][]float64, len(vectors))
	for i, vector := range vectors {
		normalized, err := s.Transform(vector)
		if err != nil {
			return nil, err
		}
		out[i] = normalized
	}
	return out, nil
}

func (s *MinMaxScaler) Save(path string) error {
	if len(s.Mins) == 0 {
		return errors.New("scaler not fitted")
	}
	return writeJSON(path, s)
}

func LoadScaler(path string) (*MinMaxScaler, error) {
	var s MinMaxScaler
	if err := readJSON(path, &s); err != nil {
		return nil, &ConfigurationError{Op: "load scaler", Err: err}
	}
	if err := CheckFeatureNames("load scaler", s.Features); err != nil {
		return nil, err
	}
	if len(s.Mins) != len(s.Features) || len(s.Maxs) != len(s.Features) {
		return nil, configErr("load scaler", "corrupt state: %d features, %d mins, %d maxs", len(s.Features), len(s.Mins), len(s.Maxs))
	}
	return &s, nil
}

func writeJSON(path string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func readJSON(path string, v any) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
