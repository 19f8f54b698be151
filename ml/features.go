package ml

import (
	"slices"
)

// Feature column names in vector order. Training, persistence and inference
// all index features through this order.
const (
	FeatureNitrogen    = "N"
	FeaturePhosphorus  = "P"
	FeaturePotassium   = "K"
	FeatureTemperature = "temperature"
	FeatureHumidity    = "humidity"
	FeaturePH          = "ph"
	FeatureRainfall    = "rainfall"

	// LabelColumn holds the crop name in training datasets.
	LabelColumn = "label"
)

var featureNames = []string{
	FeatureNitrogen,
	FeaturePhosphorus,
	FeaturePotassium,
	FeatureTemperature,
	FeatureHumidity,
	FeaturePH,
	FeatureRainfall,
}

// NumFeatures is the fixed dimensionality of every feature vector.
var NumFeatures = len(featureNames)

func FeatureNames() []string {
	return slices.Clone(featureNames)
}

// FeatureIndex returns the vector position of name, or -1.
func FeatureIndex(name string) int {
	return slices.Index(featureNames, name)
}

// Sample is one soil/weather observation with its crop label.
type Sample struct {
	Nitrogen    float64
	Phosphorus  float64
	Potassium   float64
	Temperature float64
	Humidity    float64
	PH          float64
	Rainfall    float64
	Label       string
}

// FeatureVector lays the sample out in FeatureNames order.
func FeatureVector(s Sample) []float64 {
	return []float64{
		s.Nitrogen,
		s.Phosphorus,
		s.Potassium,
		s.Temperature,
		s.Humidity,
		s.PH,
		s.Rainfall,
	}
}

// CheckVector fails fast when a vector does not match the feature contract.
func CheckVector(op string, vector []float64) error {
	if len(vector) != NumFeatures {
		return configErr(op, "feature vector has %d values, want %d", len(vector), NumFeatures)
	}
	return nil
}

// CheckFeatureNames verifies persisted feature names against the contract.
func CheckFeatureNames(op string, names []string) error {
	if !slices.Equal(names, featureNames) {
		return configErr(op, "feature order %v does not match %v", names, featureNames)
	}
	return nil
}
