package ml

import "context"

// Classifier is trained on normalized feature vectors and outputs a
// probability distribution over class ids.
type Classifier interface {
	Fit(ctx context.Context, features [][]float64, labels []int, numClasses int) error
	PredictProba(features []float64) ([]float64, error)
	Classes() int
	Save(path string) error
}

// ModelConfig selects and parameterizes a classifier for training.
type ModelConfig struct {
	Kind        string
	NumTrees    int
	MaxDepth    int
	MaxFeatures int
	Seed        int64
}

func NewClassifier(config ModelConfig) (Classifier, error) {
	switch config.Kind {
	case "", KindRandomForest:
		return NewRandomForest(ForestConfig{
			NumTrees:    config.NumTrees,
			MaxDepth:    config.MaxDepth,
			MaxFeatures: config.MaxFeatures,
			Seed:        config.Seed,
		}), nil
	case KindDecisionTree:
		return NewDecisionTree(config.MaxDepth, config.MaxFeatures, config.Seed), nil
	default:
		return nil, configErr("new classifier", "unsupported model kind %q", config.Kind)
	}
}
