package ml

import (
	"os"

	"github.com/goccy/go-json"
)

// LoadModel reads a persisted classifier, dispatching on its "kind" field.
func LoadModel(path string) (Classifier, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Op: "load model", Err: err}
	}
	var header struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(payload, &header); err != nil {
		return nil, &ConfigurationError{Op: "load model", Err: err}
	}

	var model interface {
		Classifier
		trained() bool
	}
	switch header.Kind {
	case KindRandomForest:
		model = &RandomForest{}
	case KindDecisionTree:
		model = &DecisionTree{}
	default:
		return nil, configErr("load model", "unsupported model kind %q", header.Kind)
	}
	if err := json.Unmarshal(payload, model); err != nil {
		return nil, &ConfigurationError{Op: "load model", Err: err}
	}
	if !model.trained() {
		return nil, configErr("load model", "%s holds an untrained %s", path, header.Kind)
	}
	return model, nil
}

func (dt *DecisionTree) trained() bool {
	return len(dt.Nodes) > 0 && dt.NumClasses > 0
}

func (rf *RandomForest) trained() bool {
	if len(rf.Trees) == 0 || rf.NumClasses <= 0 {
		return false
	}
	for _, tree := range rf.Trees {
		if tree == nil || !tree.trained() {
			return false
		}
	}
	return true
}
