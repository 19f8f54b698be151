package ml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Artifact file names inside an artifact directory.
const (
	ScalerFile = "scaler.json"
	ModelFile  = "model.json"
	LabelsFile = "labels.json"
)

// Artifacts is the trained normalizer, classifier and label codec of one
// training run. They are only meaningful together.
type Artifacts struct {
	Scaler *MinMaxScaler
	Model  Classifier
	Codec  *LabelCodec
}

// SaveArtifacts writes all three blobs into a fresh sibling directory and
// renames it over dir. Either the whole new set is visible or the previous
// set is left untouched.
func SaveArtifacts(dir string, a *Artifacts) (err error) {
	if a == nil || a.Scaler == nil || a.Model == nil || a.Codec == nil {
		return errors.New("incomplete artifact set")
	}
	if err := a.check("save artifacts"); err != nil {
		return err
	}

	dir = filepath.Clean(dir)
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create artifact parent: %w", err)
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+".staging-*")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(staging)
		}
	}()

	if err := a.Scaler.Save(filepath.Join(staging, ScalerFile)); err != nil {
		return fmt.Errorf("write scaler: %w", err)
	}
	if err := a.Model.Save(filepath.Join(staging, ModelFile)); err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	if err := a.Codec.Save(filepath.Join(staging, LabelsFile)); err != nil {
		return fmt.Errorf("write labels: %w", err)
	}

	var backup string
	if _, statErr := os.Stat(dir); statErr == nil {
		backup = staging + ".previous"
		if err := os.Rename(dir, backup); err != nil {
			return fmt.Errorf("move previous artifacts aside: %w", err)
		}
	}
	if err := os.Rename(staging, dir); err != nil {
		if backup != "" {
			if restoreErr := os.Rename(backup, dir); restoreErr != nil {
				return errors.Join(fmt.Errorf("publish artifacts: %w", err), fmt.Errorf("restore previous artifacts: %w", restoreErr))
			}
		}
		return fmt.Errorf("publish artifacts: %w", err)
	}
	if backup != "" {
		os.RemoveAll(backup)
	}
	return nil
}

// LoadArtifacts reads an artifact set and verifies its parts agree with each
// other and with the feature contract.
func LoadArtifacts(dir string) (*Artifacts, error) {
	scaler, err := LoadScaler(filepath.Join(dir, ScalerFile))
	if err != nil {
		return nil, err
	}
	model, err := LoadModel(filepath.Join(dir, ModelFile))
	if err != nil {
		return nil, err
	}
	codec, err := LoadLabelCodec(filepath.Join(dir, LabelsFile))
	if err != nil {
		return nil, err
	}
	a := &Artifacts{Scaler: scaler, Model: model, Codec: codec}
	if err := a.check("load artifacts"); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Artifacts) check(op string) error {
	if err := CheckFeatureNames(op, a.Scaler.Features); err != nil {
		return err
	}
	if a.Model.Classes() != a.Codec.Len() {
		return configErr(op, "model predicts %d classes but codec has %d labels", a.Model.Classes(), a.Codec.Len())
	}
	return nil
}
