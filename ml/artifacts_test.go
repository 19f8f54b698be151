package ml

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trainedArtifacts(t *testing.T, labels []string) *Artifacts {
	t.Helper()
	features, ids := separableMatrix()

	codec, err := FitLabelCodec(labels)
	require.NoError(t, err)
	scaler, err := FitScaler(features)
	require.NoError(t, err)
	normalized, err := scaler.TransformAll(features)
	require.NoError(t, err)

	model := NewRandomForest(ForestConfig{NumTrees: 5, Seed: 3})
	require.NoError(t, model.Fit(context.Background(), normalized, ids, 3))
	return &Artifacts{Scaler: scaler, Model: model, Codec: codec}
}

func TestSaveLoadArtifacts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "models")
	a := trainedArtifacts(t, []string{"apple", "maize", "rice"})

	require.NoError(t, SaveArtifacts(dir, a))
	for _, name := range []string{ScalerFile, ModelFile, LabelsFile} {
		assert.FileExists(t, filepath.Join(dir, name))
	}

	loaded, err := LoadArtifacts(dir)
	require.NoError(t, err)
	assert.Equal(t, a.Codec.Labels(), loaded.Codec.Labels())
	assert.Equal(t, a.Scaler, loaded.Scaler)
	assert.Equal(t, 3, loaded.Model.Classes())
}

func TestSaveArtifactsReplacesPreviousSet(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "models")
	require.NoError(t, SaveArtifacts(dir, trainedArtifacts(t, []string{"apple", "maize", "rice"})))
	require.NoError(t, SaveArtifacts(dir, trainedArtifacts(t, []string{"banana", "coffee", "jute"})))

	loaded, err := LoadArtifacts(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"banana", "coffee", "jute"}, loaded.Codec.Labels())

	entries, err := os.ReadDir(filepath.Dir(dir))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "staging and backup directories must be cleaned up")
}

func TestSaveArtifactsRejectsMismatchedSet(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "models")
	a := trainedArtifacts(t, []string{"apple", "maize", "rice", "jute"})

	err := SaveArtifacts(dir, a)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.NoDirExists(t, dir)
}

func TestLoadArtifactsMissingFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "models")
	require.NoError(t, SaveArtifacts(dir, trainedArtifacts(t, []string{"apple", "maize", "rice"})))
	require.NoError(t, os.Remove(filepath.Join(dir, LabelsFile)))

	_, err := LoadArtifacts(dir)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadArtifactsDetectsMixedRuns(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "models")
	require.NoError(t, SaveArtifacts(dir, trainedArtifacts(t, []string{"apple", "maize", "rice"})))

	codec, err := FitLabelCodec([]string{"apple", "maize"})
	require.NoError(t, err)
	require.NoError(t, codec.Save(filepath.Join(dir, LabelsFile)))

	_, err = LoadArtifacts(dir)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}
