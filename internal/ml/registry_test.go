package ml

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"setup-scorer/internal/features"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad_Missing(t *testing.T) {
	dir := t.TempDir()

	model, info, err := Load("swing", dir, JSONFormat())
	assert.Nil(t, model)
	assert.True(t, errors.Is(err, ErrArtifactMissing))
	assert.Equal(t, StatusMissing, info.Status)
	assert.Equal(t, filepath.Join(dir, "swing_model.json"), info.Path)
}

func TestLoad_Corrupt(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "swing_model.json"), "not a model")

	model, info, err := Load("swing", dir, JSONFormat())
	assert.Nil(t, model)
	assert.True(t, errors.Is(err, ErrArtifactCorrupt))
	assert.Equal(t, StatusFailed, info.Status)
	assert.NotEmpty(t, info.Error)
	assert.Equal(t, "json", info.Format)
}

func TestLoad_Loaded(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "swing_model.json"), logisticArtifact)

	model, info, err := Load("swing", dir, JSONFormat())
	require.NoError(t, err)
	require.NotNil(t, model)
	assert.Equal(t, StatusLoaded, info.Status)
	assert.Len(t, info.SHA256, 64)
	assert.Equal(t, int64(len(logisticArtifact)), info.SizeBytes)
	require.NotNil(t, info.ModifiedAt)
}

func TestLoad_FormatOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "swing_model.json"), logisticArtifact)
	writeFile(t, filepath.Join(dir, "swing_model.onnx"), "onnx bytes")

	onnxCalled := false
	fake := Format{Name: "onnx", Ext: ".onnx", Decode: func(string) (Classifier, error) {
		onnxCalled = true
		return constant(0.9), nil
	}}

	_, info, err := Load("swing", dir, JSONFormat(), fake)
	require.NoError(t, err)
	assert.Equal(t, "json", info.Format)
	assert.False(t, onnxCalled)
}

func TestLoad_FallsThroughToSecondFormat(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "swing_model.onnx"), "onnx bytes")

	fake := Format{Name: "onnx", Ext: ".onnx", Decode: func(string) (Classifier, error) {
		return constant(0.9), nil
	}}

	model, info, err := Load("swing", dir, JSONFormat(), fake)
	require.NoError(t, err)
	assert.Equal(t, "onnx", info.Format)
	assert.Equal(t, filepath.Join(dir, "swing_model.onnx"), info.Path)

	probs, err := model.PredictProba(context.Background(), features.Encode(sampleRecord))
	require.NoError(t, err)
	assert.InDelta(t, 0.9, probs.Positive(), 1e-12)
}

func TestLoad_MetadataSidecar(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "swing_model.json"), logisticArtifact)
	writeFile(t, filepath.Join(dir, "swing_model.meta.json"),
		`{"version":"v3","features":`+columnsJSON+`,"accuracy":0.71}`)

	_, info, err := Load("swing", dir, JSONFormat())
	require.NoError(t, err)
	require.NotNil(t, info.Metadata)
	assert.Equal(t, "v3", info.Metadata.Version)
	assert.InDelta(t, 0.71, info.Metadata.Accuracy, 1e-12)
}

func TestLoad_MetadataFeatureMismatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "swing_model.json"), logisticArtifact)
	writeFile(t, filepath.Join(dir, "swing_model.meta.json"),
		`{"version":"v3","features":["hour","volume","ema_slope","spread","adx","atr"]}`)

	model, info, err := Load("swing", dir, JSONFormat())
	assert.Nil(t, model)
	assert.True(t, errors.Is(err, ErrArtifactCorrupt))
	assert.Equal(t, StatusFailed, info.Status)
}

func TestLoadRegistry_PartialDeployment(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "swing_model.json"), logisticArtifact)

	r, err := LoadRegistry(dir, []string{"swing", "scalping"}, JSONFormat())
	require.NoError(t, err)

	assert.Equal(t, map[string]bool{"swing": true, "scalping": false}, r.Status())
	assert.Equal(t, 1, r.LoadedCount())
	assert.Equal(t, []string{"swing", "scalping"}, r.Strategies())

	_, ok := r.Model("swing")
	assert.True(t, ok)
	_, ok = r.Model("scalping")
	assert.False(t, ok)

	assert.True(t, r.Has("scalping"))
	assert.False(t, r.Has("breakout"))

	artifacts := r.Artifacts()
	require.Len(t, artifacts, 2)
	assert.Equal(t, StatusLoaded, artifacts[0].Status)
	assert.Equal(t, StatusMissing, artifacts[1].Status)
}

func TestLoadRegistry_CorruptArtifactLeavesStrategyAbsent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "swing_model.json"), logisticArtifact)
	writeFile(t, filepath.Join(dir, "scalping_model.json"), "{truncated")

	r, err := LoadRegistry(dir, []string{"swing", "scalping"}, JSONFormat())
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"swing": true, "scalping": false}, r.Status())
	assert.Equal(t, StatusFailed, r.Artifacts()[1].Status)
}

func TestLoadRegistry_MissingDirectory(t *testing.T) {
	r, err := LoadRegistry(filepath.Join(t.TempDir(), "nope"), []string{"swing", "scalping"}, JSONFormat())
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"swing": false, "scalping": false}, r.Status())
	assert.Equal(t, 0, r.LoadedCount())
}

func TestLoadRegistry_PathIsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models")
	writeFile(t, path, "")

	_, err := LoadRegistry(path, []string{"swing"}, JSONFormat())
	assert.Error(t, err)
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry([]string{"swing", "scalping"}, map[string]Classifier{"scalping": constant(0.3)})

	assert.Equal(t, map[string]bool{"swing": false, "scalping": true}, r.Status())
	assert.Equal(t, 1, r.LoadedCount())

	strategies := r.Strategies()
	strategies[0] = "mutated"
	assert.Equal(t, []string{"swing", "scalping"}, r.Strategies())
}

type closingModel struct {
	closed bool
}

func (m *closingModel) PredictProba(context.Context, features.Frame) (Probabilities, error) {
	return Probabilities{0.5, 0.5}, nil
}

func (m *closingModel) Close() error {
	m.closed = true
	return nil
}

func TestRegistry_CloseReleasesModels(t *testing.T) {
	closer := &closingModel{}
	plain := ClassifierFunc(func(context.Context, features.Frame) (Probabilities, error) {
		return Probabilities{0.5, 0.5}, nil
	})
	r := NewRegistry([]string{"swing", "scalping", "breakout"}, map[string]Classifier{
		"swing":    closer,
		"scalping": plain,
	})

	require.NoError(t, r.Close())
	assert.True(t, closer.closed)
}
