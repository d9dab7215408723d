package ml

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"setup-scorer/internal/features"

	"github.com/rs/zerolog/log"
)

// ArtifactStatus is the outcome of loading one strategy's artifact.
type ArtifactStatus string

const (
	StatusLoaded  ArtifactStatus = "loaded"
	StatusMissing ArtifactStatus = "missing"
	StatusFailed  ArtifactStatus = "failed"
)

// ModelMetadata is the optional sidecar written next to an artifact by the
// training job (<strategy>_model.meta.json).
type ModelMetadata struct {
	Version       string    `json:"version"`
	TrainedAt     time.Time `json:"trained_at"`
	Features      []string  `json:"features"`
	Accuracy      float64   `json:"accuracy"`
	TrainingRows  int       `json:"training_rows"`
	ValidationAcc float64   `json:"validation_accuracy"`
}

// ArtifactInfo describes what was found for a strategy at start.
type ArtifactInfo struct {
	Strategy   string         `json:"strategy"`
	Path       string         `json:"path"`
	Format     string         `json:"format,omitempty"`
	Status     ArtifactStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	SizeBytes  int64          `json:"size_bytes,omitempty"`
	ModifiedAt *time.Time     `json:"modified_at,omitempty"`
	SHA256     string         `json:"sha256,omitempty"`
	Metadata   *ModelMetadata `json:"metadata,omitempty"`
}

// Format maps an artifact file extension to a decoder.
type Format struct {
	Name   string
	Ext    string
	Decode func(path string) (Classifier, error)
}

// DefaultFormats returns the supported artifact formats in lookup order.
func DefaultFormats(pythonPath string) []Format {
	return []Format{JSONFormat(), ONNXFormat(pythonPath)}
}

// ArtifactPath returns where the artifact for strategy is expected in dir.
func ArtifactPath(dir, strategy, ext string) string {
	return filepath.Join(dir, strategy+"_model"+ext)
}

func metadataPath(dir, strategy string) string {
	return filepath.Join(dir, strategy+"_model.meta.json")
}

// Load resolves and deserializes the artifact for one strategy. It returns
// ErrArtifactMissing when no candidate file exists and ErrArtifactCorrupt
// when a file exists but cannot be used; in both cases the classifier is nil.
// Every outcome is logged with the resolved path.
func Load(strategy, dir string, formats ...Format) (Classifier, ArtifactInfo, error) {
	if len(formats) == 0 {
		formats = DefaultFormats("")
	}

	info := ArtifactInfo{
		Strategy: strategy,
		Path:     ArtifactPath(dir, strategy, formats[0].Ext),
		Status:   StatusMissing,
	}

	for _, format := range formats {
		path := ArtifactPath(dir, strategy, format.Ext)
		stat, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}

		info.Path = path
		info.Format = format.Name

		if err == nil && stat.IsDir() {
			err = fmt.Errorf("%s is a directory", path)
		}
		if err != nil {
			return failed(info, err)
		}

		modified := stat.ModTime()
		info.SizeBytes = stat.Size()
		info.ModifiedAt = &modified

		md, err := loadMetadata(metadataPath(dir, strategy))
		if err != nil {
			return failed(info, err)
		}
		info.Metadata = md

		model, err := format.Decode(path)
		if err != nil {
			return failed(info, err)
		}

		if sum, err := fileSHA256(path); err == nil {
			info.SHA256 = sum
		}

		info.Status = StatusLoaded
		ev := log.Info().
			Str("strategy", strategy).
			Str("path", path).
			Str("format", format.Name).
			Str("status", string(StatusLoaded))
		if md != nil {
			ev = ev.Str("version", md.Version)
		}
		ev.Msgf("Loaded model: %s", path)
		return model, info, nil
	}

	log.Warn().
		Str("strategy", strategy).
		Str("path", info.Path).
		Str("status", string(StatusMissing)).
		Msgf("Model %s not found, serving default probability %.2f", info.Path, DefaultProbability)
	return nil, info, fmt.Errorf("%w: %s", ErrArtifactMissing, info.Path)
}

func failed(info ArtifactInfo, cause error) (Classifier, ArtifactInfo, error) {
	info.Status = StatusFailed
	info.Error = cause.Error()
	log.Warn().
		Err(cause).
		Str("strategy", info.Strategy).
		Str("path", info.Path).
		Str("status", string(StatusFailed)).
		Msgf("Model %s failed to load, serving default probability %.2f", info.Path, DefaultProbability)
	return nil, info, fmt.Errorf("%w: %s: %w", ErrArtifactCorrupt, info.Path, cause)
}

// loadMetadata reads the optional sidecar. A sidecar that declares a feature
// order different from the encoded columns makes the artifact unusable.
func loadMetadata(path string) (*ModelMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var md ModelMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parse metadata %s: %w", path, err)
	}
	if len(md.Features) > 0 && !slices.Equal(md.Features, features.Columns()) {
		return nil, fmt.Errorf("metadata feature order %v does not match %v", md.Features, features.Columns())
	}
	return &md, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Registry maps each deployed strategy to its classifier, or to nothing when
// the artifact was absent. It is built once and never mutated afterwards, so
// it is shared by concurrent requests without locking.
type Registry struct {
	order     []string
	models    map[string]Classifier
	artifacts map[string]ArtifactInfo
}

// NewRegistry builds a registry from already constructed classifiers.
// Strategies without an entry in models are absent.
func NewRegistry(strategies []string, models map[string]Classifier) *Registry {
	r := &Registry{
		order:     slices.Clone(strategies),
		models:    make(map[string]Classifier, len(strategies)),
		artifacts: make(map[string]ArtifactInfo, len(strategies)),
	}
	for _, name := range strategies {
		model := models[name]
		r.models[name] = model

		status := StatusMissing
		if model != nil {
			status = StatusLoaded
		}
		r.artifacts[name] = ArtifactInfo{Strategy: name, Status: status}
	}
	return r
}

// LoadRegistry loads one artifact per strategy from dir. Missing or corrupt
// artifacts leave their strategy absent. An error is returned only when dir
// exists but cannot be listed; a directory that does not exist means that no
// model has been trained yet.
func LoadRegistry(dir string, strategies []string, formats ...Format) (*Registry, error) {
	stat, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Warn().Str("models_dir", dir).Msg("Models directory not found, all strategies use the default probability")
	case err != nil:
		return nil, fmt.Errorf("stat models directory: %w", err)
	case !stat.IsDir():
		return nil, fmt.Errorf("models path %s is not a directory", dir)
	default:
		if _, err := os.ReadDir(dir); err != nil {
			return nil, fmt.Errorf("read models directory: %w", err)
		}
	}

	r := &Registry{
		order:     slices.Clone(strategies),
		models:    make(map[string]Classifier, len(strategies)),
		artifacts: make(map[string]ArtifactInfo, len(strategies)),
	}

	for _, name := range strategies {
		model, info, _ := Load(name, dir, formats...)
		r.models[name] = model
		r.artifacts[name] = info
	}

	log.Info().
		Str("models_dir", dir).
		Int("strategies", len(strategies)).
		Int("loaded", r.LoadedCount()).
		Interface("models_loaded", r.Status()).
		Msg("Model registry ready")

	return r, nil
}

// Model returns the classifier for strategy; ok is false when it is absent.
func (r *Registry) Model(strategy string) (Classifier, bool) {
	m := r.models[strategy]
	return m, m != nil
}

// Has reports whether strategy is deployed, loaded or not.
func (r *Registry) Has(strategy string) bool {
	_, ok := r.models[strategy]
	return ok
}

// Strategies returns the deployed strategy names in configuration order.
func (r *Registry) Strategies() []string {
	return slices.Clone(r.order)
}

// Status reports, per deployed strategy, whether a model is loaded.
func (r *Registry) Status() map[string]bool {
	out := make(map[string]bool, len(r.models))
	for name, m := range r.models {
		out[name] = m != nil
	}
	return out
}

// LoadedCount returns the number of strategies with a model.
func (r *Registry) LoadedCount() int {
	n := 0
	for _, m := range r.models {
		if m != nil {
			n++
		}
	}
	return n
}

// Artifacts returns load details in configuration order.
func (r *Registry) Artifacts() []ArtifactInfo {
	out := make([]ArtifactInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.artifacts[name])
	}
	return out
}

// Close releases models that hold resources, such as resident ONNX helpers.
// The registry must not be used for predictions afterwards.
func (r *Registry) Close() error {
	var errs []error
	for _, name := range r.order {
		if c, ok := r.models[name].(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s model: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
