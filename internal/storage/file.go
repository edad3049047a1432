package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"dxtrain/internal/model"
)

// On-disk layout of a run's output directory.
const (
	StateFileName    = "system_state.pkl"
	BestModelDir     = "best_model"
	ValPredDir       = "val_pred"
	TestPredDir      = "test_pred"
	PredictionSuffix = ".npy"
)

// FileStore keeps snapshots and predictions as versioned JSON files under a
// run's output directory, using the legacy file names so existing tooling
// finds them.
type FileStore struct {
	root string
}

func NewFileStore(outputDir string) *FileStore {
	return &FileStore{root: outputDir}
}

// Root returns the output directory.
func (s *FileStore) Root() string {
	return s.root
}

// Init creates the output directory and its fixed sub-directories.
func (s *FileStore) Init(_ context.Context) error {
	if s.root == "" {
		return errors.Errorf("output directory is required")
	}
	for _, dir := range []string{s.root, filepath.Join(s.root, BestModelDir), filepath.Join(s.root, ValPredDir), filepath.Join(s.root, TestPredDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// StatePath maps a snapshot key to its file.
func (s *FileStore) StatePath(key string) (string, error) {
	switch key {
	case KeyLatest:
		return filepath.Join(s.root, StateFileName), nil
	case KeyBest:
		return filepath.Join(s.root, BestModelDir, StateFileName), nil
	default:
		return "", errors.Errorf("unknown snapshot key: %q", key)
	}
}

// PredictionsPath maps a prediction set name to its file.
func (s *FileStore) PredictionsPath(name string) (string, error) {
	dir, base, ok := strings.Cut(name, "/")
	if !ok || base == "" || strings.ContainsAny(base, `/\`) || base == "." || base == ".." {
		return "", errors.Errorf("invalid prediction set name: %q", name)
	}
	switch dir {
	case "val":
		return filepath.Join(s.root, ValPredDir, base+PredictionSuffix), nil
	case "test":
		return filepath.Join(s.root, TestPredDir, base+PredictionSuffix), nil
	default:
		return "", errors.Errorf("invalid prediction set name: %q", name)
	}
}

func (s *FileStore) SaveState(_ context.Context, key string, state model.TrainingState) error {
	path, err := s.StatePath(key)
	if err != nil {
		return err
	}
	payload, err := EncodeState(state)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, payload)
}

func (s *FileStore) GetState(_ context.Context, key string) (model.TrainingState, bool, error) {
	path, err := s.StatePath(key)
	if err != nil {
		return model.TrainingState{}, false, err
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.TrainingState{}, false, nil
		}
		return model.TrainingState{}, false, err
	}
	state, err := DecodeState(payload)
	if err != nil {
		return model.TrainingState{}, false, errors.Wrapf(err, "decode %s", path)
	}
	return state, true, nil
}

func (s *FileStore) SavePredictions(_ context.Context, set model.PredictionSet) error {
	path, err := s.PredictionsPath(set.Name)
	if err != nil {
		return err
	}
	payload, err := EncodePredictions(set)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, payload)
}

func (s *FileStore) GetPredictions(_ context.Context, name string) (model.PredictionSet, bool, error) {
	path, err := s.PredictionsPath(name)
	if err != nil {
		return model.PredictionSet{}, false, err
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.PredictionSet{}, false, nil
		}
		return model.PredictionSet{}, false, err
	}
	set, err := DecodePredictions(payload)
	if err != nil {
		return model.PredictionSet{}, false, errors.Wrapf(err, "decode %s", path)
	}
	return set, true, nil
}

// writeFileAtomic writes through a temp file in the same directory and renames
// it over path, so readers never observe a partial snapshot.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// WriteFileAtomic is the temp-and-rename writer shared with other packages
// that persist into the output directory.
func WriteFileAtomic(path string, data []byte) error {
	return writeFileAtomic(path, data)
}
