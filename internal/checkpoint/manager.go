// Package checkpoint owns the fresh/resume decision at startup and the
// best/periodic snapshot writes at every epoch boundary.
package checkpoint

import (
	"context"
	"math"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"dxtrain/internal/lrsched"
	"dxtrain/internal/model"
	"dxtrain/internal/storage"
)

// Checkpointer is the subset of the model that persists and restores weights.
type Checkpointer interface {
	Checkpoint(best bool) error
	LoadCheckpoint(dir, which string) error
	LoadSubmodel(dir, which string, components []string) error
}

// Status tells whether Open started a new run or picked up an existing one.
type Status int

const (
	StatusFresh Status = iota
	StatusResuming
)

func (s Status) String() string {
	if s == StatusResuming {
		return "resuming"
	}
	return "fresh"
}

// Sub-model component names understood by LoadSubmodel.
const (
	ComponentCNN = "cnn"
	ComponentMLP = "mlp"
)

type Config struct {
	OutputDir        string
	CheckpointEvery  int
	InitialLR        float64
	PlateauThreshold float64

	// Warm start for fresh runs. Ignored when resuming.
	LoadFrom  string
	LoadWhich string
	LoadCNN   string
	LoadMLP   string
}

// Writes reports which snapshots EpochCompleted persisted.
type Writes struct {
	Best     bool
	Periodic bool
}

// Snapshots reads persisted training state without touching model weights.
type Snapshots struct {
	store storage.Store
}

func NewSnapshots(store storage.Store) *Snapshots {
	return &Snapshots{store: store}
}

// Load returns the latest or best snapshot. ok is false when none was
// written yet.
func (s *Snapshots) Load(ctx context.Context, which string) (model.TrainingState, bool, error) {
	var key string
	switch which {
	case model.WhichLatest:
		key = storage.KeyLatest
	case model.WhichBest:
		key = storage.KeyBest
	default:
		return model.TrainingState{}, false, errors.Errorf("which must be %s or %s, got %q", model.WhichLatest, model.WhichBest, which)
	}
	st, ok, err := s.store.GetState(ctx, key)
	if err != nil {
		return model.TrainingState{}, false, errors.Wrapf(err, "read %s snapshot", which)
	}
	return st, ok, nil
}

// Manager is not safe for concurrent use.
type Manager struct {
	cfg       Config
	store     storage.Store
	snapshots *Snapshots
	model     Checkpointer
}

func NewManager(cfg Config, store storage.Store, m Checkpointer) (*Manager, error) {
	if cfg.OutputDir == "" {
		return nil, errors.New("checkpoint: output directory is required")
	}
	if cfg.CheckpointEvery < 1 {
		return nil, errors.Errorf("checkpoint: checkpoint_every must be >= 1, got %d", cfg.CheckpointEvery)
	}
	if store == nil || m == nil {
		return nil, errors.New("checkpoint: store and model are required")
	}
	if cfg.LoadWhich == "" {
		cfg.LoadWhich = model.WhichLatest
	}
	if cfg.PlateauThreshold == 0 {
		cfg.PlateauThreshold = lrsched.DefaultThreshold
	}
	return &Manager{cfg: cfg, store: store, snapshots: NewSnapshots(store), model: m}, nil
}

// Open prepares the output directory and returns the state training continues
// from. A persisted latest snapshot means resume; a corrupt snapshot or
// missing weights are fatal.
func (m *Manager) Open(ctx context.Context) (model.TrainingState, Status, error) {
	if err := os.MkdirAll(m.cfg.OutputDir, 0o755); err != nil {
		return model.TrainingState{}, StatusFresh, errors.Wrap(err, "create output directory")
	}
	if err := m.store.Init(ctx); err != nil {
		return model.TrainingState{}, StatusFresh, errors.Wrap(err, "init store")
	}

	state, ok, err := m.snapshots.Load(ctx, model.WhichLatest)
	if err != nil {
		return model.TrainingState{}, StatusFresh, err
	}
	if ok {
		if err := m.model.LoadCheckpoint(m.cfg.OutputDir, model.WhichLatest); err != nil {
			return model.TrainingState{}, StatusResuming, errors.Wrapf(err, "load model weights from %s", m.cfg.OutputDir)
		}
		log.WithFields(log.Fields{
			"run_id": state.RunID,
			"epoch":  state.Epoch,
			"iter":   state.Iteration,
			"lr":     state.CurrentLR,
		}).Info("system state loaded")
		return state, StatusResuming, nil
	}

	if err := m.warmStart(); err != nil {
		return model.TrainingState{}, StatusFresh, err
	}

	state = model.TrainingState{
		RunID:            uuid.NewString(),
		CurrentLR:        m.cfg.InitialLR,
		PlateauThreshold: m.cfg.PlateauThreshold,
	}
	storage.Stamp(&state.VersionedRecord)
	log.WithFields(log.Fields{"run_id": state.RunID, "output_dir": m.cfg.OutputDir}).Info("starting fresh run")
	return state, StatusFresh, nil
}

func (m *Manager) warmStart() error {
	if m.cfg.LoadFrom != "" {
		log.Infof("loading %s model from %s", m.cfg.LoadWhich, m.cfg.LoadFrom)
		if err := m.model.LoadCheckpoint(m.cfg.LoadFrom, m.cfg.LoadWhich); err != nil {
			return errors.Wrapf(err, "load checkpoint from %s", m.cfg.LoadFrom)
		}
		return nil
	}
	if m.cfg.LoadCNN != "" {
		log.Infof("loading pre-trained %s from %s", ComponentCNN, m.cfg.LoadCNN)
		if err := m.model.LoadSubmodel(m.cfg.LoadCNN, m.cfg.LoadWhich, []string{ComponentCNN}); err != nil {
			return errors.Wrapf(err, "load %s from %s", ComponentCNN, m.cfg.LoadCNN)
		}
	}
	if m.cfg.LoadMLP != "" {
		log.Infof("loading pre-trained %s from %s", ComponentMLP, m.cfg.LoadMLP)
		if err := m.model.LoadSubmodel(m.cfg.LoadMLP, m.cfg.LoadWhich, []string{ComponentMLP}); err != nil {
			return errors.Wrapf(err, "load %s from %s", ComponentMLP, m.cfg.LoadMLP)
		}
	}
	return nil
}

// IsBest reports whether the newest validation loss is strictly below every
// earlier one. The first epoch is always best. A NaN loss is never best and
// NaN entries in the history are not compared against.
func IsBest(vals []float64) bool {
	n := len(vals)
	if n == 0 {
		return false
	}
	if n == 1 {
		return true
	}
	cur := vals[n-1]
	if math.IsNaN(cur) {
		return false
	}
	for _, v := range vals[:n-1] {
		if !math.IsNaN(v) && !(cur < v) {
			return false
		}
	}
	return true
}

// EpochCompleted runs the two independent write paths for the epoch that was
// just appended to st.Losses.
func (m *Manager) EpochCompleted(ctx context.Context, st *model.TrainingState) (Writes, error) {
	var w Writes
	if st.Epoch < 1 || len(st.Losses) != st.Epoch {
		return w, errors.Errorf("checkpoint: epoch %d does not match history of %d", st.Epoch, len(st.Losses))
	}
	snapshot := st.Clone()

	if IsBest(st.ValLosses()) {
		if err := m.model.Checkpoint(true); err != nil {
			return w, errors.Wrap(err, "checkpoint best model")
		}
		if err := m.store.SaveState(ctx, storage.KeyBest, snapshot); err != nil {
			return w, errors.Wrap(err, "save best snapshot")
		}
		w.Best = true
		log.WithFields(log.Fields{"epoch": st.Epoch, "val_loss": st.Losses[st.Epoch-1].Val}).Info("new best model")
	}

	if st.Epoch%m.cfg.CheckpointEvery == 0 {
		if err := m.model.Checkpoint(false); err != nil {
			return w, errors.Wrap(err, "checkpoint model")
		}
		if err := m.store.SaveState(ctx, storage.KeyLatest, snapshot); err != nil {
			return w, errors.Wrap(err, "save latest snapshot")
		}
		w.Periodic = true
		log.WithField("epoch", st.Epoch).Debug("periodic checkpoint written")
	}
	return w, nil
}
