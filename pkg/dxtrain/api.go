// Package dxtrain is the programmatic entry point: train an experiment from a
// YAML config, inspect its persisted state, list runs and score predictions.
package dxtrain

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"dxtrain/internal/checkpoint"
	"dxtrain/internal/config"
	"dxtrain/internal/model"
	"dxtrain/internal/stats"
	"dxtrain/internal/storage"
	"dxtrain/internal/trainer"
)

const defaultRunsLimit = 20

type Options struct {
	// OutputRoot holds one directory per experiment and the run index.
	OutputRoot string
}

type Client struct {
	outputRoot string
}

type TrainRequest struct {
	ConfigPath string
	// OutputDir and StoreKind override the config file when set.
	OutputDir string
	StoreKind string
}

type TrainSummary struct {
	RunID       string
	Experiment  string
	OutputDir   string
	Status      string
	EpochsRun   int
	Epoch       int
	Iteration   int
	LR          float64
	DecayEvents int
	Steps       int
	BestEpoch   int
	BestValLoss float64
	TrainLoss   float64
	ValLoss     float64
	TestLoss    *float64
}

type StatusRequest struct {
	OutputDir string
	StoreKind string
	Which     string
}

type StatusSummary struct {
	OutputDir        string
	Which            string
	Found            bool
	RunID            string
	Epoch            int
	Iteration        int
	LR               float64
	PlateauThreshold float64
	Losses           []model.EpochLoss
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	Experiment   string
	OutputDir    string
	SystemMode   string
	Epochs       int
	BestEpoch    int
	BestValLoss  float64
	TestLoss     *float64
	UpdatedAtUTC string
}

type PredictionsRequest struct {
	OutputDir string
	StoreKind string
	// Epoch selects val/<epoch>; Test selects test/best instead.
	Epoch int
	Test  bool
}

type PredictionsSummary struct {
	Name    string
	Entries map[string]model.Prediction
	Quality stats.PredictionSummary
}

func New(opts Options) (*Client, error) {
	root := opts.OutputRoot
	if root == "" {
		root = config.DefaultOutputRoot
	}
	return &Client{outputRoot: root}, nil
}

// OutputRoot is the directory holding experiments and the run index.
func (c *Client) OutputRoot() string {
	return c.outputRoot
}

// Train runs one experiment to completion, or until ctx is cancelled at an
// epoch boundary. The summary and run index are written either way.
func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainSummary, error) {
	opts, err := config.Load(req.ConfigPath, c.outputRoot)
	if err != nil {
		return TrainSummary{}, err
	}
	if req.OutputDir != "" {
		opts.OutputDir = req.OutputDir
	}
	if req.StoreKind != "" {
		opts.Training.Store = req.StoreKind
		if err := opts.Validate(); err != nil {
			return TrainSummary{}, err
		}
	}
	if err := stats.WriteRunConfig(opts.OutputDir, opts); err != nil {
		return TrainSummary{}, errors.Wrap(err, "write run config")
	}

	stack, err := buildStack(opts)
	if err != nil {
		return TrainSummary{}, err
	}
	defer func() {
		if err := stack.Close(); err != nil {
			log.WithError(err).Warn("close run resources")
		}
	}()

	result, runErr := stack.driver.Run(ctx)
	if result.RunID == "" {
		return TrainSummary{}, runErr
	}
	summary := toTrainSummary(opts, result)
	if err := stats.WriteRunSummary(opts.OutputDir, summary); err != nil {
		return summary, errors.Wrap(err, "write run summary")
	}
	if err := stats.AppendRunIndex(c.outputRoot, toIndexEntry(opts, summary)); err != nil {
		return summary, errors.Wrap(err, "update run index")
	}
	return summary, runErr
}

// Status reads a run's persisted snapshot without touching its weights.
func (c *Client) Status(ctx context.Context, req StatusRequest) (StatusSummary, error) {
	store, dir, err := c.openStore(ctx, req.OutputDir, req.StoreKind)
	if err != nil {
		return StatusSummary{}, err
	}
	defer storage.CloseIfSupported(store)

	which := req.Which
	if which == "" {
		which = model.WhichLatest
	}
	st, ok, err := checkpoint.NewSnapshots(store).Load(ctx, which)
	if err != nil {
		return StatusSummary{}, err
	}
	out := StatusSummary{OutputDir: dir, Which: which, Found: ok}
	if !ok {
		return out, nil
	}
	out.RunID = st.RunID
	out.Epoch = st.Epoch
	out.Iteration = st.Iteration
	out.LR = st.CurrentLR
	out.PlateauThreshold = st.PlateauThreshold
	out.Losses = append([]model.EpochLoss(nil), st.Losses...)
	return out, nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = defaultRunsLimit
	}
	entries, err := stats.ListRunIndex(c.outputRoot)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}
	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:        e.RunID,
			Experiment:   e.Experiment,
			OutputDir:    e.OutputDir,
			SystemMode:   e.SystemMode,
			Epochs:       e.Epochs,
			BestEpoch:    e.BestEpoch,
			BestValLoss:  e.BestValLoss,
			TestLoss:     e.TestLoss,
			UpdatedAtUTC: e.UpdatedAtUTC,
		})
	}
	return out, nil
}

// Predictions loads one saved prediction set and scores it.
func (c *Client) Predictions(ctx context.Context, req PredictionsRequest) (PredictionsSummary, error) {
	if req.Epoch < 0 {
		return PredictionsSummary{}, errors.New("epoch must be >= 0")
	}
	store, _, err := c.openStore(ctx, req.OutputDir, req.StoreKind)
	if err != nil {
		return PredictionsSummary{}, err
	}
	defer storage.CloseIfSupported(store)

	name := storage.ValPredictionsName(req.Epoch)
	if req.Test {
		name = storage.TestPredictionsName
	}
	set, ok, err := store.GetPredictions(ctx, name)
	if err != nil {
		return PredictionsSummary{}, errors.Wrapf(err, "read predictions %s", name)
	}
	if !ok {
		return PredictionsSummary{}, errors.Errorf("no predictions %s in %s", name, req.OutputDir)
	}
	return PredictionsSummary{
		Name:    name,
		Entries: set.Entries,
		Quality: stats.SummarizePredictions(set),
	}, nil
}

// openStore resolves a run directory, relative names being taken under the
// output root, and opens the store kind recorded in its config.json.
func (c *Client) openStore(ctx context.Context, outputDir, kind string) (storage.Store, string, error) {
	if outputDir == "" {
		return nil, "", errors.New("output directory is required")
	}
	dir := outputDir
	if _, err := os.Stat(dir); err != nil && !filepath.IsAbs(dir) {
		dir = filepath.Join(c.outputRoot, outputDir)
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, "", errors.Wrapf(err, "run directory %s", outputDir)
	}
	if kind == "" {
		var opts config.Options
		ok, err := stats.ReadRunConfig(dir, &opts)
		if err != nil {
			return nil, "", errors.Wrap(err, "read run config")
		}
		if ok {
			kind = opts.Training.Store
		}
	}
	store, err := storage.NewStore(kind, dir)
	if err != nil {
		return nil, "", err
	}
	if err := store.Init(ctx); err != nil {
		_ = storage.CloseIfSupported(store)
		return nil, "", errors.Wrap(err, "init store")
	}
	return store, dir, nil
}

func toTrainSummary(opts config.Options, r trainer.Summary) TrainSummary {
	s := TrainSummary{
		RunID:       r.RunID,
		Experiment:  opts.ExperimentName,
		OutputDir:   filepath.Clean(opts.OutputDir),
		Status:      r.Status.String(),
		EpochsRun:   r.EpochsRun,
		Epoch:       r.Epoch,
		Iteration:   r.Iteration,
		LR:          r.LR,
		DecayEvents: r.DecayEvents,
		Steps:       r.Steps,
		BestEpoch:   r.BestEpoch,
		BestValLoss: r.BestValLoss,
		TrainLoss:   r.TrainLoss,
		ValLoss:     r.ValLoss,
	}
	if r.TestLoss.Valid {
		v := r.TestLoss.Value
		s.TestLoss = &v
	}
	return s
}

func toIndexEntry(opts config.Options, s TrainSummary) stats.RunIndexEntry {
	return stats.RunIndexEntry{
		RunID:          s.RunID,
		Experiment:     s.Experiment,
		OutputDir:      s.OutputDir,
		SystemMode:     opts.Model.SystemMode,
		Loss:           opts.Training.Loss,
		Epochs:         s.Epoch,
		Iteration:      s.Iteration,
		BestEpoch:      s.BestEpoch,
		BestValLoss:    s.BestValLoss,
		FinalTrainLoss: s.TrainLoss,
		FinalValLoss:   s.ValLoss,
		TestLoss:       s.TestLoss,
	}
}
