// Package trainer runs the epoch loop: curriculum-aware training with
// gradient accumulation, validation, learning-rate decay, checkpointing and
// an optional final test pass.
package trainer

import (
	"context"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"dxtrain/internal/accum"
	"dxtrain/internal/checkpoint"
	"dxtrain/internal/loss"
	"dxtrain/internal/lrsched"
	"dxtrain/internal/metrics"
	"dxtrain/internal/model"
	"dxtrain/internal/storage"
	"dxtrain/internal/sysmode"
)

const (
	// GridImages is the number of images tiled into a reconstruction grid.
	GridImages = 9
	// GridColumns is the number of columns of a reconstruction grid.
	GridColumns = 3

	epochSeedStride = 7919
)

// Phase is the driver's position in the run lifecycle.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseTraining
	PhaseValidating
	PhaseTesting
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseTraining:
		return "training"
	case PhaseValidating:
		return "validating"
	case PhaseTesting:
		return "testing"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

type Config struct {
	Mode                  sysmode.Mode
	NIters                int
	SkipTrain             bool
	Test                  bool
	NegTrainUntil         int
	AutoencoderOnlyEpochs int
	Seed                  int64
}

// Deps are the collaborators a Driver orchestrates. Sink may be nil.
type Deps struct {
	Train Split
	Val   Split
	Test  Split

	Model       model.Model
	Evaluator   *loss.Evaluator
	Accumulator *accum.Scheduler
	LR          *lrsched.Controller
	Checkpoints *checkpoint.Manager
	Store       storage.Store
	Sink        metrics.Sink
}

// Summary describes a finished Run.
type Summary struct {
	RunID       string
	Status      checkpoint.Status
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
	TestLoss    loss.Optional
	State       model.TrainingState
}

// Driver is not safe for concurrent use.
type Driver struct {
	cfg  Config
	deps Deps

	phase Phase
}

func New(cfg Config, deps Deps) (*Driver, error) {
	if deps.Model == nil || deps.Evaluator == nil || deps.Accumulator == nil || deps.LR == nil || deps.Checkpoints == nil || deps.Store == nil {
		return nil, errors.New("trainer: model, evaluator, accumulator, lr controller, checkpoints and store are required")
	}
	if !cfg.SkipTrain && (deps.Train == nil || deps.Val == nil) {
		return nil, errors.New("trainer: train and val splits are required unless training is skipped")
	}
	if cfg.Test && deps.Test == nil {
		return nil, errors.New("trainer: test split is required when testing is enabled")
	}
	if cfg.NIters < 0 {
		return nil, errors.Errorf("trainer: n_iters must be >= 0, got %d", cfg.NIters)
	}
	if deps.Sink == nil {
		deps.Sink = metrics.Nop{}
	}
	return &Driver{cfg: cfg, deps: deps}, nil
}

// Phase reports where the driver currently is.
func (d *Driver) Phase() Phase {
	return d.phase
}

// splitResult is the outcome of one pass over a split.
type splitResult struct {
	means loss.Sums
	preds map[string]model.Prediction

	lastRecord model.PatientRecord
	lastOutput model.Output
}

// Run trains until the iteration budget is spent, then tests if enabled.
// Cancellation is honoured between epochs only.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	st, status, err := d.deps.Checkpoints.Open(ctx)
	if err != nil {
		return Summary{}, err
	}
	startEpoch := st.Epoch
	summary := func() Summary { return d.summarize(st, status, startEpoch) }

	for !d.cfg.SkipTrain && st.Iteration < d.cfg.NIters {
		if err := ctx.Err(); err != nil {
			log.WithField("epoch", st.Epoch).Warn("training interrupted at epoch boundary")
			return summary(), errors.Wrap(err, "training interrupted")
		}
		if err := d.runEpoch(ctx, &st); err != nil {
			return summary(), errors.Wrapf(err, "epoch %d", st.Epoch)
		}
	}

	out := summary()
	if d.cfg.Test {
		d.phase = PhaseTesting
		test, err := d.testPass(ctx)
		if err != nil {
			return out, errors.Wrap(err, "test pass")
		}
		out.TestLoss = loss.Some(test.Total)
	}
	d.phase = PhaseDone
	return out, nil
}

func (d *Driver) runEpoch(ctx context.Context, st *model.TrainingState) error {
	d.phase = PhaseTraining
	log.WithField("epoch", st.Epoch).Info("training")
	train, err := d.trainPass(ctx, st)
	if err != nil {
		return err
	}
	if d.deps.LR.AfterEpoch(st, train.Total) {
		log.WithFields(log.Fields{
			"epoch":     st.Epoch,
			"lr":        st.CurrentLR,
			"threshold": st.PlateauThreshold,
		}).Info("train loss plateaued, learning rate reduced")
	}

	d.phase = PhaseValidating
	log.WithField("epoch", st.Epoch).Info("validating")
	val, err := d.evalPass(ctx, d.deps.Val, "val", d.aeOnly(st.Epoch))
	if err != nil {
		return err
	}

	d.logEpochSummary(st.Epoch, train, val.means)
	name := storage.ValPredictionsName(st.Epoch)
	if err := d.savePredictions(ctx, name, val.preds); err != nil {
		return err
	}

	st.Epoch++
	st.Losses = append(st.Losses, model.EpochLoss{Train: train.Total, Val: val.means.Total})
	d.emitEpochScalars(st.Epoch, train, val.means)
	if d.cfg.Mode.Denoise {
		d.emitGrids(st.Epoch, val)
	}

	writes, err := d.deps.Checkpoints.EpochCompleted(ctx, st)
	if err != nil {
		return err
	}
	if err := d.deps.Sink.Flush(); err != nil {
		log.WithError(err).Warn("metric sink flush failed")
	}
	log.WithFields(log.Fields{
		"epoch":    st.Epoch,
		"iter":     st.Iteration,
		"best":     writes.Best,
		"periodic": writes.Periodic,
	}).Info("epoch completed")
	return nil
}

func (d *Driver) aeOnly(epoch int) bool {
	return epoch < d.cfg.AutoencoderOnlyEpochs
}

// epochRand seeds the shuffle from the run seed and the epoch so a resumed
// run replays the same order.
func (d *Driver) epochRand(epoch int) *rand.Rand {
	return rand.New(rand.NewSource(d.cfg.Seed + int64(epoch)*epochSeedStride))
}

func (d *Driver) trainPass(ctx context.Context, st *model.TrainingState) (loss.Sums, error) {
	split := d.deps.Train
	d.deps.Model.Train()
	order := split.Order(d.epochRand(st.Epoch), true)
	aeOnly := d.aeOnly(st.Epoch)

	// A cancel must not truncate the epoch.
	it := split.Iterate(context.WithoutCancel(ctx), order)
	defer it.Close()

	var sums loss.Sums
	for batch := 0; ; batch++ {
		d.deps.Accumulator.Begin()
		rec, ok, err := it.Next()
		if err != nil {
			return loss.Sums{}, errors.Wrap(err, "read training patient")
		}
		if !ok {
			break
		}
		if rec.Label == model.LabelSick && st.Epoch < d.cfg.NegTrainUntil {
			continue
		}

		out, err := d.deps.Model.Forward(rec, model.ForwardOptions{AEOnly: aeOnly})
		if err != nil {
			return loss.Sums{}, errors.Wrapf(err, "forward patient %s", rec.ID)
		}
		b, err := d.deps.Evaluator.Evaluate(rec, out, false, aeOnly)
		if err != nil {
			return loss.Sums{}, err
		}
		if err := d.deps.Model.Backward(b.Grad); err != nil {
			return loss.Sums{}, errors.Wrapf(err, "backward patient %s", rec.ID)
		}
		if _, err := d.deps.Accumulator.Accumulated(batch == len(order)-1); err != nil {
			return loss.Sums{}, err
		}

		d.patientEntry(rec, b).WithFields(log.Fields{
			"iter":  st.Iteration,
			"epoch": st.Epoch,
			"batch": batch,
			"lr":    st.CurrentLR,
		}).Info("step")
		sums.Add(b)

		d.deps.Sink.Scalar("iter_train_loss", b.Total, st.Iteration)
		st.Iteration++
		if d.deps.LR.AfterIteration(st) {
			log.WithFields(log.Fields{"iter": st.Iteration, "lr": st.CurrentLR}).Info("learning rate milestone reached")
		}
	}
	// The last patient may have been skipped by the curriculum.
	if _, err := d.deps.Accumulator.Flush(); err != nil {
		return loss.Sums{}, err
	}
	return sums.Mean(split.Len()), nil
}

// evalPass runs split in order without learning and collects predictions.
func (d *Driver) evalPass(ctx context.Context, split Split, label string, aeOnly bool) (splitResult, error) {
	d.deps.Model.Eval()
	order := split.Order(nil, false)
	it := split.Iterate(context.WithoutCancel(ctx), order)
	defer it.Close()

	res := splitResult{preds: make(map[string]model.Prediction, len(order))}
	var sums loss.Sums
	for {
		rec, ok, err := it.Next()
		if err != nil {
			return splitResult{}, errors.Wrapf(err, "read %s patient", label)
		}
		if !ok {
			break
		}
		out, err := d.deps.Model.Forward(rec, model.ForwardOptions{IsTest: true, AEOnly: aeOnly})
		if err != nil {
			return splitResult{}, errors.Wrapf(err, "forward patient %s", rec.ID)
		}
		b, err := d.deps.Evaluator.Evaluate(rec, out, true, aeOnly)
		if err != nil {
			return splitResult{}, err
		}
		d.patientEntry(rec, b).WithFields(log.Fields{
			"patient": rec.ID,
			"pred":    b.Pred,
		}).Info(label)

		sums.Add(b)
		res.preds[rec.ID] = model.Prediction{Label: rec.Label, Pred: b.Pred}
		res.lastRecord, res.lastOutput = rec, out
	}
	res.means = sums.Mean(split.Len())
	return res, nil
}

func (d *Driver) testPass(ctx context.Context) (loss.Sums, error) {
	log.Info("testing")
	res, err := d.evalPass(ctx, d.deps.Test, "test", false)
	if err != nil {
		return loss.Sums{}, err
	}
	entry := log.WithField("split", "test")
	for _, l := range d.lossLines("Test", res.means) {
		entry.WithField("loss", l.Name).Infof("%20s: %.4f", l.Name, l.Value.Value)
	}
	if err := d.savePredictions(ctx, storage.TestPredictionsName, res.preds); err != nil {
		return loss.Sums{}, err
	}
	return res.means, nil
}

func (d *Driver) savePredictions(ctx context.Context, name string, preds map[string]model.Prediction) error {
	set := model.PredictionSet{Name: name, Entries: preds}
	storage.Stamp(&set.VersionedRecord)
	if err := d.deps.Store.SavePredictions(ctx, set); err != nil {
		return errors.Wrapf(err, "save predictions %s", name)
	}
	log.WithFields(log.Fields{"name": name, "patients": len(preds)}).Info("predictions saved")
	return nil
}

// patientEntry carries the loss fields shared by train, val and test lines.
func (d *Driver) patientEntry(rec model.PatientRecord, b loss.Bundle) *log.Entry {
	fields := log.Fields{
		"gt":         int(rec.Label),
		"score":      b.Score,
		"loss_total": b.Total,
	}
	for _, c := range b.Components() {
		if c.Value.Valid {
			fields["loss_"+c.Name] = c.Value.Value
		}
	}
	if d.cfg.Mode.IsGated() {
		fields["pred_imgs"] = b.ImageScore.Value
		fields["pred_attrs"] = b.AttrScore.Value
		fields["gate_imgs"] = b.Gate.Value
		fields["gate_attrs"] = 1 - b.Gate.Value
	}
	return log.WithFields(fields)
}

// lossLines names the per-split means reported for the active mode.
func (d *Driver) lossLines(prefix string, s loss.Sums) []loss.Named {
	lines := []loss.Named{{Name: prefix + " loss", Value: loss.Some(s.Total)}}
	if d.cfg.Mode.Images {
		lines = append(lines, loss.Named{Name: prefix + " Imgs loss", Value: loss.Some(s.Images)})
	}
	if d.cfg.Mode.Attributes {
		lines = append(lines, loss.Named{Name: prefix + " Attrs loss", Value: loss.Some(s.Attributes)})
	}
	if d.cfg.Mode.Denoise {
		lines = append(lines,
			loss.Named{Name: prefix + " Recon loss", Value: loss.Some(s.Recon)},
			loss.Named{Name: prefix + " Sparse loss", Value: loss.Some(s.Sparse)},
		)
	}
	return lines
}

func (d *Driver) logEpochSummary(epoch int, train, val loss.Sums) {
	entry := log.WithField("epoch", epoch)
	tl, vl := d.lossLines("Train", train), d.lossLines("Val", val)
	for i := range tl {
		for _, l := range []loss.Named{tl[i], vl[i]} {
			entry.WithField("loss", l.Name).Infof("%20s: %.4f", l.Name, l.Value.Value)
		}
	}
}

func (d *Driver) emitEpochScalars(step int, train, val loss.Sums) {
	sink := d.deps.Sink
	sink.Scalar("train_loss", train.Total, step)
	sink.Scalar("val_loss", val.Total, step)
	if d.cfg.Mode.Images {
		sink.Scalar("train_imgs_loss", train.Images, step)
		sink.Scalar("val_imgs_loss", val.Images, step)
	}
	if d.cfg.Mode.Attributes {
		sink.Scalar("train_attrs_loss", train.Attributes, step)
		sink.Scalar("val_attrs_loss", val.Attributes, step)
	}
	if d.cfg.Mode.Denoise {
		sink.Scalar("train_recon_loss", train.Recon, step)
		sink.Scalar("val_recon_loss", val.Recon, step)
		sink.Scalar("train_sparse_loss", train.Sparse, step)
		sink.Scalar("val_sparse_loss", val.Sparse, step)
	}
}

func (d *Driver) emitGrids(step int, val splitResult) {
	out, rec := val.lastOutput, val.lastRecord
	if len(out.ImageInputs) == 0 || len(out.ImageRecons) == 0 {
		return
	}
	w, h := rec.ImageWidth, rec.ImageHeight
	d.deps.Sink.Image("inputs_grid", metrics.GrayGrid(firstN(out.ImageInputs, GridImages), w, h, GridColumns), step)
	d.deps.Sink.Image("recons_grid", metrics.GrayGrid(firstN(out.ImageRecons, GridImages), w, h, GridColumns), step)
}

func firstN(images [][]float64, n int) [][]float64 {
	if len(images) > n {
		return images[:n]
	}
	return images
}

func (d *Driver) summarize(st model.TrainingState, status checkpoint.Status, startEpoch int) Summary {
	s := Summary{
		RunID:       st.RunID,
		Status:      status,
		EpochsRun:   st.Epoch - startEpoch,
		Epoch:       st.Epoch,
		Iteration:   st.Iteration,
		LR:          st.CurrentLR,
		DecayEvents: d.deps.LR.Events(),
		Steps:       d.deps.Accumulator.Steps(),
		BestValLoss: math.Inf(1),
		State:       st.Clone(),
	}
	for i, l := range st.Losses {
		if l.Val < s.BestValLoss {
			s.BestEpoch, s.BestValLoss = i+1, l.Val
		}
	}
	if n := len(st.Losses); n > 0 {
		s.TrainLoss, s.ValLoss = st.Losses[n-1].Train, st.Losses[n-1].Val
	}
	if s.BestEpoch == 0 {
		s.BestValLoss = 0
	}
	return s
}
