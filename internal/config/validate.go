package config

import (
	"github.com/pkg/errors"

	"dxtrain/internal/loss"
	"dxtrain/internal/model"
	"dxtrain/internal/storage"
)

// Validate runs every startup check. Nothing has been created on disk when it
// fails.
func (o Options) Validate() error {
	mode, err := o.Mode()
	if err != nil {
		return err
	}
	family, err := o.Family()
	if err != nil {
		return err
	}
	if _, err := o.Scheme(); err != nil {
		return err
	}
	if _, err := o.CheckpointFormat(); err != nil {
		return err
	}
	t := o.Training
	switch {
	case t.SubjBatchSize < 1:
		return errors.Errorf("training.subj_batch_size must be >= 1, got %d", t.SubjBatchSize)
	case t.CheckpointEvery < 1:
		return errors.Errorf("training.checkpoint_every must be >= 1, got %d", t.CheckpointEvery)
	case mode.IsGated() && family != loss.FamilyBCE:
		return errors.Errorf("system mode %s requires training.loss %s, got %s", mode, loss.FamilyBCE, family)
	case t.AutoencoderOnlyEpochs > 0 && (!mode.Denoise || mode.IsGated()):
		return errors.Errorf("training.autoencoder_only_epochs requires D and no gating in the system mode, got %s", mode)
	case t.AutoencoderOnlyEpochs < 0 || t.NegTrainUntil < 0:
		return errors.New("epoch thresholds must be >= 0")
	case t.NIters < 0:
		return errors.Errorf("training.n_iters must be >= 0, got %d", t.NIters)
	case t.LR <= 0:
		return errors.Errorf("training.lr must be > 0, got %g", t.LR)
	case t.LRDecay <= 0:
		return errors.Errorf("training.lr_decay must be > 0, got %g", t.LRDecay)
	case t.LoadWhich != model.WhichLatest && t.LoadWhich != model.WhichBest:
		return errors.Errorf("training.load_which must be %s or %s, got %q", model.WhichLatest, model.WhichBest, t.LoadWhich)
	case o.Data.MaxImages < 0 || o.Data.Prefetch < 0:
		return errors.New("data.max_images and data.prefetch must be >= 0")
	case o.OutputDir == "":
		return errors.New("output_dir is required")
	}
	switch t.Store {
	case "", storage.DefaultStoreKind(), "memory", "sqlite":
	default:
		return errors.Errorf("unsupported training.store %q", t.Store)
	}
	return nil
}
