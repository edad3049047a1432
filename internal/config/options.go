// Package config loads experiment options from YAML with viper and applies
// legacy key fixes and startup validation.
package config

import (
	"dxtrain/internal/experts"
	"dxtrain/internal/loss"
	"dxtrain/internal/lrsched"
	"dxtrain/internal/sysmode"
)

type Options struct {
	ExperimentName string          `mapstructure:"experiment_name" json:"experiment_name"`
	OutputDir      string          `mapstructure:"output_dir" json:"output_dir"`
	OutputRoot     string          `mapstructure:"output_root" json:"output_root"`
	Model          ModelOptions    `mapstructure:"model" json:"model"`
	Training       TrainingOptions `mapstructure:"training" json:"training"`
	Data           DataOptions     `mapstructure:"data" json:"data"`
}

type ModelOptions struct {
	SystemMode       string   `mapstructure:"system_mode" json:"system_mode"`
	AttrToUse        []string `mapstructure:"attr_to_use" json:"attr_to_use"`
	LatentSize       int      `mapstructure:"latent_size" json:"latent_size"`
	CheckpointFormat string   `mapstructure:"checkpoint_format" json:"checkpoint_format"`
}

type OptimizerOptions struct {
	Momentum    float64 `mapstructure:"momentum" json:"momentum"`
	WeightDecay float64 `mapstructure:"weight_decay" json:"weight_decay"`
}

type TrainingOptions struct {
	Seed      int64  `mapstructure:"seed" json:"seed"`
	NIters    int    `mapstructure:"n_iters" json:"n_iters"`
	SkipTrain bool   `mapstructure:"skip_train" json:"skip_train"`
	Test      bool   `mapstructure:"test" json:"test"`
	DoLogging bool   `mapstructure:"do_logging" json:"do_logging"`
	LogDir    string `mapstructure:"log_dir" json:"log_dir"`
	Store     string `mapstructure:"store" json:"store"`

	Loss             string  `mapstructure:"loss" json:"loss"`
	LR               float64 `mapstructure:"lr" json:"lr"`
	LRDecay          float64 `mapstructure:"lr_decay" json:"lr_decay"`
	LRDecayScheme    string  `mapstructure:"lr_decay_scheme" json:"lr_decay_scheme"`
	LRDecaySteps     []int   `mapstructure:"lr_decay_steps" json:"lr_decay_steps"`
	PlateauWindow    int     `mapstructure:"plateau_window" json:"plateau_window"`
	PlateauThreshold float64 `mapstructure:"plateau_threshold" json:"plateau_threshold"`

	SubjBatchSize         int `mapstructure:"subj_batch_size" json:"subj_batch_size"`
	CheckpointEvery       int `mapstructure:"checkpoint_every" json:"checkpoint_every"`
	NegTrainUntil         int `mapstructure:"neg_train_until" json:"neg_train_until"`
	AutoencoderOnlyEpochs int `mapstructure:"autoencoder_only_epochs" json:"autoencoder_only_epochs"`

	Scale0      float64 `mapstructure:"scale_0" json:"scale_0"`
	Scale1      float64 `mapstructure:"scale_1" json:"scale_1"`
	ScaleImgs   float64 `mapstructure:"scale_imgs" json:"scale_imgs"`
	ScaleAttrs  float64 `mapstructure:"scale_attrs" json:"scale_attrs"`
	ScaleRecon  float64 `mapstructure:"scale_recon" json:"scale_recon"`
	ScaleSparse float64 `mapstructure:"scale_sparse" json:"scale_sparse"`

	LoadFrom  string `mapstructure:"load_from" json:"load_from"`
	LoadWhich string `mapstructure:"load_which" json:"load_which"`
	LoadCNN   string `mapstructure:"load_cnn" json:"load_cnn"`
	LoadMLP   string `mapstructure:"load_mlp" json:"load_mlp"`

	Optimizer OptimizerOptions `mapstructure:"optimizer" json:"optimizer"`
}

type DataOptions struct {
	Root      string `mapstructure:"root" json:"root"`
	MaxImages int    `mapstructure:"max_images" json:"max_images"`
	Prefetch  int    `mapstructure:"prefetch" json:"prefetch"`
}

// Mode parses model.system_mode.
func (o Options) Mode() (sysmode.Mode, error) {
	return sysmode.Parse(o.Model.SystemMode)
}

// Family parses training.loss.
func (o Options) Family() (loss.Family, error) {
	return loss.ParseFamily(o.Training.Loss)
}

// Scheme parses training.lr_decay_scheme.
func (o Options) Scheme() (lrsched.Scheme, error) {
	return lrsched.ParseScheme(o.Training.LRDecayScheme)
}

// CheckpointFormat parses model.checkpoint_format.
func (o Options) CheckpointFormat() (experts.Format, error) {
	return experts.ParseFormat(o.Model.CheckpointFormat)
}

// Scales collects the loss multipliers.
func (o Options) Scales() loss.Scales {
	t := o.Training
	return loss.Scales{
		Healthy:    t.Scale0,
		Sick:       t.Scale1,
		Images:     t.ScaleImgs,
		Attributes: t.ScaleAttrs,
		Recon:      t.ScaleRecon,
		Sparse:     t.ScaleSparse,
	}
}

// LRConfig is the learning-rate controller configuration.
func (o Options) LRConfig() (lrsched.Config, error) {
	scheme, err := o.Scheme()
	if err != nil {
		return lrsched.Config{}, err
	}
	return lrsched.Config{
		Scheme:     scheme,
		Decay:      o.Training.LRDecay,
		Milestones: append([]int(nil), o.Training.LRDecaySteps...),
		Window:     o.Training.PlateauWindow,
	}, nil
}
