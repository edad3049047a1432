package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"dxtrain/internal/lrsched"
	"dxtrain/internal/model"
	"dxtrain/internal/storage"
)

// DefaultOutputRoot is used when neither output_dir nor output_root is set.
const DefaultOutputRoot = "output"

func setDefaults(v *viper.Viper) {
	v.SetDefault("output_root", DefaultOutputRoot)

	v.SetDefault("model.system_mode", "IA")
	v.SetDefault("model.attr_to_use", []string{})
	v.SetDefault("model.latent_size", 16)
	v.SetDefault("model.checkpoint_format", "json")

	v.SetDefault("training.seed", 0)
	v.SetDefault("training.n_iters", 1000)
	v.SetDefault("training.skip_train", false)
	v.SetDefault("training.test", false)
	v.SetDefault("training.do_logging", true)
	v.SetDefault("training.log_dir", "")
	v.SetDefault("training.store", storage.DefaultStoreKind())
	v.SetDefault("training.loss", "bce")
	v.SetDefault("training.lr", 0.001)
	v.SetDefault("training.lr_decay", 0.1)
	v.SetDefault("training.lr_decay_scheme", "step")
	v.SetDefault("training.lr_decay_steps", []int{})
	v.SetDefault("training.plateau_window", lrsched.DefaultWindow)
	v.SetDefault("training.plateau_threshold", lrsched.DefaultThreshold)
	v.SetDefault("training.subj_batch_size", 1)
	v.SetDefault("training.checkpoint_every", 1)
	v.SetDefault("training.neg_train_until", 0)
	v.SetDefault("training.autoencoder_only_epochs", 0)
	v.SetDefault("training.scale_0", 1.0)
	v.SetDefault("training.scale_1", 1.0)
	v.SetDefault("training.scale_imgs", 1.0)
	v.SetDefault("training.scale_attrs", 1.0)
	v.SetDefault("training.scale_recon", 1.0)
	v.SetDefault("training.scale_sparse", 1.0)
	v.SetDefault("training.load_from", "")
	v.SetDefault("training.load_which", model.WhichLatest)
	v.SetDefault("training.load_cnn", "")
	v.SetDefault("training.load_mlp", "")
	v.SetDefault("training.optimizer.momentum", 0.0)
	v.SetDefault("training.optimizer.weight_decay", 0.0)

	v.SetDefault("data.root", "data")
	v.SetDefault("data.max_images", 0)
	v.SetDefault("data.prefetch", 4)
}

// Default returns options built from defaults alone.
func Default() (Options, error) {
	v := viper.New()
	setDefaults(v)
	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, errors.Wrap(err, "decode default options")
	}
	return opts, nil
}

// ExperimentName derives the experiment name from the config file name.
func ExperimentName(path string) string {
	base := filepath.Base(path)
	for _, ext := range []string{".yaml", ".yml"} {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// Load reads a YAML config, applies legacy key fixes, resolves derived paths
// and validates. outputRoot overrides output_root when non-empty.
func Load(path, outputRoot string) (Options, error) {
	if path == "" {
		return Options{}, errors.New("config path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return Options{}, errors.Wrapf(err, "configuration file %s", path)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return Options{}, errors.Wrapf(err, "read config %s", path)
	}
	FixBackwardCompatibility(v)
	if outputRoot != "" {
		v.Set("output_root", outputRoot)
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, errors.Wrapf(err, "decode config %s", path)
	}

	opts.ExperimentName = ExperimentName(path)
	if opts.OutputDir == "" {
		opts.OutputDir = filepath.Join(opts.OutputRoot, opts.ExperimentName)
	}
	if opts.Training.LogDir != "" {
		opts.Training.LogDir = filepath.Join(opts.Training.LogDir, opts.ExperimentName)
	}
	log.WithFields(log.Fields{"config": path, "experiment": opts.ExperimentName}).Info("using configuration file")

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// FixBackwardCompatibility rewrites legacy keys to their current names. A
// current key present in the file always wins.
func FixBackwardCompatibility(v *viper.Viper) {
	if v.InConfig("training.batch_size") && !v.InConfig("training.subj_batch_size") {
		v.Set("training.subj_batch_size", v.GetInt("training.batch_size"))
	}
	if v.InConfig("training.lr_decay_every") && !v.InConfig("training.lr_decay_steps") {
		every := v.GetInt("training.lr_decay_every")
		var steps []int
		if every > 0 {
			for it := every; it <= v.GetInt("training.n_iters"); it += every {
				steps = append(steps, it)
			}
		}
		v.Set("training.lr_decay_steps", steps)
	}
	if v.InConfig("model.mode") && !v.InConfig("model.system_mode") {
		v.Set("model.system_mode", v.GetString("model.mode"))
	}
}
