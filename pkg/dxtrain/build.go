package dxtrain

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"dxtrain/internal/accum"
	"dxtrain/internal/checkpoint"
	"dxtrain/internal/config"
	"dxtrain/internal/dataset"
	"dxtrain/internal/experts"
	"dxtrain/internal/loss"
	"dxtrain/internal/lrsched"
	"dxtrain/internal/metrics"
	"dxtrain/internal/optim"
	"dxtrain/internal/storage"
	"dxtrain/internal/trainer"
)

// asyncMetricsBuffer bounds the metric queue between the loop and the sinks.
const asyncMetricsBuffer = 1024

// runStack is every collaborator of one training invocation.
type runStack struct {
	driver *trainer.Driver
	store  storage.Store
	sink   metrics.Sink
}

func (s *runStack) Close() error {
	var first error
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			log.WithError(err).Warn("metric sink close failed")
		}
	}
	if s.store != nil {
		first = storage.CloseIfSupported(s.store)
	}
	return first
}

func buildStack(opts config.Options) (*runStack, error) {
	mode, err := opts.Mode()
	if err != nil {
		return nil, err
	}
	family, err := opts.Family()
	if err != nil {
		return nil, err
	}
	format, err := opts.CheckpointFormat()
	if err != nil {
		return nil, err
	}
	lrCfg, err := opts.LRConfig()
	if err != nil {
		return nil, err
	}
	t := opts.Training

	dsOpts := dataset.Options{
		Root:       opts.Data.Root,
		AttrToUse:  opts.Model.AttrToUse,
		MaxImages:  opts.Data.MaxImages,
		Prefetch:   opts.Data.Prefetch,
		LoadImages: mode.UsesImages(),
	}
	var train, val, test *dataset.Split
	if !t.SkipTrain {
		if train, err = dataset.Load(dsOpts, dataset.SplitTrain); err != nil {
			return nil, err
		}
		if val, err = dataset.Load(dsOpts, dataset.SplitVal); err != nil {
			return nil, err
		}
	}
	if t.Test {
		if test, err = dataset.Load(dsOpts, dataset.SplitTest); err != nil {
			return nil, err
		}
	}

	imageSize := 0
	if mode.UsesImages() {
		probe := train
		if probe == nil {
			probe = test
		}
		if probe == nil {
			return nil, errors.New("no dataset split to probe image size from")
		}
		w, h, err := probe.ImageShape()
		if err != nil {
			return nil, errors.Wrap(err, "probe image shape")
		}
		imageSize = w * h
	}

	m, err := experts.New(experts.Config{
		Mode:       mode,
		Family:     family,
		ImageSize:  imageSize,
		AttrNames:  opts.Model.AttrToUse,
		LatentSize: opts.Model.LatentSize,
		Seed:       t.Seed,
		Optimizer: optim.SGDConfig{
			LR:          t.LR,
			Momentum:    t.Optimizer.Momentum,
			WeightDecay: t.Optimizer.WeightDecay,
			Decay:       t.LRDecay,
		},
		OutputDir: opts.OutputDir,
		Format:    format,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build model")
	}
	evaluator, err := loss.NewEvaluator(mode, family, opts.Scales())
	if err != nil {
		return nil, err
	}
	acc, err := accum.New(m, t.SubjBatchSize)
	if err != nil {
		return nil, err
	}
	lr, err := lrsched.New(lrCfg, m)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewStore(t.Store, opts.OutputDir)
	if err != nil {
		return nil, err
	}
	stack := &runStack{store: store}

	mgr, err := checkpoint.NewManager(checkpoint.Config{
		OutputDir:        opts.OutputDir,
		CheckpointEvery:  t.CheckpointEvery,
		InitialLR:        t.LR,
		PlateauThreshold: t.PlateauThreshold,
		LoadFrom:         t.LoadFrom,
		LoadWhich:        t.LoadWhich,
		LoadCNN:          t.LoadCNN,
		LoadMLP:          t.LoadMLP,
	}, store, m)
	if err != nil {
		_ = stack.Close()
		return nil, err
	}

	stack.sink, err = buildSink(opts)
	if err != nil {
		_ = stack.Close()
		return nil, err
	}

	stack.driver, err = trainer.New(trainer.Config{
		Mode:                  mode,
		NIters:                t.NIters,
		SkipTrain:             t.SkipTrain,
		Test:                  t.Test,
		NegTrainUntil:         t.NegTrainUntil,
		AutoencoderOnlyEpochs: t.AutoencoderOnlyEpochs,
		Seed:                  t.Seed,
	}, trainer.Deps{
		Train:       trainer.FromDataset(train),
		Val:         trainer.FromDataset(val),
		Test:        trainer.FromDataset(test),
		Model:       m,
		Evaluator:   evaluator,
		Accumulator: acc,
		LR:          lr,
		Checkpoints: mgr,
		Store:       store,
		Sink:        stack.sink,
	})
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	return stack, nil
}

// buildSink fans scalars out to the Prometheus textfile and images to PNGs,
// behind a non-blocking queue.
func buildSink(opts config.Options) (metrics.Sink, error) {
	if !opts.Training.DoLogging {
		return metrics.Nop{}, nil
	}
	dir := opts.Training.LogDir
	if dir == "" {
		dir = opts.OutputDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create log directory")
	}
	log.WithField("log_dir", dir).Info("metric logging enabled")
	return metrics.NewAsync(metrics.Multi{metrics.NewPromFile(dir), metrics.NewPNGDir(dir)}, asyncMetricsBuffer), nil
}
