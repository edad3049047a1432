// Package experts is the reference model collaborator: a linear image expert
// over an optional linear autoencoder latent, a linear attribute expert and a
// logistic gate. Gradients are written out by hand.
package experts

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"dxtrain/internal/loss"
	"dxtrain/internal/model"
	"dxtrain/internal/optim"
	"dxtrain/internal/sysmode"
)

// Parameter names.
const (
	ParamImageW = "img_w"
	ParamImageB = "img_b"
	ParamEnc    = "enc"
	ParamDec    = "dec"
	ParamAttrW  = "attr_w"
	ParamAttrB  = "attr_b"
	ParamGateW  = "gate_w"
	ParamGateB  = "gate_b"
)

// Components group parameters for sub-model loading.
const (
	ComponentCNN  = "cnn"
	ComponentMLP  = "mlp"
	ComponentGate = "gate"
)

type Config struct {
	Mode   sysmode.Mode
	Family loss.Family
	// ImageSize is the number of pixels of one image.
	ImageSize  int
	AttrNames  []string
	LatentSize int
	Seed       int64
	Optimizer  optim.SGDConfig
	// OutputDir receives Checkpoint writes.
	OutputDir string
	Format    Format
}

// Model implements model.Model. It is not safe for concurrent use.
type Model struct {
	cfg      Config
	width    int
	features int
	params   []*model.Parameter
	byName   map[string]*model.Parameter
	opt      *optim.SGD
	training bool
	cache    *forwardCache
}

var _ model.Model = (*Model)(nil)

func New(cfg Config) (*Model, error) {
	if err := cfg.Mode.Validate(); err != nil {
		return nil, err
	}
	if _, err := loss.ParseFamily(string(cfg.Family)); err != nil {
		return nil, err
	}
	if cfg.Mode.UsesImages() && cfg.ImageSize < 1 {
		return nil, errors.Errorf("image size must be >= 1 for mode %s", cfg.Mode)
	}
	if cfg.Mode.Denoise && cfg.LatentSize < 1 {
		return nil, errors.Errorf("latent size must be >= 1 for mode %s", cfg.Mode)
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	if _, err := ParseFormat(string(cfg.Format)); err != nil {
		return nil, err
	}
	opt, err := optim.NewSGD(cfg.Optimizer)
	if err != nil {
		return nil, err
	}

	m := &Model{
		cfg:      cfg,
		width:    cfg.Family.Width(),
		features: cfg.ImageSize,
		byName:   make(map[string]*model.Parameter),
		opt:      opt,
		training: true,
	}
	if cfg.Mode.Denoise {
		m.features = cfg.LatentSize
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	attrs := len(cfg.AttrNames)
	if cfg.Mode.UsesImages() {
		if cfg.Mode.Denoise {
			m.add(rng, ParamEnc, ComponentCNN, cfg.LatentSize, cfg.ImageSize)
			m.add(rng, ParamDec, ComponentCNN, cfg.ImageSize, cfg.LatentSize)
		}
		m.add(rng, ParamImageW, ComponentCNN, m.width, m.features)
		m.add(nil, ParamImageB, ComponentCNN, m.width, 1)
	}
	if cfg.Mode.UsesAttributes() {
		m.add(rng, ParamAttrW, ComponentMLP, m.width, attrs)
		m.add(nil, ParamAttrB, ComponentMLP, m.width, 1)
	}
	if cfg.Mode.IsGated() {
		m.add(rng, ParamGateW, ComponentGate, 1, m.features+attrs)
		m.add(nil, ParamGateB, ComponentGate, 1, 1)
	}
	return m, nil
}

// add registers a rows x cols parameter. A nil rng leaves it zeroed.
func (m *Model) add(rng *rand.Rand, name, component string, rows, cols int) {
	p := &model.Parameter{Name: name, Component: component, Value: make([]float64, rows*cols)}
	if rng != nil && cols > 0 {
		bound := 1 / math.Sqrt(float64(cols))
		for i := range p.Value {
			p.Value[i] = (2*rng.Float64() - 1) * bound
		}
	}
	m.params = append(m.params, p)
	m.byName[name] = p
}

func (m *Model) param(name string) []float64 {
	if p, ok := m.byName[name]; ok {
		return p.Value
	}
	return nil
}

func (m *Model) Train() { m.training = true }

func (m *Model) Eval() { m.training = false }

func (m *Model) Parameters() []*model.Parameter {
	return m.params
}

func (m *Model) ResetGradients() {
	for _, p := range m.params {
		p.Grad = nil
	}
}

func (m *Model) TakeOptimiserStep() error {
	return m.opt.Step(m.params)
}

func (m *Model) ReduceLR() {
	m.opt.ReduceLR()
}

// LR is the optimizer's current learning rate.
func (m *Model) LR() float64 {
	return m.opt.LR()
}
