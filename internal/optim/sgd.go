// Package optim holds the numeric optimizer used by the reference model.
package optim

import (
	"github.com/pkg/errors"

	"dxtrain/internal/model"
)

type SGDConfig struct {
	LR          float64
	Momentum    float64
	WeightDecay float64
	// Decay is the factor ReduceLR multiplies the rate by.
	Decay float64
}

// SGD is stochastic gradient descent with classical momentum and L2 weight
// decay. Velocity buffers are keyed by parameter name.
type SGD struct {
	cfg      SGDConfig
	lr       float64
	velocity map[string][]float64
}

func NewSGD(cfg SGDConfig) (*SGD, error) {
	if cfg.LR <= 0 {
		return nil, errors.Errorf("learning rate must be > 0, got %g", cfg.LR)
	}
	if cfg.Momentum < 0 || cfg.Momentum >= 1 {
		return nil, errors.Errorf("momentum must be in [0,1), got %g", cfg.Momentum)
	}
	if cfg.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay must be >= 0, got %g", cfg.WeightDecay)
	}
	if cfg.Decay <= 0 {
		cfg.Decay = 1
	}
	return &SGD{cfg: cfg, lr: cfg.LR, velocity: make(map[string][]float64)}, nil
}

func (o *SGD) LR() float64 {
	return o.lr
}

// SetLR overrides the current rate, used when restoring a checkpoint.
func (o *SGD) SetLR(lr float64) {
	o.lr = lr
}

func (o *SGD) ReduceLR() {
	o.lr *= o.cfg.Decay
}

// Step updates every parameter that carries a gradient.
func (o *SGD) Step(params []*model.Parameter) error {
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		if len(p.Grad) != len(p.Value) {
			return errors.Errorf("parameter %s: gradient size %d != value size %d", p.Name, len(p.Grad), len(p.Value))
		}
		v := o.velocity[p.Name]
		if v == nil {
			v = make([]float64, len(p.Value))
			o.velocity[p.Name] = v
		}
		for i := range p.Value {
			g := p.Grad[i] + o.cfg.WeightDecay*p.Value[i]
			v[i] = o.cfg.Momentum*v[i] + g
			p.Value[i] -= o.lr * v[i]
		}
	}
	return nil
}

// Velocity exposes the momentum buffer of a parameter for persistence.
func (o *SGD) Velocity(name string) []float64 {
	return o.velocity[name]
}

// SetVelocity restores a momentum buffer.
func (o *SGD) SetVelocity(name string, v []float64) {
	if v == nil {
		delete(o.velocity, name)
		return
	}
	o.velocity[name] = append([]float64(nil), v...)
}
