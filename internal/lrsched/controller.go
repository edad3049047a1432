// Package lrsched decides when to decay the learning rate. Two policies are
// supported: milestone iterations and train-loss plateaus.
package lrsched

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"dxtrain/internal/model"
)

const (
	// DefaultWindow is the number of recent epochs the plateau policy averages.
	DefaultWindow = 10
	// DefaultThreshold is the initial plateau detection threshold.
	DefaultThreshold = 0.01
	// ThresholdShrink is applied to the threshold on every plateau decay.
	ThresholdShrink = 0.1
)

// ErrUnknownScheme is returned for decay schemes other than step and plateau.
var ErrUnknownScheme = errors.New("unknown lr decay scheme")

// Scheme selects the decay policy.
type Scheme string

const (
	SchemeStep    Scheme = "step"
	SchemePlateau Scheme = "plateau"
)

// ParseScheme validates a configured decay scheme.
func ParseScheme(raw string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(raw))) {
	case SchemeStep:
		return SchemeStep, nil
	case SchemePlateau:
		return SchemePlateau, nil
	default:
		return "", errors.Wrapf(ErrUnknownScheme, "%q", raw)
	}
}

// Reducer applies a learning-rate decay to the optimizer, which owns the
// authoritative rate.
type Reducer interface {
	ReduceLR()
}

// Config configures a Controller.
type Config struct {
	Scheme     Scheme
	Decay      float64
	Milestones []int
	Window     int
}

// StepPolicy fires when the global iteration counter hits a milestone.
type StepPolicy struct {
	milestones map[int]struct{}
}

// NewStepPolicy indexes the milestone iterations.
func NewStepPolicy(milestones []int) StepPolicy {
	m := make(map[int]struct{}, len(milestones))
	for _, it := range milestones {
		m[it] = struct{}{}
	}
	return StepPolicy{milestones: m}
}

// Due reports whether iteration is a milestone.
func (p StepPolicy) Due(iteration int) bool {
	_, ok := p.milestones[iteration]
	return ok
}

// PlateauPolicy fires when the current train loss is within threshold of the
// mean of prior epochs: all of them while fewer than Window exist, the last
// Window otherwise.
type PlateauPolicy struct {
	Window int
}

// Due evaluates the policy. history holds prior epochs only.
func (p PlateauPolicy) Due(history []float64, current, threshold float64) bool {
	if len(history) == 0 {
		return false
	}
	window := history
	if len(history) >= p.Window {
		window = history[len(history)-p.Window:]
	}
	return math.Abs(stat.Mean(window, nil)-current) < threshold
}

// Controller applies the configured policy and records decay events on the
// training state.
type Controller struct {
	cfg     Config
	reducer Reducer
	step    StepPolicy
	plateau PlateauPolicy
	events  int
}

// New validates cfg and binds the controller to the optimizer's reducer.
func New(cfg Config, reducer Reducer) (*Controller, error) {
	if reducer == nil {
		return nil, errors.New("reducer is required")
	}
	if _, err := ParseScheme(string(cfg.Scheme)); err != nil {
		return nil, err
	}
	if cfg.Decay <= 0 {
		return nil, errors.Errorf("lr decay must be > 0, got %g", cfg.Decay)
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Controller{
		cfg:     cfg,
		reducer: reducer,
		step:    NewStepPolicy(cfg.Milestones),
		plateau: PlateauPolicy{Window: cfg.Window},
	}, nil
}

// AfterIteration runs the step policy against the state's iteration counter,
// which the caller has already incremented.
func (c *Controller) AfterIteration(st *model.TrainingState) bool {
	if c.cfg.Scheme != SchemeStep || !c.step.Due(st.Iteration) {
		return false
	}
	c.decay(st)
	return true
}

// AfterEpoch runs the plateau policy on the epoch's mean train loss before it
// is appended to the history.
func (c *Controller) AfterEpoch(st *model.TrainingState, trainLoss float64) bool {
	if c.cfg.Scheme != SchemePlateau {
		return false
	}
	if !c.plateau.Due(st.TrainLosses(), trainLoss, st.PlateauThreshold) {
		return false
	}
	c.decay(st)
	st.PlateauThreshold *= ThresholdShrink
	return true
}

// Events is the number of decays applied by this controller.
func (c *Controller) Events() int {
	return c.events
}

func (c *Controller) decay(st *model.TrainingState) {
	c.reducer.ReduceLR()
	st.CurrentLR *= c.cfg.Decay
	c.events++
}
