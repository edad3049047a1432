package optim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dxtrain/internal/model"
)

func TestSGDPlainStep(t *testing.T) {
	opt, err := NewSGD(SGDConfig{LR: 0.5})
	require.NoError(t, err)
	p := &model.Parameter{Name: "w", Value: []float64{1, 2}, Grad: []float64{0.2, -0.4}}
	untouched := &model.Parameter{Name: "b", Value: []float64{3}}

	require.NoError(t, opt.Step([]*model.Parameter{p, untouched}))
	assert.InDeltaSlice(t, []float64{0.9, 2.2}, p.Value, 1e-12)
	assert.Equal(t, []float64{3}, untouched.Value)
}

func TestSGDMomentumAndWeightDecay(t *testing.T) {
	opt, err := NewSGD(SGDConfig{LR: 0.1, Momentum: 0.9, WeightDecay: 0.5})
	require.NoError(t, err)
	p := &model.Parameter{Name: "w", Value: []float64{1}, Grad: []float64{1}}

	require.NoError(t, opt.Step([]*model.Parameter{p}))
	// g = 1 + 0.5*1 = 1.5, v = 1.5, w = 1 - 0.15
	assert.InDelta(t, 0.85, p.Value[0], 1e-12)

	require.NoError(t, opt.Step([]*model.Parameter{p}))
	// g = 1 + 0.425 = 1.425, v = 1.35 + 1.425 = 2.775, w = 0.85 - 0.2775
	assert.InDelta(t, 0.5725, p.Value[0], 1e-12)
	assert.InDeltaSlice(t, []float64{2.775}, opt.Velocity("w"), 1e-12)
}

func TestSGDReduceLR(t *testing.T) {
	opt, err := NewSGD(SGDConfig{LR: 0.1, Decay: 0.5})
	require.NoError(t, err)
	opt.ReduceLR()
	opt.ReduceLR()
	assert.InDelta(t, 0.025, opt.LR(), 1e-15)
}

func TestSGDRejectsMismatchedGradient(t *testing.T) {
	opt, err := NewSGD(SGDConfig{LR: 0.1})
	require.NoError(t, err)
	p := &model.Parameter{Name: "w", Value: []float64{1, 2}, Grad: []float64{1}}
	assert.Error(t, opt.Step([]*model.Parameter{p}))
}

func TestNewSGDValidation(t *testing.T) {
	for _, cfg := range []SGDConfig{{LR: 0}, {LR: 0.1, Momentum: 1}, {LR: 0.1, WeightDecay: -1}} {
		_, err := NewSGD(cfg)
		assert.Error(t, err, "%+v", cfg)
	}
}
