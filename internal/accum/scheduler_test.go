package accum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dxtrain/internal/model"
)

// fakeStepper records the gradient seen at every step.
type fakeStepper struct {
	params   []*model.Parameter
	resets   int
	snapshot [][]float64
}

func newFakeStepper() *fakeStepper {
	return &fakeStepper{params: []*model.Parameter{
		{Name: "w", Value: []float64{0, 0}},
		{Name: "frozen", Value: []float64{1}},
	}}
}

func (f *fakeStepper) ResetGradients() {
	f.resets++
	for _, p := range f.params {
		p.Grad = nil
	}
}

func (f *fakeStepper) Parameters() []*model.Parameter { return f.params }

func (f *fakeStepper) TakeOptimiserStep() error {
	f.snapshot = append(f.snapshot, append([]float64(nil), f.params[0].Grad...))
	return nil
}

// backward adds a per-patient gradient the way a model's Backward would.
func (f *fakeStepper) backward(g ...float64) {
	p := f.params[0]
	if p.Grad == nil {
		p.Grad = make([]float64, len(p.Value))
	}
	for i := range g {
		p.Grad[i] += g[i]
	}
}

func TestFullBatchAveragesGradients(t *testing.T) {
	st := newFakeStepper()
	s, err := New(st, 3)
	require.NoError(t, err)

	grads := [][]float64{{1, 2}, {3, 4}, {5, 9}}
	for i, g := range grads {
		s.Begin()
		st.backward(g...)
		stepped, err := s.Accumulated(false)
		require.NoError(t, err)
		assert.Equal(t, i == 2, stepped)
	}

	require.Len(t, st.snapshot, 1)
	assert.InDeltaSlice(t, []float64{3, 5}, st.snapshot[0], 1e-12)
	assert.Nil(t, st.params[1].Grad)
	assert.Equal(t, 1, s.Steps())
	assert.Equal(t, 0, s.Pending())
}

func TestPartialBatchAtEpochEndAveragesOnlyAccumulated(t *testing.T) {
	st := newFakeStepper()
	s, err := New(st, 2)
	require.NoError(t, err)

	grads := [][]float64{{2, 2}, {4, 4}, {10, 20}}
	for i, g := range grads {
		s.Begin()
		st.backward(g...)
		_, err := s.Accumulated(i == len(grads)-1)
		require.NoError(t, err)
	}

	require.Len(t, st.snapshot, 2)
	assert.InDeltaSlice(t, []float64{3, 3}, st.snapshot[0], 1e-12)
	assert.InDeltaSlice(t, []float64{10, 20}, st.snapshot[1], 1e-12)
	assert.Equal(t, 2, st.resets)
}

func TestFlushOnlyStepsWithPendingPatients(t *testing.T) {
	st := newFakeStepper()
	s, err := New(st, 4)
	require.NoError(t, err)

	stepped, err := s.Flush()
	require.NoError(t, err)
	assert.False(t, stepped)

	s.Begin()
	st.backward(6, 8)
	_, err = s.Accumulated(false)
	require.NoError(t, err)
	s.Begin()
	st.backward(0, 4)
	_, err = s.Accumulated(false)
	require.NoError(t, err)

	stepped, err = s.Flush()
	require.NoError(t, err)
	assert.True(t, stepped)
	assert.InDeltaSlice(t, []float64{3, 6}, st.snapshot[0], 1e-12)
}

func TestNewValidatesInput(t *testing.T) {
	_, err := New(nil, 1)
	require.Error(t, err)
	_, err = New(newFakeStepper(), 0)
	require.Error(t, err)
}
