// Package accum batches one-patient-at-a-time backward passes into logical
// mini-batches by averaging accumulated gradients before each optimizer step.
package accum

import (
	"github.com/pkg/errors"

	"dxtrain/internal/model"
)

// Stepper is the part of the model the scheduler drives.
type Stepper interface {
	ResetGradients()
	Parameters() []*model.Parameter
	TakeOptimiserStep() error
}

// Scheduler counts patients since the last optimizer step. It mutates
// parameter gradients in place and is not safe for concurrent use.
type Scheduler struct {
	stepper   Stepper
	batchSize int
	pending   int
	steps     int
}

// New returns a scheduler that steps every batchSize patients.
func New(stepper Stepper, batchSize int) (*Scheduler, error) {
	if stepper == nil {
		return nil, errors.New("stepper is required")
	}
	if batchSize < 1 {
		return nil, errors.Errorf("batch size must be >= 1, got %d", batchSize)
	}
	return &Scheduler{stepper: stepper, batchSize: batchSize}, nil
}

// Begin zeroes gradients at the start of a logical mini-batch.
func (s *Scheduler) Begin() {
	if s.pending == 0 {
		s.stepper.ResetGradients()
	}
}

// Accumulated records one more backward pass. It steps when the batch is full
// or when last marks the final patient of the split.
func (s *Scheduler) Accumulated(last bool) (bool, error) {
	s.pending++
	if s.pending < s.batchSize && !last {
		return false, nil
	}
	return true, s.step()
}

// Flush steps on a partial batch, if any. It is a no-op when nothing is
// pending.
func (s *Scheduler) Flush() (bool, error) {
	if s.pending == 0 {
		return false, nil
	}
	return true, s.step()
}

// Pending is the number of patients accumulated since the last step.
func (s *Scheduler) Pending() int {
	return s.pending
}

// Steps is the number of optimizer steps taken so far.
func (s *Scheduler) Steps() int {
	return s.steps
}

func (s *Scheduler) step() error {
	factor := 1.0 / float64(s.pending)
	for _, p := range s.stepper.Parameters() {
		if p.Grad != nil {
			p.ScaleGrad(factor)
		}
	}
	s.pending = 0
	if err := s.stepper.TakeOptimiserStep(); err != nil {
		return errors.Wrap(err, "optimizer step")
	}
	s.steps++
	return nil
}
