package trainer

import (
	"context"
	"math/rand"

	"dxtrain/internal/dataset"
	"dxtrain/internal/model"
)

// Records yields patients one at a time in a fixed order.
type Records interface {
	Next() (model.PatientRecord, bool, error)
	Close()
}

// Split is the view of a dataset split the driver needs.
type Split interface {
	Name() string
	Len() int
	Order(rng *rand.Rand, shuffle bool) []int
	Iterate(ctx context.Context, order []int) Records
}

type datasetSplit struct {
	*dataset.Split
}

// FromDataset adapts a loaded dataset split.
func FromDataset(s *dataset.Split) Split {
	if s == nil {
		return nil
	}
	return datasetSplit{Split: s}
}

func (s datasetSplit) Iterate(ctx context.Context, order []int) Records {
	return s.Split.Iterate(ctx, order)
}
