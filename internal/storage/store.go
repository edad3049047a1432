package storage

import (
	"context"
	"fmt"

	"dxtrain/internal/model"
)

// Snapshot keys. "latest" is the resumable snapshot, "best" the lowest
// validation loss seen so far. The two never overwrite each other.
const (
	KeyLatest = "latest"
	KeyBest   = "best"
)

// TestPredictionsName names the final test-split predictions.
const TestPredictionsName = "test/best"

// ValPredictionsName names the validation predictions of a 0-based epoch.
func ValPredictionsName(epoch int) string {
	return fmt.Sprintf("val/%06d", epoch)
}

// Store defines persistence for training snapshots and prediction exports.
type Store interface {
	Init(ctx context.Context) error
	SaveState(ctx context.Context, key string, state model.TrainingState) error
	GetState(ctx context.Context, key string) (model.TrainingState, bool, error)
	SavePredictions(ctx context.Context, set model.PredictionSet) error
	GetPredictions(ctx context.Context, name string) (model.PredictionSet, bool, error)
}
