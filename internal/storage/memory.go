package storage

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"dxtrain/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	states      map[string]model.TrainingState
	predictions map[string]model.PredictionSet
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.states = make(map[string]model.TrainingState)
	s.predictions = make(map[string]model.PredictionSet)
	return nil
}

func (s *MemoryStore) SaveState(_ context.Context, key string, state model.TrainingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	s.states[key] = state.Clone()
	return nil
}

func (s *MemoryStore) GetState(_ context.Context, key string) (model.TrainingState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[key]
	if !ok {
		return model.TrainingState{}, false, nil
	}
	return state.Clone(), true, nil
}

func (s *MemoryStore) SavePredictions(_ context.Context, set model.PredictionSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	entries := make(map[string]model.Prediction, len(set.Entries))
	for id, p := range set.Entries {
		entries[id] = p
	}
	set.Entries = entries
	s.predictions[set.Name] = set
	return nil
}

func (s *MemoryStore) GetPredictions(_ context.Context, name string) (model.PredictionSet, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.predictions[name]
	return set, ok, nil
}
