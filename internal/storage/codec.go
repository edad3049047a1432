package storage

import (
	"encoding/json"

	"github.com/pkg/errors"

	"dxtrain/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Stamp sets the current schema and codec versions on a record.
func Stamp(rec *model.VersionedRecord) {
	rec.SchemaVersion = CurrentSchemaVersion
	rec.CodecVersion = CurrentCodecVersion
}

func EncodeState(s model.TrainingState) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

func DecodeState(data []byte) (model.TrainingState, error) {
	var state model.TrainingState
	if err := json.Unmarshal(data, &state); err != nil {
		return model.TrainingState{}, err
	}
	if err := checkVersion(state.VersionedRecord); err != nil {
		return model.TrainingState{}, err
	}
	if state.Epoch < 0 || state.Iteration < 0 {
		return model.TrainingState{}, errors.Errorf("negative counters: epoch=%d iteration=%d", state.Epoch, state.Iteration)
	}
	if len(state.Losses) != state.Epoch {
		return model.TrainingState{}, errors.Errorf("loss history has %d entries for epoch %d", len(state.Losses), state.Epoch)
	}
	return state, nil
}

func EncodePredictions(p model.PredictionSet) ([]byte, error) {
	return json.Marshal(p)
}

func DecodePredictions(data []byte) (model.PredictionSet, error) {
	var set model.PredictionSet
	if err := json.Unmarshal(data, &set); err != nil {
		return model.PredictionSet{}, err
	}
	if err := checkVersion(set.VersionedRecord); err != nil {
		return model.PredictionSet{}, err
	}
	return set, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return errors.Wrapf(ErrVersionMismatch, "got schema=%d codec=%d", v.SchemaVersion, v.CodecVersion)
	}
	return nil
}
