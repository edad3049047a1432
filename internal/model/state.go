package model

import "encoding/json"

// EpochLoss is the mean train and validation loss of one completed epoch.
type EpochLoss struct {
	Train float64 `json:"train"`
	Val   float64 `json:"val"`
}

// TrainingState is the process-wide mutable training progress. It is created
// fresh at iteration 0 or decoded from a persisted snapshot, and it is the only
// thing a resume needs besides model weights.
type TrainingState struct {
	VersionedRecord
	RunID            string      `json:"run_id"`
	Epoch            int         `json:"tr_epoch"`
	Iteration        int         `json:"iter_mark"`
	CurrentLR        float64     `json:"current_lr"`
	PlateauThreshold float64     `json:"plateau_threshold"`
	Losses           []EpochLoss `json:"train_val_losses"`
}

// TrainLosses returns the train-loss column of the history.
func (s *TrainingState) TrainLosses() []float64 {
	out := make([]float64, len(s.Losses))
	for i, l := range s.Losses {
		out[i] = l.Train
	}
	return out
}

// ValLosses returns the validation-loss column of the history.
func (s *TrainingState) ValLosses() []float64 {
	out := make([]float64, len(s.Losses))
	for i, l := range s.Losses {
		out[i] = l.Val
	}
	return out
}

// Clone returns a deep copy safe to persist while training continues.
func (s *TrainingState) Clone() TrainingState {
	out := *s
	out.Losses = append([]EpochLoss(nil), s.Losses...)
	return out
}

// Prediction is one patient's ground truth and predicted probability of the
// sick class. It encodes as a [label, prediction] pair.
type Prediction struct {
	Label Label
	Pred  float64
}

// MarshalJSON encodes the pair form.
func (p Prediction) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{float64(p.Label), p.Pred})
}

// UnmarshalJSON decodes the pair form.
func (p *Prediction) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	p.Label = Label(int(pair[0]))
	p.Pred = pair[1]
	return nil
}

// PredictionSet maps patient id to prediction for one split evaluation.
type PredictionSet struct {
	VersionedRecord
	Name    string                `json:"name"`
	Entries map[string]Prediction `json:"entries"`
}
