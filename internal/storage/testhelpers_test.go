package storage

import "dxtrain/internal/model"

func sampleState(epoch int) model.TrainingState {
	st := model.TrainingState{
		RunID:            "run-1",
		Epoch:            epoch,
		Iteration:        epoch * 4,
		CurrentLR:        0.01,
		PlateauThreshold: 0.01,
	}
	Stamp(&st.VersionedRecord)
	for i := 0; i < epoch; i++ {
		st.Losses = append(st.Losses, model.EpochLoss{Train: 1 / float64(i+1), Val: 2 / float64(i+1)})
	}
	return st
}

func samplePredictions(name string) model.PredictionSet {
	set := model.PredictionSet{
		Name: name,
		Entries: map[string]model.Prediction{
			"p1": {Label: model.LabelSick, Pred: 0.75},
			"p2": {Label: model.LabelHealthy, Pred: 0.125},
		},
	}
	Stamp(&set.VersionedRecord)
	return set
}
