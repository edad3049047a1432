// Package stats keeps run-level artifacts: the run index, the resolved
// configuration and prediction quality summaries.
package stats

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"dxtrain/internal/model"
)

// DecisionThreshold splits predicted probabilities into classes.
const DecisionThreshold = 0.5

// PredictionSummary scores a prediction set at DecisionThreshold.
type PredictionSummary struct {
	Count            int     `json:"count"`
	Sick             int     `json:"sick"`
	Healthy          int     `json:"healthy"`
	Accuracy         float64 `json:"accuracy"`
	BalancedAccuracy float64 `json:"balanced_accuracy"`
	MeanPred         float64 `json:"mean_pred"`
	TruePositive     int     `json:"tp"`
	TrueNegative     int     `json:"tn"`
	FalsePositive    int     `json:"fp"`
	FalseNegative    int     `json:"fn"`
}

// SummarizePredictions computes confusion counts and accuracies. Balanced
// accuracy averages per-class recall over the classes present.
func SummarizePredictions(set model.PredictionSet) PredictionSummary {
	var s PredictionSummary
	if len(set.Entries) == 0 {
		return s
	}
	ids := make([]string, 0, len(set.Entries))
	for id := range set.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	preds := make([]float64, 0, len(ids))
	for _, id := range ids {
		p := set.Entries[id]
		preds = append(preds, p.Pred)
		positive := p.Pred >= DecisionThreshold
		switch {
		case p.Label == model.LabelSick && positive:
			s.TruePositive++
		case p.Label == model.LabelSick:
			s.FalseNegative++
		case positive:
			s.FalsePositive++
		default:
			s.TrueNegative++
		}
	}
	s.Count = len(ids)
	s.Sick = s.TruePositive + s.FalseNegative
	s.Healthy = s.TrueNegative + s.FalsePositive
	s.Accuracy = float64(s.TruePositive+s.TrueNegative) / float64(s.Count)
	s.MeanPred = stat.Mean(preds, nil)

	var recalls []float64
	if s.Sick > 0 {
		recalls = append(recalls, float64(s.TruePositive)/float64(s.Sick))
	}
	if s.Healthy > 0 {
		recalls = append(recalls, float64(s.TrueNegative)/float64(s.Healthy))
	}
	s.BalancedAccuracy = stat.Mean(recalls, nil)
	return s
}
