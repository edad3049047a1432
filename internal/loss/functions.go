package loss

import (
	"math"

	"github.com/pkg/errors"

	"dxtrain/internal/model"
	"dxtrain/internal/nn"
)

// probEps keeps reciprocal gradients finite at saturated probabilities.
const probEps = 1e-12

// Loss returns the family loss of a score against a label and its gradient
// with respect to the score.
func (f Family) Loss(score model.Logits, label model.Label) (float64, model.Logits, error) {
	switch f {
	case FamilyBCE:
		if len(score) != 1 {
			return 0, nil, errors.Errorf("bce expects 1 logit, got %d", len(score))
		}
		s, y := score[0], Target(label)
		// softplus(s) - s*y is the stable form of BCE with logits.
		value := nn.Softplus(s) - s*y
		return value, model.Logits{nn.Sigmoid(s) - y}, nil
	case FamilyNLL:
		if len(score) != 2 {
			return 0, nil, errors.Errorf("nll expects 2 logits, got %d", len(score))
		}
		probs, err := nn.Softmax(score)
		if err != nil {
			return 0, nil, err
		}
		lse, err := nn.LogSumExp(score)
		if err != nil {
			return 0, nil, err
		}
		idx := int(label)
		grad := make(model.Logits, 2)
		for i := range probs {
			grad[i] = probs[i]
			if i == idx {
				grad[i] -= 1
			}
		}
		return lse - score[idx], grad, nil
	default:
		return 0, nil, errors.Wrapf(ErrUnknownFamily, "%q", string(f))
	}
}

// MeanLoss broadcasts the label across every score and averages.
func (f Family) MeanLoss(scores []model.Logits, label model.Label) (float64, []model.Logits, error) {
	if len(scores) == 0 {
		return 0, nil, errors.New("no scores to supervise")
	}
	n := float64(len(scores))
	total := 0.0
	grads := make([]model.Logits, len(scores))
	for i, s := range scores {
		v, g, err := f.Loss(s, label)
		if err != nil {
			return 0, nil, errors.Wrapf(err, "score %d", i)
		}
		total += v
		for j := range g {
			g[j] /= n
		}
		grads[i] = g
	}
	return total / n, grads, nil
}

// Prediction maps a score to the probability of the sick class.
func (f Family) Prediction(score model.Logits) (pred float64, reported float64, err error) {
	switch f {
	case FamilyBCE:
		if len(score) != 1 {
			return 0, 0, errors.Errorf("bce expects 1 logit, got %d", len(score))
		}
		return nn.Sigmoid(score[0]), score[0], nil
	case FamilyNLL:
		if len(score) != 2 {
			return 0, 0, errors.Errorf("nll expects 2 logits, got %d", len(score))
		}
		probs, err := nn.Softmax(score)
		if err != nil {
			return 0, 0, err
		}
		return probs[1], score[1], nil
	default:
		return 0, 0, errors.Wrapf(ErrUnknownFamily, "%q", string(f))
	}
}

// BinaryCrossEntropy is BCE on a probability with torch-style log clamping.
// It returns the loss and its derivative with respect to p.
func BinaryCrossEntropy(p, target float64) (float64, float64) {
	value := -(target*nn.ClampedLog(p) + (1-target)*nn.ClampedLog(1-p))
	pc := math.Min(math.Max(p, probEps), 1-probEps)
	grad := -target/pc + (1-target)/(1-pc)
	return value, grad
}

// NegLogLikelihood returns -scale*log(p) and its derivative with respect to p.
func NegLogLikelihood(p, scale float64) (float64, float64) {
	pc := math.Max(p, probEps)
	return -scale * nn.ClampedLog(p), -scale / pc
}
