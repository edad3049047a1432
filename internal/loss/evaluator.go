package loss

import (
	"math"

	"github.com/pkg/errors"

	"dxtrain/internal/model"
	"dxtrain/internal/sysmode"
)

// Scales are the configured multipliers applied to each loss term.
type Scales struct {
	Healthy    float64
	Sick       float64
	Images     float64
	Attributes float64
	Recon      float64
	Sparse     float64
}

// DefaultScales leaves every term unscaled.
func DefaultScales() Scales {
	return Scales{Healthy: 1, Sick: 1, Images: 1, Attributes: 1, Recon: 1, Sparse: 1}
}

// Class returns scale_0 or scale_1 for a label.
func (s Scales) Class(label model.Label) float64 {
	if label == model.LabelSick {
		return s.Sick
	}
	return s.Healthy
}

// Evaluator computes the per-patient loss bundle for a fixed system mode.
type Evaluator struct {
	mode   sysmode.Mode
	family Family
	scales Scales
}

// NewEvaluator validates the mode/family pairing. Gated modes treat scores as
// scalars and therefore need the binary family.
func NewEvaluator(mode sysmode.Mode, family Family, scales Scales) (*Evaluator, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	if _, err := ParseFamily(string(family)); err != nil {
		return nil, err
	}
	if mode.IsGated() && family != FamilyBCE {
		return nil, errors.Errorf("mode %s requires the %s loss family, got %s", mode, FamilyBCE, family)
	}
	return &Evaluator{mode: mode, family: family, scales: scales}, nil
}

// Mode returns the evaluator's system mode.
func (e *Evaluator) Mode() sysmode.Mode {
	return e.mode
}

// Family returns the evaluator's loss family.
func (e *Evaluator) Family() Family {
	return e.family
}

// Evaluate computes the total loss, itemised components and output gradient
// for one patient. isTest selects evaluation-time supervision; aeOnly keeps
// classification terms out of the total.
func (e *Evaluator) Evaluate(p model.PatientRecord, out model.Output, isTest, aeOnly bool) (Bundle, error) {
	if p.Label != model.LabelHealthy && p.Label != model.LabelSick {
		return Bundle{}, errors.Errorf("patient %s: invalid label %d", p.ID, p.Label)
	}
	switch e.mode.Primary() {
	case sysmode.BranchGated, sysmode.BranchMixture:
		return e.evaluateGated(p, out, aeOnly)
	default:
		return e.evaluateAdditive(p, out, isTest, aeOnly)
	}
}

func (e *Evaluator) evaluateGated(p model.PatientRecord, out model.Output, aeOnly bool) (Bundle, error) {
	if len(out.AggImageScore) != 1 || len(out.AttrScore) != 1 {
		return Bundle{}, errors.Errorf("patient %s: gated mode needs scalar image and attribute scores", p.ID)
	}
	if out.Gate < 0 || out.Gate > 1 || math.IsNaN(out.Gate) {
		return Bundle{}, errors.Errorf("patient %s: gate weight %f outside [0,1]", p.ID, out.Gate)
	}

	var b Bundle
	lossImgs, _, err := e.family.Loss(out.AggImageScore, p.Label)
	if err != nil {
		return Bundle{}, errors.Wrapf(err, "patient %s: image loss", p.ID)
	}
	lossAttrs, _, err := e.family.Loss(out.AttrScore, p.Label)
	if err != nil {
		return Bundle{}, errors.Wrapf(err, "patient %s: attribute loss", p.ID)
	}
	b.Images = Some(lossImgs)
	b.Attributes = Some(lossAttrs)

	imgScore, attrScore, w := out.AggImageScore[0], out.AttrScore[0], out.Gate
	scale := e.scales.Class(p.Label)

	var total float64
	var grad model.OutputGrad
	if e.mode.Gated {
		if out.Fused < 0 || out.Fused > 1 || math.IsNaN(out.Fused) {
			return Bundle{}, errors.Errorf("patient %s: fused score %f outside [0,1]", p.ID, out.Fused)
		}
		if p.Label == model.LabelSick {
			v, d := NegLogLikelihood(out.Fused, scale)
			total, grad.Fused = v, d
		} else {
			v, d := NegLogLikelihood(1-out.Fused, scale)
			total, grad.Fused = v, -d
		}
	} else {
		t := NoisyTarget(p.Label)
		ei := math.Exp(-0.5 * (imgScore - t) * (imgScore - t))
		ea := math.Exp(-0.5 * (attrScore - t) * (attrScore - t))
		predProb := NormFactor * (w*ei + (1-w)*ea)
		v, d := NegLogLikelihood(predProb, scale)
		total = v
		// Chain rule through pred_prob.
		grad.AggImageScore = model.Logits{d * NormFactor * w * ei * -(imgScore - t)}
		grad.AttrScore = model.Logits{d * NormFactor * (1 - w) * ea * -(attrScore - t)}
		grad.Gate = d * NormFactor * (ei - ea)
	}

	if e.mode.TrainGate {
		gt := GateTarget(imgScore, attrScore, p.Label)
		v, d := BinaryCrossEntropy(w, gt)
		total += v
		grad.Gate += d
		b.GateTarget = Some(gt)
	}

	if aeOnly {
		total, grad = 0, model.OutputGrad{}
	}

	b.Total = total
	b.Grad = grad
	b.Pred = out.Fused
	b.Score = out.Fused
	b.ImageScore = Some(imgScore)
	b.AttrScore = Some(attrScore)
	b.Gate = Some(w)
	return b, nil
}

func (e *Evaluator) evaluateAdditive(p model.PatientRecord, out model.Output, isTest, aeOnly bool) (Bundle, error) {
	var b Bundle
	scale := e.scales.Class(p.Label)

	if e.mode.Images {
		if len(out.AggImageScore) == 0 {
			return Bundle{}, errors.Errorf("patient %s: image mode without aggregate image score", p.ID)
		}
		var (
			value float64
			aggG  model.Logits
			perG  []model.Logits
		)
		perImage := supervisedImageScores(p, out)
		if p.Label == model.LabelHealthy && !isTest && len(perImage) > 0 {
			v, grads, err := e.family.MeanLoss(scoresOf(out.ImageScores, perImage), p.Label)
			if err != nil {
				return Bundle{}, errors.Wrapf(err, "patient %s: per-image loss", p.ID)
			}
			value = v
			perG = make([]model.Logits, len(out.ImageScores))
			for k, idx := range perImage {
				perG[idx] = grads[k]
			}
		} else {
			v, g, err := e.family.Loss(out.AggImageScore, p.Label)
			if err != nil {
				return Bundle{}, errors.Wrapf(err, "patient %s: image loss", p.ID)
			}
			value, aggG = v, g
		}
		factor := scale * e.scales.Images
		b.Images = Some(factor * value)
		if !aeOnly {
			b.Total += factor * value
			b.Grad.AggImageScore = scaled(aggG, factor)
			if perG != nil {
				b.Grad.ImageScores = make([]model.Logits, len(perG))
				for i, g := range perG {
					b.Grad.ImageScores[i] = scaled(g, factor)
				}
			}
		}
	}

	if e.mode.Attributes {
		if len(out.AttrScore) == 0 {
			return Bundle{}, errors.Errorf("patient %s: attribute mode without attribute score", p.ID)
		}
		v, g, err := e.family.Loss(out.AttrScore, p.Label)
		if err != nil {
			return Bundle{}, errors.Wrapf(err, "patient %s: attribute loss", p.ID)
		}
		factor := scale * e.scales.Attributes
		b.Attributes = Some(factor * v)
		if !aeOnly {
			b.Total += factor * v
			b.Grad.AttrScore = scaled(g, factor)
		}
	}

	if e.mode.Denoise {
		if out.Recon == nil || out.Sparse == nil {
			return Bundle{}, errors.Errorf("patient %s: denoising mode without reconstruction outputs", p.ID)
		}
		recon := e.scales.Recon * *out.Recon
		sparse := e.scales.Sparse * *out.Sparse
		b.Recon = Some(recon)
		b.Sparse = Some(sparse)
		b.Total += recon + sparse
		b.Grad.Recon = e.scales.Recon
		b.Grad.Sparse = e.scales.Sparse
	}

	if len(out.Score) == 0 {
		return Bundle{}, errors.Errorf("patient %s: model output carries no fused score", p.ID)
	}
	pred, reported, err := e.family.Prediction(out.Score)
	if err != nil {
		return Bundle{}, errors.Wrapf(err, "patient %s: prediction", p.ID)
	}
	b.Pred, b.Score = pred, reported
	return b, nil
}

// GateTarget labels which expert came closer to the ground truth: 1 when the
// image expert wins, 0 when the attribute expert wins or on a tie.
func GateTarget(imgScore, attrScore float64, label model.Label) float64 {
	scores := [2]float64{attrScore, imgScore}
	idx := 0
	if label == model.LabelHealthy {
		if scores[1] < scores[0] {
			idx = 1
		}
	} else if scores[1] > scores[0] {
		idx = 1
	}
	if idx == 1 {
		return SickTarget
	}
	return HealthyTarget
}

// supervisedImageScores lists the indices of per-image scores that belong to
// real (unmasked) images.
func supervisedImageScores(p model.PatientRecord, out model.Output) []int {
	idx := make([]int, 0, len(out.ImageScores))
	aligned := len(p.Mask) == len(out.ImageScores)
	for i := range out.ImageScores {
		if aligned && p.Mask[i] {
			continue
		}
		idx = append(idx, i)
	}
	return idx
}

func scoresOf(all []model.Logits, idx []int) []model.Logits {
	out := make([]model.Logits, len(idx))
	for k, i := range idx {
		out[k] = all[i]
	}
	return out
}

func scaled(g model.Logits, factor float64) model.Logits {
	if g == nil {
		return nil
	}
	out := make(model.Logits, len(g))
	for i, v := range g {
		out[i] = v * factor
	}
	return out
}
