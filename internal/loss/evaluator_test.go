package loss

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dxtrain/internal/model"
	"dxtrain/internal/nn"
	"dxtrain/internal/sysmode"
)

func newEvaluator(t *testing.T, mode string, family Family) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator(sysmode.MustParse(mode), family, DefaultScales())
	require.NoError(t, err)
	return ev
}

func patient(label model.Label, images int) model.PatientRecord {
	p := model.PatientRecord{ID: "p", Label: label}
	for i := 0; i < images; i++ {
		p.Images = append(p.Images, []float64{0})
		p.Mask = append(p.Mask, false)
	}
	return p
}

func ptr(v float64) *float64 { return &v }

func TestImageLossHealthyTrainUsesEveryImageTestUsesAggregate(t *testing.T) {
	ev := newEvaluator(t, "I", FamilyBCE)
	p := patient(model.LabelHealthy, 2)
	out := model.Output{
		AggImageScore: model.Logits{0.5},
		ImageScores:   []model.Logits{{-2}, {3}},
		Score:         model.Logits{0.5},
	}

	train, err := ev.Evaluate(p, out, false, false)
	require.NoError(t, err)
	test, err := ev.Evaluate(p, out, true, false)
	require.NoError(t, err)

	perImage0, _, _ := FamilyBCE.Loss(model.Logits{-2}, model.LabelHealthy)
	perImage1, _, _ := FamilyBCE.Loss(model.Logits{3}, model.LabelHealthy)
	agg, _, _ := FamilyBCE.Loss(model.Logits{0.5}, model.LabelHealthy)

	assert.InDelta(t, (perImage0+perImage1)/2, train.Images.Value, 1e-12)
	assert.InDelta(t, agg, test.Images.Value, 1e-12)
	assert.NotEqual(t, train.Images.Value, test.Images.Value)

	require.Len(t, train.Grad.ImageScores, 2)
	assert.Nil(t, train.Grad.AggImageScore)
	assert.Nil(t, test.Grad.ImageScores)
	// BCE gradient against the healthy target is sigmoid(score).
	assert.InDelta(t, nn.Sigmoid(0.5), test.Grad.AggImageScore[0], 1e-12)
}

func TestImageLossSkipsMaskedImages(t *testing.T) {
	ev := newEvaluator(t, "I", FamilyBCE)
	p := patient(model.LabelHealthy, 3)
	p.Mask[2] = true
	out := model.Output{
		AggImageScore: model.Logits{0},
		ImageScores:   []model.Logits{{1}, {1}, {50}},
		Score:         model.Logits{0},
	}
	b, err := ev.Evaluate(p, out, false, false)
	require.NoError(t, err)

	want, _, _ := FamilyBCE.Loss(model.Logits{1}, model.LabelHealthy)
	assert.InDelta(t, want, b.Images.Value, 1e-12)
	assert.Nil(t, b.Grad.ImageScores[2])
}

func TestImageLossSickUsesAggregateInBothPhases(t *testing.T) {
	ev := newEvaluator(t, "I", FamilyBCE)
	p := patient(model.LabelSick, 2)
	out := model.Output{
		AggImageScore: model.Logits{0.2},
		ImageScores:   []model.Logits{{-4}, {4}},
		Score:         model.Logits{0.2},
	}
	train, err := ev.Evaluate(p, out, false, false)
	require.NoError(t, err)
	test, err := ev.Evaluate(p, out, true, false)
	require.NoError(t, err)
	assert.Equal(t, train.Images, test.Images)
}

func TestAdditiveScalesAndOptionalFields(t *testing.T) {
	scales := Scales{Healthy: 2, Sick: 3, Images: 0.5, Attributes: 4, Recon: 10, Sparse: 0.1}
	ev, err := NewEvaluator(sysmode.MustParse("IAD"), FamilyBCE, scales)
	require.NoError(t, err)

	p := patient(model.LabelSick, 1)
	out := model.Output{
		AggImageScore: model.Logits{1},
		ImageScores:   []model.Logits{{1}},
		AttrScore:     model.Logits{-1},
		Score:         model.Logits{0},
		Recon:         ptr(0.3),
		Sparse:        ptr(2),
	}
	b, err := ev.Evaluate(p, out, false, false)
	require.NoError(t, err)

	img, _, _ := FamilyBCE.Loss(model.Logits{1}, model.LabelSick)
	attr, _, _ := FamilyBCE.Loss(model.Logits{-1}, model.LabelSick)
	assert.InDelta(t, 3*0.5*img, b.Images.Value, 1e-12)
	assert.InDelta(t, 3*4*attr, b.Attributes.Value, 1e-12)
	assert.InDelta(t, 3.0, b.Recon.Value, 1e-12)
	assert.InDelta(t, 0.2, b.Sparse.Value, 1e-12)
	assert.InDelta(t, b.Images.Value+b.Attributes.Value+3.0+0.2, b.Total, 1e-12)
	assert.False(t, b.GateTarget.Valid)
	assert.False(t, b.Gate.Valid)
	assert.InDelta(t, 0.5, b.Pred, 1e-12)
	assert.Equal(t, 10.0, b.Grad.Recon)
}

func TestAutoencoderOnlyKeepsClassificationOutOfTotal(t *testing.T) {
	ev := newEvaluator(t, "ID", FamilyBCE)
	p := patient(model.LabelHealthy, 1)
	out := model.Output{
		AggImageScore: model.Logits{2},
		ImageScores:   []model.Logits{{2}},
		Score:         model.Logits{2},
		Recon:         ptr(0.4),
		Sparse:        ptr(0.1),
	}
	b, err := ev.Evaluate(p, out, false, true)
	require.NoError(t, err)
	assert.True(t, b.Images.Valid)
	assert.Greater(t, b.Images.Value, 0.0)
	assert.InDelta(t, 0.5, b.Total, 1e-12)
	assert.Nil(t, b.Grad.ImageScores)
	assert.Nil(t, b.Grad.AggImageScore)
	assert.Equal(t, 1.0, b.Grad.Recon)
}

func TestDenoiseWithoutReconstructionIsAnError(t *testing.T) {
	ev := newEvaluator(t, "D", FamilyBCE)
	_, err := ev.Evaluate(patient(model.LabelHealthy, 1), model.Output{Score: model.Logits{0}}, false, false)
	require.Error(t, err)
}

func TestAbsentBranchesStayAbsent(t *testing.T) {
	ev := newEvaluator(t, "A", FamilyNLL)
	b, err := ev.Evaluate(patient(model.LabelSick, 0), model.Output{
		AttrScore: model.Logits{0.1, 0.9},
		Score:     model.Logits{0.1, 0.9},
	}, false, false)
	require.NoError(t, err)
	assert.False(t, b.Images.Valid)
	assert.False(t, b.Recon.Valid)
	assert.False(t, b.Sparse.Valid)
	assert.True(t, b.Attributes.Valid)
	assert.InDelta(t, 0.9, b.Score, 1e-12)

	probs := []float64{math.Exp(0.1), math.Exp(0.9)}
	assert.InDelta(t, probs[1]/(probs[0]+probs[1]), b.Pred, 1e-12)
}

func gatedOutput(img, attr, gate, fused float64) model.Output {
	return model.Output{
		AggImageScore: model.Logits{img},
		AttrScore:     model.Logits{attr},
		Gate:          gate,
		Fused:         fused,
	}
}

func TestGatedLossPositiveFiniteAndMonotone(t *testing.T) {
	ev := newEvaluator(t, "G", FamilyBCE)
	for _, label := range []model.Label{model.LabelHealthy, model.LabelSick} {
		prev := -1.0
		for i := 1; i < 20; i++ {
			b, err := ev.Evaluate(patient(label, 0), gatedOutput(0, 0, 0.5, fusedAway(label, i)), false, false)
			require.NoError(t, err)
			assert.Greater(t, b.Total, 0.0)
			assert.False(t, math.IsInf(b.Total, 0) || math.IsNaN(b.Total))
			assert.Greater(t, b.Total, prev, "label=%s step=%d", label, i)
			prev = b.Total
		}
	}
}

// fusedAway returns a fused probability that moves away from the correct class
// as step grows.
func fusedAway(label model.Label, step int) float64 {
	d := float64(step) / 20
	if label == model.LabelSick {
		return 1 - d
	}
	return d
}

func TestGatedReportsExpertLossesWithoutUsingThem(t *testing.T) {
	ev := newEvaluator(t, "IAG", FamilyBCE)
	b, err := ev.Evaluate(patient(model.LabelSick, 0), gatedOutput(3, -3, 0.9, 0.8), false, false)
	require.NoError(t, err)
	assert.InDelta(t, -math.Log(0.8), b.Total, 1e-12)
	assert.True(t, b.Images.Valid)
	assert.True(t, b.Attributes.Valid)
	assert.Equal(t, 0.8, b.Pred)
	assert.Equal(t, 0.9, b.Gate.Value)
	assert.InDelta(t, -1/0.8, b.Grad.Fused, 1e-12)
}

func TestMixtureTargetSwapChangesLikelihood(t *testing.T) {
	ev := newEvaluator(t, "M", FamilyBCE)
	out := gatedOutput(0.7, -0.4, 0.3, 0.5)

	healthy, err := ev.Evaluate(patient(model.LabelHealthy, 0), out, false, false)
	require.NoError(t, err)
	sick, err := ev.Evaluate(patient(model.LabelSick, 0), out, false, false)
	require.NoError(t, err)
	assert.NotEqual(t, healthy.Total, sick.Total)

	for _, b := range []Bundle{healthy, sick} {
		predProb := math.Exp(-b.Total)
		assert.Greater(t, predProb, 0.0)
		assert.LessOrEqual(t, predProb, NormFactor+1e-15)
	}

	// Perfect agreement with the noisy target reaches NormFactor.
	perfect, err := ev.Evaluate(patient(model.LabelSick, 0), gatedOutput(NoisyPosTarget, NoisyPosTarget, 0.5, 0.5), false, false)
	require.NoError(t, err)
	assert.InDelta(t, NormFactor, math.Exp(-perfect.Total), 1e-12)
}

func TestMixtureGradientMatchesFiniteDifference(t *testing.T) {
	ev := newEvaluator(t, "MT", FamilyBCE)
	p := patient(model.LabelSick, 0)
	const h = 1e-6
	base := gatedOutput(0.4, -0.2, 0.35, 0.5)
	b, err := ev.Evaluate(p, base, false, false)
	require.NoError(t, err)

	eval := func(img, attr, gate float64) float64 {
		out, err := ev.Evaluate(p, gatedOutput(img, attr, gate, 0.5), false, false)
		require.NoError(t, err)
		return out.Total
	}
	fdImg := (eval(0.4+h, -0.2, 0.35) - eval(0.4-h, -0.2, 0.35)) / (2 * h)
	fdAttr := (eval(0.4, -0.2+h, 0.35) - eval(0.4, -0.2-h, 0.35)) / (2 * h)
	fdGate := (eval(0.4, -0.2, 0.35+h) - eval(0.4, -0.2, 0.35-h)) / (2 * h)

	assert.InDelta(t, fdImg, b.Grad.AggImageScore[0], 1e-5)
	assert.InDelta(t, fdAttr, b.Grad.AttrScore[0], 1e-5)
	assert.InDelta(t, fdGate, b.Grad.Gate, 1e-5)
}

func TestGateTarget(t *testing.T) {
	cases := []struct {
		name      string
		img, attr float64
		label     model.Label
		want      float64
	}{
		{name: "healthy image lower", img: -2, attr: 1, label: model.LabelHealthy, want: 1},
		{name: "healthy attr lower", img: 2, attr: -1, label: model.LabelHealthy, want: 0},
		{name: "sick image higher", img: 2, attr: 1, label: model.LabelSick, want: 1},
		{name: "sick attr higher", img: 0, attr: 1, label: model.LabelSick, want: 0},
		{name: "tie favours attributes", img: 1, attr: 1, label: model.LabelSick, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, GateTarget(tc.img, tc.attr, tc.label))
		})
	}
}

func TestTrainGateAddsBCE(t *testing.T) {
	plain := newEvaluator(t, "G", FamilyBCE)
	withGate := newEvaluator(t, "GT", FamilyBCE)
	out := gatedOutput(2, -1, 0.25, 0.6)
	p := patient(model.LabelSick, 0)

	a, err := plain.Evaluate(p, out, false, false)
	require.NoError(t, err)
	b, err := withGate.Evaluate(p, out, false, false)
	require.NoError(t, err)

	require.True(t, b.GateTarget.Valid)
	assert.Equal(t, 1.0, b.GateTarget.Value)
	assert.InDelta(t, a.Total-math.Log(0.25), b.Total, 1e-12)
	assert.InDelta(t, -1/0.25, b.Grad.Gate, 1e-12)
}

func TestGatedRejectsCategoricalFamily(t *testing.T) {
	_, err := NewEvaluator(sysmode.MustParse("G"), FamilyNLL, DefaultScales())
	require.Error(t, err)
}

func TestInvalidLabelIsRejected(t *testing.T) {
	ev := newEvaluator(t, "A", FamilyBCE)
	p := patient(model.Label(7), 0)
	_, err := ev.Evaluate(p, model.Output{AttrScore: model.Logits{0}, Score: model.Logits{0}}, false, false)
	require.Error(t, err)
}

func TestSumsMeanUsesSplitLength(t *testing.T) {
	var s Sums
	s.Add(Bundle{Total: 2, Images: Some(1)})
	s.Add(Bundle{Total: 4})
	m := s.Mean(4)
	assert.InDelta(t, 1.5, m.Total, 1e-12)
	assert.InDelta(t, 0.25, m.Images, 1e-12)
	assert.Equal(t, 2, m.Count)
}
