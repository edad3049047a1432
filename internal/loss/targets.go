package loss

import (
	"strings"

	"github.com/pkg/errors"

	"dxtrain/internal/model"
)

// Fixed targets for the two classes and the noisy log-domain targets used by
// the Gaussian mixture likelihood.
const (
	SickTarget    = 1.0
	HealthyTarget = 1.0 - SickTarget

	// NoisyPosTarget is log(2 + sqrt(3)).
	NoisyPosTarget = 1.3169578969248166
	// NoisyNegTarget is log(2 - sqrt(3)).
	NoisyNegTarget = -1.3169578969248164

	// NormFactor is 1 / sqrt(2 * pi).
	NormFactor = 0.3989422804014327
)

// ErrUnknownFamily is returned for loss family strings other than bce and nll.
var ErrUnknownFamily = errors.New("unknown loss family")

// Family selects the classification loss formulation.
type Family string

const (
	// FamilyBCE is binary cross entropy over a single logit.
	FamilyBCE Family = "bce"
	// FamilyNLL is softmax cross entropy over two logits.
	FamilyNLL Family = "nll"
)

// ParseFamily validates a configured loss family.
func ParseFamily(raw string) (Family, error) {
	switch Family(strings.ToLower(strings.TrimSpace(raw))) {
	case FamilyBCE:
		return FamilyBCE, nil
	case FamilyNLL:
		return FamilyNLL, nil
	default:
		return "", errors.Wrapf(ErrUnknownFamily, "%q", raw)
	}
}

// Width is the number of logits a score of this family carries.
func (f Family) Width() int {
	if f == FamilyNLL {
		return 2
	}
	return 1
}

// Target returns the scalar class target for a label.
func Target(label model.Label) float64 {
	if label == model.LabelSick {
		return SickTarget
	}
	return HealthyTarget
}

// NoisyTarget returns the mixture-likelihood target for a label.
func NoisyTarget(label model.Label) float64 {
	if label == model.LabelSick {
		return NoisyPosTarget
	}
	return NoisyNegTarget
}
