package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Label is the ground-truth diagnosis of a patient.
type Label int

const (
	LabelHealthy Label = 0
	LabelSick    Label = 1
)

func (l Label) String() string {
	switch l {
	case LabelHealthy:
		return "healthy"
	case LabelSick:
		return "sick"
	default:
		return "unknown"
	}
}

// PatientRecord is one unit of supervision: a label, a set of images and a set
// of attributes. Records are immutable once loaded.
type PatientRecord struct {
	ID          string
	Root        string
	Label       Label
	Images      [][]float64
	ImageWidth  int
	ImageHeight int
	// Mask[i] is true when Images[i] is padding rather than a real image.
	Mask       []bool
	Attributes map[string]float64
}

// RealImages returns the number of images that are not padding.
func (p PatientRecord) RealImages() int {
	n := 0
	for i := range p.Images {
		if i < len(p.Mask) && p.Mask[i] {
			continue
		}
		n++
	}
	return n
}

// Logits is a raw score vector: one value for the binary family, two for the
// categorical family.
type Logits []float64

// Output is the result bundle produced by a model for one patient. It lives for
// the duration of one loss evaluation.
type Output struct {
	AggImageScore Logits
	ImageScores   []Logits
	AttrScore     Logits
	// Score is the fused logit vector used by additive modes.
	Score Logits
	// Fused is the fused probability used by gated modes.
	Fused float64
	// Gate is the mixture weight on the image expert.
	Gate float64

	Recon  *float64
	Sparse *float64

	ImageInputs [][]float64
	ImageRecons [][]float64
}

// OutputGrad holds the derivative of the total loss with respect to every
// model output the total depends on. Nil slices mean no dependency.
type OutputGrad struct {
	AggImageScore Logits
	ImageScores   []Logits
	AttrScore     Logits
	Score         Logits
	Fused         float64
	Gate          float64
	Recon         float64
	Sparse        float64
}

// IsZero reports whether the gradient carries no signal at all.
func (g OutputGrad) IsZero() bool {
	if g.Fused != 0 || g.Gate != 0 || g.Recon != 0 || g.Sparse != 0 {
		return false
	}
	for _, v := range [][]float64{g.AggImageScore, g.AttrScore, g.Score} {
		for _, x := range v {
			if x != 0 {
				return false
			}
		}
	}
	for _, s := range g.ImageScores {
		for _, x := range s {
			if x != 0 {
				return false
			}
		}
	}
	return true
}

// Parameter is a named trainable tensor, flattened.
type Parameter struct {
	Name      string
	Component string
	Value     []float64
	// Grad is nil until a backward pass touched the parameter.
	Grad []float64
}

// ScaleGrad multiplies the accumulated gradient in place.
func (p *Parameter) ScaleGrad(factor float64) {
	for i := range p.Grad {
		p.Grad[i] *= factor
	}
}

// ForwardOptions selects the evaluation regime of a forward pass.
type ForwardOptions struct {
	IsTest bool
	AEOnly bool
}

// Checkpoint selectors understood by LoadCheckpoint and LoadSubmodel.
const (
	WhichLatest = "latest"
	WhichBest   = "best"
)

// Model is the predictive model collaborator driven by the trainer.
type Model interface {
	Forward(p PatientRecord, opts ForwardOptions) (Output, error)
	Backward(grad OutputGrad) error
	Train()
	Eval()
	ResetGradients()
	Parameters() []*Parameter
	TakeOptimiserStep() error
	ReduceLR()
	Checkpoint(best bool) error
	LoadCheckpoint(dir, which string) error
	LoadSubmodel(dir, which string, components []string) error
}
