package experts

import (
	"math"

	"github.com/pkg/errors"

	"dxtrain/internal/model"
	"dxtrain/internal/nn"
)

type forwardCache struct {
	x    [][]float64
	h    [][]float64
	r    [][]float64
	real []int
	s    []model.Logits
	agg  model.Logits
	hbar []float64
	a    []float64
	t    model.Logits
	w    float64
}

// Forward scores one patient. In training mode the intermediate values are
// kept for the following Backward.
func (m *Model) Forward(p model.PatientRecord, opts model.ForwardOptions) (model.Output, error) {
	mode := m.cfg.Mode
	c := &forwardCache{}
	var out model.Output

	if mode.UsesImages() {
		if err := m.forwardImages(p, c); err != nil {
			return model.Output{}, err
		}
		out.AggImageScore = append(model.Logits(nil), c.agg...)
		out.ImageScores = make([]model.Logits, len(c.s))
		for j, s := range c.s {
			out.ImageScores[j] = append(model.Logits(nil), s...)
		}
	}

	if mode.UsesAttributes() {
		a, err := m.attributeVector(p)
		if err != nil {
			return model.Output{}, err
		}
		c.a = a
		c.t = affine(m.param(ParamAttrW), m.param(ParamAttrB), a, m.width)
		out.AttrScore = append(model.Logits(nil), c.t...)
	}

	if mode.Denoise {
		recon, sparse := m.autoencoderLosses(c)
		out.Recon, out.Sparse = &recon, &sparse
		for _, j := range c.real {
			out.ImageInputs = append(out.ImageInputs, append([]float64(nil), c.x[j]...))
			out.ImageRecons = append(out.ImageRecons, append([]float64(nil), c.r[j]...))
		}
	}

	if mode.IsGated() {
		in := append(append([]float64(nil), c.hbar...), c.a...)
		z := nn.Dot(m.param(ParamGateW), in) + m.param(ParamGateB)[0]
		c.w = nn.Sigmoid(z)
		out.Gate = c.w
		out.Fused = c.w*nn.Sigmoid(c.agg[0]) + (1-c.w)*nn.Sigmoid(c.t[0])
	} else {
		out.Score = m.additiveScore(c)
	}

	if m.training {
		m.cache = c
	} else {
		m.cache = nil
	}
	return out, nil
}

func (m *Model) forwardImages(p model.PatientRecord, c *forwardCache) error {
	enc := m.param(ParamEnc)
	aligned := len(p.Mask) == len(p.Images)
	c.x = p.Images
	c.h = make([][]float64, len(p.Images))
	c.s = make([]model.Logits, len(p.Images))
	for j, x := range p.Images {
		if len(x) != m.cfg.ImageSize {
			return errors.Errorf("patient %s: image %d has %d pixels, expected %d", p.ID, j, len(x), m.cfg.ImageSize)
		}
		h := x
		if m.cfg.Mode.Denoise {
			h = matVec(enc, x, m.cfg.LatentSize)
		}
		c.h[j] = h
		c.s[j] = affine(m.param(ParamImageW), m.param(ParamImageB), h, m.width)
		if !aligned || !p.Mask[j] {
			c.real = append(c.real, j)
		}
	}

	c.hbar = make([]float64, m.features)
	if len(c.real) == 0 {
		c.agg = append(model.Logits(nil), m.param(ParamImageB)...)
		return nil
	}
	c.agg = make(model.Logits, m.width)
	inv := 1 / float64(len(c.real))
	for _, j := range c.real {
		for k := range c.agg {
			c.agg[k] += c.s[j][k] * inv
		}
		for k := range c.hbar {
			c.hbar[k] += c.h[j][k] * inv
		}
	}
	return nil
}

func (m *Model) attributeVector(p model.PatientRecord) ([]float64, error) {
	a := make([]float64, len(m.cfg.AttrNames))
	for i, name := range m.cfg.AttrNames {
		v, ok := p.Attributes[name]
		if !ok {
			return nil, errors.Errorf("patient %s: missing attribute %q", p.ID, name)
		}
		a[i] = v
	}
	return a, nil
}

// autoencoderLosses returns the mean squared reconstruction error and the
// mean absolute latent activation over real images.
func (m *Model) autoencoderLosses(c *forwardCache) (float64, float64) {
	dec := m.param(ParamDec)
	c.r = make([][]float64, len(c.x))
	if len(c.real) == 0 {
		return 0, 0
	}
	var sq, abs float64
	for _, j := range c.real {
		r := matVec(dec, c.h[j], m.cfg.ImageSize)
		c.r[j] = r
		for i, v := range r {
			d := v - c.x[j][i]
			sq += d * d
		}
		for _, v := range c.h[j] {
			abs += math.Abs(v)
		}
	}
	n := float64(len(c.real))
	return sq / (n * float64(m.cfg.ImageSize)), abs / (n * float64(m.cfg.LatentSize))
}

func (m *Model) additiveScore(c *forwardCache) model.Logits {
	var active []model.Logits
	if m.cfg.Mode.Images {
		active = append(active, c.agg)
	}
	if m.cfg.Mode.Attributes {
		active = append(active, c.t)
	}
	if len(active) == 0 {
		active = append(active, c.agg)
	}
	score := make(model.Logits, m.width)
	for _, l := range active {
		for k := range score {
			score[k] += l[k] / float64(len(active))
		}
	}
	return score
}

// matVec multiplies a rows x len(x) row-major matrix by x.
func matVec(w, x []float64, rows int) []float64 {
	cols := len(x)
	out := make([]float64, rows)
	for r := 0; r < rows; r++ {
		out[r] = nn.Dot(w[r*cols:(r+1)*cols], x)
	}
	return out
}

func affine(w, b, x []float64, rows int) model.Logits {
	out := matVec(w, x, rows)
	for r := range out {
		out[r] += b[r]
	}
	return out
}
