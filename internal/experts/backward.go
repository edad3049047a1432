package experts

import (
	"github.com/pkg/errors"

	"dxtrain/internal/model"
	"dxtrain/internal/nn"
)

// Backward accumulates parameter gradients for the last training Forward.
func (m *Model) Backward(grad model.OutputGrad) error {
	if !m.training {
		return errors.New("backward called in eval mode")
	}
	c := m.cache
	if c == nil {
		return errors.New("backward called without a preceding forward")
	}
	mode := m.cfg.Mode

	dAgg := make([]float64, m.width)
	copy(dAgg, grad.AggImageScore)
	dT := make([]float64, m.width)
	copy(dT, grad.AttrScore)
	dHbar := make([]float64, m.features)

	if mode.IsGated() {
		dw := grad.Gate
		if grad.Fused != 0 {
			dAgg[0] += grad.Fused * c.w * nn.SigmoidDerivative(c.agg[0])
			dT[0] += grad.Fused * (1 - c.w) * nn.SigmoidDerivative(c.t[0])
			dw += grad.Fused * (nn.Sigmoid(c.agg[0]) - nn.Sigmoid(c.t[0]))
		}
		dz := dw * c.w * (1 - c.w)
		in := append(append([]float64(nil), c.hbar...), c.a...)
		addScaled(m.grad(ParamGateW), in, dz)
		m.grad(ParamGateB)[0] += dz
		gw := m.param(ParamGateW)
		for k := range dHbar {
			dHbar[k] = dz * gw[k]
		}
	}

	if mode.UsesAttributes() {
		addOuter(m.grad(ParamAttrW), dT, c.a)
		addScaled(m.grad(ParamAttrB), dT, 1)
	}

	if mode.UsesImages() {
		m.backwardImages(c, grad, dAgg, dHbar)
	}
	return nil
}

func (m *Model) backwardImages(c *forwardCache, grad model.OutputGrad, dAgg, dHbar []float64) {
	gW := m.grad(ParamImageW)
	gB := m.grad(ParamImageB)
	imgW := m.param(ParamImageW)
	denoise := m.cfg.Mode.Denoise

	var gEnc, gDec, dec []float64
	if denoise {
		gEnc, gDec, dec = m.grad(ParamEnc), m.grad(ParamDec), m.param(ParamDec)
	}

	if len(c.real) == 0 {
		addScaled(gB, dAgg, 1)
	}
	isReal := make([]bool, len(c.x))
	for _, j := range c.real {
		isReal[j] = true
	}
	n := float64(len(c.real))

	for j := range c.x {
		dS := make([]float64, m.width)
		if j < len(grad.ImageScores) {
			copy(dS, grad.ImageScores[j])
		}
		if isReal[j] {
			for k := range dS {
				dS[k] += dAgg[k] / n
			}
		}
		addOuter(gW, dS, c.h[j])
		addScaled(gB, dS, 1)

		if !denoise {
			continue
		}
		dh := matTVec(imgW, dS, m.features)
		if isReal[j] {
			for k := range dh {
				dh[k] += dHbar[k] / n
			}
			if grad.Recon != 0 {
				coef := grad.Recon * 2 / (n * float64(m.cfg.ImageSize))
				e := make([]float64, m.cfg.ImageSize)
				for i := range e {
					e[i] = coef * (c.r[j][i] - c.x[j][i])
				}
				addOuter(gDec, e, c.h[j])
				dhr := matTVec(dec, e, m.cfg.LatentSize)
				for k := range dh {
					dh[k] += dhr[k]
				}
			}
			if grad.Sparse != 0 {
				coef := grad.Sparse / (n * float64(m.cfg.LatentSize))
				for k, v := range c.h[j] {
					dh[k] += coef * nn.SignDerivative(v)
				}
			}
		}
		addOuter(gEnc, dh, c.x[j])
	}
}

// grad returns the gradient buffer of a parameter, allocating it on first use.
func (m *Model) grad(name string) []float64 {
	p := m.byName[name]
	if p.Grad == nil {
		p.Grad = make([]float64, len(p.Value))
	}
	return p.Grad
}

// addOuter adds the outer product dy x^T to a row-major gradient.
func addOuter(g, dy, x []float64) {
	cols := len(x)
	for r, d := range dy {
		if d == 0 {
			continue
		}
		row := g[r*cols : (r+1)*cols]
		for c, v := range x {
			row[c] += d * v
		}
	}
}

func addScaled(dst, src []float64, factor float64) {
	for i, v := range src {
		dst[i] += v * factor
	}
}

// matTVec computes w^T dy for a row-major matrix with the given column count.
func matTVec(w, dy []float64, cols int) []float64 {
	out := make([]float64, cols)
	for r, d := range dy {
		if d == 0 {
			continue
		}
		row := w[r*cols : (r+1)*cols]
		for c, v := range row {
			out[c] += d * v
		}
	}
	return out
}
