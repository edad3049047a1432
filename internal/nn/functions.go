package nn

import (
	"math"

	"github.com/pkg/errors"
)

// logClampMin mirrors the lower bound torch applies to log terms inside
// binary cross entropy.
const logClampMin = -100.0

// Sigmoid is the numerically stable logistic function.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1.0 / (1.0 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1.0 + e)
}

// Softplus computes log(1 + exp(x)) without overflow.
func Softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

// ClampedLog returns log(x) bounded below at -100.
func ClampedLog(x float64) float64 {
	if x <= 0 {
		return logClampMin
	}
	return math.Max(math.Log(x), logClampMin)
}

// LogSumExp returns log(sum(exp(values))).
func LogSumExp(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, errors.New("empty vector")
	}
	maxV := values[0]
	for _, v := range values[1:] {
		if v > maxV {
			maxV = v
		}
	}
	if math.IsInf(maxV, 0) {
		return maxV, nil
	}
	sum := 0.0
	for _, v := range values {
		sum += math.Exp(v - maxV)
	}
	return maxV + math.Log(sum), nil
}

// Softmax maps logits to a probability vector.
func Softmax(values []float64) ([]float64, error) {
	lse, err := LogSumExp(values)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = math.Exp(v - lse)
	}
	return out, nil
}

// Relu clamps negatives to zero.
func Relu(x float64) float64 {
	if x < 0 {
		return 0
	}
	return x
}

// Dot is the inner product of two equally sized vectors.
func Dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	total := 0.0
	for i := 0; i < n; i++ {
		total += a[i] * b[i]
	}
	return total
}

// Avg returns the arithmetic mean.
func Avg(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, errors.New("empty vector")
	}
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values)), nil
}
