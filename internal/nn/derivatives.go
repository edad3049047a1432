package nn

// SigmoidDerivative is d/dx sigmoid(x).
func SigmoidDerivative(x float64) float64 {
	s := Sigmoid(x)
	return s * (1 - s)
}

// ReluDerivative is the subgradient of Relu, zero at the origin.
func ReluDerivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

// SignDerivative is the subgradient of |x|, zero at the origin.
func SignDerivative(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
