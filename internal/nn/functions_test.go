package nn

import (
	"math"
	"testing"
)

func TestSigmoidStableAtExtremes(t *testing.T) {
	if got := Sigmoid(0); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("expected sigmoid(0)=0.5, got=%f", got)
	}
	if got := Sigmoid(-1000); got != 0 || math.IsNaN(got) {
		t.Fatalf("expected sigmoid(-1000)=0, got=%f", got)
	}
	if got := Sigmoid(1000); got != 1 {
		t.Fatalf("expected sigmoid(1000)=1, got=%f", got)
	}
}

func TestSoftplusMatchesNaiveInRange(t *testing.T) {
	for _, x := range []float64{-5, -1, 0, 0.5, 3} {
		want := math.Log(1 + math.Exp(x))
		if got := Softplus(x); math.Abs(got-want) > 1e-12 {
			t.Fatalf("softplus(%f): got=%f want=%f", x, got, want)
		}
	}
	if got := Softplus(800); math.IsInf(got, 0) {
		t.Fatal("expected finite softplus for large input")
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	probs, err := Softmax([]float64{1, 2, 1000})
	if err != nil {
		t.Fatalf("softmax: %v", err)
	}
	total := 0.0
	for _, p := range probs {
		total += p
	}
	if math.Abs(total-1) > 1e-12 {
		t.Fatalf("expected probabilities to sum to 1, got=%f", total)
	}
	if _, err := Softmax(nil); err == nil {
		t.Fatal("expected error for empty vector")
	}
}

func TestClampedLog(t *testing.T) {
	if got := ClampedLog(0); got != -100 {
		t.Fatalf("expected clamp at -100, got=%f", got)
	}
	if got := ClampedLog(math.E); math.Abs(got-1) > 1e-12 {
		t.Fatalf("expected log(e)=1, got=%f", got)
	}
}

func TestDerivativesMatchFiniteDifference(t *testing.T) {
	const h = 1e-6
	for _, x := range []float64{-2, -0.3, 0.7, 4} {
		fd := (Sigmoid(x+h) - Sigmoid(x-h)) / (2 * h)
		if math.Abs(fd-SigmoidDerivative(x)) > 1e-6 {
			t.Fatalf("sigmoid derivative mismatch at %f: fd=%f got=%f", x, fd, SigmoidDerivative(x))
		}
	}
	if ReluDerivative(-1) != 0 || ReluDerivative(2) != 1 {
		t.Fatal("unexpected relu derivative")
	}
	if SignDerivative(-3) != -1 || SignDerivative(0) != 0 {
		t.Fatal("unexpected sign derivative")
	}
}

func TestAvgAndDot(t *testing.T) {
	avg, err := Avg([]float64{1, 2, 3})
	if err != nil {
		t.Fatalf("avg failed: %v", err)
	}
	if math.Abs(avg-2) > 1e-12 {
		t.Fatalf("unexpected avg: %f", avg)
	}
	if _, err := Avg(nil); err == nil {
		t.Fatal("expected avg error on empty vector")
	}
	if got := Dot([]float64{1, 2}, []float64{3, 4}); got != 11 {
		t.Fatalf("unexpected dot: %f", got)
	}
}
