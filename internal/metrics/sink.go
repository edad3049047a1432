// Package metrics receives training scalars and image grids. Sinks never
// fail the training loop; wrap them in Async to keep the loop non-blocking.
package metrics

import "image"

// Sink is a destination for named scalars and images indexed by step.
type Sink interface {
	Scalar(name string, value float64, step int)
	Image(name string, img image.Image, step int)
	Flush() error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Scalar(string, float64, int) {}
func (Nop) Image(string, image.Image, int) {}
func (Nop) Flush() error { return nil }
func (Nop) Close() error { return nil }

// Multi fans every event out to each sink in order.
type Multi []Sink

func (m Multi) Scalar(name string, value float64, step int) {
	for _, s := range m {
		s.Scalar(name, value, step)
	}
}

func (m Multi) Image(name string, img image.Image, step int) {
	for _, s := range m {
		s.Image(name, img, step)
	}
}

// Flush flushes every sink and returns the first error.
func (m Multi) Flush() error {
	var first error
	for _, s := range m {
		if err := s.Flush(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close closes every sink and returns the first error.
func (m Multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
