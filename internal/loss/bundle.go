package loss

import "dxtrain/internal/model"

// Optional is a loss component that may be absent because its branch is not
// active. The zero value is absent.
type Optional struct {
	Value float64
	Valid bool
}

// Some wraps a present value.
func Some(v float64) Optional {
	return Optional{Value: v, Valid: true}
}

// Or returns the value, or def when absent.
func (o Optional) Or(def float64) float64 {
	if !o.Valid {
		return def
	}
	return o.Value
}

// Bundle is the result of one loss evaluation. Total is always present.
type Bundle struct {
	Total float64

	Images     Optional
	Attributes Optional
	Recon      Optional
	Sparse     Optional
	GateTarget Optional

	// Pred is the probability of the sick class, Score the raw value reported
	// alongside it.
	Pred  float64
	Score float64

	// Populated by gated modes only.
	ImageScore Optional
	AttrScore  Optional
	Gate       Optional

	Grad model.OutputGrad
}

// Components lists the itemised sub-losses by name, in report order.
func (b Bundle) Components() []Named {
	return []Named{
		{Name: "imgs", Value: b.Images},
		{Name: "attrs", Value: b.Attributes},
		{Name: "recon", Value: b.Recon},
		{Name: "sparse", Value: b.Sparse},
	}
}

// Named pairs a component name with its optional value.
type Named struct {
	Name  string
	Value Optional
}

// Sums aggregates bundles into per-split totals. Absent components are
// skipped.
type Sums struct {
	Total      float64
	Images     float64
	Attributes float64
	Recon      float64
	Sparse     float64
	Count      int
}

// Add folds one bundle into the running sums.
func (s *Sums) Add(b Bundle) {
	s.Total += b.Total
	s.Images += b.Images.Or(0)
	s.Attributes += b.Attributes.Or(0)
	s.Recon += b.Recon.Or(0)
	s.Sparse += b.Sparse.Or(0)
	s.Count++
}

// Mean divides every sum by n. n is the split length, not Count, so epochs
// where patients were skipped report a smaller mean.
func (s Sums) Mean(n int) Sums {
	if n <= 0 {
		return Sums{Count: s.Count}
	}
	d := float64(n)
	return Sums{
		Total:      s.Total / d,
		Images:     s.Images / d,
		Attributes: s.Attributes / d,
		Recon:      s.Recon / d,
		Sparse:     s.Sparse / d,
		Count:      s.Count,
	}
}
