package dataset

import (
	"gonum.org/v1/gonum/stat"

	"dxtrain/internal/model"
)

// Description summarises a split's labels and attributes.
type Description struct {
	Split      string             `json:"split"`
	Patients   int                `json:"patients"`
	Healthy    int                `json:"healthy"`
	Sick       int                `json:"sick"`
	Attributes []string           `json:"attributes"`
	AttrMean   map[string]float64 `json:"attr_mean"`
	AttrStdDev map[string]float64 `json:"attr_stddev"`
}

// Describe counts labels and computes per-attribute moments. Images are not
// read.
func (s *Split) Describe() Description {
	d := Description{
		Split:      s.name,
		Patients:   len(s.entries),
		Attributes: append([]string(nil), s.opts.AttrToUse...),
		AttrMean:   make(map[string]float64, len(s.opts.AttrToUse)),
		AttrStdDev: make(map[string]float64, len(s.opts.AttrToUse)),
	}
	for _, e := range s.entries {
		if e.Label == model.LabelSick {
			d.Sick++
		} else {
			d.Healthy++
		}
	}
	if len(s.entries) == 0 {
		return d
	}
	for _, name := range s.opts.AttrToUse {
		values := make([]float64, len(s.entries))
		for i, e := range s.entries {
			values[i] = e.Attributes[name]
		}
		mean, std := stat.MeanStdDev(values, nil)
		d.AttrMean[name] = mean
		if len(values) > 1 {
			d.AttrStdDev[name] = std
		}
	}
	return d
}
