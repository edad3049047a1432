package dataset

import (
	"encoding/csv"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// SynthOptions shapes a generated cohort. Zero fields take the defaults.
type SynthOptions struct {
	Seed         int64
	Train        int
	Val          int
	Test         int
	Attributes   []string
	ImageSize    int
	MaxImages    int
	SickFraction float64
}

func (o SynthOptions) withDefaults() SynthOptions {
	if o.Train <= 0 {
		o.Train = 40
	}
	if o.Val <= 0 {
		o.Val = 10
	}
	if o.Test <= 0 {
		o.Test = 10
	}
	if len(o.Attributes) == 0 {
		o.Attributes = []string{"age", "marker"}
	}
	if o.ImageSize <= 0 {
		o.ImageSize = 8
	}
	if o.MaxImages <= 0 {
		o.MaxImages = 3
	}
	if o.SickFraction <= 0 || o.SickFraction >= 1 {
		o.SickFraction = 0.5
	}
	return o
}

// GenerateSynthetic writes a seeded toy cohort under root in the layout Load
// reads: sick patients have higher attributes and a bright blob in their
// images. It returns the patient count per split.
func GenerateSynthetic(root string, opts SynthOptions) (map[string]int, error) {
	if root == "" {
		return nil, errors.New("dataset root is required")
	}
	opts = opts.withDefaults()
	rng := rand.New(rand.NewSource(opts.Seed))

	counts := map[string]int{}
	for _, split := range []struct {
		name string
		n    int
	}{{SplitTrain, opts.Train}, {SplitVal, opts.Val}, {SplitTest, opts.Test}} {
		if err := writeSyntheticSplit(root, split.name, split.n, opts, rng); err != nil {
			return nil, errors.Wrapf(err, "generate split %s", split.name)
		}
		counts[split.name] = split.n
	}
	return counts, nil
}

func writeSyntheticSplit(root, name string, n int, opts SynthOptions, rng *rand.Rand) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(root, name+".csv"))
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := append([]string{columnID, columnLabel}, opts.Attributes...)
	if err := w.Write(header); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s%04d", name, i+1)
		sick := rng.Float64() < opts.SickFraction
		label, level := "0", 0.3
		if sick {
			label, level = "1", 0.7
		}
		row := []string{id, label}
		for range opts.Attributes {
			v := clamp01(level + rng.NormFloat64()*0.1)
			row = append(row, strconv.FormatFloat(v, 'f', 4, 64))
		}
		if err := w.Write(row); err != nil {
			return err
		}

		count := 1 + rng.Intn(opts.MaxImages)
		for j := 0; j < count; j++ {
			path := filepath.Join(root, name, id, fmt.Sprintf("img_%02d.png", j))
			if err := writeSyntheticImage(path, opts.ImageSize, sick, rng); err != nil {
				return err
			}
		}
	}
	w.Flush()
	return w.Error()
}

func writeSyntheticImage(path string, size int, sick bool, rng *rand.Rand) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	img := image.NewGray(image.Rect(0, 0, size, size))
	cx, cy := rng.Intn(size), rng.Intn(size)
	radius := float64(size) / 4
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := 0.2 + rng.NormFloat64()*0.05
			if sick && math.Hypot(float64(x-cx), float64(y-cy)) <= radius {
				v = 0.9
			}
			img.SetGray(x, y, color.Gray{Y: uint8(clamp01(v)*255 + 0.5)})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}
