package dataset

import (
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// LoadPNGs decodes every *.png in dir, in name order, as grayscale in [0,1].
// All images must share one size.
func LoadPNGs(dir string) ([][]float64, int, int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		return nil, 0, 0, err
	}
	sort.Strings(paths)

	var (
		images        [][]float64
		width, height int
	)
	for _, path := range paths {
		pixels, w, h, err := decodeGray(path)
		if err != nil {
			return nil, 0, 0, err
		}
		if len(images) == 0 {
			width, height = w, h
		} else if w != width || h != height {
			return nil, 0, 0, errors.Errorf("%s: size %dx%d differs from %dx%d", path, w, h, width, height)
		}
		images = append(images, pixels)
	}
	return images, width, height, nil
}

func decodeGray(path string) ([]float64, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, 0, 0, errors.Wrapf(err, "decode %s", path)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pixels := make([]float64, 0, w*h)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
			pixels = append(pixels, float64(g.Y)/0xffff)
		}
	}
	return pixels, w, h, nil
}

// padImages appends zero images flagged as padding until n images exist.
func padImages(images [][]float64, size, n int) ([][]float64, []bool) {
	mask := make([]bool, len(images), max(n, len(images)))
	for len(images) < n {
		images = append(images, make([]float64, size))
		mask = append(mask, true)
	}
	return images, mask
}
