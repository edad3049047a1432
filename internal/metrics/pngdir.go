package metrics

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"dxtrain/internal/storage"
)

// ImagesDir is the sub-directory PNGDir writes to.
const ImagesDir = "images"

// PNGDir writes every image as <dir>/images/<name>_<step>.png.
type PNGDir struct {
	dir string

	mu  sync.Mutex
	err error
}

func NewPNGDir(outputDir string) *PNGDir {
	return &PNGDir{dir: filepath.Join(outputDir, ImagesDir)}
}

// ImagePath returns where an image for name and step lands.
func (d *PNGDir) ImagePath(name string, step int) string {
	safe := strings.NewReplacer("/", "_", `\`, "_", " ", "_").Replace(name)
	return filepath.Join(d.dir, fmt.Sprintf("%s_%06d.png", safe, step))
}

func (d *PNGDir) Scalar(string, float64, int) {}

func (d *PNGDir) Image(name string, img image.Image, step int) {
	if err := d.write(d.ImagePath(name, step), img); err != nil {
		log.WithError(err).WithField("image", name).Warn("failed to write image")
		d.mu.Lock()
		if d.err == nil {
			d.err = err
		}
		d.mu.Unlock()
	}
}

func (d *PNGDir) write(path string, img image.Image) error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return errors.Wrap(err, "encode png")
	}
	return storage.WriteFileAtomic(path, buf.Bytes())
}

// Flush reports the first write failure since the previous Flush.
func (d *PNGDir) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.err
	d.err = nil
	return err
}

func (d *PNGDir) Close() error {
	return d.Flush()
}

// GrayGrid tiles flattened grayscale images of the given size into a grid
// with cols columns. Pixel values are clamped to [0,1].
func GrayGrid(images [][]float64, width, height, cols int) *image.Gray {
	if cols < 1 {
		cols = 1
	}
	if len(images) < cols {
		cols = len(images)
	}
	if cols == 0 || width < 1 || height < 1 {
		return image.NewGray(image.Rect(0, 0, 0, 0))
	}
	rows := (len(images) + cols - 1) / cols
	grid := image.NewGray(image.Rect(0, 0, cols*width, rows*height))
	for n, pixels := range images {
		ox, oy := (n%cols)*width, (n/cols)*height
		for i := 0; i < width*height && i < len(pixels); i++ {
			v := pixels[i]
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			grid.SetGray(ox+i%width, oy+i/width, color.Gray{Y: uint8(v*255 + 0.5)})
		}
	}
	return grid
}
