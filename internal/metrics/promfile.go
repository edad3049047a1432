package metrics

import (
	"image"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// PromFileName is the text exposition file written under the output directory.
const PromFileName = "metrics.prom"

// PromFile keeps the last value of every scalar in a private registry and
// writes it in the Prometheus text format on Flush and Close.
type PromFile struct {
	path     string
	registry *prometheus.Registry
	values   *prometheus.GaugeVec
	steps    *prometheus.GaugeVec

	mu sync.Mutex
}

func NewPromFile(outputDir string) *PromFile {
	values := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dxtrain",
		Subsystem: "training",
		Name:      "scalar",
		Help:      "last logged value of a training scalar",
	}, []string{"name"})
	steps := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dxtrain",
		Subsystem: "training",
		Name:      "scalar_step",
		Help:      "step at which a training scalar was last logged",
	}, []string{"name"})
	registry := prometheus.NewRegistry()
	registry.MustRegister(values, steps)
	return &PromFile{
		path:     filepath.Join(outputDir, PromFileName),
		registry: registry,
		values:   values,
		steps:    steps,
	}
}

func (p *PromFile) Path() string {
	return p.path
}

func (p *PromFile) Scalar(name string, value float64, step int) {
	p.values.WithLabelValues(name).Set(value)
	p.steps.WithLabelValues(name).Set(float64(step))
}

func (p *PromFile) Image(string, image.Image, int) {}

func (p *PromFile) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := prometheus.WriteToTextfile(p.path, p.registry); err != nil {
		return errors.Wrap(err, "write metrics textfile")
	}
	return nil
}

func (p *PromFile) Close() error {
	return p.Flush()
}
