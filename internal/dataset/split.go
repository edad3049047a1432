package dataset

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"dxtrain/internal/model"
)

// Split names.
const (
	SplitTrain = "train"
	SplitVal   = "val"
	SplitTest  = "test"
)

type Options struct {
	Root      string
	AttrToUse []string
	// MaxImages pads every patient to this many images when > 0. Patients
	// with more images keep the first MaxImages in name order.
	MaxImages int
	Prefetch  int
	// LoadImages is false for modes that never look at images.
	LoadImages bool
}

// Split is one loaded dataset split. Attributes are read eagerly; images are
// decoded on demand by the iterator.
type Split struct {
	name    string
	opts    Options
	entries []Entry
}

// Load reads <root>/<name>.csv.
func Load(opts Options, name string) (*Split, error) {
	path := filepath.Join(opts.Root, name+".csv")
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open split %s", name)
	}
	defer f.Close()

	entries, err := ReadEntries(f, opts.AttrToUse)
	if err != nil {
		return nil, errors.Wrapf(err, "load split %s", name)
	}
	log.WithFields(log.Fields{"split": name, "patients": len(entries)}).Info("dataset split loaded")
	return &Split{name: name, opts: opts, entries: entries}, nil
}

func (s *Split) Name() string {
	return s.name
}

func (s *Split) Len() int {
	return len(s.entries)
}

// Order returns the visiting order for one pass, shuffled with rng when
// shuffle is set.
func (s *Split) Order(rng *rand.Rand, shuffle bool) []int {
	if shuffle && rng != nil {
		return rng.Perm(len(s.entries))
	}
	order := make([]int, len(s.entries))
	for i := range order {
		order[i] = i
	}
	return order
}

// Record loads patient i with its images.
func (s *Split) Record(i int) (model.PatientRecord, error) {
	if i < 0 || i >= len(s.entries) {
		return model.PatientRecord{}, errors.Errorf("patient index %d out of range [0,%d)", i, len(s.entries))
	}
	e := s.entries[i]
	root := filepath.Join(s.opts.Root, s.name, e.ID)
	rec := model.PatientRecord{
		ID:         e.ID,
		Root:       root,
		Label:      e.Label,
		Attributes: e.Attributes,
	}
	if !s.opts.LoadImages {
		return rec, nil
	}

	images, w, h, err := LoadPNGs(root)
	if err != nil {
		return model.PatientRecord{}, errors.Wrapf(err, "patient %s", e.ID)
	}
	if len(images) == 0 {
		return model.PatientRecord{}, errors.Errorf("patient %s: no images under %s", e.ID, root)
	}
	if s.opts.MaxImages > 0 && len(images) > s.opts.MaxImages {
		images = images[:s.opts.MaxImages]
	}
	rec.Images, rec.Mask = padImages(images, w*h, s.opts.MaxImages)
	rec.ImageWidth, rec.ImageHeight = w, h
	return rec, nil
}

// ImageShape probes the first patient for the image size.
func (s *Split) ImageShape() (int, int, error) {
	if len(s.entries) == 0 {
		return 0, 0, errors.Errorf("split %s is empty", s.name)
	}
	rec, err := s.Record(0)
	if err != nil {
		return 0, 0, err
	}
	return rec.ImageWidth, rec.ImageHeight, nil
}

type item struct {
	rec model.PatientRecord
	err error
}

// Iterator yields records in a fixed order while a goroutine decodes ahead.
type Iterator struct {
	items  chan item
	cancel context.CancelFunc
	done   chan struct{}
}

// Iterate starts prefetching the records named by order.
func (s *Split) Iterate(ctx context.Context, order []int) *Iterator {
	ctx, cancel := context.WithCancel(ctx)
	it := &Iterator{
		items:  make(chan item, max(s.opts.Prefetch, 0)),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(it.done)
		defer close(it.items)
		for _, idx := range order {
			rec, err := s.Record(idx)
			select {
			case it.items <- item{rec: rec, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return it
}

// Next blocks for the next record. ok is false once the order is exhausted.
func (it *Iterator) Next() (model.PatientRecord, bool, error) {
	next, ok := <-it.items
	if !ok {
		return model.PatientRecord{}, false, nil
	}
	if next.err != nil {
		return model.PatientRecord{}, false, next.err
	}
	return next.rec, true, nil
}

// Close stops the prefetcher and waits for it to exit.
func (it *Iterator) Close() {
	it.cancel()
	for range it.items {
	}
	<-it.done
}
