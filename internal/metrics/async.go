package metrics

import (
	"image"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// DefaultAsyncBuffer is the queue length used when NewAsync gets size <= 0.
const DefaultAsyncBuffer = 1024

type eventKind int

const (
	eventScalar eventKind = iota
	eventImage
	eventFlush
)

type event struct {
	kind  eventKind
	name  string
	value float64
	img   image.Image
	step  int
}

// Async forwards events to an inner sink from a single goroutine. Events are
// dropped when the queue is full, and inner failures are logged at warn.
type Async struct {
	inner   Sink
	events  chan event
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

func NewAsync(inner Sink, size int) *Async {
	if size <= 0 {
		size = DefaultAsyncBuffer
	}
	a := &Async{
		inner:  inner,
		events: make(chan event, size),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.events {
		switch ev.kind {
		case eventScalar:
			a.inner.Scalar(ev.name, ev.value, ev.step)
		case eventImage:
			a.inner.Image(ev.name, ev.img, ev.step)
		case eventFlush:
			if err := a.inner.Flush(); err != nil {
				log.WithError(err).Warn("metric sink flush failed")
			}
		}
	}
}

func (a *Async) enqueue(ev event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ev:
	default:
		if a.dropped.Add(1) == 1 {
			log.Warn("metric sink queue full, dropping events")
		}
	}
}

func (a *Async) Scalar(name string, value float64, step int) {
	a.enqueue(event{kind: eventScalar, name: name, value: value, step: step})
}

func (a *Async) Image(name string, img image.Image, step int) {
	a.enqueue(event{kind: eventImage, name: name, img: img, step: step})
}

// Flush queues a flush of the inner sink and returns immediately.
func (a *Async) Flush() error {
	a.enqueue(event{kind: eventFlush})
	return nil
}

// Dropped is the number of events discarded because the queue was full.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close drains the queue and closes the inner sink. Failures are logged,
// never returned.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.events)
	a.mu.Unlock()

	<-a.done
	if err := a.inner.Close(); err != nil {
		log.WithError(err).Warn("metric sink close failed")
	}
	if n := a.dropped.Load(); n > 0 {
		log.WithField("dropped", n).Warn("metric events were dropped")
	}
	return nil
}
