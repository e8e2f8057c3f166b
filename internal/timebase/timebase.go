// Package timebase implements the adaptive coincidence window
// supervisor: it watches the spread of incoming event start times over
// a rolling sample window and periodically derives a new coincidence
// window width from it.
package timebase

import (
	"sync"
	"time"

	"github.com/cosmicmesh/clustercore/internal/model"
	"github.com/cosmicmesh/clustercore/internal/pipeline"
)

// Config tunes the sample window and the clamp range for the derived
// timebase.
type Config struct {
	SampleTime time.Duration
	Min        time.Duration
	Max        time.Duration
}

// clamp bounds d to [lo, hi].
func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// Supervisor is a pipeline stage: it is a Sink[model.Event] that tees
// every event to its downstream event sink unchanged, while folding
// each event's start time into the current sample. Supervisor is also
// a Source[model.Timebase], broadcasting the window width whenever a
// sample closes.
type Supervisor struct {
	cfg Config

	events   pipeline.Source[model.Event]
	timebase pipeline.Source[model.Timebase]

	mu          sync.Mutex
	windowStart time.Time
	haveSample  bool
	minStart    int64
	maxStart    int64
	current     time.Duration
}

// New creates a Supervisor with the initial window set to cfg.Min,
// the most conservative starting point: a narrower-than-necessary
// window only costs a few missed coincidences before the first sample
// closes, whereas starting too wide risks spurious matches.
func New(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg, current: cfg.Min}
}

// SetEventSink installs the downstream event sink (the coincidence
// filter).
func (sup *Supervisor) SetEventSink(sink pipeline.Sink[model.Event]) {
	sup.events.SetSink(sink)
}

// SetTimebaseSink installs the downstream subscriber notified whenever
// the window width changes.
func (sup *Supervisor) SetTimebaseSink(sink pipeline.Sink[model.Timebase]) {
	sup.timebase.SetSink(sink)
}

// Get implements Sink[model.Event]: folds e.Start() into the open
// sample, then forwards e downstream unchanged.
func (sup *Supervisor) Get(e model.Event) {
	start := e.Start()

	sup.mu.Lock()
	if !sup.haveSample {
		sup.haveSample = true
		sup.minStart = start
		sup.maxStart = start
	} else {
		if start < sup.minStart {
			sup.minStart = start
		}
		if start > sup.maxStart {
			sup.maxStart = start
		}
	}
	sup.mu.Unlock()

	sup.events.Put(e)
}

// Current returns the coincidence window most recently computed, the
// answer given "between samples" to any caller asking for the current
// timebase. This is a direct, synchronized getter rather than a
// request/response handshake, since the value being asked for is just
// the last broadcast sample.
func (sup *Supervisor) Current() time.Duration {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	return sup.current
}

// Step closes the current sample once SampleTime has elapsed since
// the last close, computing and broadcasting the new window width.
// The clamp at the sample boundary is exact: a spread equal to Min or
// Max passes through unchanged.
func (sup *Supervisor) Step(now time.Time) {
	sup.mu.Lock()
	if sup.windowStart.IsZero() {
		sup.windowStart = now
		sup.mu.Unlock()
		return
	}
	if now.Sub(sup.windowStart) < sup.cfg.SampleTime {
		sup.mu.Unlock()
		return
	}

	var next time.Duration
	if sup.haveSample {
		next = clamp(time.Duration(sup.maxStart-sup.minStart), sup.cfg.Min, sup.cfg.Max)
	} else {
		next = sup.current
	}
	sup.current = next
	sup.haveSample = false
	sup.windowStart = now
	sup.mu.Unlock()

	sup.timebase.Put(model.Timebase{Base: next})
}
