// Package coincidence implements the coincidence filter, the heart of
// the system: a windowed multi-way event constructor that groups
// simple events from distinct stations into composite coincidence
// events.
package coincidence

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cosmicmesh/clustercore/internal/model"
	"github.com/cosmicmesh/clustercore/internal/pipeline"
	"github.com/cosmicmesh/clustercore/pkg/geodesy"
	"github.com/cosmicmesh/clustercore/pkg/log"
	"github.com/cosmicmesh/clustercore/pkg/stationhash"
)

// StationInfo is the subset of a detector station's state the filter
// needs to run its admission and matching rules: whether the station
// is currently accepted, its last known location (used to compute
// inter-station light-travel time), and its current admission boost
// factor.
type StationInfo interface {
	Accepted() bool
	Location() geodesy.Location
	BoostFactor() float64
}

// Lookup resolves a station hash to its StationInfo. The station
// supervisor's Lookup method satisfies this once wrapped, since
// *station.Station implements StationInfo directly.
type Lookup func(hash stationhash.Hash) (StationInfo, bool)

// WindowFunc returns the current coincidence window width, as
// maintained by the timebase supervisor.
type WindowFunc func() time.Duration

// Config tunes the filter.
type Config struct {
	WindowMin    time.Duration
	WindowMax    time.Duration
	PassSingles  bool // emit n==1 constructors on eviction instead of dropping them
}

// maxBoostFactor bounds how far a station's admission boost can widen
// its matching window, regardless of how extreme its rate drop is.
const maxBoostFactor = 5.0

// participant records one station's contribution to an open
// constructor: its location (for light-travel-time derivation) and
// its own event start time, since the coincidence predicate is checked
// against every individual participant, not just the constructor's
// aggregate start/end.
type participant struct {
	loc   geodesy.Location
	start int64
}

// constructor is one open coincidence-event-under-construction.
type constructor struct {
	start        int64
	end          int64
	participants map[stationhash.Hash]participant
	children     []model.Event
}

func newConstructor(e model.Event, loc geodesy.Location) *constructor {
	return &constructor{
		start:        e.Start(),
		end:          e.End(),
		participants: map[stationhash.Hash]participant{e.Hash: {loc: loc, start: e.Start()}},
		children:     []model.Event{e},
	}
}

func (c *constructor) center() int64 {
	return c.start + (c.end-c.start)/2
}

// emit renders the constructor as the model.Event the filter publishes.
func (c *constructor) emit() model.Event {
	if len(c.children) == 1 {
		return c.children[0]
	}
	return model.NewComposite(c.children)
}

// Filter is the coincidence filter. It is a Sink[model.Event] fed by
// the timebase supervisor and a Source[model.Event] whose sink fans
// out to the cluster event sink and the station-coincidence analyzer.
//
// The filter is single-threaded by construction: it must only ever be
// reached through Get, fed by one upstream timebase pipeline. The
// mutex below guards against accidental concurrent access rather than
// being load-bearing for a genuinely parallel design.
type Filter struct {
	cfg    Config
	lookup Lookup
	window WindowFunc

	out pipeline.Source[model.Event]

	mu           sync.Mutex
	constructors []*constructor // ordered ascending by end

	droppedNotAccepted  atomic.Int64
	droppedOutOfOrder   atomic.Int64
	incomingByLevel     sync.Map // int -> *atomic.Int64
	outgoingByLevel     sync.Map // int -> *atomic.Int64
	maximumN            atomic.Int64
}

// New creates a Filter. lookup resolves station acceptance and
// location; window reports the current coincidence window.
func New(cfg Config, lookup Lookup, window WindowFunc) *Filter {
	return &Filter{cfg: cfg, lookup: lookup, window: window}
}

// SetSink installs the downstream sink for emitted events.
func (f *Filter) SetSink(sink pipeline.Sink[model.Event]) {
	f.out.SetSink(sink)
}

func (f *Filter) bumpLevel(m *sync.Map, n int) {
	v, _ := m.LoadOrStore(n, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// levelSnapshot renders a level -> count snapshot of either the
// incoming or outgoing counters, for cluster_log_t.
func levelSnapshot(m *sync.Map) map[int]int64 {
	out := make(map[int]int64)
	m.Range(func(k, v any) bool {
		out[k.(int)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

// IncomingByLevel returns the coincidence-level histogram of events
// admitted into the filter.
func (f *Filter) IncomingByLevel() map[int]int64 { return levelSnapshot(&f.incomingByLevel) }

// OutgoingByLevel returns the coincidence-level histogram of events
// emitted downstream.
func (f *Filter) OutgoingByLevel() map[int]int64 { return levelSnapshot(&f.outgoingByLevel) }

// MaximumN returns the largest coincidence level observed so far.
func (f *Filter) MaximumN() int { return int(f.maximumN.Load()) }

// BufferLength returns the number of open constructors (cluster_log_t
// "buffer length").
func (f *Filter) BufferLength() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.constructors)
}

// coincident reports whether a and b, separated by d metres, satisfy
// the coincidence predicate for window w: `|a.start - b.start| <= W +
// d/c`.
func coincident(aStart, bStart int64, d float64, w time.Duration) bool {
	diff := aStart - bStart
	if diff < 0 {
		diff = -diff
	}
	tolerance := float64(w.Nanoseconds()) + geodesy.LightTravelTimeNs(d)
	return float64(diff) <= tolerance
}

// Get implements Sink[model.Event]: runs the four-step admission
// algorithm against e (out-of-order drop, eviction of stale
// constructors, best-match search among the survivors, append-or-create).
// The best-match search widens its window by e's station's admission
// boost factor, so a station whose short-window rate has dropped below
// its long-window mean minus one standard deviation is more likely to
// still find a match.
func (f *Filter) Get(e model.Event) {
	info, ok := f.lookup(e.Hash)
	if !ok || !info.Accepted() {
		f.droppedNotAccepted.Add(1)
		return
	}

	w := f.window()
	if w < f.cfg.WindowMin {
		w = f.cfg.WindowMin
	}
	if w > f.cfg.WindowMax {
		w = f.cfg.WindowMax
	}

	f.mu.Lock()

	if len(f.constructors) > 0 && e.Start() < f.constructors[0].start-w.Nanoseconds() {
		f.mu.Unlock()
		f.droppedOutOfOrder.Add(1)
		log.Warnf("coincidence: dropped out-of-order event from station %d", uint64(e.Hash))
		return
	}

	var evicted []*constructor
	cutoff := e.Start()
	i := 0
	for ; i < len(f.constructors); i++ {
		c := f.constructors[i]
		if c.end+w.Nanoseconds() >= cutoff {
			break
		}
		evicted = append(evicted, c)
	}
	f.constructors = f.constructors[i:]

	// A station whose short-window rate has dropped below its
	// long-window mean gets its matching window widened by its boost
	// factor, raising its odds of still being picked up into a
	// coincidence instead of aging out as a lone single.
	matchWindow := w
	if boost := info.BoostFactor(); boost > 1 {
		if boost > maxBoostFactor {
			boost = maxBoostFactor
		}
		matchWindow = time.Duration(float64(w.Nanoseconds()) * boost)
	}

	bestIdx := -1
	var bestDiff int64
	for idx, c := range f.constructors {
		if _, dup := c.participants[e.Hash]; dup {
			continue
		}
		matchesAll := true
		for _, p := range c.participants {
			if !coincident(e.Start(), p.start, geodesy.StraightDistance(info.Location(), p.loc), matchWindow) {
				matchesAll = false
				break
			}
		}
		if !matchesAll {
			continue
		}
		diff := e.Start() - c.center()
		if diff < 0 {
			diff = -diff
		}
		if bestIdx < 0 || diff < bestDiff || (diff == bestDiff && c.end < f.constructors[bestIdx].end) {
			bestIdx = idx
			bestDiff = diff
		}
	}

	var matched *constructor
	if bestIdx >= 0 {
		c := f.constructors[bestIdx]
		if e.Start() < c.start {
			c.start = e.Start()
		}
		if e.Start() > c.end {
			c.end = e.Start()
		}
		c.participants[e.Hash] = participant{loc: info.Location(), start: e.Start()}
		c.children = append(c.children, e)
		matched = c
		f.resortLocked()
	} else {
		f.constructors = append(f.constructors, newConstructor(e, info.Location()))
		f.resortLocked()
	}

	f.mu.Unlock()

	f.bumpLevel(&f.incomingByLevel, 1)

	for _, c := range evicted {
		f.emitConstructor(c)
	}
	if matched != nil {
		// The matched constructor is reported again on its own
		// eventual eviction; nothing to emit now.
		n := len(matched.children)
		if int64(n) > f.maximumN.Load() {
			f.maximumN.Store(int64(n))
		}
	}
}

// resortLocked keeps constructors ordered by ascending end. Caller
// must hold f.mu.
func (f *Filter) resortLocked() {
	for i := len(f.constructors) - 1; i > 0; i-- {
		if f.constructors[i].end >= f.constructors[i-1].end {
			break
		}
		f.constructors[i], f.constructors[i-1] = f.constructors[i-1], f.constructors[i]
	}
}

func (f *Filter) emitConstructor(c *constructor) {
	n := len(c.children)
	if n == 1 && !f.cfg.PassSingles {
		return
	}
	f.bumpLevel(&f.outgoingByLevel, n)
	f.out.Put(c.emit())
}

// Flush evicts and emits every remaining open constructor, used on
// clean shutdown so no in-flight coincidence is silently discarded.
func (f *Filter) Flush() {
	f.mu.Lock()
	rest := f.constructors
	f.constructors = nil
	f.mu.Unlock()

	for _, c := range rest {
		f.emitConstructor(c)
	}
}
