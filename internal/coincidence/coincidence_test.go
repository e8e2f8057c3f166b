package coincidence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmicmesh/clustercore/internal/model"
	"github.com/cosmicmesh/clustercore/internal/pipeline"
	"github.com/cosmicmesh/clustercore/pkg/geodesy"
	"github.com/cosmicmesh/clustercore/pkg/stationhash"
)

func hashFor(id string) stationhash.Hash {
	return stationhash.OfUserStation("user", id)
}

func simpleEventAt(station string, startNs int64) model.Event {
	h := hashFor(station)
	return withHash(model.NewSimple(model.EventData{
		User:  model.UserInfo{Username: "user", StationID: station},
		Start: startNs,
		End:   startNs + 100,
		Fix:   1,
	}), h)
}

// withHash lets the tests pin an event's station hash without going
// through UserInfo.Hash(), since model.NewSimple derives it from
// User automatically (a plain test-only function, not part of the
// package's public surface; Go permits no methods on model.Event here).
func withHash(e model.Event, h stationhash.Hash) model.Event {
	e.Hash = h
	return e
}

type fakeLookup struct {
	accepted bool
	loc      geodesy.Location
	boost    float64
}

func (f fakeLookup) Accepted() bool             { return f.accepted }
func (f fakeLookup) Location() geodesy.Location { return f.loc }
func (f fakeLookup) BoostFactor() float64 {
	if f.boost == 0 {
		return 1.0
	}
	return f.boost
}

func newTestFilter(t *testing.T, passSingles bool) (*Filter, *[]model.Event) {
	t.Helper()
	var emitted []model.Event
	f := New(Config{WindowMin: time.Microsecond, WindowMax: 10 * time.Millisecond, PassSingles: passSingles},
		func(stationhash.Hash) (StationInfo, bool) { return fakeLookup{accepted: true}, true },
		func() time.Duration { return 1000 * time.Nanosecond })
	f.SetSink(pipeline.SinkFunc[model.Event](func(e model.Event) { emitted = append(emitted, e) }))
	return f, &emitted
}

// Two stations at the same location (distance held at zero for a
// deterministic test; the light-travel-time contribution is covered
// separately by TestCoincidentAddsLightTravelTime), separated by
// 800ns < W=1000ns, coincide into one composite.
func TestFilterMatchesWithinWindow(t *testing.T) {
	f, emitted := newTestFilter(t, false)

	a := simpleEventAt("A", 1_000_000_000)
	b := simpleEventAt("B", 1_000_000_000+800)
	f.Get(a)
	f.Get(b)
	f.Flush()

	require.Len(t, *emitted, 1)
	got := (*emitted)[0]
	assert.Equal(t, 2, got.N)
	assert.Equal(t, int64(1_000_000_000), got.Start())
	assert.ElementsMatch(t, []stationhash.Hash{hashFor("A"), hashFor("B")}, got.Participants())
}

// Separation of 5000ns exceeds W=1000ns; no coincidence, both events
// emitted as singles once PassSingles is enabled.
func TestFilterNoMatchOutsideWindow(t *testing.T) {
	f, emitted := newTestFilter(t, true)

	a := simpleEventAt("A", 1_000_000_000)
	b := simpleEventAt("B", 1_000_000_000+5000)
	f.Get(a)
	f.Get(b)
	f.Flush()

	require.Len(t, *emitted, 2)
	for _, e := range *emitted {
		assert.Equal(t, 1, e.N)
	}
}

// A duplicate station hash must not join the same constructor twice.
func TestFilterDuplicateStationStartsNewConstructor(t *testing.T) {
	f, emitted := newTestFilter(t, true)

	a := simpleEventAt("A", 1_000_000_000)
	b := simpleEventAt("B", 1_000_000_000+100)
	c := simpleEventAt("A", 1_000_000_000+200) // same hash as a
	f.Get(a)
	f.Get(b)
	f.Get(c)
	f.Flush()

	require.Len(t, *emitted, 2)
	var sawPair, sawSingle bool
	for _, e := range *emitted {
		switch e.N {
		case 2:
			sawPair = true
			assert.ElementsMatch(t, []stationhash.Hash{hashFor("A"), hashFor("B")}, e.Participants())
		case 1:
			sawSingle = true
			assert.Equal(t, hashFor("A"), e.Hash)
		}
	}
	assert.True(t, sawPair)
	assert.True(t, sawSingle)
}

// No two participants of an open constructor share a station hash.
func TestFilterConstructorParticipantsAreDistinct(t *testing.T) {
	f, _ := newTestFilter(t, true)

	f.Get(simpleEventAt("A", 1_000_000_000))
	f.Get(simpleEventAt("B", 1_000_000_000+50))

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.constructors, 1)
	seen := map[stationhash.Hash]bool{}
	for h := range f.constructors[0].participants {
		assert.False(t, seen[h])
		seen[h] = true
	}
}

func TestFilterDropsUnaccepted(t *testing.T) {
	var emitted []model.Event
	f := New(Config{WindowMin: time.Microsecond, WindowMax: time.Millisecond, PassSingles: true},
		func(stationhash.Hash) (StationInfo, bool) { return fakeLookup{accepted: false}, true },
		func() time.Duration { return 1000 })
	f.SetSink(pipeline.SinkFunc[model.Event](func(e model.Event) { emitted = append(emitted, e) }))

	f.Get(simpleEventAt("A", 0))
	f.Flush()
	assert.Empty(t, emitted)
}

// A separation of 1050ns exceeds the nominal W=1000ns window, but B's
// boost factor of 3.0 widens its matching window to 3000ns, wide
// enough for the two events to still join one composite.
func TestFilterBoostFactorWidensMatchWindow(t *testing.T) {
	var emitted []model.Event
	lookup := func(h stationhash.Hash) (StationInfo, bool) {
		if h == hashFor("B") {
			return fakeLookup{accepted: true, boost: 3.0}, true
		}
		return fakeLookup{accepted: true, boost: 1.0}, true
	}
	f := New(Config{WindowMin: time.Nanosecond, WindowMax: 10 * time.Millisecond, PassSingles: true},
		lookup, func() time.Duration { return 1000 * time.Nanosecond })
	f.SetSink(pipeline.SinkFunc[model.Event](func(e model.Event) { emitted = append(emitted, e) }))

	a := simpleEventAt("A", 1_000_000_000)
	b := simpleEventAt("B", 1_000_000_000+1050)
	f.Get(a)
	f.Get(b)
	f.Flush()

	require.Len(t, emitted, 1)
	assert.Equal(t, 2, emitted[0].N)
}

func TestCoincidentAddsLightTravelTime(t *testing.T) {
	w := 100 * time.Nanosecond
	// 300m separation adds roughly one light-microsecond of tolerance.
	d := 300.0
	tol := geodesy.LightTravelTimeNs(d)
	assert.True(t, coincident(0, int64(tol)+50, d, w))
	assert.False(t, coincident(0, int64(tol)+int64(w.Nanoseconds())+1000, d, w))
}
