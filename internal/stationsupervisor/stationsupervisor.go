// Package stationsupervisor implements the station registry: it owns
// every station.Station, assembles detector-info log records into
// location updates, and periodically steps each station's reliability
// state machine.
package stationsupervisor

import (
	"sync"
	"time"

	"github.com/cosmicmesh/clustercore/internal/message"
	"github.com/cosmicmesh/clustercore/internal/model"
	"github.com/cosmicmesh/clustercore/internal/pipeline"
	"github.com/cosmicmesh/clustercore/internal/station"
	"github.com/cosmicmesh/clustercore/pkg/geodesy"
	"github.com/cosmicmesh/clustercore/pkg/log"
	"github.com/cosmicmesh/clustercore/pkg/stationhash"
)

// locationFieldCount is the number of bits in the detector-info
// collector's status mask, one per geolocation field.
const locationFieldCount = 6

const allFieldsPending = uint8(1<<locationFieldCount) - 1

// pendingLocation accumulates detector-info fields for one station
// until every bit in its status mask has been cleared.
type pendingLocation struct {
	pending uint8
	loc     geodesy.Location
}

func newPendingLocation() *pendingLocation {
	return &pendingLocation{pending: allFieldsPending}
}

func (p *pendingLocation) apply(rec message.LogRecord) {
	bit := uint8(1) << uint(rec.Key)
	p.pending &^= bit
	switch rec.Key {
	case message.GeoHeightMSL:
		p.loc.H = rec.Value
	case message.GeoHorAccuracy:
		p.loc.HAcc = rec.Value
	case message.GeoLatitude:
		p.loc.Lat = rec.Value
	case message.GeoLongitude:
		p.loc.Lon = rec.Value
	case message.GeoVertAccuracy:
		p.loc.VAcc = rec.Value
	case message.PositionDOP:
		p.loc.Dop = rec.Value
	}
}

func (p *pendingLocation) complete() bool {
	return p.pending == 0
}

// Supervisor owns the station registry. SnapshotAll returns copied
// snapshots; Lookup and LookupOrCreate return the registry's own
// *station.Station pointers, which callers share across goroutines
// (Station serializes its methods internally).
type Supervisor struct {
	cfg station.Config

	mu       sync.Mutex
	stations map[stationhash.Hash]*station.Station
	pending  map[stationhash.Hash]*pendingLocation

	summaries pipeline.Source[model.DetectorSummary]
}

// New creates an empty Supervisor.
func New(cfg station.Config) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		stations: make(map[stationhash.Hash]*station.Station),
		pending:  make(map[stationhash.Hash]*pendingLocation),
	}
}

// SetSummarySink installs the downstream sink for detector summaries
// (feeds the `muonpi/cluster` output).
func (sup *Supervisor) SetSummarySink(sink pipeline.Sink[model.DetectorSummary]) {
	sup.summaries.SetSink(sink)
}

// lookupOrCreateLocked returns the station for user, creating and
// enabling it (in the Created state) if this is the first time it has
// been seen. Caller must hold sup.mu.
func (sup *Supervisor) lookupOrCreateLocked(user model.UserInfo) *station.Station {
	h := user.Hash()
	st, ok := sup.stations[h]
	if !ok {
		st = station.New(user, sup.cfg)
		sup.stations[h] = st
	}
	return st
}

// HandleLogRecord ingests one detector-info log line for the given
// station identity. When the 6-bit field mask completes, the
// assembled location is applied to the station.
func (sup *Supervisor) HandleLogRecord(user model.UserInfo, rec message.LogRecord, now time.Time) {
	sup.mu.Lock()
	st := sup.lookupOrCreateLocked(user)
	h := user.Hash()
	p, ok := sup.pending[h]
	if !ok {
		p = newPendingLocation()
		sup.pending[h] = p
	}
	p.apply(rec)
	complete := p.complete()
	if complete {
		delete(sup.pending, h)
	}
	sup.mu.Unlock()

	if !complete {
		return
	}

	st.UpdateLocation(p.loc, now)
	log.Debugf("stationsupervisor: location update for %s/%s", user.Username, user.StationID)
}

// Lookup returns the station for hash, if known.
func (sup *Supervisor) Lookup(hash stationhash.Hash) (*station.Station, bool) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	st, ok := sup.stations[hash]
	return st, ok
}

// LookupOrCreate returns the station for user, registering it if it
// is unseen. Used by the event-ingest path, which may see a station's
// first pulse before any detector-info has arrived.
func (sup *Supervisor) LookupOrCreate(user model.UserInfo) *station.Station {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	return sup.lookupOrCreateLocked(user)
}

// Count returns the number of registered stations (including Deleted
// ones not yet swept).
func (sup *Supervisor) Count() int {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	return len(sup.stations)
}

// Step advances every station's periodic bookkeeping, removes stations
// that request deletion, and emits a DetectorSummary for every station
// whose change_log_data() reports a change.
func (sup *Supervisor) Step(now time.Time) {
	sup.mu.Lock()
	snapshot := make([]*station.Station, 0, len(sup.stations))
	for _, st := range sup.stations {
		snapshot = append(snapshot, st)
	}
	sup.mu.Unlock()

	var toDelete []stationhash.Hash
	for _, st := range snapshot {
		if st.Step(now) {
			toDelete = append(toDelete, st.Hash())
		}
		if summary, changed := st.ChangeLogData(); changed {
			sup.summaries.Put(summary)
		}
	}

	if len(toDelete) == 0 {
		return
	}

	sup.mu.Lock()
	for _, h := range toDelete {
		delete(sup.stations, h)
		delete(sup.pending, h)
	}
	sup.mu.Unlock()

	for _, h := range toDelete {
		log.Infof("stationsupervisor: deleted station %d after silence", uint64(h))
	}
}

// SnapshotAll renders the persisted textual form of every registered
// station.
func (sup *Supervisor) SnapshotAll() []message.StationSnapshot {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	out := make([]message.StationSnapshot, 0, len(sup.stations))
	for _, st := range sup.stations {
		out = append(out, st.Snapshot())
	}
	return out
}

// LoadSnapshots warm-starts the registry from persisted snapshots,
// re-entering every station as Unreliable.
func (sup *Supervisor) LoadSnapshots(snaps []message.StationSnapshot) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	for _, snap := range snaps {
		st := station.LoadSnapshot(snap, sup.cfg)
		sup.stations[stationhash.Hash(snap.Hash)] = st
	}
}
