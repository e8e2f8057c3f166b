// Package model holds the wire-independent data types shared across
// clustercore's components.
package model

import (
	"encoding/json"
	"time"

	"github.com/cosmicmesh/clustercore/pkg/geodesy"
	"github.com/cosmicmesh/clustercore/pkg/stationhash"
)

// UserInfo identifies the owner and station of a detector.
type UserInfo struct {
	Username  string
	StationID string
}

// SiteID is the `username ⧺ station_id` concatenation a station's
// stable hash is derived from.
func (u UserInfo) SiteID() string {
	return stationhash.SiteID(u.Username, u.StationID)
}

// Hash returns the stable 64-bit station hash for this user/station pair.
func (u UserInfo) Hash() stationhash.Hash {
	return stationhash.OfUserStation(u.Username, u.StationID)
}

// EventData is the per-pulse payload of a simple event.
type EventData struct {
	User         UserInfo
	StationID    string
	Start        int64 // nanoseconds since epoch
	End          int64 // nanoseconds since epoch
	TimeAcc      uint32
	UbloxCounter uint16
	Fix          uint8
	Utc          uint8
	GnssTimeGrid uint8
}

// Event is either a simple event (N == 1, Events empty, Hash is the
// originating station) or a composite event produced by the
// coincidence filter (Events holds every child, the first one
// included, so N == len(Events) rather than 1 + len(Events); Hash
// equal to the first child's hash).
//
// start and end are carried as explicit fields, set once at
// construction, rather than read through Data: for a composite event
// Data is only the first child's pulse payload, and start/end must
// reflect the whole group.
type Event struct {
	Hash   stationhash.Hash
	Data   EventData
	Events []Event
	N      int
	start  int64
	end    int64
}

// NewSimple builds a simple (N == 1) event from one station's pulse data.
func NewSimple(data EventData) Event {
	return Event{Hash: data.User.Hash(), Data: data, N: 1, start: data.Start, end: data.End}
}

// NewComposite builds an N == len(children) composite event. Hash and
// Data are taken from the first child.
//
// end is computed as max(children.Start), deliberately NOT
// max(children.End), an inherited quirk. It is very likely
// unintended, but changing it would change what "end" means for
// every downstream consumer, so it is preserved verbatim here.
func NewComposite(children []Event) Event {
	start := children[0].Start()
	end := children[0].Start()
	for _, c := range children[1:] {
		if c.Start() < start {
			start = c.Start()
		}
		if c.Start() > end {
			end = c.Start()
		}
	}
	return Event{
		Hash:   children[0].Hash,
		Data:   children[0].Data,
		Events: children,
		N:      len(children),
		start:  start,
		end:    end,
	}
}

// Start is the earliest start among an event's constituents.
func (e Event) Start() int64 {
	return e.start
}

// End is, deliberately, `max(children.Start)` and NOT `max(children.End)`.
// See NewComposite.
func (e Event) End() int64 {
	return e.end
}

// eventWire is the JSON wire shape for Event, needed because start and
// end are unexported fields (see the Event doc comment).
type eventWire struct {
	Hash   stationhash.Hash `json:"hash"`
	Data   EventData        `json:"data"`
	Events []Event          `json:"events,omitempty"`
	N      int              `json:"n"`
	Start  int64            `json:"start"`
	End    int64            `json:"end"`
}

// MarshalJSON implements json.Marshaler, exposing the computed
// Start/End values alongside the stored fields.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventWire{
		Hash: e.Hash, Data: e.Data, Events: e.Events, N: e.N,
		Start: e.start, End: e.end,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w eventWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	e.Hash, e.Data, e.Events, e.N, e.start, e.end = w.Hash, w.Data, w.Events, w.N, w.Start, w.End
	return nil
}

// IsComposite reports whether this event was built from more than one
// participating station.
func (e Event) IsComposite() bool {
	return e.N > 1
}

// Participants returns every station hash contributing to this event,
// including the event's own Hash when it is a simple event.
func (e Event) Participants() []stationhash.Hash {
	if e.N <= 1 {
		return []stationhash.Hash{e.Hash}
	}
	out := make([]stationhash.Hash, 0, e.N)
	for _, child := range e.Events {
		out = append(out, child.Participants()...)
	}
	return out
}

// DetectorInfo is a fully assembled geolocation/quality update for one
// station.
type DetectorInfo struct {
	Hash        stationhash.Hash
	UserInfo    UserInfo
	Payload     geodesy.Location
	ArrivalTime int64 // nanoseconds since epoch
}

// DetectorSummary is a per-station metrics snapshot.
type DetectorSummary struct {
	Hash              stationhash.Hash
	MeanRate          float64
	StdDevRate        float64
	MeanPulselength   float64
	MeanTimeAccuracy  float64
	UbloxProgress     float64
	DeadTimeFraction  float64
	Changed           bool
}

// ClusterLog is a process-wide operational snapshot.
type ClusterLog struct {
	Timeout            time.Duration
	Timebase           time.Duration
	Uptime             time.Duration
	IncomingByLevel    map[int]int64
	OutgoingByLevel    map[int]int64
	BufferLength       int
	DetectorCount      int
	MaximumN           int
	ProcessCPUPercent  float64
	SystemCPUPercent   float64
	MemoryBytes        uint64
}

// Timebase carries the current coincidence window.
type Timebase struct {
	Base time.Duration
}

// Status is a detector station's reliability state.
type Status int

const (
	Created Status = iota
	Reliable
	Unreliable
	Deleted
)

// String renders the lower-case wire token used by the persisted
// snapshot format.
func (s Status) String() string {
	switch s {
	case Created:
		return "created"
	case Reliable:
		return "reliable"
	case Unreliable:
		return "unreliable"
	case Deleted:
		return "deleted"
	default:
		return "created"
	}
}

// ParseStatus parses one of the four wire tokens.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "created":
		return Created, true
	case "reliable":
		return Reliable, true
	case "unreliable":
		return Unreliable, true
	case "deleted":
		return Deleted, true
	default:
		return Created, false
	}
}
