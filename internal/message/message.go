// Package message parses the delimited topic/payload strings the
// transport collaborator hands the core into the typed records defined
// in internal/model, and serializes the textual forms the core hands
// back out (station snapshots).
//
// Every parse routine returns a typed result plus an error instead of
// panicking: callers branch explicitly on the error.
package message

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cosmicmesh/clustercore/internal/model"
)

var (
	// ErrMalformed is returned for any payload that does not match the
	// expected shape. Callers should drop the message, log a warning
	// and increment a parse-error counter.
	ErrMalformed = errors.New("message: malformed payload")
)

// EventTopicPrefix and LogTopicPrefix are the subject prefixes for the
// two subscribed input streams.
const (
	EventTopicPrefix = "muonpi/data/"
	LogTopicPrefix   = "muonpi/log/"
)

// Output subjects.
const (
	EventsTopic  = "muonpi/events"
	L1DataTopic  = "muonpi/l1data"
	ClusterTopic = "muonpi/cluster"
)

// StationIdentity is the username + joined station-path derived from
// a topic's segments.
type StationIdentity struct {
	Username  string
	StationID string
}

// ParseTopic splits a `muonpi/<kind>/<user>/<station…>` topic into its
// user and station-id parts. Station identity is the topic segments
// from index 2 onward, joined by "/".
func ParseTopic(topic, prefix string) (StationIdentity, error) {
	if !strings.HasPrefix(topic, prefix) {
		return StationIdentity{}, fmt.Errorf("%w: topic %q missing prefix %q", ErrMalformed, topic, prefix)
	}
	rest := topic[len(prefix):]
	segments := strings.Split(rest, "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		return StationIdentity{}, fmt.Errorf("%w: topic %q has too few segments", ErrMalformed, topic)
	}
	return StationIdentity{
		Username:  segments[0],
		StationID: strings.Join(segments[1:], "/"),
	}, nil
}

// parseSecondsFraction parses a "seconds.fraction" timestamp into
// nanoseconds since epoch. The fractional part's textual width sets
// its scale: a 3-digit fraction is milliseconds, a 9-digit fraction is
// already nanoseconds, scaled by 10^(9 - len(frac)).
func parseSecondsFraction(s string) (int64, error) {
	dot := strings.IndexByte(s, '.')
	var secPart, fracPart string
	if dot < 0 {
		secPart = s
	} else {
		secPart = s[:dot]
		fracPart = s[dot+1:]
	}

	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: seconds %q: %v", ErrMalformed, secPart, err)
	}

	var fracNs int64
	if fracPart != "" {
		frac, err := strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: fraction %q: %v", ErrMalformed, fracPart, err)
		}
		scale := 9 - len(fracPart)
		if scale < 0 {
			// Fraction has more digits than nanosecond precision allows;
			// truncate the excess rather than overflow the scale.
			for i := 0; i < -scale; i++ {
				frac /= 10
			}
			scale = 0
		}
		for i := 0; i < scale; i++ {
			frac *= 10
		}
		fracNs = frac
	}

	return sec*int64(1e9) + fracNs, nil
}

// ParseEventPayload parses the whitespace-separated pulse payload:
// `start_s.start_sub end_s.end_sub time_acc ublox_counter fix
// gnss_time_grid utc`.
func ParseEventPayload(payload string) (model.EventData, error) {
	fields := strings.Fields(payload)
	if len(fields) != 7 {
		return model.EventData{}, fmt.Errorf("%w: expected 7 fields, got %d", ErrMalformed, len(fields))
	}

	start, err := parseSecondsFraction(fields[0])
	if err != nil {
		return model.EventData{}, err
	}
	end, err := parseSecondsFraction(fields[1])
	if err != nil {
		return model.EventData{}, err
	}
	timeAcc, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return model.EventData{}, fmt.Errorf("%w: time_acc: %v", ErrMalformed, err)
	}
	ubloxCounter, err := strconv.ParseUint(fields[3], 10, 16)
	if err != nil {
		return model.EventData{}, fmt.Errorf("%w: ublox_counter: %v", ErrMalformed, err)
	}
	fix, err := strconv.ParseUint(fields[4], 10, 8)
	if err != nil {
		return model.EventData{}, fmt.Errorf("%w: fix: %v", ErrMalformed, err)
	}
	gnssTimeGrid, err := strconv.ParseUint(fields[5], 10, 8)
	if err != nil {
		return model.EventData{}, fmt.Errorf("%w: gnss_time_grid: %v", ErrMalformed, err)
	}
	utc, err := strconv.ParseUint(fields[6], 10, 8)
	if err != nil {
		return model.EventData{}, fmt.Errorf("%w: utc: %v", ErrMalformed, err)
	}

	return model.EventData{
		Start:        start,
		End:          end,
		TimeAcc:      uint32(timeAcc),
		UbloxCounter: uint16(ubloxCounter),
		Fix:          uint8(fix),
		Utc:          uint8(utc),
		GnssTimeGrid: uint8(gnssTimeGrid),
	}, nil
}

// LogKey enumerates the detector-info fields and their bit-mask
// positions in the 6-bit collector status.
type LogKey int

const (
	GeoHeightMSL LogKey = iota
	GeoHorAccuracy
	GeoLatitude
	GeoLongitude
	GeoVertAccuracy
	PositionDOP
)

var logKeyNames = map[string]LogKey{
	"geoHeightMSL":    GeoHeightMSL,
	"geoHorAccuracy":  GeoHorAccuracy,
	"geoLatitude":     GeoLatitude,
	"geoLongitude":    GeoLongitude,
	"geoVertAccuracy": GeoVertAccuracy,
	"positionDOP":     PositionDOP,
}

// LogRecord is one parsed `message_id key value` detector-info line.
type LogRecord struct {
	MessageID string
	Key       LogKey
	Value     float64
}

// ParseLogPayload parses a `message_id key value` detector-info line.
func ParseLogPayload(payload string) (LogRecord, error) {
	fields := strings.Fields(payload)
	if len(fields) != 3 {
		return LogRecord{}, fmt.Errorf("%w: expected 3 fields, got %d", ErrMalformed, len(fields))
	}
	key, ok := logKeyNames[fields[1]]
	if !ok {
		return LogRecord{}, fmt.Errorf("%w: unknown key %q", ErrMalformed, fields[1])
	}
	value, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return LogRecord{}, fmt.Errorf("%w: value: %v", ErrMalformed, err)
	}
	return LogRecord{MessageID: fields[0], Key: key, Value: value}, nil
}

// StationSnapshot is the persisted, textual form of one station:
// "hash user station status lat lon h h_acc v_acc dop".
type StationSnapshot struct {
	Hash      uint64
	Username  string
	StationID string
	Status    model.Status
	Lat       float64
	Lon       float64
	H         float64
	HAcc      float64
	VAcc      float64
	Dop       float64
}

// SerializeStation renders a StationSnapshot in its space-delimited
// textual form.
func SerializeStation(s StationSnapshot) string {
	return fmt.Sprintf("%d %s %s %s %s %s %s %s %s %s",
		s.Hash, s.Username, s.StationID, s.Status.String(),
		strconv.FormatFloat(s.Lat, 'g', -1, 64),
		strconv.FormatFloat(s.Lon, 'g', -1, 64),
		strconv.FormatFloat(s.H, 'g', -1, 64),
		strconv.FormatFloat(s.HAcc, 'g', -1, 64),
		strconv.FormatFloat(s.VAcc, 'g', -1, 64),
		strconv.FormatFloat(s.Dop, 'g', -1, 64),
	)
}

// ParseStation parses one persisted station line, the inverse of
// SerializeStation: round-trips preserve every field exactly.
func ParseStation(line string) (StationSnapshot, error) {
	fields := strings.Fields(line)
	if len(fields) != 10 {
		return StationSnapshot{}, fmt.Errorf("%w: expected 10 fields, got %d", ErrMalformed, len(fields))
	}

	hash, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return StationSnapshot{}, fmt.Errorf("%w: hash: %v", ErrMalformed, err)
	}
	status, ok := model.ParseStatus(fields[3])
	if !ok {
		return StationSnapshot{}, fmt.Errorf("%w: unknown status %q", ErrMalformed, fields[3])
	}

	floats := make([]float64, 6)
	for i, f := range fields[4:10] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return StationSnapshot{}, fmt.Errorf("%w: numeric field %d: %v", ErrMalformed, i, err)
		}
		floats[i] = v
	}

	return StationSnapshot{
		Hash:      hash,
		Username:  fields[1],
		StationID: fields[2],
		Status:    status,
		Lat:       floats[0],
		Lon:       floats[1],
		H:         floats[2],
		HAcc:      floats[3],
		VAcc:      floats[4],
		Dop:       floats[5],
	}, nil
}
