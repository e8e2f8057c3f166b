// Package station implements the per-station reliability tracker:
// rate, timing and location statistics feeding a hysteretic
// Created → Reliable/Unreliable → Deleted state machine.
package station

import (
	"math"
	"sync"
	"time"

	"github.com/cosmicmesh/clustercore/internal/message"
	"github.com/cosmicmesh/clustercore/internal/model"
	"github.com/cosmicmesh/clustercore/pkg/geodesy"
	"github.com/cosmicmesh/clustercore/pkg/ringbuffer"
	"github.com/cosmicmesh/clustercore/pkg/stationhash"
)

// TMax is the reference time-accuracy scale, used both to normalize
// f_time and to derive L_max for f_loc.
const TMax = 1000 * time.Nanosecond

// LMax is the maximum plausible location-accuracy radius implied by
// TMax and the speed of light: f_loc's normalizing denominator.
var LMax = float64(TMax.Nanoseconds()) * geodesy.LightSpeedMPerNs

// Hysteresis is the default hysteresis band, `h = 0.15`.
const Hysteresis = 0.15

// Config tunes one station's reliability tracker.
type Config struct {
	Hysteresis         float64
	LogInterval        time.Duration // s_log_interval
	QuitInterval       time.Duration // s_quit_interval
	RateSampleWindow   time.Duration // period between rate samples taken in Step
	LongWindowSamples  int           // ring buffer depth for the long rate window
	ShortWindowSamples int           // ring buffer depth for the short rate window
	PulselengthSamples int
	TimeAccSamples     int
}

// DefaultConfig returns reasonable defaults for the named constants
// above.
func DefaultConfig() Config {
	return Config{
		Hysteresis:         Hysteresis,
		LogInterval:        5 * time.Minute,
		QuitInterval:       30 * time.Minute,
		RateSampleWindow:   10 * time.Second,
		LongWindowSamples:  60,
		ShortWindowSamples: 6,
		PulselengthSamples: 256,
		TimeAccSamples:     256,
	}
}

// Station tracks one detector's reliability state. All access must go
// through its methods, which serialize internally. Stations are owned
// by the station supervisor, whose Lookup and LookupOrCreate return
// the shared pointer; callers on other goroutines rely on this
// internal serialization.
type Station struct {
	mu sync.Mutex

	hash   stationhash.Hash
	user   model.UserInfo
	status model.Status
	cfg    Config

	location geodesy.Location

	lastLogAt   time.Time
	lastEventAt time.Time
	lastStepAt  time.Time

	pulselength *ringbuffer.Buffer
	timeAcc     *ringbuffer.Buffer
	rateLong    *ringbuffer.Buffer
	rateShort   *ringbuffer.Buffer

	incomingSinceSample int64
	incomingTotal        uint64

	haveUblox     bool
	lastUblox     uint16
	ubloxProgress uint64

	changed bool
}

// New creates a Station in the Created state for the given identity.
func New(user model.UserInfo, cfg Config) *Station {
	return &Station{
		hash:        user.Hash(),
		user:        user,
		status:      model.Created,
		cfg:         cfg,
		pulselength: ringbuffer.New(cfg.PulselengthSamples),
		timeAcc:     ringbuffer.New(cfg.TimeAccSamples),
		rateLong:    ringbuffer.New(cfg.LongWindowSamples),
		rateShort:   ringbuffer.New(cfg.ShortWindowSamples),
		changed:     true,
	}
}

// LoadSnapshot re-creates a Station from its persisted textual form.
// Every resurrected station re-enters as Unreliable regardless of its
// saved status, since the persisted form carries no liveness timestamp
// to judge staleness by.
func LoadSnapshot(snap message.StationSnapshot, cfg Config) *Station {
	s := New(model.UserInfo{Username: snap.Username, StationID: snap.StationID}, cfg)
	s.status = model.Unreliable
	s.location = geodesy.Location{
		Lat: snap.Lat, Lon: snap.Lon, H: snap.H,
		HAcc: snap.HAcc, VAcc: snap.VAcc, Dop: snap.Dop,
	}
	s.changed = true
	return s
}

// Hash returns the station's stable identity hash.
func (s *Station) Hash() stationhash.Hash {
	return s.hash
}

// Status returns the station's current reliability state.
func (s *Station) Status() model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Accepted reports whether the station's current state admits it to
// the coincidence filter: every status except Deleted is admitted.
// Created stations are accepted optimistically until their first
// quality assessment, and Unreliable stations are accepted as well.
func (s *Station) Accepted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status != model.Deleted
}

// Snapshot renders the station's persisted textual form.
func (s *Station) Snapshot() message.StationSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return message.StationSnapshot{
		Hash:      uint64(s.hash),
		Username:  s.user.Username,
		StationID: s.user.StationID,
		Status:    s.status,
		Lat:       s.location.Lat,
		Lon:       s.location.Lon,
		H:         s.location.H,
		HAcc:      s.location.HAcc,
		VAcc:      s.location.VAcc,
		Dop:       s.location.Dop,
	}
}

// Location returns the station's most recent geolocation.
func (s *Station) Location() geodesy.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

// UpdateLocation applies a newly assembled detector-info location
// update.
func (s *Station) UpdateLocation(loc geodesy.Location, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.location = loc
	s.lastLogAt = now
	if s.status == model.Created {
		s.status = model.Reliable
	}
	s.changed = true
}

// ProcessEvent updates the station's rolling statistics from one pulse
// and returns whether the pulse is accepted for coincidence matching:
// accepted = (time_acc <= T_max) && (fix == 1).
//
// It also applies the extreme-outlier short-circuit: a single event
// with time_acc > 100*T_max immediately forces Unreliable.
func (s *Station) ProcessEvent(e model.EventData, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.incomingSinceSample++
	s.incomingTotal++
	s.lastEventAt = now

	if length := e.End - e.Start; length > 0 && length < 1_000_000 {
		s.pulselength.Push(float64(length))
	}
	s.timeAcc.Push(float64(e.TimeAcc))

	s.advanceUbloxLocked(e.UbloxCounter)

	if float64(e.TimeAcc) > 100*float64(TMax.Nanoseconds()) {
		s.status = model.Unreliable
		s.changed = true
	}

	accepted := e.TimeAcc <= uint32(TMax.Nanoseconds()) && e.Fix == 1
	return accepted
}

// advanceUbloxLocked folds one more hardware event-counter reading
// into the cumulative dead-time estimate, handling 16-bit wraparound.
// Caller must hold s.mu.
func (s *Station) advanceUbloxLocked(counter uint16) {
	if !s.haveUblox {
		s.haveUblox = true
		s.lastUblox = counter
		return
	}
	delta := counter - s.lastUblox // uint16 subtraction wraps correctly
	s.ubloxProgress += uint64(delta)
	s.lastUblox = counter
}

// factorsLocked computes f_loc, f_time, f_rate. Caller must hold s.mu.
func (s *Station) factorsLocked() (fLoc, fTime, fRate float64) {
	loc := s.location
	fLoc = loc.Dop * hyp(loc.HAcc, loc.VAcc) / LMax
	fTime = s.timeAcc.Mean() / float64(TMax.Nanoseconds())

	longMean := s.rateLong.Mean()
	longStdDev := s.rateLong.StdDev()
	if longMean*0.75 == 0 {
		fRate = 0
	} else {
		fRate = longStdDev / (longMean * 0.75)
	}
	return fLoc, fTime, fRate
}

func hyp(a, b float64) float64 {
	return math.Sqrt(a*a + b*b)
}

// Factors exposes f_loc, f_time, f_rate for diagnostics and tests.
func (s *Station) Factors() (fLoc, fTime, fRate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.factorsLocked()
}

// BoostFactor returns the admission-control boost this station
// currently warrants: if its short-window rate has dropped below
// mean−stddev of its long-window rate, a boost proportional to the
// drop is reported; otherwise 1.0.
func (s *Station) BoostFactor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rateLong.Len() == 0 || s.rateShort.Len() == 0 {
		return 1.0
	}

	longMean := s.rateLong.Mean()
	longStdDev := s.rateLong.StdDev()
	shortMean := s.rateShort.Mean()

	if shortMean >= longMean-longStdDev || longStdDev == 0 {
		return 1.0
	}

	return ((longMean-shortMean)/longStdDev + 1) * 2
}

// Step advances the station's periodic bookkeeping: it samples the
// current rate, re-evaluates the hysteretic state machine, and
// reports whether the station should now be removed from the registry
// (silence beyond s_quit_interval).
func (s *Station) Step(now time.Time) (requestDelete bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.lastStepAt.IsZero():
		s.lastStepAt = now
	case now.Sub(s.lastStepAt) >= s.cfg.RateSampleWindow:
		if elapsed := now.Sub(s.lastStepAt).Seconds(); elapsed > 0 {
			rate := float64(s.incomingSinceSample) / elapsed
			s.rateLong.Push(rate)
			s.rateShort.Push(rate)
		}
		s.incomingSinceSample = 0
		s.lastStepAt = now
	}

	if s.status != model.Deleted {
		if !s.lastEventAt.IsZero() && now.Sub(s.lastEventAt) >= s.cfg.QuitInterval {
			s.status = model.Deleted
			s.changed = true
			return true
		}
		if !s.lastLogAt.IsZero() && now.Sub(s.lastLogAt) >= s.cfg.QuitInterval {
			s.status = model.Deleted
			s.changed = true
			return true
		}
	}

	s.reevaluateHysteresisLocked(now)
	return false
}

func (s *Station) reevaluateHysteresisLocked(now time.Time) {
	if s.status == model.Deleted {
		return
	}

	if !s.lastLogAt.IsZero() && now.Sub(s.lastLogAt) >= s.cfg.LogInterval {
		if s.status != model.Unreliable {
			s.status = model.Unreliable
			s.changed = true
		}
		return
	}

	fLoc, fTime, fRate := s.factorsLocked()
	h := s.cfg.Hysteresis
	if h <= 0 {
		h = Hysteresis
	}

	worst := max3(fLoc, fTime, fRate)
	switch s.status {
	case model.Created, model.Reliable:
		if worst > 1+h {
			s.status = model.Unreliable
			s.changed = true
		}
	case model.Unreliable:
		if fLoc < 1-h && fTime < 1-h && fRate < 1-h {
			s.status = model.Reliable
			s.changed = true
		}
	}
}

func max3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}

// ChangeLogData returns the station's current detector-summary
// snapshot and whether it has changed since the last call.
func (s *Station) ChangeLogData() (model.DetectorSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.changed
	s.changed = false

	deadTime := 0.0
	if s.ubloxProgress > 0 {
		deadTime = 1 - float64(s.incomingTotal)/float64(s.ubloxProgress)
		if deadTime < 0 {
			deadTime = 0
		}
	}

	return model.DetectorSummary{
		Hash:             s.hash,
		MeanRate:         s.rateLong.Mean(),
		StdDevRate:       s.rateLong.StdDev(),
		MeanPulselength:  s.pulselength.Mean(),
		MeanTimeAccuracy: s.timeAcc.Mean(),
		UbloxProgress:    float64(s.ubloxProgress),
		DeadTimeFraction: deadTime,
		Changed:          changed,
	}, changed
}
