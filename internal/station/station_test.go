package station

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmicmesh/clustercore/internal/message"
	"github.com/cosmicmesh/clustercore/internal/model"
	"github.com/cosmicmesh/clustercore/pkg/geodesy"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LogInterval = time.Hour
	cfg.QuitInterval = time.Hour
	cfg.RateSampleWindow = time.Second
	return cfg
}

func newTestStation() *Station {
	return New(model.UserInfo{Username: "alice", StationID: "roof"}, testConfig())
}

func TestNewStationStartsCreated(t *testing.T) {
	s := newTestStation()
	assert.Equal(t, model.Created, s.Status())
	assert.True(t, s.Accepted())
}

// A single event with time_acc > 100*T_max forces Unreliable
// immediately, regardless of hysteresis.
func TestProcessEventExtremeOutlierForcesUnreliable(t *testing.T) {
	s := newTestStation()
	now := time.Now()
	s.ProcessEvent(model.EventData{TimeAcc: uint32(200 * TMax.Nanoseconds()), Fix: 1}, now)
	assert.Equal(t, model.Unreliable, s.Status())
}

func TestProcessEventAcceptanceRule(t *testing.T) {
	s := newTestStation()
	now := time.Now()

	accepted := s.ProcessEvent(model.EventData{TimeAcc: uint32(TMax.Nanoseconds()), Fix: 1}, now)
	assert.True(t, accepted)

	rejectedByFix := s.ProcessEvent(model.EventData{TimeAcc: uint32(TMax.Nanoseconds()), Fix: 0}, now)
	assert.False(t, rejectedByFix)

	rejectedByAccuracy := s.ProcessEvent(model.EventData{TimeAcc: uint32(TMax.Nanoseconds()) + 1, Fix: 1}, now)
	assert.False(t, rejectedByAccuracy)
}

// Created -> Reliable on a location update, then Unreliable once
// quality factors exceed the hysteresis band.
func TestLifecycleCreatedToReliableToUnreliable(t *testing.T) {
	s := newTestStation()
	now := time.Now()

	s.UpdateLocation(goodLocation(), now)
	assert.Equal(t, model.Reliable, s.Status())

	s.UpdateLocation(badLocation(), now)
	for i := 0; i < 10; i++ {
		s.ProcessEvent(model.EventData{TimeAcc: uint32(50 * TMax.Nanoseconds()), Fix: 1}, now)
	}
	s.Step(now.Add(time.Second))
	assert.Equal(t, model.Unreliable, s.Status())
}

// An Unreliable station does not re-enter Reliable while a factor is
// still above 1-h.
func TestHysteresisGuardsReentryToReliable(t *testing.T) {
	s := newTestStation()
	now := time.Now()
	s.UpdateLocation(goodLocation(), now)
	s.ProcessEvent(model.EventData{TimeAcc: uint32(200 * TMax.Nanoseconds()), Fix: 1}, now)
	require.Equal(t, model.Unreliable, s.Status())

	// A single good sample leaves the time-accuracy mean near
	// 100*T_max, far above 1-h: status must remain Unreliable.
	s.ProcessEvent(model.EventData{TimeAcc: 1, Fix: 1}, now)
	s.mu.Lock()
	s.reevaluateHysteresisLocked(now)
	s.mu.Unlock()
	assert.Equal(t, model.Unreliable, s.Status())
}

// Silence beyond the quit interval deletes the station.
func TestStepDeletesOnSilence(t *testing.T) {
	cfg := testConfig()
	cfg.QuitInterval = time.Minute
	s := New(model.UserInfo{Username: "alice", StationID: "roof"}, cfg)

	now := time.Now()
	s.ProcessEvent(model.EventData{TimeAcc: 0, Fix: 1}, now)

	requestDelete := s.Step(now.Add(2 * time.Minute))
	assert.True(t, requestDelete)
	assert.Equal(t, model.Deleted, s.Status())
}

func TestLoadSnapshotAlwaysReentersUnreliable(t *testing.T) {
	snap := message.StationSnapshot{
		Username: "alice", StationID: "roof", Status: model.Reliable,
		Lat: 1, Lon: 2, H: 3, HAcc: 4, VAcc: 5, Dop: 6,
	}
	s := LoadSnapshot(snap, testConfig())
	assert.Equal(t, model.Unreliable, s.Status())
	assert.Equal(t, 1.0, s.Location().Lat)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStation()
	s.UpdateLocation(goodLocation(), time.Now())
	snap := s.Snapshot()
	assert.Equal(t, "alice", snap.Username)
	assert.Equal(t, "roof", snap.StationID)
	assert.Equal(t, goodLocation().Lat, snap.Lat)
}

func TestChangeLogDataResetsChangedFlag(t *testing.T) {
	s := newTestStation()
	_, changed := s.ChangeLogData()
	assert.True(t, changed) // New() marks changed=true

	_, changedAgain := s.ChangeLogData()
	assert.False(t, changedAgain)
}

func TestBoostFactorDefaultsToOneWithoutSamples(t *testing.T) {
	s := newTestStation()
	assert.Equal(t, 1.0, s.BoostFactor())
}

func goodLocation() geodesy.Location {
	return geodesy.Location{Lat: 1, Lon: 2, H: 3, HAcc: 0.1, VAcc: 0.1, Dop: 1}
}

func badLocation() geodesy.Location {
	return geodesy.Location{Lat: 1, Lon: 2, H: 3, HAcc: 1e6, VAcc: 1e6, Dop: 99}
}
