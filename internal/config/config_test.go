package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConvertersRoundTrip(t *testing.T) {
	cfg := Default()

	coin, err := cfg.CoincidenceFilterConfig()
	require.NoError(t, err)
	assert.Equal(t, time.Microsecond, coin.WindowMin)
	assert.Equal(t, 10*time.Millisecond, coin.WindowMax)

	st, err := cfg.StationTrackerConfig()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, st.LogInterval)
	assert.Equal(t, 30*time.Minute, st.QuitInterval)

	tb, err := cfg.TimebaseSupervisorConfig()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, tb.SampleTime)

	an, flush, err := cfg.AnalyzerFilterConfig()
	require.NoError(t, err)
	assert.Equal(t, 50, an.Bins)
	assert.Equal(t, time.Hour, flush)

	sup, err := cfg.StateSupervisorConfig()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, sup.Interval)

	stationStep, err := cfg.StationStepInterval()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, stationStep)

	timebaseStep, err := cfg.TimebaseStepInterval()
	require.NoError(t, err)
	assert.Equal(t, time.Second, timebaseStep)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"log_level": "debug", "persist_path": "/tmp/custom.state"}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/custom.state", cfg.PersistPath)
	// Untouched sections keep their defaults.
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.Address)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not_a_real_field": true}`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestParseDurationWrapsFieldName(t *testing.T) {
	_, err := parseDuration("coincidence.window_min", "not-a-duration")
	assert.Error(t, err)
}
