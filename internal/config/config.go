// Package config loads clustercore's JSON configuration document by
// decoding a single JSON document into a typed struct with
// DisallowUnknownFields.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cosmicmesh/clustercore/internal/analyzer"
	"github.com/cosmicmesh/clustercore/internal/coincidence"
	"github.com/cosmicmesh/clustercore/internal/station"
	"github.com/cosmicmesh/clustercore/internal/supervisor"
	"github.com/cosmicmesh/clustercore/internal/timebase"
	"github.com/cosmicmesh/clustercore/internal/transport/natsbridge"
)

// Config is the top-level configuration document.
type Config struct {
	NATS        natsbridge.Config  `json:"nats"`
	Coincidence CoincidenceConfig  `json:"coincidence"`
	Station     StationConfig      `json:"station"`
	Timebase    TimebaseConfig     `json:"timebase"`
	Analyzer    AnalyzerConfig     `json:"analyzer"`
	Cluster     ClusterConfig      `json:"cluster"`
	Scheduler   SchedulerConfig    `json:"scheduler"`
	PersistPath string             `json:"persist_path"`
	LogLevel    string             `json:"log_level"`
}

// CoincidenceConfig mirrors coincidence.Config with JSON-friendly
// duration strings.
type CoincidenceConfig struct {
	WindowMin   string `json:"window_min"`
	WindowMax   string `json:"window_max"`
	PassSingles bool   `json:"pass_singles"`
}

// StationConfig mirrors station.Config with JSON-friendly duration strings.
type StationConfig struct {
	Hysteresis         float64 `json:"hysteresis"`
	LogInterval        string  `json:"log_interval"`
	QuitInterval       string  `json:"quit_interval"`
	RateSampleWindow   string  `json:"rate_sample_window"`
	LongWindowSamples  int     `json:"long_window_samples"`
	ShortWindowSamples int     `json:"short_window_samples"`
	PulselengthSamples int     `json:"pulselength_samples"`
	TimeAccSamples     int     `json:"time_acc_samples"`
}

// TimebaseConfig mirrors timebase.Config with JSON-friendly duration strings.
type TimebaseConfig struct {
	SampleTime string `json:"sample_time"`
	Min        string `json:"min"`
	Max        string `json:"max"`
}

// AnalyzerConfig mirrors analyzer.Config.
type AnalyzerConfig struct {
	Bins       int    `json:"bins"`
	DataDir    string `json:"data_dir"`
	FlushEvery string `json:"flush_every"`
}

// ClusterConfig mirrors supervisor.Config with JSON-friendly duration
// strings.
type ClusterConfig struct {
	LogInterval string `json:"log_interval"`
	Timeout     string `json:"timeout"`
}

// SchedulerConfig tunes the periodic job intervals the gocron-backed
// scheduler registers: the station step and the timebase step.
type SchedulerConfig struct {
	StationStepEvery  string `json:"station_step_every"`
	TimebaseStepEvery string `json:"timebase_step_every"`
}

// Default returns a complete configuration using conservative,
// production-tested defaults for every section.
func Default() Config {
	return Config{
		NATS: natsbridge.Config{Address: "nats://127.0.0.1:4222", MaxTries: 5},
		Coincidence: CoincidenceConfig{
			WindowMin:   "1us",
			WindowMax:   "10ms",
			PassSingles: false,
		},
		Station: StationConfig{
			Hysteresis:         station.Hysteresis,
			LogInterval:        "5m",
			QuitInterval:       "30m",
			RateSampleWindow:   "10s",
			LongWindowSamples:  60,
			ShortWindowSamples: 6,
			PulselengthSamples: 256,
			TimeAccSamples:     256,
		},
		Timebase: TimebaseConfig{
			SampleTime: "10s",
			Min:        "1us",
			Max:        "10ms",
		},
		Analyzer: AnalyzerConfig{
			Bins:       50,
			DataDir:    "./station-coincidence",
			FlushEvery: "1h",
		},
		Cluster: ClusterConfig{
			LogInterval: "1m",
			Timeout:     "10ms",
		},
		Scheduler: SchedulerConfig{
			StationStepEvery:  "10s",
			TimebaseStepEvery: "1s",
		},
		PersistPath: "./stations.state",
		LogLevel:    "info",
	}
}

// Load reads and decodes the JSON document at path, rejecting unknown
// fields: a malformed config fails loudly rather than silently
// ignoring the typo.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %q: %w", path, err)
	}
	return cfg, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", field, err)
	}
	return d, nil
}

// CoincidenceFilterConfig converts the JSON shape into coincidence.Config.
func (c Config) CoincidenceFilterConfig() (coincidence.Config, error) {
	min, err := parseDuration("coincidence.window_min", c.Coincidence.WindowMin)
	if err != nil {
		return coincidence.Config{}, err
	}
	max, err := parseDuration("coincidence.window_max", c.Coincidence.WindowMax)
	if err != nil {
		return coincidence.Config{}, err
	}
	return coincidence.Config{WindowMin: min, WindowMax: max, PassSingles: c.Coincidence.PassSingles}, nil
}

// StationTrackerConfig converts the JSON shape into station.Config.
func (c Config) StationTrackerConfig() (station.Config, error) {
	logInterval, err := parseDuration("station.log_interval", c.Station.LogInterval)
	if err != nil {
		return station.Config{}, err
	}
	quitInterval, err := parseDuration("station.quit_interval", c.Station.QuitInterval)
	if err != nil {
		return station.Config{}, err
	}
	rateWindow, err := parseDuration("station.rate_sample_window", c.Station.RateSampleWindow)
	if err != nil {
		return station.Config{}, err
	}
	return station.Config{
		Hysteresis:         c.Station.Hysteresis,
		LogInterval:        logInterval,
		QuitInterval:       quitInterval,
		RateSampleWindow:   rateWindow,
		LongWindowSamples:  c.Station.LongWindowSamples,
		ShortWindowSamples: c.Station.ShortWindowSamples,
		PulselengthSamples: c.Station.PulselengthSamples,
		TimeAccSamples:     c.Station.TimeAccSamples,
	}, nil
}

// TimebaseSupervisorConfig converts the JSON shape into timebase.Config.
func (c Config) TimebaseSupervisorConfig() (timebase.Config, error) {
	sampleTime, err := parseDuration("timebase.sample_time", c.Timebase.SampleTime)
	if err != nil {
		return timebase.Config{}, err
	}
	min, err := parseDuration("timebase.min", c.Timebase.Min)
	if err != nil {
		return timebase.Config{}, err
	}
	max, err := parseDuration("timebase.max", c.Timebase.Max)
	if err != nil {
		return timebase.Config{}, err
	}
	return timebase.Config{SampleTime: sampleTime, Min: min, Max: max}, nil
}

// AnalyzerFilterConfig converts the JSON shape into analyzer.Config plus the
// configured flush interval.
func (c Config) AnalyzerFilterConfig() (analyzer.Config, time.Duration, error) {
	flush, err := parseDuration("analyzer.flush_every", c.Analyzer.FlushEvery)
	if err != nil {
		return analyzer.Config{}, 0, err
	}
	return analyzer.Config{Bins: c.Analyzer.Bins, DataDir: c.Analyzer.DataDir}, flush, nil
}

// StateSupervisorConfig converts the JSON shape into supervisor.Config.
func (c Config) StateSupervisorConfig() (supervisor.Config, error) {
	interval, err := parseDuration("cluster.log_interval", c.Cluster.LogInterval)
	if err != nil {
		return supervisor.Config{}, err
	}
	timeout, err := parseDuration("cluster.timeout", c.Cluster.Timeout)
	if err != nil {
		return supervisor.Config{}, err
	}
	return supervisor.Config{Interval: interval, Timeout: timeout}, nil
}

// StationStepInterval returns the configured station-registry step period.
func (c Config) StationStepInterval() (time.Duration, error) {
	return parseDuration("scheduler.station_step_every", c.Scheduler.StationStepEvery)
}

// TimebaseStepInterval returns the configured timebase-sample polling
// period. It should be no coarser than timebase.sample_time: the
// supervisor's own Step is a no-op until a full sample has elapsed.
func (c Config) TimebaseStepInterval() (time.Duration, error) {
	return parseDuration("scheduler.timebase_step_every", c.Scheduler.TimebaseStepEvery)
}
