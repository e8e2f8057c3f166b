// Package supervisor implements the cluster-wide state supervisor: it
// emits periodic cluster_log_t snapshots, tracks process/system
// resource usage, watches every registered worker thread, and owns
// the process-wide shutdown signal, an explicit cancellation channel
// passed around rather than a singleton.
package supervisor

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cosmicmesh/clustercore/internal/model"
	"github.com/cosmicmesh/clustercore/internal/pipeline"
	"github.com/cosmicmesh/clustercore/pkg/log"
	"github.com/cosmicmesh/clustercore/pkg/threadrunner"
)

// FilterStats is the subset of the coincidence filter's state needed
// for cluster_log_t.
type FilterStats interface {
	IncomingByLevel() map[int]int64
	OutgoingByLevel() map[int]int64
	BufferLength() int
	MaximumN() int
}

// TimebaseSource reports the current coincidence window.
type TimebaseSource interface {
	Current() time.Duration
}

// StationCount reports the number of registered detector stations.
type StationCount interface {
	Count() int
}

// Config tunes the supervisor.
type Config struct {
	Interval time.Duration // cluster_log_t emission period
	Timeout  time.Duration // s_timeout, carried into cluster_log_t for visibility
}

// Supervisor is the cluster-wide state supervisor.
type Supervisor struct {
	cfg Config

	filter   FilterStats
	timebase TimebaseSource
	stations StationCount

	resources *ResourceTracker

	startedAt time.Time

	mu           sync.Mutex
	watched      map[string]*threadrunner.Runner
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	shutdownWhy  string

	logSink pipeline.Source[model.ClusterLog]

	metrics *metrics
}

type metrics struct {
	bufferLength  prometheus.Gauge
	detectorCount prometheus.Gauge
	maximumN      prometheus.Gauge
	processCPU    prometheus.Gauge
	systemCPU     prometheus.Gauge
	memoryBytes   prometheus.Gauge
	incoming      *prometheus.GaugeVec
	outgoing      *prometheus.GaugeVec
	threadState   *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		bufferLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clustercore", Name: "coincidence_buffer_length",
			Help: "Number of open coincidence constructors.",
		}),
		detectorCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clustercore", Name: "detector_count",
			Help: "Number of registered detector stations.",
		}),
		maximumN: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clustercore", Name: "coincidence_maximum_n",
			Help: "Largest coincidence level observed so far.",
		}),
		processCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clustercore", Name: "process_cpu_percent",
			Help: "Rolling mean process CPU usage percentage.",
		}),
		systemCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clustercore", Name: "system_cpu_percent",
			Help: "Rolling mean system CPU usage percentage.",
		}),
		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clustercore", Name: "process_memory_bytes",
			Help: "Resident memory size of this process.",
		}),
		incoming: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clustercore", Name: "events_incoming_total",
			Help: "Incoming events by coincidence level.",
		}, []string{"level"}),
		outgoing: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clustercore", Name: "events_outgoing_total",
			Help: "Outgoing events by coincidence level.",
		}, []string{"level"}),
		threadState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clustercore", Name: "worker_state",
			Help: "Lifecycle state of each registered worker (numeric threadrunner.State).",
		}, []string{"worker"}),
	}
	reg.MustRegister(m.bufferLength, m.detectorCount, m.maximumN,
		m.processCPU, m.systemCPU, m.memoryBytes, m.incoming, m.outgoing, m.threadState)
	return m
}

// New creates a Supervisor. reg may be nil to disable Prometheus
// exposition; resources may be nil if procfs is unavailable.
func New(cfg Config, filter FilterStats, timebase TimebaseSource, stations StationCount, resources *ResourceTracker, reg prometheus.Registerer) *Supervisor {
	s := &Supervisor{
		cfg:        cfg,
		filter:     filter,
		timebase:   timebase,
		stations:   stations,
		resources:  resources,
		startedAt:  time.Time{},
		watched:    make(map[string]*threadrunner.Runner),
		shutdownCh: make(chan struct{}),
	}
	if reg != nil {
		s.metrics = newMetrics(reg)
	}
	return s
}

// SetLogSink installs the downstream sink for cluster_log_t records
// (the `muonpi/cluster` output).
func (s *Supervisor) SetLogSink(sink pipeline.Sink[model.ClusterLog]) {
	s.logSink.SetSink(sink)
}

// Start marks the supervisor's uptime clock running.
func (s *Supervisor) Start(now time.Time) {
	s.startedAt = now
}

// ShutdownCh returns the channel closed once RequestShutdown is
// called, the cancellation point every component's context should
// derive from.
func (s *Supervisor) ShutdownCh() <-chan struct{} {
	return s.shutdownCh
}

// RequestShutdown triggers cluster-wide shutdown, idempotently.
func (s *Supervisor) RequestShutdown(reason string) {
	s.shutdownOnce.Do(func() {
		s.shutdownWhy = reason
		log.Warnf("supervisor: shutdown requested: %s", reason)
		close(s.shutdownCh)
	})
}

// WatchWorker registers a threadrunner.Runner for health monitoring.
// If the runner ever leaves the Running state into Error, the
// supervisor escalates to cluster-wide shutdown.
func (s *Supervisor) WatchWorker(name string, r *threadrunner.Runner) {
	s.mu.Lock()
	s.watched[name] = r
	s.mu.Unlock()

	go func() {
		<-r.Done()
		if r.State() == threadrunner.Error {
			s.RequestShutdown("worker " + name + " entered error state")
		}
	}()
}

// Tick computes and emits one cluster_log_t snapshot, and samples
// process/system resources if a tracker is installed.
func (s *Supervisor) Tick(now time.Time) {
	var sample ResourceSample
	if s.resources != nil {
		sample = s.resources.Sample(now)
	}

	incoming := s.filter.IncomingByLevel()
	outgoing := s.filter.OutgoingByLevel()

	entry := model.ClusterLog{
		Timeout:           s.cfg.Timeout,
		Timebase:          s.timebase.Current(),
		Uptime:            now.Sub(s.startedAt),
		IncomingByLevel:   incoming,
		OutgoingByLevel:   outgoing,
		BufferLength:      s.filter.BufferLength(),
		DetectorCount:     s.stations.Count(),
		MaximumN:          s.filter.MaximumN(),
		ProcessCPUPercent: sample.ProcessCPUPercent,
		SystemCPUPercent:  sample.SystemCPUPercent,
		MemoryBytes:       sample.MemoryBytes,
	}

	s.logSink.Put(entry)
	s.updateMetrics(entry)
}

func (s *Supervisor) updateMetrics(entry model.ClusterLog) {
	if s.metrics == nil {
		return
	}
	s.metrics.bufferLength.Set(float64(entry.BufferLength))
	s.metrics.detectorCount.Set(float64(entry.DetectorCount))
	s.metrics.maximumN.Set(float64(entry.MaximumN))
	s.metrics.processCPU.Set(entry.ProcessCPUPercent)
	s.metrics.systemCPU.Set(entry.SystemCPUPercent)
	s.metrics.memoryBytes.Set(float64(entry.MemoryBytes))

	for level, count := range entry.IncomingByLevel {
		s.metrics.incoming.WithLabelValues(strconv.Itoa(level)).Set(float64(count))
	}
	for level, count := range entry.OutgoingByLevel {
		s.metrics.outgoing.WithLabelValues(strconv.Itoa(level)).Set(float64(count))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, r := range s.watched {
		s.metrics.threadState.WithLabelValues(name).Set(float64(r.State()))
	}
}
