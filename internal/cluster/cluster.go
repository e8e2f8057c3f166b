// Package cluster wires every component into one running cluster: NATS
// ingestion, station registry, timebase supervisor, coincidence
// filter, station-coincidence analyzer and state supervisor. The event
// and detector-info ingest paths each drain their own bounded queue
// under a threadrunner.Runner; the periodic work runs on the scheduler.
package cluster

import (
	"bufio"
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cosmicmesh/clustercore/internal/analyzer"
	"github.com/cosmicmesh/clustercore/internal/coincidence"
	"github.com/cosmicmesh/clustercore/internal/config"
	"github.com/cosmicmesh/clustercore/internal/message"
	"github.com/cosmicmesh/clustercore/internal/model"
	"github.com/cosmicmesh/clustercore/internal/pipeline"
	"github.com/cosmicmesh/clustercore/internal/scheduler"
	"github.com/cosmicmesh/clustercore/internal/station"
	"github.com/cosmicmesh/clustercore/internal/stationsupervisor"
	"github.com/cosmicmesh/clustercore/internal/supervisor"
	"github.com/cosmicmesh/clustercore/internal/timebase"
	"github.com/cosmicmesh/clustercore/internal/transport/natsbridge"
	"github.com/cosmicmesh/clustercore/pkg/geodesy"
	"github.com/cosmicmesh/clustercore/pkg/log"
	"github.com/cosmicmesh/clustercore/pkg/stationhash"
	"github.com/cosmicmesh/clustercore/pkg/threadrunner"
)

const (
	eventQueueDepth = 4096
	logQueueDepth   = 1024
)

// Cluster owns every long-lived component and the threadrunner.Runners
// that drive their bounded-queue workers.
type Cluster struct {
	cfg config.Config

	bridge     *natsbridge.Bridge
	stations   *stationsupervisor.Supervisor
	timebase   *timebase.Supervisor
	filter     *coincidence.Filter
	analyzer   *analyzer.Analyzer
	state      *supervisor.Supervisor
	scheduler  *scheduler.Scheduler

	eventQueue *pipeline.BoundedQueue[natsbridge.RawEvent]
	logQueue   *pipeline.BoundedQueue[natsbridge.RawLog]

	runners []*threadrunner.Runner
}

// queueWorker drains a BoundedQueue under a threadrunner.Runner, the
// pairing pipeline.BoundedQueue.Run's own doc comment names as the
// intended usage.
type queueWorker[T any] struct {
	queue  *pipeline.BoundedQueue[T]
	handle func(T)
}

func (w *queueWorker[T]) PreRun(ctx context.Context) error { return nil }

func (w *queueWorker[T]) Step(ctx context.Context) (bool, error) {
	w.queue.Run(ctx, w.handle)
	return false, nil
}

func (w *queueWorker[T]) PostRun(ctx context.Context) error { return nil }

// stationLookup adapts stationsupervisor.Supervisor.Lookup to
// coincidence.Lookup: *station.Station already implements
// coincidence.StationInfo directly, but the concrete (*station.Station,
// bool) return type can't be used as a coincidence.Lookup value
// without this wrapper.
func stationLookup(stations *stationsupervisor.Supervisor) coincidence.Lookup {
	return func(hash stationhash.Hash) (coincidence.StationInfo, bool) {
		return stations.Lookup(hash)
	}
}

// locationLookup adapts the station registry to analyzer.LocationLookup.
func locationLookup(stations *stationsupervisor.Supervisor) analyzer.LocationLookup {
	return func(hash stationhash.Hash) (geodesy.Location, bool) {
		st, ok := stations.Lookup(hash)
		if !ok {
			return geodesy.Location{}, false
		}
		return st.Location(), true
	}
}

// New builds every component and wires their sinks, but does not yet
// subscribe to the transport or start any runner.
func New(cfg config.Config, reg prometheus.Registerer) (*Cluster, error) {
	bridge, err := natsbridge.Connect(cfg.NATS)
	if err != nil {
		return nil, err
	}

	stationCfg, err := cfg.StationTrackerConfig()
	if err != nil {
		return nil, err
	}
	stations := stationsupervisor.New(stationCfg)

	timebaseCfg, err := cfg.TimebaseSupervisorConfig()
	if err != nil {
		return nil, err
	}
	tb := timebase.New(timebaseCfg)

	coincidenceCfg, err := cfg.CoincidenceFilterConfig()
	if err != nil {
		return nil, err
	}
	filter := coincidence.New(coincidenceCfg, stationLookup(stations), tb.Current)

	analyzerCfg, _, err := cfg.AnalyzerFilterConfig()
	if err != nil {
		return nil, err
	}
	an := analyzer.New(analyzerCfg, locationLookup(stations))

	supCfg, err := cfg.StateSupervisorConfig()
	if err != nil {
		return nil, err
	}
	resources, err := supervisor.NewResourceTracker()
	if err != nil {
		log.Warnf("cluster: resource sampling disabled: %v", err)
		resources = nil
	}
	state := supervisor.New(supCfg, filter, tb, stations, resources, reg)

	sched, err := scheduler.New()
	if err != nil {
		return nil, err
	}

	c := &Cluster{
		cfg:        cfg,
		bridge:     bridge,
		stations:   stations,
		timebase:   tb,
		filter:     filter,
		analyzer:   an,
		state:      state,
		scheduler:  sched,
		eventQueue: pipeline.NewBoundedQueue[natsbridge.RawEvent](eventQueueDepth),
		logQueue:   pipeline.NewBoundedQueue[natsbridge.RawLog](logQueueDepth),
	}

	// transport -> event source -> timebase supervisor (tees to
	// timebase-sink and forwards events) -> coincidence filter -> (A)
	// cluster event sink, (B) station-coincidence analyzer.
	bridge.SetEventSink(c.eventQueue)
	tb.SetEventSink(filter)
	filter.SetSink(pipeline.NewFanOut[model.Event](bridge.EventSink(), an))

	// transport -> detector-info source -> station supervisor -> per-station
	bridge.SetLogSink(c.logQueue)
	stations.SetSummarySink(bridge.SummarySink())

	state.SetLogSink(bridge.ClusterLogSink())

	return c, nil
}

// LoadPersistedState warm-starts the station registry from a snapshot
// file, re-entering every station as Unreliable. A missing file is not
// an error: the registry simply starts empty.
func (c *Cluster) LoadPersistedState(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var snaps []message.StationSnapshot
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		line := scan.Text()
		if line == "" {
			continue
		}
		snap, err := message.ParseStation(line)
		if err != nil {
			log.Warnf("cluster: skipping malformed persisted station line: %v", err)
			continue
		}
		snaps = append(snaps, snap)
	}
	if err := scan.Err(); err != nil {
		return err
	}
	c.stations.LoadSnapshots(snaps)
	log.Infof("cluster: restored %d stations from %q", len(snaps), path)
	return nil
}

// SavePersistedState writes the current station registry out in the
// textual snapshot format.
func (c *Cluster) SavePersistedState(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, snap := range c.stations.SnapshotAll() {
		if _, err := w.WriteString(message.SerializeStation(snap) + "\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}

// handleRawEvent updates the originating station's rolling statistics
// and publishes the raw pulse to the l1data output regardless of its
// quality, but only admits it to the timebase/coincidence pipeline if
// ProcessEvent's own accepted = (time_acc <= T_max) && (fix == 1)
// predicate holds. The coincidence filter's Lookup.Accepted() performs
// a separate, coarser gate on the station's overall reliability
// status; this is the finer per-event gate on top of it.
func (c *Cluster) handleRawEvent(re natsbridge.RawEvent) {
	st := c.stations.LookupOrCreate(re.User)
	data := re.Data
	accepted := st.ProcessEvent(data, re.ArrivalTime)

	e := model.NewSimple(data)
	c.bridge.PublishL1Data(e)
	if !accepted {
		return
	}
	c.timebase.Get(e)
}

func (c *Cluster) handleRawLog(rl natsbridge.RawLog) {
	c.stations.HandleLogRecord(rl.User, rl.Record, time.Now())
}

// Start subscribes to the transport and starts every runner. now is
// the process start time, used by the state supervisor's uptime clock.
func (c *Cluster) Start(ctx context.Context, now time.Time) error {
	if err := c.bridge.Subscribe(); err != nil {
		return err
	}

	c.state.Start(now)

	eventRunner := threadrunner.New("event-ingest", &queueWorker[natsbridge.RawEvent]{
		queue: c.eventQueue, handle: c.handleRawEvent,
	})
	logRunner := threadrunner.New("log-ingest", &queueWorker[natsbridge.RawLog]{
		queue: c.logQueue, handle: c.handleRawLog,
	})
	c.runners = []*threadrunner.Runner{eventRunner, logRunner}

	for _, r := range c.runners {
		c.state.WatchWorker(r.Name(), r)
		go func(r *threadrunner.Runner) {
			_ = r.Run(ctx)
		}(r)
	}

	stationStep, err := c.cfg.StationStepInterval()
	if err != nil {
		return err
	}
	if err := c.scheduler.RegisterStationStep(stationStep, c.stations.Step); err != nil {
		return err
	}
	timebaseStep, err := c.cfg.TimebaseStepInterval()
	if err != nil {
		return err
	}
	if err := c.scheduler.RegisterTimebaseStep(timebaseStep, c.timebase.Step); err != nil {
		return err
	}
	_, flushEvery, err := c.cfg.AnalyzerFilterConfig()
	if err != nil {
		return err
	}
	if err := c.scheduler.RegisterAnalyzerFlush(flushEvery, c.analyzer.Flush); err != nil {
		return err
	}
	supCfg, err := c.cfg.StateSupervisorConfig()
	if err != nil {
		return err
	}
	if err := c.scheduler.RegisterSupervisorTick(supCfg.Interval, c.state.Tick); err != nil {
		return err
	}
	c.scheduler.Start()

	return nil
}

// Stop flushes in-flight coincidences and analyzer histograms, stops
// the scheduler, and cancels every running worker via ctx (the caller
// owns cancellation).
func (c *Cluster) Stop() {
	c.filter.Flush()
	c.analyzer.Flush()
	if err := c.scheduler.Shutdown(); err != nil {
		log.Warnf("cluster: scheduler shutdown: %v", err)
	}
	for _, r := range c.runners {
		r.Stop(0, "cluster shutdown")
	}
	c.bridge.Close()
}

// ShutdownCh exposes the state supervisor's cancellation channel.
func (c *Cluster) ShutdownCh() <-chan struct{} {
	return c.state.ShutdownCh()
}

// RequestShutdown triggers cluster-wide shutdown, e.g. from a critical
// log line wired via pkg/log.OnCritical.
func (c *Cluster) RequestShutdown(reason string) {
	c.state.RequestShutdown(reason)
}

// StationConfig exposes the effective per-station tracker configuration.
func (c *Cluster) StationConfig() station.Config {
	cfg, _ := c.cfg.StationTrackerConfig()
	return cfg
}
