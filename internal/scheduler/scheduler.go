// Package scheduler registers clustercore's periodic maintenance jobs
// on a gocron scheduler: one gocron.NewJob call per DurationJob, each
// wrapping a single function with its own start/duration log line.
package scheduler

import (
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/cosmicmesh/clustercore/pkg/log"
)

// Scheduler wraps a gocron.Scheduler carrying clustercore's periodic
// jobs: station-registry stepping, timebase sample expiry, analyzer
// flushes, and state-supervisor ticks.
type Scheduler struct {
	s gocron.Scheduler
}

// New creates an empty, unstarted Scheduler.
func New() (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{s: s}, nil
}

func (sc *Scheduler) register(name string, every time.Duration, fn func()) error {
	_, err := sc.s.NewJob(gocron.DurationJob(every),
		gocron.NewTask(func() {
			start := time.Now()
			fn()
			log.Debugf("scheduler: %s took %s", name, time.Since(start))
		}))
	if err != nil {
		log.Errorf("scheduler: could not register %s: %v", name, err)
		return err
	}
	log.Infof("scheduler: registered %s with %s interval", name, every)
	return nil
}

// RegisterStationStep registers the station registry's periodic Step
// call, which fans out to every tracked station.
func (sc *Scheduler) RegisterStationStep(every time.Duration, step func(now time.Time)) error {
	return sc.register("station step", every, func() { step(time.Now()) })
}

// RegisterTimebaseStep registers the adaptive timebase supervisor's
// sample-closing Step call.
func (sc *Scheduler) RegisterTimebaseStep(every time.Duration, step func(now time.Time)) error {
	return sc.register("timebase step", every, func() { step(time.Now()) })
}

// RegisterAnalyzerFlush registers the station-coincidence analyzer's
// periodic histogram flush to disk.
func (sc *Scheduler) RegisterAnalyzerFlush(every time.Duration, flush func()) error {
	return sc.register("analyzer flush", every, flush)
}

// RegisterSupervisorTick registers the state supervisor's periodic
// cluster_log_t emission.
func (sc *Scheduler) RegisterSupervisorTick(every time.Duration, tick func(now time.Time)) error {
	return sc.register("supervisor tick", every, func() { tick(time.Now()) })
}

// Start starts the underlying gocron scheduler. Jobs begin firing
// immediately according to their registered interval.
func (sc *Scheduler) Start() {
	sc.s.Start()
}

// Shutdown stops the scheduler and waits for running jobs to finish.
func (sc *Scheduler) Shutdown() error {
	return sc.s.Shutdown()
}
