// Package threadrunner gives every long-lived clustercore component a
// uniform lifecycle: Initial → Initialising → Running → Finalising →
// Stopped | Error, driven by a Worker's PreRun/Step/PostRun stages.
//
// Cancellation is cooperative: Stop marks the runner to exit at the
// next Step iteration; Done() is closed once Run returns. A panic in
// any stage is recovered and converted into the terminal Error state
// with a logged reason; the process itself never aborts.
package threadrunner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cosmicmesh/clustercore/pkg/log"
)

// State is one stage of a Runner's lifecycle.
type State int32

const (
	Initial State = iota
	Initialising
	Running
	Finalising
	Stopped
	Error
)

func (s State) String() string {
	switch s {
	case Initial:
		return "initial"
	case Initialising:
		return "initialising"
	case Running:
		return "running"
	case Finalising:
		return "finalising"
	case Stopped:
		return "stopped"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Worker is the unit of work a Runner drives through its lifecycle.
// Step is called repeatedly while the runner is Running; returning
// cont == false ends the run loop normally (the same path Stop takes).
type Worker interface {
	PreRun(ctx context.Context) error
	Step(ctx context.Context) (cont bool, err error)
	PostRun(ctx context.Context) error
}

// Runner drives a Worker through its lifecycle on the caller's
// goroutine (call Run in a `go` statement for a long-lived component).
type Runner struct {
	name   string
	worker Worker

	state      atomic.Int32
	exitCode   atomic.Int32
	stopReason atomic.Value // string

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	onStop func()
}

// New creates a Runner for worker, identified by name in log output.
func New(name string, worker Worker) *Runner {
	r := &Runner{
		name:   name,
		worker: worker,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	r.state.Store(int32(Initial))
	return r
}

// State returns the runner's current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Name returns the name this runner was created with.
func (r *Runner) Name() string {
	return r.name
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
}

// OnStop registers a callback invoked once, synchronously, from Stop.
func (r *Runner) OnStop(f func()) {
	r.onStop = f
}

// Done returns a channel closed once the runner has left the Running
// state (reached Stopped or Error), the condition-variable-style wait
// point other components block on to detect a worker's exit.
func (r *Runner) Done() <-chan struct{} {
	return r.doneCh
}

// Stop requests a clean shutdown: the run loop exits at its next Step
// iteration. exitCode and reason are recorded for diagnostics.
func (r *Runner) Stop(exitCode int, reason string) {
	r.stopOnce.Do(func() {
		r.exitCode.Store(int32(exitCode))
		r.stopReason.Store(reason)
		close(r.stopCh)
		if r.onStop != nil {
			r.onStop()
		}
	})
}

// ExitCode returns the code passed to Stop, 0 if Stop was never called.
func (r *Runner) ExitCode() int {
	return int(r.exitCode.Load())
}

// Run executes PreRun, then Step repeatedly until ctx is cancelled,
// Stop is called or Step itself ends the loop, then PostRun. Any panic
// raised by the worker is recovered and reported as the Error state.
func (r *Runner) Run(ctx context.Context) (err error) {
	defer close(r.doneCh)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s: panic: %v", r.name, rec)
			log.Errorf("threadrunner %q: %v", r.name, err)
			r.setState(Error)
		}
	}()

	r.setState(Initialising)
	if err := r.worker.PreRun(ctx); err != nil {
		log.Errorf("threadrunner %q: PreRun failed: %v", r.name, err)
		r.setState(Error)
		return err
	}

	r.setState(Running)
	stepErr := r.runLoop(ctx)

	r.setState(Finalising)
	if err := r.worker.PostRun(ctx); err != nil {
		log.Errorf("threadrunner %q: PostRun failed: %v", r.name, err)
		r.setState(Error)
		return err
	}

	if stepErr != nil {
		r.setState(Error)
		return stepErr
	}

	r.setState(Stopped)
	return nil
}

func (r *Runner) runLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopCh:
			return nil
		default:
		}

		cont, err := r.worker.Step(ctx)
		if err != nil {
			log.Errorf("threadrunner %q: step failed: %v", r.name, err)
			return err
		}
		if !cont {
			return nil
		}
	}
}
