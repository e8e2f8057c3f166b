package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmicmesh/clustercore/internal/model"
	"github.com/cosmicmesh/clustercore/internal/pipeline"
	"github.com/cosmicmesh/clustercore/pkg/threadrunner"
)

type fakeFilter struct {
	incoming, outgoing map[int]int64
	bufferLen, maxN    int
}

func (f fakeFilter) IncomingByLevel() map[int]int64 { return f.incoming }
func (f fakeFilter) OutgoingByLevel() map[int]int64 { return f.outgoing }
func (f fakeFilter) BufferLength() int              { return f.bufferLen }
func (f fakeFilter) MaximumN() int                  { return f.maxN }

type fakeTimebase time.Duration

func (f fakeTimebase) Current() time.Duration { return time.Duration(f) }

type fakeStations int

func (f fakeStations) Count() int { return int(f) }

func TestTickEmitsClusterLog(t *testing.T) {
	s := New(Config{Interval: time.Second, Timeout: 5 * time.Second},
		fakeFilter{incoming: map[int]int64{1: 10}, outgoing: map[int]int64{2: 3}, bufferLen: 4, maxN: 2},
		fakeTimebase(250*time.Millisecond), fakeStations(7), nil, nil)

	var got []model.ClusterLog
	s.SetLogSink(pipeline.SinkFunc[model.ClusterLog](func(e model.ClusterLog) { got = append(got, e) }))

	start := time.Unix(0, 0)
	s.Start(start)
	s.Tick(start.Add(10 * time.Second))

	require.Len(t, got, 1)
	entry := got[0]
	assert.Equal(t, 5*time.Second, entry.Timeout)
	assert.Equal(t, 250*time.Millisecond, entry.Timebase)
	assert.Equal(t, 10*time.Second, entry.Uptime)
	assert.Equal(t, 4, entry.BufferLength)
	assert.Equal(t, 7, entry.DetectorCount)
	assert.Equal(t, 2, entry.MaximumN)
	assert.Equal(t, int64(10), entry.IncomingByLevel[1])
	assert.Equal(t, int64(3), entry.OutgoingByLevel[2])
}

type failingWorker struct{}

func (failingWorker) PreRun(ctx context.Context) error      { return errors.New("boom") }
func (failingWorker) Step(ctx context.Context) (bool, error) { return false, nil }
func (failingWorker) PostRun(ctx context.Context) error     { return nil }

func TestWatchWorkerEscalatesOnError(t *testing.T) {
	s := New(Config{Interval: time.Second, Timeout: time.Second},
		fakeFilter{}, fakeTimebase(0), fakeStations(0), nil, nil)

	r := threadrunner.New("flaky", failingWorker{})
	s.WatchWorker("flaky", r)

	go func() { _ = r.Run(context.Background()) }()

	select {
	case <-s.ShutdownCh():
	case <-time.After(2 * time.Second):
		t.Fatal("expected shutdown to be requested after worker entered Error")
	}
}

func TestRequestShutdownIsIdempotent(t *testing.T) {
	s := New(Config{Interval: time.Second, Timeout: time.Second},
		fakeFilter{}, fakeTimebase(0), fakeStations(0), nil, nil)

	s.RequestShutdown("first")
	assert.NotPanics(t, func() { s.RequestShutdown("second") })

	select {
	case <-s.ShutdownCh():
	default:
		t.Fatal("expected shutdown channel to be closed")
	}
}
