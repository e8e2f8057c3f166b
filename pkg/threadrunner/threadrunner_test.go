package threadrunner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepWorker struct {
	steps   int
	maxStep int
	stepErr error
}

func (w *stepWorker) PreRun(ctx context.Context) error { return nil }

func (w *stepWorker) Step(ctx context.Context) (bool, error) {
	w.steps++
	if w.stepErr != nil {
		return false, w.stepErr
	}
	return w.steps < w.maxStep, nil
}

func (w *stepWorker) PostRun(ctx context.Context) error { return nil }

func TestRunStopsWhenStepReturnsFalse(t *testing.T) {
	w := &stepWorker{maxStep: 3}
	r := New("test", w)

	err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stopped, r.State())
	assert.Equal(t, 3, w.steps)
}

func TestRunEntersErrorStateOnStepFailure(t *testing.T) {
	w := &stepWorker{maxStep: 10, stepErr: errors.New("boom")}
	r := New("test", w)

	err := r.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, Error, r.State())
}

type panicWorker struct{}

func (panicWorker) PreRun(ctx context.Context) error      { return nil }
func (panicWorker) Step(ctx context.Context) (bool, error) { panic("boom") }
func (panicWorker) PostRun(ctx context.Context) error     { return nil }

func TestRunRecoversPanicIntoErrorState(t *testing.T) {
	r := New("panicky", panicWorker{})
	err := r.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, Error, r.State())
}

type blockingWorker struct{}

func (blockingWorker) PreRun(ctx context.Context) error { return nil }
func (blockingWorker) Step(ctx context.Context) (bool, error) {
	<-ctx.Done()
	return false, nil
}
func (blockingWorker) PostRun(ctx context.Context) error { return nil }

func TestStopAndCancelEndRunLoop(t *testing.T) {
	r := New("blocking", blockingWorker{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	r.Stop(0, "shutdown")
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop in time")
	}
}

func TestNameReturnsConstructorValue(t *testing.T) {
	r := New("my-runner", &stepWorker{maxStep: 1})
	assert.Equal(t, "my-runner", r.Name())
}
