package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterStationStepFiresPeriodically(t *testing.T) {
	sc, err := New()
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, sc.RegisterStationStep(20*time.Millisecond, func(now time.Time) {
		calls.Add(1)
	}))

	sc.Start()
	defer sc.Shutdown()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 10*time.Millisecond)
}

func TestRegisterAnalyzerFlushFires(t *testing.T) {
	sc, err := New()
	require.NoError(t, err)

	var fired atomic.Bool
	require.NoError(t, sc.RegisterAnalyzerFlush(20*time.Millisecond, func() {
		fired.Store(true)
	}))

	sc.Start()
	defer sc.Shutdown()

	require.Eventually(t, func() bool { return fired.Load() }, time.Second, 10*time.Millisecond)
}

func TestShutdownAfterStartSucceeds(t *testing.T) {
	sc, err := New()
	require.NoError(t, err)
	sc.Start()
	assert.NoError(t, sc.Shutdown())
}
