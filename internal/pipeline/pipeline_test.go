package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourcePutForwardsToInstalledSink(t *testing.T) {
	var src Source[int]
	var got []int
	src.SetSink(SinkFunc[int](func(v int) { got = append(got, v) }))

	src.Put(1)
	src.Put(2)
	assert.Equal(t, []int{1, 2}, got)
}

func TestSourcePutIsNoopWithoutSink(t *testing.T) {
	var src Source[int]
	assert.NotPanics(t, func() { src.Put(1) })
}

func TestFanOutForwardsToEverySink(t *testing.T) {
	var a, b []int
	fo := NewFanOut[int](
		SinkFunc[int](func(v int) { a = append(a, v) }),
		SinkFunc[int](func(v int) { b = append(b, v) }),
	)
	fo.Get(42)
	assert.Equal(t, []int{42}, a)
	assert.Equal(t, []int{42}, b)
}

func TestBoundedQueueDeliversInOrder(t *testing.T) {
	q := NewBoundedQueue[int](4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []int
	done := make(chan struct{})
	go func() {
		q.Run(ctx, func(v int) {
			got = append(got, v)
			if len(got) == 3 {
				close(done)
			}
		})
	}()

	q.Get(1)
	q.Get(2)
	q.Get(3)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue did not deliver all items in time")
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestBoundedQueueRunStopsOnContextCancel(t *testing.T) {
	q := NewBoundedQueue[int](1)
	ctx, cancel := context.WithCancel(context.Background())

	returned := make(chan struct{})
	go func() {
		q.Run(ctx, func(int) {})
		close(returned)
	}()

	cancel()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestPipelineTransformsAndFiltersItems(t *testing.T) {
	p := &Pipeline[int, string]{
		Transform: func(in int) (string, bool) {
			if in < 0 {
				return "", false
			}
			return "ok", true
		},
	}
	var got []string
	p.SetSink(SinkFunc[string](func(s string) { got = append(got, s) }))

	p.Get(-1)
	p.Get(5)

	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0])
}
