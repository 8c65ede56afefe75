package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobRunsOnInterval(t *testing.T) {
	var runs atomic.Int32
	s := New()
	s.Add("counter", 20*time.Millisecond, false, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	s.Start(context.Background())
	time.Sleep(110 * time.Millisecond)
	s.Stop()

	got := runs.Load()
	assert.GreaterOrEqual(t, got, int32(3))
	assert.LessOrEqual(t, got, int32(6))
}

func TestRunAtStartFiresImmediately(t *testing.T) {
	var runs atomic.Int32
	s := New()
	s.Add("eager", time.Hour, true, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(1), runs.Load())
}

func TestSlowJobDoesNotStack(t *testing.T) {
	var running, maxRunning atomic.Int32
	s := New()
	s.Add("slow", 10*time.Millisecond, false, func(ctx context.Context) error {
		n := running.Add(1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return nil
	})

	s.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(1), maxRunning.Load(), "ticks must skip while a run is in flight")
}

func TestPanicIsContained(t *testing.T) {
	var after atomic.Int32
	s := New()
	s.Add("panicky", 15*time.Millisecond, true, func(ctx context.Context) error {
		if after.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})

	s.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	s.Stop()

	assert.Greater(t, after.Load(), int32(1), "the loop must survive a panicking run")
}

func TestFailingJobKeepsTicking(t *testing.T) {
	var runs atomic.Int32
	s := New()
	s.Add("flaky", 15*time.Millisecond, false, func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("transient")
	})

	s.Start(context.Background())
	time.Sleep(80 * time.Millisecond)
	s.Stop()

	assert.GreaterOrEqual(t, runs.Load(), int32(2))
}

func TestContextCancelStopsJobs(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	s := New()
	s.Add("cancelled", 10*time.Millisecond, false, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	s.Start(ctx)

	time.Sleep(35 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	settled := runs.Load()
	time.Sleep(40 * time.Millisecond)

	assert.Equal(t, settled, runs.Load(), "no runs after cancellation")
	s.Stop()
}
