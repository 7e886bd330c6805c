package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestScheduler_TaskFiresOnInterval(t *testing.T) {
	s := New(zaptest.NewLogger(t))

	var ticks atomic.Int64
	require.NoError(t, s.Register("tick", 10*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	}))

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return ticks.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_RejectsInvalidInterval(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	err := s.Register("bad", 0, func(ctx context.Context) error { return nil })
	require.Error(t, err)
}

func TestScheduler_RejectsDuplicateName(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	noop := func(ctx context.Context) error { return nil }
	require.NoError(t, s.Register("task", time.Minute, noop))
	require.Error(t, s.Register("task", time.Minute, noop))
}

func TestScheduler_FailingTaskKeepsTicking(t *testing.T) {
	s := New(zaptest.NewLogger(t))

	var ticks atomic.Int64
	require.NoError(t, s.Register("flaky", 10*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return errors.New("tick failed")
	}))

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return ticks.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_PanicIsIsolated(t *testing.T) {
	s := New(zaptest.NewLogger(t))

	var panics atomic.Int64
	var healthy atomic.Int64
	require.NoError(t, s.Register("panicky", 10*time.Millisecond, func(ctx context.Context) error {
		panics.Add(1)
		panic("boom")
	}))
	require.NoError(t, s.Register("healthy", 10*time.Millisecond, func(ctx context.Context) error {
		healthy.Add(1)
		return nil
	}))

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return panics.Load() >= 2 && healthy.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_StopHaltsTasks(t *testing.T) {
	s := New(zaptest.NewLogger(t))

	var ticks atomic.Int64
	require.NoError(t, s.Register("tick", 10*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	}))

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return ticks.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	after := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())
}

func TestScheduler_RegisterAfterStart(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	s.Start(context.Background())
	defer s.Stop()

	var ticks atomic.Int64
	require.NoError(t, s.Register("late", 10*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	}))

	assert.Eventually(t, func() bool {
		return ticks.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_ParentContextCancelStops(t *testing.T) {
	s := New(zaptest.NewLogger(t))

	var ticks atomic.Int64
	require.NoError(t, s.Register("tick", 10*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	assert.Eventually(t, func() bool { return ticks.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(30 * time.Millisecond)
	after := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())
	s.Stop()
}
