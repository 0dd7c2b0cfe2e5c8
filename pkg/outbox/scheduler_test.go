package outbox_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/taskflow/pkg/outbox"
)

func TestScheduler_RunsOnInterval(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClockAt(t0)
	s := outbox.NewScheduler(clock, nil)
	var runs atomic.Int32
	require.NoError(t, s.Every("dispatch", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	s.Start(ctx)
	defer s.Stop()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_Trigger(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(t0)
	s := outbox.NewScheduler(clock, nil)
	var runs atomic.Int32
	require.NoError(t, s.Every("cleanup", 0, func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	require.ErrorIs(t, s.Trigger("nope"), outbox.ErrUnknownJob)

	s.Start(context.Background())
	defer s.Stop()
	require.NoError(t, s.Trigger("cleanup"))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_StopWaitsForInFlightRun(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(t0)
	s := outbox.NewScheduler(clock, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var cancelled atomic.Bool
	require.NoError(t, s.Every("dispatch", time.Hour, func(ctx context.Context) error {
		close(started)
		<-release
		cancelled.Store(ctx.Err() != nil)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	require.NoError(t, s.Trigger("dispatch"))
	<-started

	// cancelling the start context stops scheduling, not the running job
	cancel()

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the run finished")
	}
	require.False(t, cancelled.Load())
}

func TestScheduler_Registration(t *testing.T) {
	t.Parallel()

	s := outbox.NewScheduler(nil, nil)
	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Every("dispatch", time.Second, noop))
	require.ErrorIs(t, s.Every("dispatch", time.Second, noop), outbox.ErrInvalidConfig)
	require.ErrorIs(t, s.Every("", time.Second, noop), outbox.ErrInvalidConfig)

	s.Start(context.Background())
	require.ErrorIs(t, s.Every("cleanup", time.Second, noop), outbox.ErrInvalidConfig)
	s.Stop()
	s.Stop()
}
