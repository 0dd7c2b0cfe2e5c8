package outbox_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/taskflow/pkg/eventbus"
	"github.com/iota-uz/taskflow/pkg/outbox"
	"github.com/iota-uz/taskflow/pkg/outbox/memstore"
)

func newPipeline(t *testing.T, clock *clockwork.FakeClock) *outbox.Pipeline {
	t.Helper()
	db := memstore.New(clock)
	p, err := outbox.NewPipeline(outbox.Config{
		Store:            db.Store(),
		Ledger:           db.Ledger(),
		Locker:           db.Locker(""),
		DispatchInterval: time.Second,
		CleanupInterval:  -1,
		Clock:            clock,
	})
	require.NoError(t, err)
	return p
}

func TestPipeline_EndToEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	p := newPipeline(t, clock)

	var delivered atomic.Int32
	require.NoError(t, p.RegisterHandler("TASK_COMPLETED", "stats", func(context.Context, eventbus.Event) error {
		delivered.Add(1)
		return nil
	}))

	id, err := p.Append(ctx, outbox.AppendRequest{
		AggregateID:   "task-9",
		AggregateType: "task",
		EventType:     "TASK_COMPLETED",
		Payload:       map[string]any{"completed_at": t0},
	})
	require.NoError(t, err)

	report, err := p.RunDispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Done)
	require.EqualValues(t, 1, delivered.Load())

	history, err := p.EventsForAggregate(ctx, "task-9", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, id, history[0].ID)
	require.Equal(t, outbox.StatusDone, history[0].Status)

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Count(outbox.StatusDone))

	health, err := p.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, outbox.HealthHealthy, health.Status)

	clock.Advance(31 * day)
	res, err := p.RunCleanupOnce(ctx, outbox.DefaultCleanupOptions())
	require.NoError(t, err)
	require.EqualValues(t, 1, res.EventsDeleted)
}

func TestPipeline_ScheduledDispatch(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClockAt(t0)
	p := newPipeline(t, clock)
	var delivered atomic.Int32
	require.NoError(t, p.RegisterHandler(eventbus.Wildcard, "audit", func(context.Context, eventbus.Event) error {
		delivered.Add(1)
		return nil
	}))

	_, err := p.Append(ctx, outbox.AppendRequest{AggregateID: "day-1", AggregateType: "day", EventType: "DAY_RESET"})
	require.NoError(t, err)

	p.Start(ctx)
	defer p.Stop()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err = p.Append(ctx, outbox.AppendRequest{AggregateID: "day-2", AggregateType: "day", EventType: "DAY_RESET"})
	require.NoError(t, err)
	require.NoError(t, p.TriggerDispatch())
	require.Eventually(t, func() bool { return delivered.Load() == 2 }, time.Second, 5*time.Millisecond)
}
