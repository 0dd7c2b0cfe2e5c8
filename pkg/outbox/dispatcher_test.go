package outbox_test

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/taskflow/pkg/eventbus"
	"github.com/iota-uz/taskflow/pkg/outbox"
	"github.com/iota-uz/taskflow/pkg/outbox/memstore"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	clock    *clockwork.FakeClock
	db       *memstore.DB
	store    outbox.Store
	ledger   *memstore.Ledger
	locker   *memstore.Locker
	registry *eventbus.Registry
	pub      *outbox.Publisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	db := memstore.New(clock)
	pub, err := outbox.NewPublisher(db.Store(), clock)
	require.NoError(t, err)
	return &harness{
		clock:    clock,
		db:       db,
		store:    db.Store(),
		ledger:   db.Ledger(),
		locker:   db.Locker("worker-1"),
		registry: eventbus.NewRegistry(),
		pub:      pub,
	}
}

func (h *harness) dispatcher(t *testing.T, opts outbox.DispatcherOptions) *outbox.Dispatcher {
	t.Helper()
	opts.Clock = h.clock
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(1))
	}
	d, err := outbox.NewDispatcher(h.store, h.ledger, h.locker, h.registry, opts)
	require.NoError(t, err)
	return d
}

func (h *harness) append(t *testing.T, aggregateID, eventType string) uuid.UUID {
	t.Helper()
	id, err := h.pub.Append(context.Background(), outbox.AppendRequest{
		AggregateID:   aggregateID,
		AggregateType: "task",
		EventType:     eventType,
		Payload:       map[string]string{"title": "water plants"},
	})
	require.NoError(t, err)
	return id
}

func (h *harness) get(t *testing.T, id uuid.UUID) outbox.Envelope {
	t.Helper()
	env, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return env
}

func counting(calls *atomic.Int32, fail func(n int32) error) eventbus.HandlerFunc {
	return func(context.Context, eventbus.Event) error {
		n := calls.Add(1)
		if fail == nil {
			return nil
		}
		return fail(n)
	}
}

func TestDispatcher_PartialFailureThenSuccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	var h1, h2 atomic.Int32
	h.registry.MustRegister("TASK_CREATED", "H1", counting(&h1, nil))
	h.registry.MustRegister("TASK_CREATED", "H2", counting(&h2, func(n int32) error {
		if n <= 2 {
			return errors.New("sync endpoint unreachable")
		}
		return nil
	}))
	d := h.dispatcher(t, outbox.DispatcherOptions{})

	id := h.append(t, "task-1", "TASK_CREATED")

	report, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Retried)
	env := h.get(t, id)
	require.Equal(t, outbox.StatusPending, env.Status)
	require.Equal(t, 1, env.AttemptCount)
	require.Contains(t, env.LastError, "sync endpoint unreachable")
	handled, err := h.ledger.HandledBy(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []string{"H1"}, handled)

	// not due yet
	report, err = d.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Claimed)

	h.clock.Advance(2 * time.Second)
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)
	env = h.get(t, id)
	require.Equal(t, outbox.StatusPending, env.Status)
	require.Equal(t, 2, env.AttemptCount)

	h.clock.Advance(5 * time.Second)
	report, err = d.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Done)

	env = h.get(t, id)
	require.Equal(t, outbox.StatusDone, env.Status)
	require.Equal(t, 2, env.AttemptCount)
	require.Empty(t, env.LastError)
	require.NotNil(t, env.ProcessedAt)

	require.EqualValues(t, 1, h1.Load())
	require.EqualValues(t, 3, h2.Load())
	handled, err = h.ledger.HandledBy(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []string{"H1", "H2"}, handled)
}

func TestDispatcher_BackoffSchedule(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.registry.MustRegister("TASK_CREATED", "flaky", func(context.Context, eventbus.Event) error {
		return errors.New("try later")
	})
	d := h.dispatcher(t, outbox.DispatcherOptions{MaxAttempts: 20})
	id := h.append(t, "task-1", "TASK_CREATED")

	for attempt := 1; attempt <= 12; attempt++ {
		now := h.clock.Now()
		report, err := d.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, report.Retried)

		env := h.get(t, id)
		require.Equal(t, attempt, env.AttemptCount)
		require.NotNil(t, env.NextAttemptAt)

		base := time.Second << (attempt - 1)
		if base > 5*time.Minute {
			base = 5 * time.Minute
		}
		delay := env.NextAttemptAt.Sub(now)
		require.GreaterOrEqual(t, delay, base)
		require.LessOrEqual(t, delay, base+200*time.Millisecond)

		h.clock.Advance(delay)
	}
}

func TestDispatcher_DeadAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.registry.MustRegister("TASK_CREATED", "broken", func(context.Context, eventbus.Event) error {
		return errors.New("still broken")
	})
	d := h.dispatcher(t, outbox.DispatcherOptions{MaxAttempts: 3})
	id := h.append(t, "task-1", "TASK_CREATED")

	last := 0
	for range 3 {
		_, err := d.RunOnce(ctx)
		require.NoError(t, err)
		env := h.get(t, id)
		require.Greater(t, env.AttemptCount, last)
		last = env.AttemptCount
		if env.Status != outbox.StatusDead {
			require.Less(t, env.AttemptCount, 3)
		}
		h.clock.Advance(10 * time.Minute)
	}

	env := h.get(t, id)
	require.Equal(t, outbox.StatusDead, env.Status)
	require.Equal(t, 3, env.AttemptCount)
	require.Contains(t, env.LastError, "still broken")

	// dead events are never claimed again
	report, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Claimed)
}

func TestDispatcher_PermanentErrorDeadLettersImmediately(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.registry.MustRegister("TASK_CREATED", "strict", func(context.Context, eventbus.Event) error {
		return outbox.Permanent(errors.New("payload rejected"))
	})
	d := h.dispatcher(t, outbox.DispatcherOptions{})
	id := h.append(t, "task-1", "TASK_CREATED")

	report, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Dead)

	env := h.get(t, id)
	require.Equal(t, outbox.StatusDead, env.Status)
	require.Equal(t, 1, env.AttemptCount)
}

func TestDispatcher_PanickingHandlerIsIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	var ok atomic.Int32
	h.registry.MustRegister("TASK_CREATED", "panics", func(context.Context, eventbus.Event) error {
		panic("nil map write")
	})
	h.registry.MustRegister("TASK_CREATED", "stats", counting(&ok, nil))
	d := h.dispatcher(t, outbox.DispatcherOptions{})

	id := h.append(t, "task-1", "TASK_CREATED")
	other := h.append(t, "task-2", "TASK_DELETED")

	report, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Claimed)
	require.Equal(t, 1, report.Retried)
	require.Equal(t, 1, report.Done)

	env := h.get(t, id)
	require.Equal(t, outbox.StatusPending, env.Status)
	require.Contains(t, env.LastError, "panicked")
	require.EqualValues(t, 1, ok.Load())

	// no handlers registered for TASK_DELETED
	require.Equal(t, outbox.StatusDone, h.get(t, other).Status)
}

func TestDispatcher_SkipsWhenLockHeld(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	var calls atomic.Int32
	h.registry.MustRegister("TASK_CREATED", "stats", counting(&calls, nil))
	d := h.dispatcher(t, outbox.DispatcherOptions{})
	id := h.append(t, "task-1", "TASK_CREATED")

	other := h.db.Locker("worker-2")
	acquired, err := other.TryAcquire(ctx, outbox.DispatchLockID, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	report, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, report.Skipped)
	require.Zero(t, calls.Load())
	require.Equal(t, outbox.StatusPending, h.get(t, id).Status)

	// the skipped run must not have released the other holder's lock
	rec, held := other.Lock(outbox.DispatchLockID)
	require.True(t, held)
	require.Equal(t, "worker-2", rec.Holder)

	require.NoError(t, other.Release(ctx, outbox.DispatchLockID))
	report, err = d.RunOnce(ctx)
	require.NoError(t, err)
	require.False(t, report.Skipped)
	require.EqualValues(t, 1, calls.Load())

	_, held = h.locker.Lock(outbox.DispatchLockID)
	require.False(t, held)
}

type failingClaimStore struct {
	outbox.Store
	err error
}

func (s failingClaimStore) ClaimBatch(context.Context, int, time.Time) ([]outbox.Envelope, error) {
	return nil, s.err
}

func TestDispatcher_ReleasesLockOnClaimError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	boom := errors.New("connection reset")
	d, err := outbox.NewDispatcher(failingClaimStore{Store: h.store, err: boom}, h.ledger, h.locker, h.registry,
		outbox.DispatcherOptions{Clock: h.clock})
	require.NoError(t, err)

	_, err = d.RunOnce(ctx)
	require.ErrorIs(t, err, boom)

	_, held := h.locker.Lock(outbox.DispatchLockID)
	require.False(t, held)
}

func TestDispatcher_SerializeAggregates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	var seen []string
	h.registry.MustRegister(eventbus.Wildcard, "sync", func(_ context.Context, evt eventbus.Event) error {
		seen = append(seen, evt.AggregateID+":"+evt.Type)
		if evt.Type == "TASK_CREATED" && evt.AggregateID == "A" && evt.Attempt == 1 {
			return errors.New("remote busy")
		}
		return nil
	})
	d := h.dispatcher(t, outbox.DispatcherOptions{SerializeAggregates: true})

	first := h.append(t, "A", "TASK_CREATED")
	second := h.append(t, "A", "TASK_COMPLETED")
	h.append(t, "B", "TASK_CREATED")

	report, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Retried)
	require.Equal(t, 1, report.Deferred)
	require.Equal(t, 1, report.Done)
	require.Equal(t, []string{"A:TASK_CREATED", "B:TASK_CREATED"}, seen)
	require.Equal(t, outbox.StatusPending, h.get(t, second).Status)
	require.Zero(t, h.get(t, second).AttemptCount)

	// while the first event waits out its backoff the second stays held back
	report, err = d.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Deferred)

	h.clock.Advance(time.Minute)
	report, err = d.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Done)
	require.Equal(t, outbox.StatusDone, h.get(t, first).Status)
	require.Equal(t, []string{"A:TASK_CREATED", "B:TASK_CREATED", "A:TASK_CREATED", "A:TASK_COMPLETED"}, seen)
}

func TestDispatcher_ReleasesAbandonedProcessingEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	var calls atomic.Int32
	h.registry.MustRegister("TASK_CREATED", "stats", counting(&calls, nil))
	d := h.dispatcher(t, outbox.DispatcherOptions{LockTTL: time.Minute, StuckAfter: 2 * time.Minute})

	id := h.append(t, "task-1", "TASK_CREATED")
	// a worker marked it processing and then died
	require.NoError(t, h.store.MarkProcessing(ctx, id, h.clock.Now()))

	report, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Released)
	require.Zero(t, report.Claimed)

	// the dead worker's lease is gone but the event is not stuck yet
	h.clock.Advance(90 * time.Second)
	report, err = d.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Released)
	require.Equal(t, outbox.StatusProcessing, h.get(t, id).Status)

	h.clock.Advance(time.Minute)
	report, err = d.RunOnce(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, report.Released)
	require.Equal(t, 1, report.Done)
	require.Equal(t, outbox.StatusDone, h.get(t, id).Status)
}

func TestDispatcher_HandlerTimeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.registry.MustRegister("TASK_CREATED", "slow", func(ctx context.Context, _ eventbus.Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	d := h.dispatcher(t, outbox.DispatcherOptions{HandlerTimeout: 20 * time.Millisecond})
	id := h.append(t, "task-1", "TASK_CREATED")

	report, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Retried)
	require.Contains(t, h.get(t, id).LastError, context.DeadlineExceeded.Error())
}

func TestDispatcher_HandlerReceivesEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	var got eventbus.Event
	h.registry.MustRegister("TASK_CREATED", "capture", func(_ context.Context, evt eventbus.Event) error {
		got = evt
		return nil
	})
	d := h.dispatcher(t, outbox.DispatcherOptions{})
	id := h.append(t, "task-1", "TASK_CREATED")

	_, err := d.RunOnce(ctx)
	require.NoError(t, err)

	require.Equal(t, id, got.ID)
	require.Equal(t, "task-1", got.AggregateID)
	require.Equal(t, 1, got.Attempt)
	var payload struct {
		Title string `json:"title"`
	}
	require.NoError(t, got.Decode(&payload))
	require.Equal(t, "water plants", payload.Title)
}

func TestNewDispatcher_Validation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := outbox.NewDispatcher(nil, h.ledger, h.locker, h.registry, outbox.DispatcherOptions{})
	require.ErrorIs(t, err, outbox.ErrInvalidConfig)

	_, err = outbox.NewDispatcher(h.store, h.ledger, h.locker, h.registry, outbox.DispatcherOptions{
		MinBackoff: time.Minute,
		MaxBackoff: time.Second,
	})
	require.ErrorIs(t, err, outbox.ErrInvalidConfig)

	_, err = outbox.NewDispatcher(h.store, h.ledger, h.locker, h.registry, outbox.DispatcherOptions{MaxAttempts: -1})
	require.ErrorIs(t, err, outbox.ErrInvalidConfig)
}
