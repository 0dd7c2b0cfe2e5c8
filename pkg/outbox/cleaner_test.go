package outbox_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/taskflow/pkg/eventbus"
	"github.com/iota-uz/taskflow/pkg/outbox"
)

const day = 24 * time.Hour

func (h *harness) cleaner(t *testing.T, store outbox.Store) *outbox.Cleaner {
	t.Helper()
	if store == nil {
		store = h.store
	}
	c, err := outbox.NewCleaner(store, h.ledger, h.locker, outbox.CleanerOptions{Clock: h.clock})
	require.NoError(t, err)
	return c
}

type retentionFixture struct {
	done    uuid.UUID
	dead    uuid.UUID
	pending uuid.UUID
}

// seedRetention leaves one done, one dead and one never-dispatched pending
// event, all created at t0, then moves the clock forward by age.
func seedRetention(t *testing.T, h *harness, age time.Duration) retentionFixture {
	t.Helper()
	ctx := context.Background()

	h.registry.MustRegister("TASK_CREATED", "stats", func(context.Context, eventbus.Event) error { return nil })
	h.registry.MustRegister("TASK_DELETED", "audit", func(context.Context, eventbus.Event) error { return nil })
	h.registry.MustRegister("TASK_DELETED", "strict", func(context.Context, eventbus.Event) error {
		return outbox.Permanent(errors.New("unknown task"))
	})

	var f retentionFixture
	f.done = h.append(t, "task-1", "TASK_CREATED")
	f.dead = h.append(t, "task-2", "TASK_DELETED")

	report, err := h.dispatcher(t, outbox.DispatcherOptions{}).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Done)
	require.Equal(t, 1, report.Dead)

	f.pending = h.append(t, "task-3", "TASK_COMPLETED")
	h.clock.Advance(age)
	return f
}

func TestCleaner_RetentionScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	// a lock left behind by a crashed process
	ghost := h.db.Locker("ghost")
	acquired, err := ghost.TryAcquire(ctx, "sync:remote", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	f := seedRetention(t, h, 40*day)
	require.NoError(t, h.ledger.MarkHandled(ctx, uuid.New(), "stats", t0))

	res, err := h.cleaner(t, nil).RunOnce(ctx, outbox.DefaultCleanupOptions())
	require.NoError(t, err)
	require.EqualValues(t, 1, res.EventsDeleted)
	require.EqualValues(t, 1, res.HandledEventsDeleted)
	require.EqualValues(t, 1, res.OrphansDeleted)
	require.EqualValues(t, 1, res.LocksDeleted)
	require.Equal(t, 1, res.Batches)
	require.EqualValues(t, 512+2*96+64, res.EstimatedBytesReclaimed)

	_, err = h.store.Get(ctx, f.done)
	require.ErrorIs(t, err, outbox.ErrNotFound)

	dead, err := h.store.Get(ctx, f.dead)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusDead, dead.Status)
	handled, err := h.ledger.HandledBy(ctx, f.dead)
	require.NoError(t, err)
	require.Equal(t, []string{"audit"}, handled)

	pending, err := h.store.Get(ctx, f.pending)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusPending, pending.Status)

	_, held := h.locker.Lock(outbox.CleanupLockID)
	require.False(t, held)
}

func TestCleaner_DeadLettersCanBeDeleted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	f := seedRetention(t, h, 40*day)

	opts := outbox.DefaultCleanupOptions()
	opts.DeleteDeadLetters = true
	res, err := h.cleaner(t, nil).RunOnce(ctx, opts)
	require.NoError(t, err)
	require.EqualValues(t, 2, res.EventsDeleted)
	require.EqualValues(t, 2, res.HandledEventsDeleted)

	_, err = h.store.Get(ctx, f.dead)
	require.ErrorIs(t, err, outbox.ErrNotFound)
	_, err = h.store.Get(ctx, f.pending)
	require.NoError(t, err)
}

func TestCleaner_ZeroOptionsKeepDeadLetters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	f := seedRetention(t, h, 40*day)

	res, err := h.cleaner(t, nil).RunOnce(ctx, outbox.CleanupOptions{RetentionDays: 30})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.EventsDeleted)

	dead, err := h.store.Get(ctx, f.dead)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusDead, dead.Status)

	res, err = h.cleaner(t, nil).RunOnce(ctx, outbox.CleanupOptions{})
	require.NoError(t, err)
	require.Zero(t, res.EventsDeleted)
	_, err = h.store.Get(ctx, f.dead)
	require.NoError(t, err)
}

func TestCleaner_KeepsEventsInsideRetention(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	f := seedRetention(t, h, 29*day)

	res, err := h.cleaner(t, nil).RunOnce(ctx, outbox.DefaultCleanupOptions())
	require.NoError(t, err)
	require.Zero(t, res.EventsDeleted)

	_, err = h.store.Get(ctx, f.done)
	require.NoError(t, err)
}

func TestCleaner_DryRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	f := seedRetention(t, h, 40*day)
	require.NoError(t, h.ledger.MarkHandled(ctx, uuid.New(), "stats", t0))

	opts := outbox.DefaultCleanupOptions()
	opts.DryRun = true
	res, err := h.cleaner(t, nil).RunOnce(ctx, opts)
	require.NoError(t, err)
	require.True(t, res.DryRun)
	require.EqualValues(t, 1, res.EventsDeleted)
	require.Zero(t, res.OrphansDeleted)
	require.Zero(t, res.Batches)

	_, err = h.store.Get(ctx, f.done)
	require.NoError(t, err)
}

func TestCleaner_Batches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.registry.MustRegister("DAY_RESET", "stats", func(context.Context, eventbus.Event) error { return nil })
	for range 5 {
		h.append(t, "day-2026-03-01", "DAY_RESET")
	}
	_, err := h.dispatcher(t, outbox.DispatcherOptions{}).RunOnce(ctx)
	require.NoError(t, err)
	h.clock.Advance(31 * day)

	res, err := h.cleaner(t, nil).RunOnce(ctx, outbox.CleanupOptions{RetentionDays: 30, BatchSize: 2})
	require.NoError(t, err)
	require.EqualValues(t, 5, res.EventsDeleted)
	require.EqualValues(t, 5, res.HandledEventsDeleted)
	require.Equal(t, 3, res.Batches)
}

type failingDeleteStore struct {
	outbox.Store
	calls  atomic.Int32
	failOn int32
}

func (s *failingDeleteStore) DeleteBatch(ctx context.Context, ids []uuid.UUID) (outbox.DeleteResult, error) {
	if s.calls.Add(1) == s.failOn {
		return outbox.DeleteResult{}, errors.New("statement timeout")
	}
	return s.Store.DeleteBatch(ctx, ids)
}

func TestCleaner_FailedBatchKeepsCommittedBatches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.registry.MustRegister("DAY_RESET", "stats", func(context.Context, eventbus.Event) error { return nil })
	for range 5 {
		h.append(t, "day-2026-03-01", "DAY_RESET")
	}
	_, err := h.dispatcher(t, outbox.DispatcherOptions{}).RunOnce(ctx)
	require.NoError(t, err)
	h.clock.Advance(31 * day)

	store := &failingDeleteStore{Store: h.store, failOn: 2}
	res, err := h.cleaner(t, store).RunOnce(ctx, outbox.CleanupOptions{RetentionDays: 30, BatchSize: 2})
	require.ErrorContains(t, err, "delete batch 2")
	require.EqualValues(t, 2, res.EventsDeleted)
	require.Equal(t, 1, res.Batches)

	done, err := h.store.FindByStatus(ctx, outbox.StatusDone, 10, 0)
	require.NoError(t, err)
	require.Len(t, done, 3)

	_, held := h.locker.Lock(outbox.CleanupLockID)
	require.False(t, held)
}

func TestCleaner_SkipsWhenLockHeld(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	seedRetention(t, h, 40*day)

	other := h.db.Locker("other-cleaner")
	acquired, err := other.TryAcquire(ctx, outbox.CleanupLockID, time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	res, err := h.cleaner(t, nil).RunOnce(ctx, outbox.DefaultCleanupOptions())
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Zero(t, res.EventsDeleted)
}

// stolenAfterLocker reports the lease as lost once extended more than keep times.
type stolenAfterLocker struct {
	outbox.Locker
	keep    int32
	extends atomic.Int32
}

func (l *stolenAfterLocker) Extend(ctx context.Context, lockID string, ttl time.Duration) (bool, error) {
	if l.extends.Add(1) > l.keep {
		return false, nil
	}
	return l.Locker.Extend(ctx, lockID, ttl)
}

func TestCleaner_StopsWhenLeaseIsLost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.registry.MustRegister("DAY_RESET", "stats", func(context.Context, eventbus.Event) error { return nil })
	for range 5 {
		h.append(t, "day-2026-03-01", "DAY_RESET")
	}
	_, err := h.dispatcher(t, outbox.DispatcherOptions{}).RunOnce(ctx)
	require.NoError(t, err)
	h.clock.Advance(31 * day)

	locker := &stolenAfterLocker{Locker: h.locker, keep: 1}
	c, err := outbox.NewCleaner(h.store, h.ledger, locker, outbox.CleanerOptions{Clock: h.clock})
	require.NoError(t, err)

	res, err := c.RunOnce(ctx, outbox.CleanupOptions{RetentionDays: 30, BatchSize: 2})
	require.ErrorIs(t, err, outbox.ErrLockLost)
	require.EqualValues(t, 2, res.EventsDeleted)
	require.Equal(t, 1, res.Batches)

	done, err := h.store.FindByStatus(ctx, outbox.StatusDone, 10, 0)
	require.NoError(t, err)
	require.Len(t, done, 3)
}
