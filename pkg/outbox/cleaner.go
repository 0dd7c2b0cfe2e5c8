package outbox

import (
	"context"
	"fmt"
	"time"
)

// Rough per-row footprints used for the reclaimed-space estimate.
const (
	estimatedEventRowBytes   = 512
	estimatedHandledRowBytes = 96
	estimatedLockRowBytes    = 64
)

// CleanupResult summarizes one retention pass. In dry-run mode EventsDeleted
// holds the number of events that would have been deleted.
type CleanupResult struct {
	EventsDeleted           int64 `json:"events_deleted"`
	HandledEventsDeleted    int64 `json:"handled_events_deleted"`
	OrphansDeleted          int64 `json:"orphans_deleted"`
	LocksDeleted            int64 `json:"locks_deleted"`
	Batches                 int   `json:"batches"`
	EstimatedBytesReclaimed int64 `json:"estimated_bytes_reclaimed"`
	DryRun                  bool  `json:"dry_run"`
	Skipped                 bool  `json:"skipped"`
}

func (r *CleanupResult) estimate() {
	r.EstimatedBytesReclaimed = r.EventsDeleted*estimatedEventRowBytes +
		(r.HandledEventsDeleted+r.OrphansDeleted)*estimatedHandledRowBytes +
		r.LocksDeleted*estimatedLockRowBytes
}

// Cleaner bounds storage growth. It only ever deletes done and dead events,
// which dispatch never revisits, so it needs no lock shared with dispatch.
type Cleaner struct {
	store  Store
	ledger Ledger
	locker Locker
	opts   CleanerOptions
	m      *metrics
}

func NewCleaner(store Store, ledger Ledger, locker Locker, opts CleanerOptions) (*Cleaner, error) {
	if store == nil {
		return nil, invalidConfig("store is required")
	}
	if ledger == nil {
		return nil, invalidConfig("ledger is required")
	}
	if locker == nil {
		return nil, invalidConfig("locker is required")
	}
	opts.setDefaults()
	return &Cleaner{
		store:  store,
		ledger: ledger,
		locker: locker,
		opts:   opts,
		m:      getMetrics(),
	}, nil
}

// RunOnce runs a full retention pass: expired terminal events in batches,
// orphaned ledger rows and expired locks. A failing batch stops the pass;
// batches already committed stay deleted.
func (c *Cleaner) RunOnce(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	opts.setDefaults()
	result := CleanupResult{DryRun: opts.DryRun}

	acquired, err := c.locker.TryAcquire(ctx, c.opts.LockID, c.opts.LockTTL)
	if err != nil {
		return result, fmt.Errorf("outbox cleanup: acquire lock: %w", err)
	}
	if !acquired {
		result.Skipped = true
		c.m.skippedTotal.WithLabelValues(c.opts.LockID).Inc()
		c.opts.Logger.WithField("lock", c.opts.LockID).Debug("outbox: cleanup lock held elsewhere, skipping run")
		return result, nil
	}
	defer func() {
		if relErr := c.locker.Release(context.WithoutCancel(ctx), c.opts.LockID); relErr != nil {
			c.opts.Logger.WithError(relErr).WithField("lock", c.opts.LockID).Warn("outbox: release cleanup lock failed")
		}
	}()

	now := c.opts.Clock.Now().UTC()
	cutoff := now.Add(-time.Duration(opts.RetentionDays) * 24 * time.Hour)
	statuses := []Status{StatusDone}
	if opts.DeleteDeadLetters {
		statuses = append(statuses, StatusDead)
	}

	if opts.DryRun {
		n, err := c.store.CountTerminalBefore(ctx, statuses, cutoff)
		if err != nil {
			return result, fmt.Errorf("outbox cleanup: count: %w", err)
		}
		result.EventsDeleted = n
		result.estimate()
		return result, nil
	}

	err = c.deleteProcessed(ctx, statuses, cutoff, opts.BatchSize, &result)
	if err == nil {
		result.OrphansDeleted, err = c.CleanupOrphanedHandledEvents(ctx)
	}
	if err == nil {
		result.LocksDeleted, err = c.CleanupExpiredLocks(ctx)
	}
	result.estimate()

	c.opts.Logger.WithFields(map[string]any{
		"events":          result.EventsDeleted,
		"handled_events":  result.HandledEventsDeleted,
		"orphans":         result.OrphansDeleted,
		"locks":           result.LocksDeleted,
		"batches":         result.Batches,
		"bytes_reclaimed": result.EstimatedBytesReclaimed,
	}).Info("outbox: cleanup finished")

	return result, err
}

func (c *Cleaner) deleteProcessed(ctx context.Context, statuses []Status, cutoff time.Time, batchSize int, result *CleanupResult) error {
	for {
		ok, err := c.locker.Extend(ctx, c.opts.LockID, c.opts.LockTTL)
		if err != nil {
			return fmt.Errorf("outbox cleanup: renew lock before batch %d: %w", result.Batches+1, err)
		}
		if !ok {
			return fmt.Errorf("outbox cleanup: before batch %d: %w", result.Batches+1, ErrLockLost)
		}

		ids, err := c.store.FindTerminalBefore(ctx, statuses, cutoff, batchSize)
		if err != nil {
			return fmt.Errorf("outbox cleanup: select batch %d: %w", result.Batches+1, err)
		}
		if len(ids) == 0 {
			return nil
		}

		deleted, err := c.store.DeleteBatch(ctx, ids)
		if err != nil {
			return fmt.Errorf("outbox cleanup: delete batch %d: %w", result.Batches+1, err)
		}
		result.Batches++
		result.EventsDeleted += deleted.Events
		result.HandledEventsDeleted += deleted.HandledEvents
		c.m.cleanupTotal.WithLabelValues("event").Add(float64(deleted.Events))
		c.m.cleanupTotal.WithLabelValues("handled_event").Add(float64(deleted.HandledEvents))

		if len(ids) < batchSize {
			return nil
		}
	}
}

// CleanupOrphanedHandledEvents removes ledger rows whose event is gone.
func (c *Cleaner) CleanupOrphanedHandledEvents(ctx context.Context) (int64, error) {
	n, err := c.ledger.DeleteOrphans(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox cleanup: orphaned handled events: %w", err)
	}
	c.m.cleanupTotal.WithLabelValues("orphan").Add(float64(n))
	return n, nil
}

// CleanupExpiredLocks removes lock rows that are past their expiry.
func (c *Cleaner) CleanupExpiredLocks(ctx context.Context) (int64, error) {
	n, err := c.locker.DeleteExpired(ctx, c.opts.Clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("outbox cleanup: expired locks: %w", err)
	}
	c.m.cleanupTotal.WithLabelValues("lock").Add(float64(n))
	return n, nil
}
