package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the durable event table. Status transitions are idempotent and a
// transition on a missing id is a no-op.
type Store interface {
	// Append inserts env as pending. Implementations join the transaction
	// carried by ctx, if any.
	Append(ctx context.Context, env Envelope) error
	// ClaimBatch returns due pending events oldest first. It does not change them.
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]Envelope, error)

	MarkProcessing(ctx context.Context, id uuid.UUID, now time.Time) error
	MarkDone(ctx context.Context, id uuid.UUID, now time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string, nextAttemptAt, now time.Time) error
	MarkDead(ctx context.Context, id uuid.UUID, attempts int, lastError string, now time.Time) error

	Get(ctx context.Context, id uuid.UUID) (Envelope, error)
	FindByAggregate(ctx context.Context, aggregateID string, limit int) ([]Envelope, error)
	FindByStatus(ctx context.Context, status Status, limit, offset int) ([]Envelope, error)
	// HasEarlierOpen reports whether a pending or processing event for the same
	// aggregate was created before env.
	HasEarlierOpen(ctx context.Context, env Envelope) (bool, error)
	// ReleaseStuck returns processing events untouched since before cutoff to pending.
	ReleaseStuck(ctx context.Context, cutoff, now time.Time) (int64, error)

	FindTerminalBefore(ctx context.Context, statuses []Status, cutoff time.Time, limit int) ([]uuid.UUID, error)
	CountTerminalBefore(ctx context.Context, statuses []Status, cutoff time.Time) (int64, error)
	// DeleteBatch removes events and their ledger rows atomically.
	DeleteBatch(ctx context.Context, ids []uuid.UUID) (DeleteResult, error)

	Summarize(ctx context.Context) ([]Bucket, error)
	FindStuck(ctx context.Context, processingBefore time.Time, attemptThreshold, limit int) ([]Envelope, error)
	// Reset moves a dead event back to pending. ErrNotFound / ErrNotDead otherwise.
	Reset(ctx context.Context, id uuid.UUID, now time.Time) error
	ResetAllDead(ctx context.Context, now time.Time) (int64, error)
}

// Ledger records successful (event, handler) deliveries.
type Ledger interface {
	IsHandled(ctx context.Context, eventID uuid.UUID, handlerID string) (bool, error)
	// MarkHandled inserts the pair; a duplicate insert is a no-op.
	MarkHandled(ctx context.Context, eventID uuid.UUID, handlerID string, at time.Time) error
	HandledBy(ctx context.Context, eventID uuid.UUID) ([]string, error)
	DeleteFor(ctx context.Context, eventIDs []uuid.UUID) (int64, error)
	// DeleteOrphans removes rows whose event no longer exists.
	DeleteOrphans(ctx context.Context) (int64, error)
}

// Locker provides time-bounded advisory locks.
type Locker interface {
	// TryAcquire atomically takes lockID for ttl unless a live lock exists.
	TryAcquire(ctx context.Context, lockID string, ttl time.Duration) (bool, error)
	// Extend pushes the expiry of a lock this holder still owns to now+ttl.
	// It reports false when the lock expired or belongs to someone else.
	Extend(ctx context.Context, lockID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
