// Package pgstore implements the outbox tables on PostgreSQL with pgx.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/iota-uz/taskflow/pkg/composables"
	"github.com/iota-uz/taskflow/pkg/outbox"
	"github.com/iota-uz/taskflow/pkg/repo"
)

const envelopeColumns = `id, aggregate_id, aggregate_type, event_type, payload, status, attempt_count,
	created_at, updated_at, next_attempt_at, processed_at, last_error`

// DB binds the stores to a pool. Every statement runs on the transaction
// carried by ctx when there is one.
type DB struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

func New(pool *pgxpool.Pool, clock clockwork.Clock) *DB {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DB{pool: pool, clock: clock}
}

func (db *DB) Pool() *pgxpool.Pool { return db.pool }

func (db *DB) Store() *Store   { return &Store{db: db} }
func (db *DB) Ledger() *Ledger { return &Ledger{db: db} }

// Locker returns a lock client identified by holder. An empty holder gets a
// random one.
func (db *DB) Locker(holder string) *Locker {
	if holder == "" {
		holder = uuid.NewString()
	}
	return &Locker{db: db, holder: holder}
}

func (db *DB) conn(ctx context.Context) repo.Tx {
	if tx, ok := composables.CurrentTx(ctx); ok {
		return tx
	}
	return db.pool
}

func (db *DB) inTx(ctx context.Context, fn func(context.Context) error) error {
	if _, ok := composables.CurrentTx(ctx); ok {
		return fn(ctx)
	}
	return composables.InPoolTx(ctx, db.pool, fn)
}

func statusStrings(statuses []outbox.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func scanEnvelope(row pgx.Row) (outbox.Envelope, error) {
	var (
		env       outbox.Envelope
		status    string
		lastError *string
	)
	err := row.Scan(
		&env.ID,
		&env.AggregateID,
		&env.AggregateType,
		&env.EventType,
		&env.Payload,
		&status,
		&env.AttemptCount,
		&env.CreatedAt,
		&env.UpdatedAt,
		&env.NextAttemptAt,
		&env.ProcessedAt,
		&lastError,
	)
	if err != nil {
		return outbox.Envelope{}, err
	}
	env.Status = outbox.Status(status)
	if lastError != nil {
		env.LastError = *lastError
	}
	return env, nil
}

func collectEnvelopes(rows pgx.Rows) ([]outbox.Envelope, error) {
	defer rows.Close()
	out := make([]outbox.Envelope, 0)
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

type Store struct {
	db *DB
}

var _ outbox.Store = (*Store)(nil)

func (s *Store) Append(ctx context.Context, env outbox.Envelope) error {
	_, err := s.db.conn(ctx).Exec(ctx, `
INSERT INTO outbox_events (id, aggregate_id, aggregate_type, event_type, payload, status, attempt_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $7)`,
		env.ID, env.AggregateID, env.AggregateType, env.EventType, []byte(env.Payload), env.CreatedAt, env.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("pgstore: append %s: %w", env.ID, err)
	}
	return nil
}

func (s *Store) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]outbox.Envelope, error) {
	rows, err := s.db.conn(ctx).Query(ctx, `
SELECT `+envelopeColumns+`
FROM outbox_events
WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
ORDER BY created_at, id
LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: claim: %w", err)
	}
	return collectEnvelopes(rows)
}

func (s *Store) exec(ctx context.Context, op, sql string, args ...any) error {
	if _, err := s.db.conn(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("pgstore: %s: %w", op, err)
	}
	return nil
}

func (s *Store) MarkProcessing(ctx context.Context, id uuid.UUID, now time.Time) error {
	return s.exec(ctx, "mark processing", `
UPDATE outbox_events SET status = 'processing', updated_at = $2
WHERE id = $1 AND status IN ('pending', 'processing')`, id, now)
}

func (s *Store) MarkDone(ctx context.Context, id uuid.UUID, now time.Time) error {
	return s.exec(ctx, "mark done", `
UPDATE outbox_events
SET status = 'done', last_error = NULL, next_attempt_at = NULL, processed_at = $2, updated_at = $2
WHERE id = $1 AND status <> 'done'`, id, now)
}

func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string, nextAttemptAt, now time.Time) error {
	return s.exec(ctx, "mark failed", `
UPDATE outbox_events
SET status = 'pending', attempt_count = GREATEST(attempt_count, $2), last_error = $3, next_attempt_at = $4, updated_at = $5
WHERE id = $1 AND status IN ('pending', 'processing')`, id, attempts, lastError, nextAttemptAt, now)
}

func (s *Store) MarkDead(ctx context.Context, id uuid.UUID, attempts int, lastError string, now time.Time) error {
	return s.exec(ctx, "mark dead", `
UPDATE outbox_events
SET status = 'dead', attempt_count = GREATEST(attempt_count, $2), last_error = $3, next_attempt_at = NULL,
    processed_at = $4, updated_at = $4
WHERE id = $1 AND status <> 'dead'`, id, attempts, lastError, now)
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (outbox.Envelope, error) {
	env, err := scanEnvelope(s.db.conn(ctx).QueryRow(ctx, `SELECT `+envelopeColumns+` FROM outbox_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return outbox.Envelope{}, outbox.ErrNotFound
	}
	if err != nil {
		return outbox.Envelope{}, fmt.Errorf("pgstore: get %s: %w", id, err)
	}
	return env, nil
}

func (s *Store) FindByAggregate(ctx context.Context, aggregateID string, limit int) ([]outbox.Envelope, error) {
	rows, err := s.db.conn(ctx).Query(ctx, `
SELECT `+envelopeColumns+`
FROM outbox_events
WHERE aggregate_id = $1
ORDER BY created_at, id
LIMIT $2`, aggregateID, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: find by aggregate: %w", err)
	}
	return collectEnvelopes(rows)
}

func (s *Store) FindByStatus(ctx context.Context, status outbox.Status, limit, offset int) ([]outbox.Envelope, error) {
	rows, err := s.db.conn(ctx).Query(ctx, `
SELECT `+envelopeColumns+`
FROM outbox_events
WHERE status = $1
ORDER BY created_at, id
LIMIT $2 OFFSET $3`, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("pgstore: find by status: %w", err)
	}
	return collectEnvelopes(rows)
}

func (s *Store) HasEarlierOpen(ctx context.Context, env outbox.Envelope) (bool, error) {
	var exists bool
	err := s.db.conn(ctx).QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM outbox_events
  WHERE aggregate_type = $1 AND aggregate_id = $2 AND id <> $3
    AND status IN ('pending', 'processing') AND created_at < $4
)`, env.AggregateType, env.AggregateID, env.ID, env.CreatedAt).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("pgstore: aggregate order: %w", err)
	}
	return exists, nil
}

func (s *Store) ReleaseStuck(ctx context.Context, cutoff, now time.Time) (int64, error) {
	tag, err := s.db.conn(ctx).Exec(ctx, `
UPDATE outbox_events SET status = 'pending', next_attempt_at = NULL, updated_at = $2
WHERE status = 'processing' AND updated_at < $1`, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("pgstore: release stuck: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) FindTerminalBefore(ctx context.Context, statuses []outbox.Status, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.conn(ctx).Query(ctx, `
SELECT id FROM outbox_events
WHERE status = ANY($1::text[]) AND status IN ('done', 'dead') AND COALESCE(processed_at, created_at) < $2
ORDER BY COALESCE(processed_at, created_at), id
LIMIT $3`, statusStrings(statuses), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: find expired: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("pgstore: find expired: %w", err)
	}
	return ids, nil
}

func (s *Store) CountTerminalBefore(ctx context.Context, statuses []outbox.Status, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.conn(ctx).QueryRow(ctx, `
SELECT count(*)::bigint FROM outbox_events
WHERE status = ANY($1::text[]) AND status IN ('done', 'dead') AND COALESCE(processed_at, created_at) < $2`,
		statusStrings(statuses), cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pgstore: count expired: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteBatch(ctx context.Context, ids []uuid.UUID) (outbox.DeleteResult, error) {
	var res outbox.DeleteResult
	if len(ids) == 0 {
		return res, nil
	}
	err := s.db.inTx(ctx, func(ctx context.Context) error {
		tx := s.db.conn(ctx)
		tag, err := tx.Exec(ctx, `DELETE FROM outbox_handled_events WHERE event_id = ANY($1::uuid[])`, idStrings(ids))
		if err != nil {
			return err
		}
		res.HandledEvents = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `DELETE FROM outbox_events WHERE id = ANY($1::uuid[]) AND status IN ('done', 'dead')`, idStrings(ids))
		if err != nil {
			return err
		}
		res.Events = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return outbox.DeleteResult{}, fmt.Errorf("pgstore: delete batch: %w", err)
	}
	return res, nil
}

func (s *Store) Summarize(ctx context.Context) ([]outbox.Bucket, error) {
	rows, err := s.db.conn(ctx).Query(ctx, `
SELECT status, event_type, aggregate_type, count(*)::bigint, min(created_at), max(created_at)
FROM outbox_events
GROUP BY status, event_type, aggregate_type
ORDER BY status, event_type, aggregate_type`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: summarize: %w", err)
	}
	defer rows.Close()

	out := make([]outbox.Bucket, 0)
	for rows.Next() {
		var (
			b      outbox.Bucket
			status string
		)
		if err := rows.Scan(&status, &b.EventType, &b.AggregateType, &b.Count, &b.Oldest, &b.Newest); err != nil {
			return nil, fmt.Errorf("pgstore: summarize: %w", err)
		}
		b.Status = outbox.Status(status)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) FindStuck(ctx context.Context, processingBefore time.Time, attemptThreshold, limit int) ([]outbox.Envelope, error) {
	rows, err := s.db.conn(ctx).Query(ctx, `
SELECT `+envelopeColumns+`
FROM outbox_events
WHERE status IN ('pending', 'processing')
  AND ((status = 'processing' AND updated_at < $1) OR attempt_count >= $2)
ORDER BY created_at, id
LIMIT $3`, processingBefore, attemptThreshold, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: find stuck: %w", err)
	}
	return collectEnvelopes(rows)
}

const resetDeadSQL = `
UPDATE outbox_events
SET status = 'pending', attempt_count = 0, last_error = NULL, next_attempt_at = $1, processed_at = NULL, updated_at = $1
WHERE status = 'dead'`

func (s *Store) Reset(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := s.db.conn(ctx).Exec(ctx, resetDeadSQL+` AND id = $2`, now, id)
	if err != nil {
		return fmt.Errorf("pgstore: reset %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return outbox.ErrNotDead
}

func (s *Store) ResetAllDead(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.conn(ctx).Exec(ctx, resetDeadSQL, now)
	if err != nil {
		return 0, fmt.Errorf("pgstore: reset dead: %w", err)
	}
	return tag.RowsAffected(), nil
}

type Ledger struct {
	db *DB
}

var _ outbox.Ledger = (*Ledger)(nil)

func (l *Ledger) IsHandled(ctx context.Context, eventID uuid.UUID, handlerID string) (bool, error) {
	var exists bool
	err := l.db.conn(ctx).QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM outbox_handled_events WHERE event_id = $1 AND handler_id = $2)`,
		eventID, handlerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("pgstore: ledger lookup: %w", err)
	}
	return exists, nil
}

func (l *Ledger) MarkHandled(ctx context.Context, eventID uuid.UUID, handlerID string, at time.Time) error {
	_, err := l.db.conn(ctx).Exec(ctx, `
INSERT INTO outbox_handled_events (event_id, handler_id, processed_at) VALUES ($1, $2, $3)
ON CONFLICT (event_id, handler_id) DO NOTHING`, eventID, handlerID, at)
	if err != nil {
		return fmt.Errorf("pgstore: ledger insert: %w", err)
	}
	return nil
}

func (l *Ledger) HandledBy(ctx context.Context, eventID uuid.UUID) ([]string, error) {
	rows, err := l.db.conn(ctx).Query(ctx, `
SELECT handler_id FROM outbox_handled_events WHERE event_id = $1 ORDER BY handler_id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: ledger handled by: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (l *Ledger) DeleteFor(ctx context.Context, eventIDs []uuid.UUID) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	tag, err := l.db.conn(ctx).Exec(ctx, `DELETE FROM outbox_handled_events WHERE event_id = ANY($1::uuid[])`, idStrings(eventIDs))
	if err != nil {
		return 0, fmt.Errorf("pgstore: ledger delete: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (l *Ledger) DeleteOrphans(ctx context.Context) (int64, error) {
	tag, err := l.db.conn(ctx).Exec(ctx, `
DELETE FROM outbox_handled_events h
WHERE NOT EXISTS (SELECT 1 FROM outbox_events e WHERE e.id = h.event_id)`)
	if err != nil {
		return 0, fmt.Errorf("pgstore: ledger orphans: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Locker implements lock rows with a single conditional upsert, so two
// processes can never both observe a free lock and take it.
type Locker struct {
	db     *DB
	holder string
}

var _ outbox.Locker = (*Locker)(nil)

func (l *Locker) Holder() string { return l.holder }

func (l *Locker) TryAcquire(ctx context.Context, lockID string, ttl time.Duration) (bool, error) {
	now := l.db.clock.Now().UTC()
	tag, err := l.db.conn(ctx).Exec(ctx, `
INSERT INTO outbox_locks (id, holder, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
WHERE outbox_locks.expires_at <= $4`, lockID, l.holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("pgstore: acquire %s: %w", lockID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *Locker) Extend(ctx context.Context, lockID string, ttl time.Duration) (bool, error) {
	now := l.db.clock.Now().UTC()
	tag, err := l.db.conn(ctx).Exec(ctx, `
UPDATE outbox_locks SET expires_at = $3
WHERE id = $1 AND holder = $2 AND expires_at > $4`, lockID, l.holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("pgstore: extend %s: %w", lockID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release drops the lock only if this holder owns it.
func (l *Locker) Release(ctx context.Context, lockID string) error {
	_, err := l.db.conn(ctx).Exec(ctx, `DELETE FROM outbox_locks WHERE id = $1 AND holder = $2`, lockID, l.holder)
	if err != nil {
		return fmt.Errorf("pgstore: release %s: %w", lockID, err)
	}
	return nil
}

func (l *Locker) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := l.db.conn(ctx).Exec(ctx, `DELETE FROM outbox_locks WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("pgstore: expired locks: %w", err)
	}
	return tag.RowsAffected(), nil
}
