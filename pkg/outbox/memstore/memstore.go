// Package memstore keeps the outbox tables in process memory. It backs the
// embedded mode of the CLI and the engine tests. Nothing survives a restart.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/iota-uz/taskflow/pkg/outbox"
)

type handledKey struct {
	eventID   uuid.UUID
	handlerID string
}

// DB holds the three tables behind a single mutex.
type DB struct {
	clock clockwork.Clock

	mu      sync.Mutex
	events  map[uuid.UUID]*outbox.Envelope
	handled map[handledKey]time.Time
	locks   map[string]outbox.LockRecord
}

func New(clock clockwork.Clock) *DB {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DB{
		clock:   clock,
		events:  make(map[uuid.UUID]*outbox.Envelope),
		handled: make(map[handledKey]time.Time),
		locks:   make(map[string]outbox.LockRecord),
	}
}

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

type txKey struct{}

type tx struct {
	pending []outbox.Envelope
}

// InTx buffers appends made through ctx and commits them only if fn returns nil.
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*tx); ok {
		return fn(ctx)
	}
	t := &tx{}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, env := range t.pending {
		if _, exists := db.events[env.ID]; exists {
			return fmt.Errorf("memstore: duplicate event id %s", env.ID)
		}
	}
	for i := range t.pending {
		env := t.pending[i]
		db.events[env.ID] = &env
	}
	return nil
}

func clone(env *outbox.Envelope) outbox.Envelope {
	out := *env
	out.Payload = bytes.Clone(env.Payload)
	if env.NextAttemptAt != nil {
		t := *env.NextAttemptAt
		out.NextAttemptAt = &t
	}
	if env.ProcessedAt != nil {
		t := *env.ProcessedAt
		out.ProcessedAt = &t
	}
	return out
}

// sorted returns copies of the events matching keep, oldest first.
func (db *DB) sorted(keep func(*outbox.Envelope) bool) []outbox.Envelope {
	out := make([]outbox.Envelope, 0)
	for _, env := range db.events {
		if keep(env) {
			out = append(out, clone(env))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

func limitTo(envs []outbox.Envelope, limit int) []outbox.Envelope {
	if limit > 0 && len(envs) > limit {
		return envs[:limit]
	}
	return envs
}

type Store struct {
	db *DB
}

var _ outbox.Store = (*Store)(nil)

func (s *Store) Append(ctx context.Context, env outbox.Envelope) error {
	env.Status = outbox.StatusPending
	env.AttemptCount = 0
	env.Payload = bytes.Clone(env.Payload)

	if t, ok := ctx.Value(txKey{}).(*tx); ok {
		t.pending = append(t.pending, env)
		return nil
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, exists := s.db.events[env.ID]; exists {
		return fmt.Errorf("memstore: duplicate event id %s", env.ID)
	}
	s.db.events[env.ID] = &env
	return nil
}

func (s *Store) ClaimBatch(_ context.Context, limit int, now time.Time) ([]outbox.Envelope, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return limitTo(s.db.sorted(func(e *outbox.Envelope) bool { return e.Due(now) }), limit), nil
}

// update applies fn to the event if it exists. Missing ids are a no-op.
func (s *Store) update(id uuid.UUID, fn func(*outbox.Envelope)) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if env, ok := s.db.events[id]; ok {
		fn(env)
	}
}

func (s *Store) MarkProcessing(_ context.Context, id uuid.UUID, now time.Time) error {
	s.update(id, func(e *outbox.Envelope) {
		if e.Status.Terminal() {
			return
		}
		e.Status = outbox.StatusProcessing
		e.UpdatedAt = now
	})
	return nil
}

func (s *Store) MarkDone(_ context.Context, id uuid.UUID, now time.Time) error {
	s.update(id, func(e *outbox.Envelope) {
		if e.Status == outbox.StatusDone {
			return
		}
		e.Status = outbox.StatusDone
		e.LastError = ""
		e.NextAttemptAt = nil
		e.ProcessedAt = &now
		e.UpdatedAt = now
	})
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id uuid.UUID, attempts int, lastError string, nextAttemptAt, now time.Time) error {
	s.update(id, func(e *outbox.Envelope) {
		if e.Status.Terminal() {
			return
		}
		e.Status = outbox.StatusPending
		e.AttemptCount = max(e.AttemptCount, attempts)
		e.LastError = lastError
		e.NextAttemptAt = &nextAttemptAt
		e.UpdatedAt = now
	})
	return nil
}

func (s *Store) MarkDead(_ context.Context, id uuid.UUID, attempts int, lastError string, now time.Time) error {
	s.update(id, func(e *outbox.Envelope) {
		if e.Status == outbox.StatusDead {
			return
		}
		e.Status = outbox.StatusDead
		e.AttemptCount = max(e.AttemptCount, attempts)
		e.LastError = lastError
		e.NextAttemptAt = nil
		e.ProcessedAt = &now
		e.UpdatedAt = now
	})
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (outbox.Envelope, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	env, ok := s.db.events[id]
	if !ok {
		return outbox.Envelope{}, outbox.ErrNotFound
	}
	return clone(env), nil
}

func (s *Store) FindByAggregate(_ context.Context, aggregateID string, limit int) ([]outbox.Envelope, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return limitTo(s.db.sorted(func(e *outbox.Envelope) bool { return e.AggregateID == aggregateID }), limit), nil
}

func (s *Store) FindByStatus(_ context.Context, status outbox.Status, limit, offset int) ([]outbox.Envelope, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	envs := s.db.sorted(func(e *outbox.Envelope) bool { return e.Status == status })
	if offset >= len(envs) {
		return []outbox.Envelope{}, nil
	}
	return limitTo(envs[offset:], limit), nil
}

func (s *Store) HasEarlierOpen(_ context.Context, env outbox.Envelope) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, e := range s.db.events {
		if e.ID == env.ID || e.AggregateType != env.AggregateType || e.AggregateID != env.AggregateID {
			continue
		}
		if e.Status.Terminal() {
			continue
		}
		if e.CreatedAt.Before(env.CreatedAt) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ReleaseStuck(_ context.Context, cutoff, now time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var n int64
	for _, e := range s.db.events {
		if e.Status == outbox.StatusProcessing && e.UpdatedAt.Before(cutoff) {
			e.Status = outbox.StatusPending
			e.NextAttemptAt = nil
			e.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func expired(statuses []outbox.Status, cutoff time.Time) func(*outbox.Envelope) bool {
	return func(e *outbox.Envelope) bool {
		return slices.Contains(statuses, e.Status) && e.Status.Terminal() && e.RetentionTime().Before(cutoff)
	}
}

func (s *Store) FindTerminalBefore(_ context.Context, statuses []outbox.Status, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	envs := limitTo(s.db.sorted(expired(statuses, cutoff)), limit)
	ids := make([]uuid.UUID, len(envs))
	for i, e := range envs {
		ids[i] = e.ID
	}
	return ids, nil
}

func (s *Store) CountTerminalBefore(_ context.Context, statuses []outbox.Status, cutoff time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	keep := expired(statuses, cutoff)
	var n int64
	for _, e := range s.db.events {
		if keep(e) {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteBatch(_ context.Context, ids []uuid.UUID) (outbox.DeleteResult, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var res outbox.DeleteResult
	for _, id := range ids {
		for k := range s.db.handled {
			if k.eventID == id {
				delete(s.db.handled, k)
				res.HandledEvents++
			}
		}
		if _, ok := s.db.events[id]; ok {
			delete(s.db.events, id)
			res.Events++
		}
	}
	return res, nil
}

func (s *Store) Summarize(_ context.Context) ([]outbox.Bucket, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	type key struct {
		status        outbox.Status
		eventType     string
		aggregateType string
	}
	groups := make(map[key]*outbox.Bucket)
	for _, e := range s.db.events {
		k := key{e.Status, e.EventType, e.AggregateType}
		b, ok := groups[k]
		if !ok {
			b = &outbox.Bucket{
				Status:        e.Status,
				EventType:     e.EventType,
				AggregateType: e.AggregateType,
				Oldest:        e.CreatedAt,
				Newest:        e.CreatedAt,
			}
			groups[k] = b
		}
		b.Count++
		if e.CreatedAt.Before(b.Oldest) {
			b.Oldest = e.CreatedAt
		}
		if e.CreatedAt.After(b.Newest) {
			b.Newest = e.CreatedAt
		}
	}

	out := make([]outbox.Bucket, 0, len(groups))
	for _, b := range groups {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status < out[j].Status
		}
		if out[i].EventType != out[j].EventType {
			return out[i].EventType < out[j].EventType
		}
		return out[i].AggregateType < out[j].AggregateType
	})
	return out, nil
}

func (s *Store) FindStuck(_ context.Context, processingBefore time.Time, attemptThreshold, limit int) ([]outbox.Envelope, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return limitTo(s.db.sorted(func(e *outbox.Envelope) bool {
		if e.Status.Terminal() {
			return false
		}
		if e.Status == outbox.StatusProcessing && e.UpdatedAt.Before(processingBefore) {
			return true
		}
		return e.AttemptCount >= attemptThreshold
	}), limit), nil
}

func resetDead(e *outbox.Envelope, now time.Time) {
	e.Status = outbox.StatusPending
	e.AttemptCount = 0
	e.LastError = ""
	e.NextAttemptAt = &now
	e.ProcessedAt = nil
	e.UpdatedAt = now
}

func (s *Store) Reset(_ context.Context, id uuid.UUID, now time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	e, ok := s.db.events[id]
	if !ok {
		return outbox.ErrNotFound
	}
	if e.Status != outbox.StatusDead {
		return outbox.ErrNotDead
	}
	resetDead(e, now)
	return nil
}

func (s *Store) ResetAllDead(_ context.Context, now time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var n int64
	for _, e := range s.db.events {
		if e.Status == outbox.StatusDead {
			resetDead(e, now)
			n++
		}
	}
	return n, nil
}

type Ledger struct {
	db *DB
}

var _ outbox.Ledger = (*Ledger)(nil)

func (l *Ledger) IsHandled(_ context.Context, eventID uuid.UUID, handlerID string) (bool, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	_, ok := l.db.handled[handledKey{eventID, handlerID}]
	return ok, nil
}

func (l *Ledger) MarkHandled(_ context.Context, eventID uuid.UUID, handlerID string, at time.Time) error {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	k := handledKey{eventID, handlerID}
	if _, ok := l.db.handled[k]; !ok {
		l.db.handled[k] = at
	}
	return nil
}

func (l *Ledger) HandledBy(_ context.Context, eventID uuid.UUID) ([]string, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	var out []string
	for k := range l.db.handled {
		if k.eventID == eventID {
			out = append(out, k.handlerID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (l *Ledger) DeleteFor(_ context.Context, eventIDs []uuid.UUID) (int64, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	var n int64
	for k := range l.db.handled {
		if slices.Contains(eventIDs, k.eventID) {
			delete(l.db.handled, k)
			n++
		}
	}
	return n, nil
}

func (l *Ledger) DeleteOrphans(_ context.Context) (int64, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	var n int64
	for k := range l.db.handled {
		if _, ok := l.db.events[k.eventID]; !ok {
			delete(l.db.handled, k)
			n++
		}
	}
	return n, nil
}

// Locker takes locks on behalf of one holder.
type Locker struct {
	db     *DB
	holder string
}

var _ outbox.Locker = (*Locker)(nil)

func (l *Locker) Holder() string { return l.holder }

func (l *Locker) TryAcquire(_ context.Context, lockID string, ttl time.Duration) (bool, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	now := l.db.clock.Now().UTC()
	if cur, ok := l.db.locks[lockID]; ok && cur.Held(now) {
		return false, nil
	}
	l.db.locks[lockID] = outbox.LockRecord{ID: lockID, Holder: l.holder, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (l *Locker) Extend(_ context.Context, lockID string, ttl time.Duration) (bool, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	now := l.db.clock.Now().UTC()
	cur, ok := l.db.locks[lockID]
	if !ok || cur.Holder != l.holder || !cur.Held(now) {
		return false, nil
	}
	cur.ExpiresAt = now.Add(ttl)
	l.db.locks[lockID] = cur
	return true, nil
}

// Release drops the lock only if this holder owns it.
func (l *Locker) Release(_ context.Context, lockID string) error {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	if cur, ok := l.db.locks[lockID]; ok && cur.Holder == l.holder {
		delete(l.db.locks, lockID)
	}
	return nil
}

func (l *Locker) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	var n int64
	for id, cur := range l.db.locks {
		if !cur.Held(now) {
			delete(l.db.locks, id)
			n++
		}
	}
	return n, nil
}

// Lock returns the current row for lockID.
func (l *Locker) Lock(lockID string) (outbox.LockRecord, bool) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	cur, ok := l.db.locks[lockID]
	return cur, ok
}
