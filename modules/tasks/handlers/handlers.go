// Package handlers holds the outbox subscribers of the tasks module.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/iota-uz/taskflow/modules/tasks/domain/events"
	"github.com/iota-uz/taskflow/pkg/eventbus"
	"github.com/iota-uz/taskflow/pkg/outbox"
)

// Handler ids are ledger keys and must never change.
const (
	StatsHandlerID     = "tasks.stats"
	SyncQueueHandlerID = "tasks.sync-queue"
)

// StatsSink accumulates per-day counters. Incr applies every delta of one
// call or none of them.
type StatsSink interface {
	Incr(ctx context.Context, day string, deltas map[string]int64) error
}

type StatsReader interface {
	Day(ctx context.Context, day string) (map[string]int64, error)
}

// SyncItem is one entry of the outbound sync queue.
type SyncItem struct {
	EventID    uuid.UUID       `json:"event_id"`
	EventType  string          `json:"event_type"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
	QueuedAt   time.Time       `json:"queued_at"`
}

type SyncQueue interface {
	Push(ctx context.Context, item SyncItem) error
}

// Register subscribes both handlers to every event type; each filters the
// types it cares about.
func Register(registry *eventbus.Registry, stats StatsSink, queue SyncQueue) error {
	if err := registry.Register(eventbus.Wildcard, StatsHandlerID, NewStatsHandler(stats).Handle); err != nil {
		return err
	}
	return registry.Register(eventbus.Wildcard, SyncQueueHandlerID, NewSyncQueueHandler(queue).Handle)
}

type StatsHandler struct {
	sink StatsSink
}

func NewStatsHandler(sink StatsSink) *StatsHandler {
	return &StatsHandler{sink: sink}
}

// Handle bumps the counters for the day an event belongs to. A payload that
// cannot be decoded will never succeed, so it is reported as permanent.
func (h *StatsHandler) Handle(ctx context.Context, evt eventbus.Event) error {
	switch evt.Type {
	case events.TaskCreated, events.TaskCompleted, events.TaskDeferred, events.TaskDeleted, events.DayReset:
	default:
		return nil
	}
	p, err := events.Decode(evt.Type, evt.Payload)
	if err != nil {
		return outbox.Permanent(err)
	}

	switch v := p.(type) {
	case events.TaskCreatedPayload:
		return h.sink.Incr(ctx, v.Day, map[string]int64{"created": 1})
	case events.TaskCompletedPayload:
		return h.sink.Incr(ctx, v.Day, map[string]int64{"completed": 1})
	case events.TaskDeferredPayload:
		return h.sink.Incr(ctx, v.From, map[string]int64{"deferred": 1})
	case events.TaskDeletedPayload:
		return h.sink.Incr(ctx, v.Day, map[string]int64{"deleted": 1})
	case events.DayResetPayload:
		deltas := map[string]int64{"resets": 1}
		if v.Carried > 0 {
			deltas["carried"] = int64(v.Carried)
		}
		return h.sink.Incr(ctx, v.Day, deltas)
	}
	return nil
}

var syncedTypes = []string{
	events.TaskCreated,
	events.TaskCompleted,
	events.TaskDeferred,
	events.TaskDeleted,
	events.SyncRequested,
}

type SyncQueueHandler struct {
	queue SyncQueue
}

func NewSyncQueueHandler(queue SyncQueue) *SyncQueueHandler {
	return &SyncQueueHandler{queue: queue}
}

// Handle queues task mutations and explicit sync requests for the remote
// backend. Events without a remote counterpart are ignored.
func (h *SyncQueueHandler) Handle(ctx context.Context, evt eventbus.Event) error {
	if !slices.Contains(syncedTypes, evt.Type) {
		return nil
	}
	p, err := events.Decode(evt.Type, evt.Payload)
	if err != nil {
		return outbox.Permanent(err)
	}
	item := SyncItem{
		EventID:    evt.ID,
		EventType:  evt.Type,
		EntityType: p.AggregateType(),
		EntityID:   p.AggregateID(),
		Payload:    evt.Payload,
		QueuedAt:   evt.CreatedAt,
	}
	if err := h.queue.Push(ctx, item); err != nil {
		return fmt.Errorf("sync queue push %s: %w", evt.ID, err)
	}
	return nil
}
