package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/iota-uz/taskflow/modules/tasks/domain/events"
	"github.com/iota-uz/taskflow/pkg/outbox"
)

// Appender is the producer side of the outbox.
type Appender interface {
	Append(ctx context.Context, req outbox.AppendRequest) (uuid.UUID, error)
}

// Emitter records task events in the outbox. Call it with the context of the
// transaction that persists the task change.
type Emitter struct {
	appender Appender
}

func NewEmitter(appender Appender) *Emitter {
	return &Emitter{appender: appender}
}

func (e *Emitter) Emit(ctx context.Context, p events.Payload) (uuid.UUID, error) {
	if err := events.Validate(p); err != nil {
		return uuid.Nil, fmt.Errorf("emit %s: %w", p.EventType(), err)
	}
	id, err := e.appender.Append(ctx, outbox.AppendRequest{
		AggregateID:   p.AggregateID(),
		AggregateType: p.AggregateType(),
		EventType:     p.EventType(),
		Payload:       p,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("emit %s: %w", p.EventType(), err)
	}
	return id, nil
}

// EmitAll appends every payload in order and stops at the first failure.
func (e *Emitter) EmitAll(ctx context.Context, payloads ...events.Payload) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(payloads))
	for _, p := range payloads {
		id, err := e.Emit(ctx, p)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
