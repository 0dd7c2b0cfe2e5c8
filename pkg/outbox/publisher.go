package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Publisher appends envelopes on behalf of producers. Call Append with the
// context that carries the producer's transaction so the event commits or
// aborts with the mutation that caused it.
type Publisher struct {
	store Store
	clock clockwork.Clock
	m     *metrics

	mu   sync.Mutex
	last time.Time
}

func NewPublisher(store Store, clock clockwork.Clock) (*Publisher, error) {
	if store == nil {
		return nil, invalidConfig("store is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Publisher{store: store, clock: clock, m: getMetrics()}, nil
}

func (p *Publisher) Append(ctx context.Context, req AppendRequest) (uuid.UUID, error) {
	if strings.TrimSpace(req.EventType) == "" {
		return uuid.Nil, invalidInput("event type is required")
	}
	if strings.TrimSpace(req.AggregateID) == "" {
		return uuid.Nil, invalidInput("aggregate id is required")
	}
	if strings.TrimSpace(req.AggregateType) == "" {
		return uuid.Nil, invalidInput("aggregate type is required")
	}

	payload, err := encodePayload(req.Payload)
	if err != nil {
		return uuid.Nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("outbox append: new id: %w", err)
	}

	now := p.tick()
	env := Envelope{
		ID:            id,
		AggregateID:   req.AggregateID,
		AggregateType: req.AggregateType,
		EventType:     req.EventType,
		Payload:       payload,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := p.store.Append(ctx, env); err != nil {
		return uuid.Nil, fmt.Errorf("outbox append: %w", err)
	}

	p.m.appendTotal.WithLabelValues(req.EventType).Inc()
	return id, nil
}

// tick returns a strictly increasing timestamp at microsecond resolution.
func (p *Publisher) tick() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now().UTC().Truncate(time.Microsecond)
	if !now.After(p.last) {
		now = p.last.Add(time.Microsecond)
	}
	p.last = now
	return now
}

func encodePayload(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(t) {
			return nil, invalidInput("payload is not valid JSON")
		}
		return t, nil
	case []byte:
		if !json.Valid(t) {
			return nil, invalidInput("payload is not valid JSON")
		}
		return json.RawMessage(t), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, invalidInput("encode payload: %v", err)
		}
		return raw, nil
	}
}
