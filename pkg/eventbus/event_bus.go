package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iota-uz/taskflow/pkg/serrors"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Event is what a handler receives for one stored envelope.
type Event struct {
	ID            uuid.UUID
	AggregateID   string
	AggregateType string
	Type          string
	Payload       json.RawMessage
	CreatedAt     time.Time
	// Attempt is 1 on the first dispatch pass.
	Attempt int
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s: empty payload", e.ID)
	}
	return json.Unmarshal(e.Payload, v)
}

type HandlerFunc func(ctx context.Context, evt Event) error

// Subscriber binds a handler to an event type under a stable id. The id is
// half of the handled-event ledger key: renaming it makes every stored event
// look unhandled for that subscriber.
type Subscriber struct {
	ID        string
	EventType string
	Handler   HandlerFunc
}

var (
	ErrDuplicateHandler = serrors.NewError("EVENTBUS_DUPLICATE_HANDLER", "handler id already registered", "")
	ErrInvalidHandler   = serrors.NewError("EVENTBUS_INVALID_HANDLER", "invalid handler registration", "")
)

type Registry struct {
	mu          sync.RWMutex
	subscribers []Subscriber
	ids         map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{ids: make(map[string]struct{})}
}

func (r *Registry) Register(eventType, handlerID string, fn HandlerFunc) error {
	eventType = strings.TrimSpace(eventType)
	handlerID = strings.TrimSpace(handlerID)
	if eventType == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidHandler)
	}
	if handlerID == "" {
		return fmt.Errorf("%w: handler id is required", ErrInvalidHandler)
	}
	if fn == nil {
		return fmt.Errorf("%w: handler %q is nil", ErrInvalidHandler, handlerID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[handlerID]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, handlerID)
	}
	r.ids[handlerID] = struct{}{}
	r.subscribers = append(r.subscribers, Subscriber{
		ID:        handlerID,
		EventType: eventType,
		Handler:   fn,
	})
	return nil
}

// MustRegister panics on registration errors. Intended for module wiring.
func (r *Registry) MustRegister(eventType, handlerID string, fn HandlerFunc) {
	if err := r.Register(eventType, handlerID, fn); err != nil {
		panic(err)
	}
}

func (r *Registry) Unregister(handlerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subscribers {
		if s.ID == handlerID {
			r.subscribers = append(r.subscribers[:i:i], r.subscribers[i+1:]...)
			delete(r.ids, handlerID)
			return
		}
	}
}

// HandlersFor returns subscribers matching eventType in registration order.
func (r *Registry) HandlersFor(eventType string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscriber, 0, len(r.subscribers))
	for _, s := range r.subscribers {
		if s.EventType == Wildcard || s.EventType == eventType {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) SubscribersCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// Invoke calls the subscriber, converting a panic into an error.
func Invoke(ctx context.Context, s Subscriber, evt Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("eventbus: handler %s panicked: %v", s.ID, rec)
		}
	}()
	return s.Handler(ctx, evt)
}
