// Package events defines the task domain events carried through the outbox.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/iota-uz/taskflow/pkg/constants"
	"github.com/iota-uz/taskflow/pkg/serrors"
)

const (
	TaskCreated      = "TASK_CREATED"
	TaskCompleted    = "TASK_COMPLETED"
	TaskDeferred     = "TASK_DEFERRED"
	TaskDeleted      = "TASK_DELETED"
	DayReset         = "DAY_RESET"
	SummaryRequested = "SUMMARY_REQUESTED"
	SyncRequested    = "SYNC_REQUESTED"
)

const (
	AggregateTask    = "task"
	AggregateDay     = "day"
	AggregateSummary = "summary"
)

// DayLayout is the format of every Day field.
const DayLayout = "2006-01-02"

var (
	ErrUnknownEventType = serrors.NewError("TASKS_UNKNOWN_EVENT_TYPE", "unknown task event type", "")
	ErrInvalidPayload   = serrors.NewError("TASKS_INVALID_PAYLOAD", "invalid task event payload", "")
)

// Payload is implemented by every event body. The aggregate it names becomes
// the envelope's aggregate.
type Payload interface {
	EventType() string
	AggregateType() string
	AggregateID() string
}

func init() {
	if err := constants.Validate.RegisterValidation("dayafter", dayAfter); err != nil {
		panic(err)
	}
}

// Types lists every known event type.
func Types() []string {
	return []string{TaskCreated, TaskCompleted, TaskDeferred, TaskDeleted, DayReset, SummaryRequested, SyncRequested}
}

type TaskCreatedPayload struct {
	TaskID   string `json:"task_id" validate:"notblank"`
	Title    string `json:"title" validate:"notblank"`
	Category string `json:"category,omitempty"`
	Day      string `json:"day" validate:"required,datetime=2006-01-02"`
}

func (p TaskCreatedPayload) EventType() string     { return TaskCreated }
func (p TaskCreatedPayload) AggregateType() string { return AggregateTask }
func (p TaskCreatedPayload) AggregateID() string   { return p.TaskID }

type TaskCompletedPayload struct {
	TaskID      string    `json:"task_id" validate:"notblank"`
	Day         string    `json:"day" validate:"required,datetime=2006-01-02"`
	CompletedAt time.Time `json:"completed_at"`
}

func (p TaskCompletedPayload) EventType() string     { return TaskCompleted }
func (p TaskCompletedPayload) AggregateType() string { return AggregateTask }
func (p TaskCompletedPayload) AggregateID() string   { return p.TaskID }

// TaskDeferredPayload moves a task from one day to a later one.
type TaskDeferredPayload struct {
	TaskID string `json:"task_id" validate:"notblank"`
	From   string `json:"from" validate:"required,datetime=2006-01-02"`
	To     string `json:"to" validate:"required,datetime=2006-01-02,dayafter=From"`
	Reason string `json:"reason,omitempty"`
}

func (p TaskDeferredPayload) EventType() string     { return TaskDeferred }
func (p TaskDeferredPayload) AggregateType() string { return AggregateTask }
func (p TaskDeferredPayload) AggregateID() string   { return p.TaskID }

type TaskDeletedPayload struct {
	TaskID string `json:"task_id" validate:"notblank"`
	Day    string `json:"day" validate:"required,datetime=2006-01-02"`
}

func (p TaskDeletedPayload) EventType() string     { return TaskDeleted }
func (p TaskDeletedPayload) AggregateType() string { return AggregateTask }
func (p TaskDeletedPayload) AggregateID() string   { return p.TaskID }

// DayResetPayload closes Day; unfinished tasks roll over to the next day.
type DayResetPayload struct {
	Day     string `json:"day" validate:"required,datetime=2006-01-02"`
	Carried int    `json:"carried" validate:"min=0"`
}

func (p DayResetPayload) EventType() string     { return DayReset }
func (p DayResetPayload) AggregateType() string { return AggregateDay }
func (p DayResetPayload) AggregateID() string   { return p.Day }

type SummaryRequestedPayload struct {
	Day    string `json:"day" validate:"required,datetime=2006-01-02"`
	Period string `json:"period" validate:"required,oneof=day week"`
}

func (p SummaryRequestedPayload) EventType() string     { return SummaryRequested }
func (p SummaryRequestedPayload) AggregateType() string { return AggregateSummary }
func (p SummaryRequestedPayload) AggregateID() string   { return p.Period + ":" + p.Day }

// SyncRequestedPayload asks for an entity to be pushed to the remote backend.
type SyncRequestedPayload struct {
	EntityType string `json:"entity_type" validate:"notblank"`
	EntityID   string `json:"entity_id" validate:"notblank"`
}

func (p SyncRequestedPayload) EventType() string     { return SyncRequested }
func (p SyncRequestedPayload) AggregateType() string { return p.EntityType }
func (p SyncRequestedPayload) AggregateID() string   { return p.EntityID }

// Decode unmarshals raw into the payload type registered for eventType and
// validates it.
func Decode(eventType string, raw json.RawMessage) (Payload, error) {
	var p Payload
	var err error
	switch eventType {
	case TaskCreated:
		p, err = decodeInto[TaskCreatedPayload](raw)
	case TaskCompleted:
		p, err = decodeInto[TaskCompletedPayload](raw)
	case TaskDeferred:
		p, err = decodeInto[TaskDeferredPayload](raw)
	case TaskDeleted:
		p, err = decodeInto[TaskDeletedPayload](raw)
	case DayReset:
		p, err = decodeInto[DayResetPayload](raw)
	case SummaryRequested:
		p, err = decodeInto[SummaryRequestedPayload](raw)
	case SyncRequested:
		p, err = decodeInto[SyncRequestedPayload](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	if err != nil {
		return nil, err
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks p against its struct tags. Failures wrap ErrInvalidPayload
// and name the offending json fields.
func Validate(p Payload) error {
	err := constants.Validate.Struct(p)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return invalid("%s", strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return fe.Field() + " is required"
	case "datetime":
		return fmt.Sprintf("%s must be a %s date", fe.Field(), fe.Param())
	case "dayafter":
		return fmt.Sprintf("%s must be after %s", fe.Field(), strings.ToLower(fe.Param()))
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

// dayAfter compares two DayLayout strings; the layout sorts lexically.
func dayAfter(fl validator.FieldLevel) bool {
	parent := reflect.Indirect(fl.Parent())
	if parent.Kind() != reflect.Struct {
		return false
	}
	other := parent.FieldByName(fl.Param())
	if !other.IsValid() || other.Kind() != reflect.String {
		return false
	}
	return fl.Field().String() > other.String()
}

func decodeInto[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if len(raw) == 0 {
		return nil, invalid("empty payload")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return v, nil
}

func invalid(msg string, args ...any) error {
	return fmt.Errorf("%w: "+msg, append([]any{ErrInvalidPayload}, args...)...)
}
