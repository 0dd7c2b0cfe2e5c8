package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusDead       Status = "dead"
)

var AllStatuses = []Status{StatusPending, StatusProcessing, StatusDone, StatusDead}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusDone, StatusDead:
		return true
	}
	return false
}

// Terminal reports whether dispatch will never touch an event in this status again.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusDead
}

// ParseStatus parses the string form of a status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", invalidInput("unknown status %q", s)
	}
	return st, nil
}

// Envelope is the durable record of one domain event and its dispatch state.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        Status          `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
}

// RetentionTime is the instant retention age is measured from.
func (e Envelope) RetentionTime() time.Time {
	if e.ProcessedAt != nil {
		return *e.ProcessedAt
	}
	return e.CreatedAt
}

// Due reports whether a pending envelope may be claimed at now.
func (e Envelope) Due(now time.Time) bool {
	return e.Status == StatusPending && (e.NextAttemptAt == nil || !e.NextAttemptAt.After(now))
}

// HandledRecord marks that HandlerID has successfully processed EventID.
type HandledRecord struct {
	EventID     uuid.UUID
	HandlerID   string
	ProcessedAt time.Time
}

// LockRecord is a time-bounded advisory lock row.
type LockRecord struct {
	ID        string
	Holder    string
	ExpiresAt time.Time
}

// Held reports whether the lock is still in force at now.
func (l LockRecord) Held(now time.Time) bool {
	return l.ExpiresAt.After(now)
}

// AppendRequest is what producers hand to Publisher.Append.
type AppendRequest struct {
	AggregateID   string
	AggregateType string
	EventType     string
	// Payload is marshalled to JSON unless it already is json.RawMessage or []byte.
	Payload any
}

// DeleteResult counts rows removed by Store.DeleteBatch.
type DeleteResult struct {
	Events        int64
	HandledEvents int64
}

// Bucket is one GROUP BY row over the event table.
type Bucket struct {
	Status        Status
	EventType     string
	AggregateType string
	Count         int64
	Oldest        time.Time
	Newest        time.Time
}

type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize(maxLimit int) Page {
	if p.Limit <= 0 || p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
