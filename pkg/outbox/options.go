package outbox

import (
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const (
	DispatchLockID = "outbox:dispatch"
	CleanupLockID  = "outbox:cleanup"
)

type DispatcherOptions struct {
	BatchSize int
	LockID    string
	// LockTTL is the lease length. The dispatcher renews it before every
	// event and every handler call, so it must outlast HandlerTimeout.
	LockTTL     time.Duration
	MaxAttempts int
	// StuckAfter is how long an event may sit in processing before a later
	// run returns it to pending. It must be at least LockTTL.
	StuckAfter time.Duration

	MinBackoff time.Duration
	MaxBackoff time.Duration
	JitterMax  time.Duration

	LastErrorMaxLen int

	// HandlerTimeout bounds each handler call through its context. A handler
	// that ignores ctx can still block its event.
	HandlerTimeout time.Duration

	// SerializeAggregates holds back an event while an older event of the
	// same aggregate is still pending or processing.
	SerializeAggregates bool

	Clock  clockwork.Clock
	Logger *logrus.Entry
	Rand   *rand.Rand
}

func (o *DispatcherOptions) setDefaults() {
	if o.BatchSize == 0 {
		o.BatchSize = 100
	}
	if o.LockID == "" {
		o.LockID = DispatchLockID
	}
	if o.LockTTL == 0 {
		o.LockTTL = 60 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 10
	}
	if o.StuckAfter == 0 {
		o.StuckAfter = 5 * time.Minute
	}
	if o.MinBackoff == 0 {
		o.MinBackoff = 1 * time.Second
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	if o.JitterMax == 0 {
		o.JitterMax = 200 * time.Millisecond
	}
	if o.LastErrorMaxLen == 0 {
		o.LastErrorMaxLen = 2048
	}
	if o.HandlerTimeout == 0 {
		o.HandlerTimeout = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = logrusNop()
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec
	}
}

func (o DispatcherOptions) validate() error {
	if o.BatchSize < 0 {
		return invalidConfig("batch size must be positive, got %d", o.BatchSize)
	}
	if o.MaxAttempts < 1 {
		return invalidConfig("max attempts must be at least 1, got %d", o.MaxAttempts)
	}
	if o.LockTTL < 0 || o.HandlerTimeout < 0 || o.StuckAfter < 0 {
		return invalidConfig("durations must not be negative")
	}
	if o.LockTTL <= o.HandlerTimeout {
		return invalidConfig("lock ttl %s must exceed handler timeout %s", o.LockTTL, o.HandlerTimeout)
	}
	if o.StuckAfter < o.LockTTL {
		return invalidConfig("stuck horizon %s is below lock ttl %s", o.StuckAfter, o.LockTTL)
	}
	if o.MaxBackoff < o.MinBackoff {
		return invalidConfig("max backoff %s is below min backoff %s", o.MaxBackoff, o.MinBackoff)
	}
	return nil
}

// CleanupOptions control one retention pass. The zero value is the default
// pass: 30 days, batches of 100, dead letters kept.
type CleanupOptions struct {
	RetentionDays int
	BatchSize     int
	// DeleteDeadLetters opts dead events into retention. They are kept otherwise.
	DeleteDeadLetters bool
	DryRun            bool
}

func DefaultCleanupOptions() CleanupOptions {
	return CleanupOptions{
		RetentionDays: 30,
		BatchSize:     100,
	}
}

func (o *CleanupOptions) setDefaults() {
	if o.RetentionDays <= 0 {
		o.RetentionDays = 30
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
}

type CleanerOptions struct {
	LockID  string
	LockTTL time.Duration

	Clock  clockwork.Clock
	Logger *logrus.Entry
}

func (o *CleanerOptions) setDefaults() {
	if o.LockID == "" {
		o.LockID = CleanupLockID
	}
	if o.LockTTL == 0 {
		o.LockTTL = 10 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = logrusNop()
	}
}

// HealthThresholds classify monitor counts. A count at or above the warning
// value degrades health; at or above critical it fails it. Zero disables.
type HealthThresholds struct {
	PendingWarning  int64
	PendingCritical int64
	DeadWarning     int64
	DeadCritical    int64
	StuckWarning    int64
	StuckCritical   int64
}

func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		PendingWarning:  100,
		PendingCritical: 1000,
		DeadWarning:     1,
		DeadCritical:    50,
		StuckWarning:    1,
		StuckCritical:   10,
	}
}

type MonitorOptions struct {
	// MaxAttempts mirrors the dispatcher setting; open events at
	// MaxAttempts-1 or more are reported as stuck.
	MaxAttempts int
	// ProcessingTimeout is how long an event may stay processing before it
	// is reported as stuck.
	ProcessingTimeout time.Duration
	Thresholds        HealthThresholds
	MaxPageSize       int

	Clock  clockwork.Clock
	Logger *logrus.Entry
}

func (o *MonitorOptions) setDefaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 10
	}
	if o.ProcessingTimeout == 0 {
		o.ProcessingTimeout = 5 * time.Minute
	}
	if o.Thresholds == (HealthThresholds{}) {
		o.Thresholds = DefaultHealthThresholds()
	}
	if o.MaxPageSize == 0 {
		o.MaxPageSize = 500
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = logrusNop()
	}
}
