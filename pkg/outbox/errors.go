package outbox

import (
	"errors"
	"fmt"

	"github.com/iota-uz/taskflow/pkg/serrors"
)

var (
	ErrInvalidConfig = serrors.NewError("OUTBOX_INVALID_CONFIG", "invalid outbox configuration", "")
	ErrInvalidInput  = serrors.NewError("OUTBOX_INVALID_INPUT", "invalid outbox input", "")
	ErrNotFound      = serrors.NewError("OUTBOX_EVENT_NOT_FOUND", "outbox event not found", "")
	ErrNotDead       = serrors.NewError("OUTBOX_EVENT_NOT_DEAD", "outbox event is not dead-lettered", "")
	ErrLockLost      = serrors.NewError("OUTBOX_LOCK_LOST", "outbox lock expired or was taken over", "")
)

func invalidConfig(msg string, args ...any) error {
	return fmt.Errorf("%w: "+msg, append([]any{ErrInvalidConfig}, args...)...)
}

func invalidInput(msg string, args ...any) error {
	return fmt.Errorf("%w: "+msg, append([]any{ErrInvalidInput}, args...)...)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: the event is dead-lettered on the
// pass that returns it instead of being rescheduled.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
