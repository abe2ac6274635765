package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrRunNotFound means the run id does not exist for the org.
	ErrRunNotFound = errors.New("recalc run not found")

	// ErrRunBusy means another worker holds the run's processing lock; the
	// caller should let the broker redeliver the job.
	ErrRunBusy = errors.New("recalc run is being processed by another worker")
)

// ValidationError is surfaced synchronously from CreateRun; no run/item rows
// are persisted when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
