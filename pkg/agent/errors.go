package agent

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownType is returned for an agent whose type is not registered.
	ErrUnknownType = errors.New("unknown agent type")

	// ErrCannotCheck is returned when checking a type without a check func.
	ErrCannotCheck = errors.New("this agent cannot be checked")

	// ErrCannotReceiveEvents is returned when delivering events to a type
	// that does not receive them.
	ErrCannotReceiveEvents = errors.New("this agent cannot receive an event")

	// ErrCannotCreateEvents is returned by CreateEvent for types that never
	// emit events.
	ErrCannotCreateEvents = errors.New("this agent cannot create events")

	// ErrPanic wraps a panic recovered from agent logic.
	ErrPanic = errors.New("agent logic panicked")
)

// ValidationError collects the configuration problems of one agent.
type ValidationError struct {
	Agent    string
	Problems []string
}

func (e *ValidationError) Error() string {
	if e.Agent == "" {
		return fmt.Sprintf("invalid agent: %s", strings.Join(e.Problems, "; "))
	}
	return fmt.Sprintf("invalid agent %q: %s", e.Agent, strings.Join(e.Problems, "; "))
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
