package fleet

import (
	"errors"
	"fmt"

	"github.com/markus-barta/lockfleet/internal/authority"
)

var (
	// ErrStopped is returned when the apply loop is not running anymore.
	ErrStopped = errors.New("fleet stopped")

	// ErrUnknownDevice means the MAC is not in the local collection.
	ErrUnknownDevice = errors.New("unknown device")
)

// ValidationError describes missing or invalid operator input. It is
// returned before any request reaches the authority.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "validation error"
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// OpError names the operator action that failed and its target.
type OpError struct {
	OpID   string
	Op     string
	MAC    string
	Script string
	Err    error
}

func (e *OpError) Error() string {
	if e == nil {
		return "operation failed"
	}
	target := e.MAC
	if e.Script != "" {
		target = e.Script + " on " + e.MAC
	}
	if target == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, target, e.Err)
}

func (e *OpError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Kind classifies err for operator notifications.
func Kind(err error) string {
	var (
		ve *ValidationError
		te *authority.TransportError
		ae *authority.AuthorityError
	)
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &ae):
		return "authority"
	case errors.Is(err, ErrUnknownDevice):
		return "unknown_device"
	default:
		return "other"
	}
}
