package route

import (
	"errors"
	"fmt"
)

// Errors returned by the package. Contract violations wrap
// ErrInvalidArgument or ErrIllegalState and are never worth retrying.
var (
	// ErrInvalidArgument is returned when a required host or route is missing,
	// or a hop index is out of range.
	ErrInvalidArgument = errors.New("route: invalid argument")

	// ErrIllegalState is returned when a tracker transition is not allowed in
	// the tracker's current phase.
	ErrIllegalState = errors.New("route: illegal state")

	// ErrUnreachable is matched by *UnreachableError.
	ErrUnreachable = errors.New("route: unreachable")
)

// UnreachableError is returned by the director when the current state of a
// connection cannot be extended into the desired route. It signals a bug in
// the loop driving the tracker, or a tracker fed with events that do not
// match the plan.
type UnreachableError struct {
	Desired *Route
	// Current is nil when nothing is connected yet.
	Current *Route
}

// Error implements the error interface.
func (e *UnreachableError) Error() string {
	return fmt.Sprintf("route: unreachable: cannot reach %s from %s", e.Desired, e.Current)
}

// Is implements error matching for UnreachableError.
func (e *UnreachableError) Is(target error) bool {
	if target == ErrUnreachable {
		return true
	}
	_, ok := target.(*UnreachableError)
	return ok
}

func invalidArgument(op, format string, v ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidArgument, op, fmt.Sprintf(format, v...))
}

func illegalState(op, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrIllegalState, op, msg)
}
