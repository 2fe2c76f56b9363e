package establish

import (
	"errors"
	"fmt"

	"lds.li/netroute/route"
)

// Common errors returned by the package.
var (
	// ErrStepFailed is matched by *StepError.
	ErrStepFailed = errors.New("establish: step failed")

	// ErrTooManySteps is returned when the director has not completed the
	// route within Config.MaxSteps steps.
	ErrTooManySteps = errors.New("establish: too many steps")
)

// StepError is returned when the I/O for a step fails.
type StepError struct {
	// Step is the step that failed.
	Step route.Step

	// Hop is the host the step was talking to.
	Hop route.Host

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("establish: %s %s: %v", e.Step, e.Hop, e.Err)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Err
}

// Is implements error matching for StepError.
func (e *StepError) Is(target error) bool {
	if target == ErrStepFailed {
		return true
	}
	_, ok := target.(*StepError)
	return ok
}
