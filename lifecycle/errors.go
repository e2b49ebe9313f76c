package lifecycle

import (
	"errors"
	"fmt"

	"garageflow/job"
)

var (
	// ErrInvalidTransition is returned when a command does not apply to the
	// job's current status. Nothing is written.
	ErrInvalidTransition = errors.New("lifecycle: command not allowed in current job status")
	// ErrConflict is returned when a concurrent command got there first,
	// e.g. a second AcceptBid on the same job.
	ErrConflict  = errors.New("lifecycle: job changed concurrently")
	ErrForbidden = errors.New("lifecycle: actor not permitted")
	// ErrCancelCutoff refuses cancellation of a scheduled job too close to
	// its appointment.
	ErrCancelCutoff = fmt.Errorf("%w: inside cancellation cutoff", ErrInvalidTransition)
)

// TransitionError carries the authoritative job as read under lock when a
// command was refused.
type TransitionError struct {
	Command string
	Job     job.Job
	Err     error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("lifecycle: %s refused for job %s in status %s: %v", e.Command, e.Job.ID, e.Job.Status, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("lifecycle: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func refuse(command string, j job.Job) error {
	return &TransitionError{Command: command, Job: j, Err: ErrInvalidTransition}
}
