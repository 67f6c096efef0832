package taskqueue

import "errors"

var (
	// ErrNotFound is returned by state transitions on an unknown task id.
	ErrNotFound = errors.New("taskqueue: task not found")

	// ErrInvalidTransition is returned when a transition is attempted from
	// the wrong state, e.g. completing a task that was never claimed.
	ErrInvalidTransition = errors.New("taskqueue: invalid state transition")

	// ErrTaskInFlight is returned by MarkProcessing while another task
	// holds the single in-flight slot.
	ErrTaskInFlight = errors.New("taskqueue: another task is already processing")
)
