package browser

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the pool and executor.
var (
	// ErrPoolExhausted is returned when no handle becomes available within the
	// acquire timeout.
	ErrPoolExhausted = errors.New("session pool exhausted")
	// ErrPoolDrained rejects acquisitions during shutdown.
	ErrPoolDrained = errors.New("session pool draining")
	// ErrExecutionTimeout marks a task that exceeded its time budget. The
	// handle that ran it is force-killed and discarded.
	ErrExecutionTimeout = errors.New("task execution timed out")
	// ErrTaskNotFound is returned by task stores for unknown ids.
	ErrTaskNotFound = errors.New("task not found")
)

// LaunchError wraps a browser/driver start failure. Fatal for the handle, not
// for the pool.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("browser launch failed: %v", e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ExecutionError wraps a browser-reported failure (navigation error, script
// exception). The handle may remain healthy; the health check decides.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("browser execution failed: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
