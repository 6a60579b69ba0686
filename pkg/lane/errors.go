package lane

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced to callers.
var (
	// ErrNotFound is returned for an unknown task id on cancel or completion.
	ErrNotFound = errors.New("task not found")

	// ErrCancelled resolves a handle whose task was administratively cancelled.
	ErrCancelled = errors.New("task cancelled")

	// ErrShuttingDown rejects submissions after shutdown has begun.
	ErrShuttingDown = errors.New("dispatcher is shutting down")

	// ErrUnknownLane rejects submissions to a lane the table does not define.
	ErrUnknownLane = errors.New("unknown lane")
)

// ConfigError reports an invalid lane configuration at table build time.
// It is fatal and never retried.
type ConfigError struct {
	Lane   string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Lane == "" {
		return fmt.Sprintf("invalid lane config: %s", e.Reason)
	}
	return fmt.Sprintf("invalid config for lane %q: %s", e.Lane, e.Reason)
}

// TimeoutError reports an attempt that exceeded its lane's configured timeout.
type TimeoutError struct {
	Lane    string
	TaskID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s in lane %s", e.TaskID, e.Timeout, e.Lane)
}

// ExecutionError wraps a command-reported failure.
type ExecutionError struct {
	TaskID string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// permanentError marks a command failure as non-retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the pipeline sends the command straight to the DLQ
// instead of consulting the retry policy.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked non-retryable via Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
