package session

import "fmt"

// ValidationError reports a rejected session configuration. It is resolved
// locally and never reaches the gateway.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid session configuration: %s %s", e.Field, e.Reason)
}

// DeviceError reports a capture device that could not be acquired or
// restarted. The session stays in its pre-call state so the operator can
// retry.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device error during %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// PersistenceError reports a gateway write that failed after its retry
// budget. For the final save the transcript is retained in memory and
// RetryFinalSave can be used to try again.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("session persistence failed during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
