package openrail

import (
	"fmt"
	"time"
)

// ConnectTimeoutError is raised when the reconnect window is exhausted
// without a successful connection. It wraps the last attempt's error.
type ConnectTimeoutError struct {
	Window  time.Duration
	LastErr error
}

func (e *ConnectTimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("broker connect timed out after %s: %v", e.Window, e.LastErr)
	}
	return fmt.Sprintf("broker connect timed out after %s", e.Window)
}

func (e *ConnectTimeoutError) Unwrap() error {
	return e.LastErr
}

// ConnectionError is a fault observed on an established connection,
// pushed to the error channel rather than into the receive path.
type ConnectionError struct {
	Topic string
	Err   error
}

func (e *ConnectionError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("broker connection fault on %s: %v", e.Topic, e.Err)
	}
	return fmt.Sprintf("broker connection fault: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
