package transport

import (
	"errors"
	"fmt"
)

// ErrDelivery is matched (errors.Is) by every delivery failure.
var ErrDelivery = errors.New("delivery failed")

// SerializationError means the payload could not be encoded. Never retried.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization failed: %v", e.Err)
}

func (e *SerializationError) Unwrap() error        { return e.Err }
func (e *SerializationError) Is(target error) bool { return target == ErrDelivery }

// TransportError means no response was obtained after Attempts tries.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error        { return e.Err }
func (e *TransportError) Is(target error) bool { return target == ErrDelivery }

// StatusError is a non-2xx response. Never retried.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool { return target == ErrDelivery }
