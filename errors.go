package openpanel

import "errors"

var (
	// ErrNotConfigured is logged when an event is sent before Configure.
	ErrNotConfigured = errors.New("openpanel not configured, call Configure first")
	// ErrClosed is returned by calls made after Shutdown.
	ErrClosed = errors.New("openpanel client closed")
)
