package transport

import "errors"

// Domain errors returned by the transport layer.
var (
	// ErrTransport wraps network failures of outgoing stream requests:
	// connection refused, timeouts, broken connections. Callers may retry;
	// this package never does.
	ErrTransport = errors.New("transport: stream request failed")

	// ErrLockTimeout is returned when the router lock could not be acquired
	// within its timeout. It is never wrapped around I/O errors.
	ErrLockTimeout = errors.New("transport: router lock acquisition timed out")

	// ErrNoInterfaces is returned when no usable network interface was found.
	ErrNoInterfaces = errors.New("transport: no usable network interfaces")

	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport: closed")
)
