package protocol

import "errors"

// Domain errors returned by protocols.
var (
	// ErrNoProtocol is returned when no protocol handles an inbound message.
	// Stream callers answer 404 or 501; datagrams are dropped.
	ErrNoProtocol = errors.New("protocol: no protocol for message")

	// ErrNoResponse is returned when a stream request produced no response,
	// which happens while the router is disabled.
	ErrNoResponse = errors.New("protocol: no response")

	// ErrUnexpectedResponse is returned for responses with an error status or
	// missing mandatory headers.
	ErrUnexpectedResponse = errors.New("protocol: unexpected response")

	// ErrInvalidMessage is returned for inbound messages missing mandatory
	// headers.
	ErrInvalidMessage = errors.New("protocol: invalid message")
)
