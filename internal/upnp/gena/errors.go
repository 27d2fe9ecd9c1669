package gena

import "errors"

// Domain errors for the gena package.
var (
	// ErrUnsupportedData is returned for event bodies that are not property
	// sets.
	ErrUnsupportedData = errors.New("gena: unsupported data")

	// ErrNotEstablished is returned when an operation needs a subscription
	// identifier that has not been assigned yet.
	ErrNotEstablished = errors.New("gena: subscription not established")
)
