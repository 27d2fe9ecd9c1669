package header

import "errors"

// Domain errors for the header package.
var (
	// ErrInvalidHeader is returned when a header value cannot be parsed into
	// any variant registered for its type.
	ErrInvalidHeader = errors.New("header: invalid value")

	// ErrUnknownType is returned for header names that have no typed variant.
	ErrUnknownType = errors.New("header: unknown type")
)
