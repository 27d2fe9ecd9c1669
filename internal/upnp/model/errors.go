package model

import "errors"

// Domain errors for the model package.
var (
	// ErrInvalidValue is returned when a string cannot be converted to a
	// datatype value, or a value is out of the datatype's range.
	ErrInvalidValue = errors.New("model: invalid value")

	// ErrUnknownDatatype is returned when a datatype name is not registered.
	ErrUnknownDatatype = errors.New("model: unknown datatype")

	// ErrInvalidIdentifier is returned when a UDN, device type, service type or
	// service ID string is malformed.
	ErrInvalidIdentifier = errors.New("model: invalid identifier")

	// ErrInvalidDevice is returned when a device tree fails validation.
	ErrInvalidDevice = errors.New("model: invalid device")

	// ErrUnknownStateVariable is returned when a state variable name is not
	// declared by the service.
	ErrUnknownStateVariable = errors.New("model: unknown state variable")
)
