package registry

import "errors"

// Domain errors returned by the registry.
var (
	// ErrDuplicateDevice is returned when a device with the same UDN is
	// already registered, locally or remotely.
	ErrDuplicateDevice = errors.New("registry: device already registered")

	// ErrNotLocal is returned when a remote device is passed to AddLocalDevice.
	ErrNotLocal = errors.New("registry: device is not a local device")

	// ErrDuplicateSubscription is returned when a subscription ID is reused.
	ErrDuplicateSubscription = errors.New("registry: subscription already registered")

	// ErrShutdown is returned by mutations after Shutdown.
	ErrShutdown = errors.New("registry: shut down")
)
