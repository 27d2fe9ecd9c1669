package controlpoint

import "errors"

var (
	// ErrShutdown is returned by calls made after Shutdown.
	ErrShutdown = errors.New("controlpoint: shut down")

	// ErrLocalService is returned when a call targets a service hosted by
	// this node. Local services are driven through their state store.
	ErrLocalService = errors.New("controlpoint: service is local")
)
