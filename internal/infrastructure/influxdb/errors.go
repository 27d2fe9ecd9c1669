package influxdb

import "errors"

// Errors returned by the state history writer. Check them with errors.Is.
var (
	// ErrNotConnected is returned by health checks once the client is closed
	// or was never connected.
	ErrNotConnected = errors.New("influxdb: state history writer not connected")

	// ErrConnectionFailed wraps ping and readiness failures at startup. upnpd
	// keeps running without state history when it sees this.
	ErrConnectionFailed = errors.New("influxdb: cannot reach state history server")

	// ErrWriteFailed wraps the asynchronous batch errors handed to the
	// SetOnError callback, typically a rejected upnp_state point.
	ErrWriteFailed = errors.New("influxdb: state history write rejected")

	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: state history disabled")
)
