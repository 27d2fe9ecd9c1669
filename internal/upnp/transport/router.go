// Package transport owns the network side of a UPnP node: the SSDP
// multicast receiver, per-interface datagram sockets, the HTTP stream
// server and client, and the switchable Router that gates them.
//
// The Router can be disabled and re-enabled at runtime, for example when
// the network configuration changes. While disabled, sends are no-ops and
// inbound traffic is dropped.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/message"
)

// Logger defines the logging interface used by the transport layer.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Handler receives inbound traffic from a transport.
type Handler interface {
	// HandleDatagram processes one SSDP datagram. It must not block for long;
	// slow work belongs on its own goroutine.
	HandleDatagram(d *message.Datagram)

	// HandleStream processes one HTTP request and returns the response to
	// write. done is called with the outcome of writing the response: nil
	// when it was delivered, the write error otherwise. done may be nil.
	HandleStream(ctx context.Context, req *message.Request) (resp *message.Response, done func(err error))
}

// Transport is a running set of sockets.
type Transport interface {
	// SendDatagram writes d to d.Remote. Multicast destinations are sent on
	// every endpoint.
	SendDatagram(d *message.Datagram) error

	// Broadcast sends raw bytes to the SSDP multicast group on every
	// endpoint.
	Broadcast(data []byte) error

	// SendStream performs an HTTP request. Network failures are returned
	// wrapped in ErrTransport; HTTP error statuses are returned as
	// responses.
	SendStream(ctx context.Context, req *message.Request) (*message.Response, error)

	// Addresses returns the address factory of the transport.
	Addresses() AddressFactory

	// Close releases all sockets. In-flight stream requests are not aborted.
	Close() error
}

// TransportFactory starts a transport delivering inbound traffic to h.
type TransportFactory func(ctx context.Context, h Handler) (Transport, error)

// Router is what protocols use to talk to the network.
type Router interface {
	SendDatagram(ctx context.Context, d *message.Datagram) error
	Broadcast(ctx context.Context, data []byte) error
	SendStream(ctx context.Context, req *message.Request) (*message.Response, error)
	Addresses() AddressFactory
	Enabled() bool
}

// SwitchableRouter gates a Transport behind a TimedRWLock. Sends and
// inbound dispatch take the read lock; Enable, Disable and Shutdown take the
// write lock.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Lock acquisition failures are returned as ErrLockTimeout.
type SwitchableRouter struct {
	factory TransportFactory
	handler Handler
	lock    *TimedRWLock
	logger  Logger

	// Guarded by lock.
	current Transport

	// stateMu is held briefly by readers of current that cannot afford to
	// wait for the router lock.
	stateMu  sync.RWMutex
	enabled  bool
	shutdown bool
}

// NewSwitchableRouter returns a disabled router. Call Enable to start the
// transport.
func NewSwitchableRouter(factory TransportFactory, handler Handler, lock *TimedRWLock) *SwitchableRouter {
	if lock == nil {
		lock = NewTimedRWLock(DefaultLockTimeout)
	}
	return &SwitchableRouter{
		factory: factory,
		handler: handler,
		lock:    lock,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the router.
func (r *SwitchableRouter) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// Enabled reports whether a transport is running.
func (r *SwitchableRouter) Enabled() bool {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.enabled
}

// Enable starts the transport. It reports whether the router changed state.
func (r *SwitchableRouter) Enable(ctx context.Context) (bool, error) {
	if err := r.lock.Lock(ctx); err != nil {
		return false, fmt.Errorf("enabling router: %w", err)
	}
	defer r.lock.Unlock()

	r.stateMu.RLock()
	enabled, shutdown := r.enabled, r.shutdown
	r.stateMu.RUnlock()
	if shutdown {
		return false, ErrClosed
	}
	if enabled {
		return false, nil
	}

	t, err := r.factory(ctx, gatedHandler{r})
	if err != nil {
		return false, fmt.Errorf("starting transport: %w", err)
	}
	r.current = t
	r.stateMu.Lock()
	r.enabled = true
	r.stateMu.Unlock()

	r.logger.Info("router enabled", "endpoints", len(t.Addresses().Endpoints()), "stream_port", t.Addresses().StreamPort())
	return true, nil
}

// Disable stops the transport. It reports whether the router changed state.
func (r *SwitchableRouter) Disable(ctx context.Context) (bool, error) {
	if err := r.lock.Lock(ctx); err != nil {
		return false, fmt.Errorf("disabling router: %w", err)
	}
	defer r.lock.Unlock()
	return r.disableLocked(), nil
}

func (r *SwitchableRouter) disableLocked() bool {
	r.stateMu.Lock()
	wasEnabled := r.enabled
	r.enabled = false
	r.stateMu.Unlock()
	if !wasEnabled {
		return false
	}

	if err := r.current.Close(); err != nil {
		r.logger.Warn("closing transport", "error", err)
	}
	r.current = nil
	r.logger.Info("router disabled")
	return true
}

// Shutdown disables the router permanently.
func (r *SwitchableRouter) Shutdown(ctx context.Context) error {
	if err := r.lock.Lock(ctx); err != nil {
		return fmt.Errorf("shutting down router: %w", err)
	}
	defer r.lock.Unlock()

	r.disableLocked()
	r.stateMu.Lock()
	r.shutdown = true
	r.stateMu.Unlock()
	return nil
}

// withTransport runs fn with the read lock held. fn is not called while the
// router is disabled.
func (r *SwitchableRouter) withTransport(ctx context.Context, fn func(t Transport) error) error {
	if err := r.lock.RLock(ctx); err != nil {
		return err
	}
	defer r.lock.RUnlock()

	if r.current == nil {
		return nil
	}
	return fn(r.current)
}

// SendDatagram sends d, or does nothing while disabled.
func (r *SwitchableRouter) SendDatagram(ctx context.Context, d *message.Datagram) error {
	return r.withTransport(ctx, func(t Transport) error {
		return t.SendDatagram(d)
	})
}

// Broadcast multicasts data, or does nothing while disabled.
func (r *SwitchableRouter) Broadcast(ctx context.Context, data []byte) error {
	return r.withTransport(ctx, func(t Transport) error {
		return t.Broadcast(data)
	})
}

// SendStream performs req. While disabled it returns a nil response and no
// error.
func (r *SwitchableRouter) SendStream(ctx context.Context, req *message.Request) (*message.Response, error) {
	var resp *message.Response
	err := r.withTransport(ctx, func(t Transport) error {
		var sendErr error
		resp, sendErr = t.SendStream(ctx, req)
		return sendErr
	})
	return resp, err
}

// Addresses returns the running transport's address factory, or an empty
// factory while disabled. It never waits for the router lock.
func (r *SwitchableRouter) Addresses() AddressFactory {
	if !r.lock.TryRLock() {
		return nullAddressFactory{}
	}
	defer r.lock.RUnlock()
	if r.current == nil {
		return nullAddressFactory{}
	}
	return r.current.Addresses()
}

// ReceivedDatagram dispatches an inbound datagram unless the router is
// disabled or switching.
func (r *SwitchableRouter) ReceivedDatagram(d *message.Datagram) {
	if !r.admit() {
		r.logger.Debug("router not accepting, dropping datagram", "datagram", d.String())
		return
	}
	r.handler.HandleDatagram(d)
}

// ReceivedStream dispatches an inbound stream request. While the router is
// disabled or switching it answers 503.
func (r *SwitchableRouter) ReceivedStream(ctx context.Context, req *message.Request) (*message.Response, func(error)) {
	if !r.admit() {
		return message.NewResponse(503), nil //nolint:mnd // HTTP Service Unavailable
	}
	return r.handler.HandleStream(ctx, req)
}

// admit reports whether the router is enabled and not being switched.
func (r *SwitchableRouter) admit() bool {
	if !r.lock.TryRLock() {
		return false
	}
	defer r.lock.RUnlock()
	return r.current != nil
}

// gatedHandler routes transport callbacks through the router's admission
// check.
type gatedHandler struct{ r *SwitchableRouter }

func (g gatedHandler) HandleDatagram(d *message.Datagram) { g.r.ReceivedDatagram(d) }

func (g gatedHandler) HandleStream(ctx context.Context, req *message.Request) (*message.Response, func(error)) {
	return g.r.ReceivedStream(ctx, req)
}
