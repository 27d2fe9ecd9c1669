// Package protocol implements the UPnP message exchanges of a node.
//
// Inbound messages are classified by the Factory into receiving protocols.
// Datagram protocols (notifications, search requests, search responses) are
// asynchronous: they run on their own goroutine and never answer. Stream
// protocols (descriptor retrieval, action control, GENA subscribe,
// unsubscribe and event delivery) are synchronous: they return a response
// and learn through ResponseSent or ResponseFailed whether it was delivered.
//
// Outgoing exchanges (search, alive/byebye, descriptor retrieval, action
// invocation, subscription management, event delivery) are methods of the
// Factory and use the Router it was attached to.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/header"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/message"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/registry"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/soap"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/transport"
)

// Default protocol settings.
const (
	// DefaultBulkRepeat is how often a search or notification is sent.
	DefaultBulkRepeat = 2

	// DefaultBulkInterval separates repeated datagrams.
	DefaultBulkInterval = 100 * time.Millisecond

	// DefaultEventWait bounds how long an event for an unknown SID waits for
	// a pending subscription to be registered.
	DefaultEventWait = 2 * time.Second
)

// Logger defines the logging interface used by protocols.
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

// Observer receives protocol measurements. Implementations must be safe for
// concurrent use.
type Observer interface {
	// ProtocolExecuted counts one executed receiving protocol.
	ProtocolExecuted(name string, failed bool)

	// NoProtocol counts an inbound message no protocol handles. kind is
	// "datagram" or "stream".
	NoProtocol(kind string)
}

type noopObserver struct{}

func (noopObserver) ProtocolExecuted(string, bool) {}
func (noopObserver) NoProtocol(string)             {}

// ReceivingAsync handles an inbound message without answering it. Failures
// are logged by the factory, never returned to a caller.
type ReceivingAsync interface {
	Name() string
	Run(ctx context.Context) error
}

// ReceivingSync answers an inbound stream request. Exactly one of
// ResponseSent and ResponseFailed is called after Execute returned a
// response.
type ReceivingSync interface {
	Name() string
	Execute(ctx context.Context) (*message.Response, error)
	ResponseSent(resp *message.Response)
	ResponseFailed(err error)
}

// Config configures the protocols.
type Config struct {
	// Server is the signature sent in SERVER and USER-AGENT headers.
	Server header.Server

	// Namespace lays out the local resource paths.
	Namespace model.Namespace

	BulkRepeat   int
	BulkInterval time.Duration
	EventWait    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BulkRepeat <= 0 {
		c.BulkRepeat = DefaultBulkRepeat
	}
	if c.BulkInterval <= 0 {
		c.BulkInterval = DefaultBulkInterval
	}
	if c.EventWait <= 0 {
		c.EventWait = DefaultEventWait
	}
	if c.Server.ProductName == "" {
		c.Server = header.DefaultServer("upnpd", "dev")
	}
	return c
}

// Factory selects receiving protocols for inbound messages and runs the
// sending protocols. It implements transport.Handler.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - SetRouter must be called before the router is enabled.
type Factory struct {
	cfg      Config
	registry *registry.Registry
	soap     *soap.Processor
	logger   Logger
	observer Observer

	router transport.Router

	// searchDelay picks the response delay of a search with the given MX.
	searchDelay func(mx int) time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	asyncMu sync.Mutex
	closed  bool

	retrievingMu sync.Mutex
	retrieving   map[model.UDN]bool

	eventsMu      sync.Mutex
	eventQueues   map[string][][]model.StateChange
	eventRunning  map[string]bool
	eventsStopped bool

	// initialPending holds SIDs of new incoming subscriptions whose
	// initial event has not been queued yet.
	initialPending map[string]bool
}

// NewFactory returns a factory working on reg. Attach a router with
// SetRouter before use.
func NewFactory(cfg Config, reg *registry.Registry) *Factory {
	ctx, cancel := context.WithCancel(context.Background())
	return &Factory{
		cfg:          cfg.withDefaults(),
		registry:     reg,
		soap:         soap.NewProcessor(),
		logger:       noopLogger{},
		observer:     noopObserver{},
		searchDelay:  randomDelay,
		ctx:          ctx,
		cancel:       cancel,
		retrieving:   make(map[model.UDN]bool),
		eventQueues:  make(map[string][][]model.StateChange),
		eventRunning: make(map[string]bool),

		initialPending: make(map[string]bool),
	}
}

// randomDelay returns a uniformly distributed delay in [0, mx] seconds.
func randomDelay(mx int) time.Duration {
	if mx <= 0 {
		return 0
	}
	return rand.N(time.Duration(mx)*time.Second + 1)
}

// SetLogger sets the logger for the factory and its protocols.
func (f *Factory) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	f.logger = logger
}

// SetObserver sets the measurement sink.
func (f *Factory) SetObserver(observer Observer) {
	if observer == nil {
		observer = noopObserver{}
	}
	f.observer = observer
}

// SetRouter attaches the router used by sending protocols.
func (f *Factory) SetRouter(router transport.Router) {
	f.router = router
}

// Config returns the effective configuration.
func (f *Factory) Config() Config {
	return f.cfg
}

// Registry returns the registry the protocols work on.
func (f *Factory) Registry() *registry.Registry {
	return f.registry
}

// Shutdown cancels running asynchronous protocols and waits for them.
func (f *Factory) Shutdown() {
	f.eventsMu.Lock()
	f.eventsStopped = true
	f.eventsMu.Unlock()

	f.asyncMu.Lock()
	f.closed = true
	f.asyncMu.Unlock()

	f.cancel()
	f.wg.Wait()
}

// goAsync runs fn on a tracked goroutine bound to the factory's lifetime.
// It reports false, without running fn, once Shutdown has begun.
func (f *Factory) goAsync(fn func(ctx context.Context)) bool {
	f.asyncMu.Lock()
	defer f.asyncMu.Unlock()
	if f.closed {
		return false
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		fn(f.ctx)
	}()
	return true
}

// CreateReceivingAsync returns the protocol handling an inbound datagram.
func (f *Factory) CreateReceivingAsync(d *message.Datagram) (ReceivingAsync, error) {
	switch {
	case d.Request != nil:
		switch d.Request.Method {
		case message.MethodNotify:
			nts, ok := header.Get[header.NTS](d.Request.Header, header.TypeNTS)
			if ok && (nts == header.NTSAlive || nts == header.NTSByebye) {
				return &receivingNotification{f: f, d: d, nts: nts}, nil
			}
		case message.MethodSearch:
			return &receivingSearch{f: f, d: d}, nil
		}
	case d.Response != nil:
		if d.Response.StatusCode == http.StatusOK && d.Response.Header.Has(header.TypeUSN.String()) {
			return &receivingSearchResponse{f: f, d: d}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProtocol, d)
}

// CreateReceivingSync returns the protocol answering an inbound stream
// request.
func (f *Factory) CreateReceivingSync(req *message.Request) (ReceivingSync, error) {
	res := f.cfg.Namespace.Parse(req.URL.Path)
	switch {
	case req.Method == message.MethodGet &&
		(res.Kind == model.ResourceDeviceDescriptor || res.Kind == model.ResourceServiceDescriptor):
		return &receivingRetrieval{f: f, req: req, res: res}, nil
	case req.Method == message.MethodPost && res.Kind == model.ResourceControl:
		return &receivingAction{f: f, req: req, res: res}, nil
	case req.Method == message.MethodSubscribe && res.Kind == model.ResourceEventSubscription:
		return &receivingSubscribe{f: f, req: req, res: res}, nil
	case req.Method == message.MethodUnsubscribe && res.Kind == model.ResourceEventSubscription:
		return &receivingUnsubscribe{f: f, req: req, res: res}, nil
	case req.Method == message.MethodNotify && res.Kind == model.ResourceEventCallback:
		return &receivingEvent{f: f, req: req, res: res}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProtocol, req)
}

// HandleDatagram runs the matching datagram protocol on its own goroutine.
func (f *Factory) HandleDatagram(d *message.Datagram) {
	p, err := f.CreateReceivingAsync(d)
	if err != nil {
		f.observer.NoProtocol("datagram")
		f.logger.Debug("dropping datagram", "datagram", d.String(), "error", err)
		return
	}
	started := f.goAsync(func(ctx context.Context) {
		err := p.Run(ctx)
		f.observer.ProtocolExecuted(p.Name(), err != nil)
		if err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Debug("protocol failed", "protocol", p.Name(), "remote", d.Remote.String(), "error", err)
		}
	})
	if !started {
		f.logger.Debug("dropping datagram after shutdown", "datagram", d.String())
	}
}

// HandleStream executes the matching stream protocol. Unknown resources are
// answered with 404, known resources with an unsupported method with 501.
func (f *Factory) HandleStream(ctx context.Context, req *message.Request) (*message.Response, func(error)) {
	p, err := f.CreateReceivingSync(req)
	if err != nil {
		f.observer.NoProtocol("stream")
		f.logger.Debug("no protocol for stream request", "request", req.String())
		if f.cfg.Namespace.Parse(req.URL.Path).Kind == model.ResourceUnknown {
			return f.statusResponse(http.StatusNotFound), nil
		}
		return f.statusResponse(http.StatusNotImplemented), nil
	}

	resp, err := p.Execute(ctx)
	f.observer.ProtocolExecuted(p.Name(), err != nil)
	if err != nil {
		f.logger.Warn("protocol failed", "protocol", p.Name(), "request", req.String(), "error", err)
		return f.statusResponse(http.StatusInternalServerError), nil
	}
	return resp, func(err error) {
		if err != nil {
			f.logger.Debug("response not delivered", "protocol", p.Name(), "error", err)
			p.ResponseFailed(err)
			return
		}
		p.ResponseSent(resp)
	}
}

func (f *Factory) statusResponse(code int) *message.Response {
	resp := message.NewResponse(code)
	resp.Header.SetValue(header.TypeServer, f.cfg.Server)
	return resp
}

// send performs a stream request through the router. A disabled router
// yields ErrNoResponse.
func (f *Factory) send(ctx context.Context, req *message.Request) (*message.Response, error) {
	if f.router == nil {
		return nil, ErrNoResponse
	}
	if !req.Header.Has(header.TypeUserAgent.String()) {
		req.Header.SetValue(header.TypeUserAgent, header.UserAgent(f.cfg.Server.String()))
	}
	resp, err := f.router.SendStream(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrNoResponse, req.Method, req.URL)
	}
	return resp, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
