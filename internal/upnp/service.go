// Package upnp assembles a UPnP node: the registry, the switchable router,
// the protocol factory and the control point.
//
// A Service hosts local devices (announcing them, serving their descriptors,
// executing their actions and publishing their evented state) and acts as a
// control point for remote devices it discovers.
//
// Lifecycle:
//
//	svc := upnp.New(cfg, transport.NewNetworkTransportFactory(...))
//	svc.AddLocalDevice(light)
//	svc.Start(ctx)
//	...
//	svc.Shutdown(ctx)
package upnp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/controlpoint"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/protocol"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/registry"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/transport"
)

// Default service settings.
const (
	// DefaultMaintenanceInterval is the period of the registry expiry sweep.
	DefaultMaintenanceInterval = 1 * time.Second

	// DefaultRenewalMargin is how long before expiry outgoing subscriptions
	// are renewed.
	DefaultRenewalMargin = 60 * time.Second

	// DefaultAnnounceTimeout bounds one round of alive or byebye
	// notifications.
	DefaultAnnounceTimeout = 10 * time.Second
)

// Logger defines the logging interface used by the service.
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

// Config configures a Service.
type Config struct {
	Protocol     protocol.Config
	ControlPoint controlpoint.Config

	// LockTimeout bounds router enable/disable and every send. It must be
	// longer than the HTTP connect and read timeouts.
	LockTimeout time.Duration

	// MaxAge is advertised for local devices, in seconds.
	MaxAge int

	// AliveInterval is the period of alive notifications. Zero selects
	// half of MaxAge.
	AliveInterval time.Duration

	MaintenanceInterval time.Duration
	RenewalMargin       time.Duration

	// SearchOnStart sends an ssdp:all search once the router is enabled.
	SearchOnStart bool
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = transport.DefaultLockTimeout
	}
	if c.MaxAge <= 0 {
		c.MaxAge = model.DefaultMaxAge
	}
	if c.AliveInterval <= 0 {
		c.AliveInterval = time.Duration(c.MaxAge) * time.Second / 2
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.RenewalMargin <= 0 {
		c.RenewalMargin = DefaultRenewalMargin
	}
	return c
}

// Service is a running UPnP node.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Start and Shutdown are each called once.
type Service struct {
	cfg      Config
	logger   Logger
	registry *registry.Registry
	factory  *protocol.Factory
	router   *transport.SwitchableRouter
	cp       *controlpoint.ControlPoint

	mu       sync.Mutex
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closeCtx context.Context
}

// New assembles a service. transports starts the sockets when the router is
// enabled; tests pass a factory returning a fake transport.
func New(cfg Config, transports transport.TransportFactory) *Service {
	cfg = cfg.withDefaults()

	reg := registry.New()
	factory := protocol.NewFactory(cfg.Protocol, reg)
	router := transport.NewSwitchableRouter(transports, factory, transport.NewTimedRWLock(cfg.LockTimeout))
	factory.SetRouter(router)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		logger:   noopLogger{},
		registry: reg,
		factory:  factory,
		router:   router,
		cp:       controlpoint.New(factory, cfg.ControlPoint),
		ctx:      ctx,
		cancel:   cancel,
		closeCtx: context.Background(),
	}

	// Registered first so that byebye goes out before other listeners see
	// BeforeShutdown.
	reg.AddListener(registry.Listener{
		LocalDeviceAdded:   s.localDeviceAdded,
		LocalDeviceRemoved: s.localDeviceRemoved,
		BeforeShutdown:     s.beforeShutdown,
	})
	return s
}

// SetLogger sets the logger of the service and its components.
func (s *Service) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
	s.registry.SetLogger(logger)
	s.factory.SetLogger(logger)
	s.router.SetLogger(logger)
	s.cp.SetLogger(logger)
}

// SetObserver forwards protocol measurements to observer.
func (s *Service) SetObserver(observer protocol.Observer) {
	s.factory.SetObserver(observer)
}

// Registry returns the node's registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// ControlPoint returns the node's control point.
func (s *Service) ControlPoint() *controlpoint.ControlPoint { return s.cp }

// Router returns the node's router.
func (s *Service) Router() *transport.SwitchableRouter { return s.router }

// Factory returns the node's protocol factory.
func (s *Service) Factory() *protocol.Factory { return s.factory }

// Start enables the router and starts the maintenance and advertisement
// loops. Local devices added before Start are announced immediately.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if _, err := s.router.Enable(ctx); err != nil {
		return fmt.Errorf("starting upnp service: %w", err)
	}
	s.started = true
	s.cp.Start(s.cfg.RenewalMargin)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.registry.Run(s.ctx, s.cfg.MaintenanceInterval)
	}()
	go func() {
		defer s.wg.Done()
		s.advertise()
	}()

	if s.cfg.SearchOnStart {
		if err := s.cp.Search(ctx, nil, 0); err != nil {
			s.logger.Warn("initial search failed", "error", err)
		}
	}

	s.logger.Info("upnp service started",
		"local_devices", len(s.registry.LocalDevices()),
		"alive_interval", s.cfg.AliveInterval,
	)
	return nil
}

// advertise sends alive notifications for every local device right away and
// then every AliveInterval.
func (s *Service) advertise() {
	ticker := time.NewTicker(s.cfg.AliveInterval)
	defer ticker.Stop()
	for {
		for _, d := range s.registry.LocalDevices() {
			s.announce(d)
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) announce(d *model.Device) {
	ctx, cancel := context.WithTimeout(s.ctx, DefaultAnnounceTimeout)
	defer cancel()
	if err := s.factory.SendAlive(ctx, d); err != nil {
		s.logger.Warn("alive notification failed", "udn", d.Identity.UDN, "error", err)
	}
}

// AddLocalDevice lays out the device's resource URLs, connects its state
// stores to eventing and registers it. A running service announces it at
// once.
func (s *Service) AddLocalDevice(d *model.Device) error {
	if !d.Local {
		return fmt.Errorf("%w: %s", registry.ErrNotLocal, d.Identity.UDN)
	}
	s.factory.Config().Namespace.Apply(d)
	for _, dev := range d.All() {
		dev.Identity.MaxAge = s.cfg.MaxAge
		for _, svc := range dev.Services {
			svc.State().SetOnChange(s.publish)
		}
	}
	return s.registry.AddLocalDevice(d)
}

// RemoveLocalDevice unregisters a local device and sends byebye for it.
func (s *Service) RemoveLocalDevice(udn model.UDN) bool {
	return s.registry.RemoveLocalDevice(udn)
}

// publish queues an event with the changed variables for every subscriber
// of svc.
func (s *Service) publish(svc *model.Service, changes []model.StateChange) {
	for _, sub := range s.registry.LocalSubscriptionsOf(svc) {
		s.factory.QueueEvent(sub, changes)
	}
}

func (s *Service) localDeviceAdded(d *model.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.announce(d)
	}()
}

func (s *Service) localDeviceRemoved(d *model.Device) {
	for _, dev := range d.All() {
		for _, svc := range dev.Services {
			svc.State().SetOnChange(nil)
		}
	}
	if !s.router.Enabled() {
		return
	}
	s.mu.Lock()
	parent := s.closeCtx
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(parent, DefaultAnnounceTimeout)
	defer cancel()
	if err := s.factory.SendByebye(ctx, d); err != nil {
		s.logger.Warn("byebye notification failed", "udn", d.Identity.UDN, "error", err)
	}
}

// beforeShutdown cancels outgoing subscriptions and withdraws local devices
// while the router is still enabled.
func (s *Service) beforeShutdown() {
	s.mu.Lock()
	ctx := s.closeCtx
	s.mu.Unlock()
	s.cp.UnsubscribeAll(ctx)
	for _, d := range s.registry.LocalDevices() {
		s.localDeviceRemoved(d)
	}
}

// Shutdown stops the node: background loops end, outgoing subscriptions
// are cancelled, byebye is sent for local devices, listeners see
// BeforeShutdown, then the router and the protocols shut down.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closeCtx = ctx
	s.started = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.registry.Shutdown()
	s.cp.Shutdown()

	var errs []error
	if err := s.router.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.factory.Shutdown()

	s.logger.Info("upnp service stopped")
	return errors.Join(errs...)
}
