// Package controlpoint is the client role of a UPnP node: it searches for
// devices, invokes actions on remote services and manages event
// subscriptions on them.
//
// Every call is a synchronous network round trip from the caller's point of
// view. Nothing is retried here; a transport failure is reported and the
// caller decides whether to try again.
package controlpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/gena"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/header"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/protocol"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/registry"
)

// Default control point settings.
const (
	// DefaultSearchMX is the MX of searches that do not name one.
	DefaultSearchMX = header.DefaultMX

	// DefaultRenewalTimeout bounds one background renewal exchange.
	DefaultRenewalTimeout = 10 * time.Second
)

// Logger defines the logging interface used by the control point.
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

// Config configures the control point.
type Config struct {
	// SearchMX is used when Search is called with mx <= 0.
	SearchMX int

	// SubscriptionDuration is requested when Subscribe is called with a
	// zero duration.
	SubscriptionDuration time.Duration

	// RenewalTimeout bounds each background renewal.
	RenewalTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SearchMX <= 0 {
		c.SearchMX = DefaultSearchMX
	}
	if c.SubscriptionDuration <= 0 {
		c.SubscriptionDuration = gena.DefaultDuration
	}
	if c.RenewalTimeout <= 0 {
		c.RenewalTimeout = DefaultRenewalTimeout
	}
	return c
}

// ControlPoint issues searches, action invocations and subscription calls
// through a protocol factory.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Subscription handlers run on their own goroutines.
type ControlPoint struct {
	cfg      Config
	factory  *protocol.Factory
	registry *registry.Registry
	logger   Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a control point on top of factory. Call Start to have
// expiring subscriptions renewed.
func New(factory *protocol.Factory, cfg Config) *ControlPoint {
	ctx, cancel := context.WithCancel(context.Background())
	return &ControlPoint{
		cfg:      cfg.withDefaults(),
		factory:  factory,
		registry: factory.Registry(),
		logger:   noopLogger{},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetLogger sets the logger for the control point.
func (c *ControlPoint) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.logger = logger
}

// Start installs the control point as the registry's renewal function.
// Outgoing subscriptions are renewed margin before they expire.
func (c *ControlPoint) Start(margin time.Duration) {
	c.registry.SetRenewal(margin, c.scheduleRenewal)
}

// Search multicasts an M-SEARCH for target. A nil target searches for all
// devices and services. Responses arrive asynchronously and show up in the
// registry.
func (c *ControlPoint) Search(ctx context.Context, target header.Target, mx int) error {
	if c.ctx.Err() != nil {
		return ErrShutdown
	}
	if target == nil {
		target = header.AllTarget{}
	}
	if mx <= 0 {
		mx = c.cfg.SearchMX
	}
	c.logger.Debug("searching", "target", target.String(), "mx", mx)
	return c.factory.SendSearch(ctx, target, mx)
}

// Invoke builds an invocation of the named action with string inputs and
// executes it. Local problems (unknown action or argument, invalid value)
// are returned as *model.ActionError before anything is sent. The returned
// invocation carries the outputs or the Failure reported by the device; a
// transport failure is recorded as ErrorTransportFailed and also returned.
func (c *ControlPoint) Invoke(ctx context.Context, svc *model.Service, action string, inputs map[string]string) (*model.ActionInvocation, error) {
	inv, err := model.NewInvocation(svc, action)
	if err != nil {
		return nil, err
	}
	for _, arg := range inv.Action.InputArguments() {
		s, ok := inputs[arg.Name]
		if !ok {
			return nil, model.NewActionError(model.ErrorInvalidArgs, "missing argument "+arg.Name)
		}
		if err := inv.SetInputString(arg.Name, s); err != nil {
			return nil, err
		}
	}
	return inv, c.Execute(ctx, inv)
}

// Execute sends a prepared invocation.
func (c *ControlPoint) Execute(ctx context.Context, inv *model.ActionInvocation) error {
	if c.ctx.Err() != nil {
		return ErrShutdown
	}
	if inv.Service.Device() != nil && inv.Service.Device().Local {
		return fmt.Errorf("%w: %s", ErrLocalService, inv.Service.ID)
	}
	err := c.factory.SendAction(ctx, inv)
	if inv.Failure != nil {
		c.logger.Debug("action failed",
			"action", inv.Action.Name,
			"service", inv.Service.ID.String(),
			"code", inv.Failure.Code,
			"description", inv.Failure.Description,
		)
	}
	return err
}

// Subscribe subscribes to events of a remote service. A zero duration
// requests the configured default. On failure handlers.OnFailed runs and
// the error is returned together with the failed subscription.
func (c *ControlPoint) Subscribe(ctx context.Context, svc *model.Service, duration time.Duration, handlers gena.Handlers) (*gena.RemoteSubscription, error) {
	if c.ctx.Err() != nil {
		return nil, ErrShutdown
	}
	if svc.Device() != nil && svc.Device().Local {
		return nil, fmt.Errorf("%w: %s", ErrLocalService, svc.ID)
	}
	if duration <= 0 {
		duration = c.cfg.SubscriptionDuration
	}
	sub := gena.NewRemoteSubscription(svc, duration, handlers)
	sub.SetLogger(c.logger)
	if err := c.factory.SendSubscribe(ctx, sub); err != nil {
		return sub, err
	}
	return sub, nil
}

// Unsubscribe cancels an outgoing subscription.
func (c *ControlPoint) Unsubscribe(ctx context.Context, sub *gena.RemoteSubscription) error {
	return c.factory.SendUnsubscribe(ctx, sub)
}

// Renew extends an outgoing subscription. A failed renewal ends it.
func (c *ControlPoint) Renew(ctx context.Context, sub *gena.RemoteSubscription) error {
	return c.factory.SendRenewal(ctx, sub)
}

// scheduleRenewal runs a renewal off the registry maintenance goroutine.
func (c *ControlPoint) scheduleRenewal(sub *gena.RemoteSubscription) {
	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RenewalTimeout)
		defer cancel()
		if err := c.Renew(ctx, sub); err != nil {
			c.logger.Warn("renewal failed", "sid", sub.SID(), "error", err)
		}
	}()
}

// UnsubscribeAll cancels every established outgoing subscription. Errors
// are logged; subscriptions are ended either way.
func (c *ControlPoint) UnsubscribeAll(ctx context.Context) {
	subs := c.registry.RemoteSubscriptions()
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Unsubscribe(ctx, sub); err != nil {
				c.logger.Warn("unsubscribe failed", "sid", sub.SID(), "error", err)
			}
		}()
	}
	wg.Wait()
	if len(subs) > 0 {
		c.logger.Info("outgoing subscriptions cancelled", "count", len(subs))
	}
}

// Shutdown stops background renewals and waits for running ones.
func (c *ControlPoint) Shutdown() {
	c.cancel()
	c.wg.Wait()
}
