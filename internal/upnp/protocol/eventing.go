package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/gena"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/header"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/message"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/transport"
)

// requestedDuration converts a TIMEOUT header to a duration. Absent and
// infinite timeouts yield 0, which grants the default.
func requestedDuration(h *header.Headers) time.Duration {
	t, ok := header.Get[header.Timeout](h, header.TypeTimeout)
	if !ok || t.Infinite {
		return 0
	}
	return time.Duration(t.Seconds) * time.Second
}

func timeoutHeader(d time.Duration) header.Timeout {
	return header.Timeout{Seconds: int(d / time.Second)}
}

// receivingSubscribe handles SUBSCRIBE on a local service: new
// subscriptions carry NT and CALLBACK, renewals carry SID only.
type receivingSubscribe struct {
	f   *Factory
	req *message.Request
	res model.Resource

	created *gena.LocalSubscription
}

func (p *receivingSubscribe) Name() string { return "ReceivingSubscribe" }

func (p *receivingSubscribe) Execute(context.Context) (*message.Response, error) {
	svc := p.f.registry.LocalService(p.res.UDN, p.res.ServiceID)
	if svc == nil {
		return p.f.statusResponse(http.StatusNotFound), nil
	}
	h := p.req.Header
	now := p.f.registry.Now()

	var sub *gena.LocalSubscription
	if sid, ok := header.Get[header.SID](h, header.TypeSID); ok {
		if h.Has(header.TypeNT.String()) || h.Has(header.TypeCallback.String()) {
			return p.f.statusResponse(http.StatusBadRequest), nil
		}
		sub = p.f.registry.LocalSubscription(string(sid))
		if sub == nil || sub.Service() != svc {
			return p.f.statusResponse(http.StatusPreconditionFailed), nil
		}
		sub.Renew(requestedDuration(h), now)
		p.f.logger.Debug("incoming subscription renewed", "sid", sub.SID(), "duration", sub.Duration())
	} else {
		if _, ok := header.Get[header.EventTarget](h, header.TypeNT); !ok {
			return p.f.statusResponse(http.StatusPreconditionFailed), nil
		}
		callbacks, ok := header.Get[header.Callback](h, header.TypeCallback)
		if !ok {
			return p.f.statusResponse(http.StatusPreconditionFailed), nil
		}
		sub = gena.NewLocalSubscription(svc, callbacks, requestedDuration(h), now)
		p.f.holdEvents(sub.SID())
		if err := p.f.registry.AddLocalSubscription(sub); err != nil {
			p.f.releaseEvents(sub.SID())
			return nil, err
		}
		p.created = sub
		p.f.logger.Info("incoming subscription", "sid", sub.SID(), "service", svc.ID.String(), "duration", sub.Duration())
	}

	resp := p.f.statusResponse(http.StatusOK)
	resp.Header.SetValue(header.TypeSID, header.SID(sub.SID()))
	resp.Header.SetValue(header.TypeTimeout, timeoutHeader(sub.Duration()))
	return resp, nil
}

// ResponseSent queues the initial event of a new subscription. It carries
// sequence 0 and every evented variable.
func (p *receivingSubscribe) ResponseSent(*message.Response) {
	if p.created != nil {
		p.f.queueInitialEvent(p.created)
	}
}

// ResponseFailed drops a subscription the subscriber never learned about.
func (p *receivingSubscribe) ResponseFailed(error) {
	if p.created != nil {
		p.f.releaseEvents(p.created.SID())
		p.f.registry.RemoveLocalSubscription(p.created.SID())
	}
}

// receivingUnsubscribe handles UNSUBSCRIBE on a local service.
type receivingUnsubscribe struct {
	f   *Factory
	req *message.Request
	res model.Resource
}

func (p *receivingUnsubscribe) Name() string { return "ReceivingUnsubscribe" }

func (p *receivingUnsubscribe) Execute(context.Context) (*message.Response, error) {
	svc := p.f.registry.LocalService(p.res.UDN, p.res.ServiceID)
	if svc == nil {
		return p.f.statusResponse(http.StatusNotFound), nil
	}
	h := p.req.Header
	sid, ok := header.Get[header.SID](h, header.TypeSID)
	if !ok {
		return p.f.statusResponse(http.StatusPreconditionFailed), nil
	}
	if h.Has(header.TypeNT.String()) || h.Has(header.TypeCallback.String()) {
		return p.f.statusResponse(http.StatusBadRequest), nil
	}
	sub := p.f.registry.LocalSubscription(string(sid))
	if sub == nil || sub.Service() != svc {
		return p.f.statusResponse(http.StatusPreconditionFailed), nil
	}
	p.f.registry.RemoveLocalSubscription(sub.SID())
	p.f.logger.Info("incoming subscription ended", "sid", sub.SID())
	return p.f.statusResponse(http.StatusOK), nil
}

func (p *receivingUnsubscribe) ResponseSent(*message.Response) {}
func (p *receivingUnsubscribe) ResponseFailed(error)           {}

// receivingEvent handles NOTIFY event delivery for outgoing subscriptions.
type receivingEvent struct {
	f   *Factory
	req *message.Request
	res model.Resource
}

func (p *receivingEvent) Name() string { return "ReceivingEvent" }

// Execute applies the event before answering so that events of one
// subscription are merged in arrival order. An event for an unknown SID
// waits for pending SUBSCRIBE exchanges to settle.
func (p *receivingEvent) Execute(ctx context.Context) (*message.Response, error) {
	h := p.req.Header
	_, ntOK := header.Get[header.EventTarget](h, header.TypeNT)
	nts, ntsOK := header.Get[header.NTS](h, header.TypeNTS)
	if !ntOK || !ntsOK || nts != header.NTSPropChange {
		return p.f.statusResponse(http.StatusBadRequest), nil
	}
	sid, ok := header.Get[header.SID](h, header.TypeSID)
	if !ok {
		return p.f.statusResponse(http.StatusPreconditionFailed), nil
	}
	seq, ok := header.Get[header.SEQ](h, header.TypeSEQ)
	if !ok {
		return p.f.statusResponse(http.StatusBadRequest), nil
	}

	sub := p.f.registry.WaitRemoteSubscription(ctx, string(sid), p.f.cfg.EventWait)
	if sub == nil {
		p.f.logger.Debug("event for unknown subscription", "sid", string(sid))
		return p.f.statusResponse(http.StatusPreconditionFailed), nil
	}

	values, err := gena.ReadPropertySet(p.req.Body, sub.Service())
	if err != nil {
		sub.InvalidMessage(err)
		return p.f.statusResponse(http.StatusBadRequest), nil
	}
	sub.Receive(uint32(seq), values)
	return p.f.statusResponse(http.StatusOK), nil
}

func (p *receivingEvent) ResponseSent(*message.Response) {}
func (p *receivingEvent) ResponseFailed(error)           {}

// callbackURL returns the URL a remote service should deliver events of svc
// to: the callback path on the local endpoint that can reach the service.
func (f *Factory) callbackURL(svc *model.Service) (*url.URL, error) {
	d := svc.Device()
	if d == nil {
		return nil, fmt.Errorf("%w: service %s belongs to no device", ErrInvalidMessage, svc.ID)
	}
	af := f.router.Addresses()
	var remote net.IP
	if svc.EventSubURL != nil {
		remote = net.ParseIP(svc.EventSubURL.Hostname())
	}
	ep, ok := endpointFor(af, d.Identity.DiscoveredOn, remote)
	if !ok || af.StreamPort() == 0 {
		return nil, fmt.Errorf("%w: no local endpoint to receive events", ErrNoResponse)
	}
	return transport.LocationURL(af, ep.IP, f.cfg.Namespace.CallbackPath(d.Identity.UDN, svc.ID)), nil
}

// SendSubscribe subscribes sub to its remote service. The subscription is
// pending while the exchange runs, so an initial event that overtakes the
// response is not lost. On success it is established and registered; on
// failure sub.Fail runs and the error is returned.
func (f *Factory) SendSubscribe(ctx context.Context, sub *gena.RemoteSubscription) error {
	svc := sub.Service()
	if svc.EventSubURL == nil {
		err := fmt.Errorf("%w: service %s has no event subscription URL", ErrInvalidMessage, svc.ID)
		sub.Fail(nil, err)
		return err
	}
	callback, err := f.callbackURL(svc)
	if err != nil {
		sub.Fail(nil, err)
		return err
	}

	f.registry.RegisterPendingSubscription(sub)
	defer f.registry.UnregisterPendingSubscription(sub)
	sub.Subscribing(callback)

	req := message.NewRequest(message.MethodSubscribe, svc.EventSubURL)
	req.Header.SetValue(header.TypeNT, header.EventTarget{})
	req.Header.SetValue(header.TypeCallback, header.Callback{callback})
	req.Header.SetValue(header.TypeTimeout, timeoutHeader(sub.RequestedDuration()))

	resp, err := f.send(ctx, req)
	if err != nil {
		sub.Fail(nil, err)
		return err
	}
	sid, granted, err := subscribeResult(resp)
	if err != nil {
		sub.Fail(resp, err)
		return err
	}

	sub.Establish(sid, granted, f.registry.Now())
	if err := f.registry.AddRemoteSubscription(sub); err != nil {
		return err
	}
	f.logger.Info("subscribed", "sid", sid, "service", svc.ID.String(), "duration", sub.ActualDuration())
	return nil
}

func subscribeResult(resp *message.Response) (string, time.Duration, error) {
	if resp.IsFailed() {
		return "", 0, fmt.Errorf("%w: SUBSCRIBE returned %d", ErrUnexpectedResponse, resp.StatusCode)
	}
	sid, ok := header.Get[header.SID](resp.Header, header.TypeSID)
	if !ok {
		return "", 0, fmt.Errorf("%w: SUBSCRIBE response without SID", ErrUnexpectedResponse)
	}
	return string(sid), requestedDuration(resp.Header), nil
}

// SendRenewal renews an established subscription. A failed renewal ends the
// subscription with EndRenewalFailed.
func (f *Factory) SendRenewal(ctx context.Context, sub *gena.RemoteSubscription) error {
	sid := sub.SID()
	if sid == "" {
		return gena.ErrNotEstablished
	}
	req := message.NewRequest(message.MethodSubscribe, sub.Service().EventSubURL)
	req.Header.SetValue(header.TypeSID, header.SID(sid))
	req.Header.SetValue(header.TypeTimeout, timeoutHeader(sub.RequestedDuration()))

	resp, err := f.send(ctx, req)
	if err == nil {
		var newSID string
		var granted time.Duration
		newSID, granted, err = subscribeResult(resp)
		if err == nil && newSID == sid {
			sub.Establish(sid, granted, f.registry.Now())
			f.logger.Debug("subscription renewed", "sid", sid, "duration", sub.ActualDuration())
			return nil
		}
		if err == nil {
			err = fmt.Errorf("%w: renewal answered with SID %s", ErrUnexpectedResponse, newSID)
		}
	}

	f.registry.RemoveRemoteSubscription(sid)
	sub.End(gena.EndRenewalFailed, resp)
	f.logger.Warn("subscription renewal failed", "sid", sid, "error", err)
	return err
}

// SendUnsubscribe cancels an established subscription. It is removed from
// the registry and ended whatever the outcome; a failed exchange ends it
// with EndUnsubscribeFailed.
func (f *Factory) SendUnsubscribe(ctx context.Context, sub *gena.RemoteSubscription) error {
	sid := sub.SID()
	if sid == "" {
		return gena.ErrNotEstablished
	}
	f.registry.RemoveRemoteSubscription(sid)

	req := message.NewRequest(message.MethodUnsubscribe, sub.Service().EventSubURL)
	req.Header.SetValue(header.TypeSID, header.SID(sid))

	resp, err := f.send(ctx, req)
	if err == nil && resp.IsFailed() {
		err = fmt.Errorf("%w: UNSUBSCRIBE returned %d", ErrUnexpectedResponse, resp.StatusCode)
	}
	if err != nil {
		sub.End(gena.EndUnsubscribeFailed, resp)
		return err
	}
	sub.End(gena.EndUnsubscribed, resp)
	return nil
}

// SendEvent delivers one event to a subscriber. Callback URLs are tried in
// order until one accepts the NOTIFY. The sequence advances even when every
// callback failed.
func (f *Factory) SendEvent(ctx context.Context, sub *gena.LocalSubscription, changes []model.StateChange) error {
	if sub.Ended() {
		return nil
	}
	body, err := gena.WritePropertySet(changes)
	if err != nil {
		return err
	}

	return sub.Deliver(func(seq uint32) error {
		var errs []error
		for _, cb := range sub.Callbacks() {
			req := message.NewRequest(message.MethodNotify, cb)
			req.Header.SetValue(header.TypeContentType, header.XMLContentType)
			req.Header.SetValue(header.TypeNT, header.EventTarget{})
			req.Header.SetValue(header.TypeNTS, header.NTSPropChange)
			req.Header.SetValue(header.TypeSID, header.SID(sub.SID()))
			req.Header.SetValue(header.TypeSEQ, header.SEQ(seq))
			req.Body = body

			resp, err := f.send(ctx, req)
			if err == nil && !resp.IsFailed() {
				return nil
			}
			if err == nil {
				err = fmt.Errorf("%w: NOTIFY to %s returned %d", ErrUnexpectedResponse, cb, resp.StatusCode)
			}
			errs = append(errs, err)
		}
		return fmt.Errorf("delivering event %d of %s: %w", seq, sub.SID(), errors.Join(errs...))
	})
}

// QueueEvent schedules an event for a subscriber. Events of one subscriber
// are sent one at a time in queue order; different subscribers proceed in
// parallel. Changes reaching a subscription before its initial event was
// queued are dropped: the initial event is a later snapshot that already
// carries them.
func (f *Factory) QueueEvent(sub *gena.LocalSubscription, changes []model.StateChange) {
	f.eventsMu.Lock()
	if f.initialPending[sub.SID()] {
		f.eventsMu.Unlock()
		return
	}
	start := f.enqueueLocked(sub, changes)
	f.eventsMu.Unlock()

	if start {
		f.startDrain(sub)
	}
}

// holdEvents marks a new subscription as waiting for its initial event.
func (f *Factory) holdEvents(sid string) {
	f.eventsMu.Lock()
	f.initialPending[sid] = true
	f.eventsMu.Unlock()
}

func (f *Factory) releaseEvents(sid string) {
	f.eventsMu.Lock()
	delete(f.initialPending, sid)
	f.eventsMu.Unlock()
}

// queueInitialEvent snapshots the evented state and queues it ahead of any
// later change. The snapshot is taken under eventsMu so that a change
// applied after it is queued after it.
func (f *Factory) queueInitialEvent(sub *gena.LocalSubscription) {
	f.eventsMu.Lock()
	delete(f.initialPending, sub.SID())
	state := sub.Service().State()
	if state == nil {
		f.eventsMu.Unlock()
		return
	}
	start := f.enqueueLocked(sub, state.EventedSnapshot())
	f.eventsMu.Unlock()

	if start {
		f.startDrain(sub)
	}
}

// enqueueLocked appends changes to the subscriber's queue and reports
// whether a drain goroutine must be started. eventsMu must be held.
func (f *Factory) enqueueLocked(sub *gena.LocalSubscription, changes []model.StateChange) bool {
	sid := sub.SID()
	if f.eventsStopped {
		return false
	}
	f.eventQueues[sid] = append(f.eventQueues[sid], changes)
	if f.eventRunning[sid] {
		return false
	}
	f.eventRunning[sid] = true
	return true
}

func (f *Factory) startDrain(sub *gena.LocalSubscription) {
	if f.goAsync(func(ctx context.Context) { f.drainEvents(ctx, sub) }) {
		return
	}
	f.eventsMu.Lock()
	delete(f.eventQueues, sub.SID())
	delete(f.eventRunning, sub.SID())
	f.eventsMu.Unlock()
}

func (f *Factory) drainEvents(ctx context.Context, sub *gena.LocalSubscription) {
	sid := sub.SID()
	for {
		f.eventsMu.Lock()
		queue := f.eventQueues[sid]
		if len(queue) == 0 || ctx.Err() != nil {
			delete(f.eventQueues, sid)
			delete(f.eventRunning, sid)
			f.eventsMu.Unlock()
			return
		}
		next := queue[0]
		f.eventQueues[sid] = queue[1:]
		f.eventsMu.Unlock()

		if err := f.SendEvent(ctx, sub, next); err != nil {
			f.logger.Warn("event delivery failed", "sid", sid, "error", err)
		}
	}
}
