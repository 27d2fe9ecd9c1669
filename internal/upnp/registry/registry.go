// Package registry holds the devices and subscriptions known to a UPnP node.
//
// Remote devices are added from discovery and expire unless refreshed by
// further advertisements. Local devices are hosted by this process and stay
// until removed. Outgoing (remote) and incoming (local) GENA subscriptions
// are keyed by their subscription ID.
//
// Listener callbacks always run after the registry lock has been released,
// so a listener may call back into the registry.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/gena"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
)

// Logger defines the logging interface used by the Registry.
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

// Listener receives registry notifications. Any field may be nil.
type Listener struct {
	RemoteDeviceAdded   func(d *model.Device)
	RemoteDeviceUpdated func(d *model.Device)
	RemoteDeviceRemoved func(d *model.Device)
	LocalDeviceAdded    func(d *model.Device)
	LocalDeviceRemoved  func(d *model.Device)
	BeforeShutdown      func()
}

// RenewalFunc is called by Maintain for outgoing subscriptions that are
// about to expire.
type RenewalFunc func(sub *gena.RemoteSubscription)

type remoteEntry struct {
	device    *model.Device
	expiresAt time.Time
}

// Registry is the store of devices and subscriptions.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Listener and renewal callbacks run without the lock held.
type Registry struct {
	mu        sync.RWMutex
	remote    map[model.UDN]*remoteEntry
	local     map[model.UDN]*model.Device
	remoteSub map[string]*gena.RemoteSubscription
	localSub  map[string]*gena.LocalSubscription
	pending   map[*gena.RemoteSubscription]struct{}
	renewing  map[string]time.Time
	listeners []Listener
	shutdown  bool

	// subsChanged is closed and replaced whenever the set of remote or
	// pending subscriptions changes.
	subsChanged chan struct{}

	clock         func() time.Time
	renew         RenewalFunc
	renewalMargin time.Duration
	logger        Logger
}

// New creates an empty registry that uses the wall clock.
func New() *Registry {
	return &Registry{
		remote:      make(map[model.UDN]*remoteEntry),
		local:       make(map[model.UDN]*model.Device),
		remoteSub:   make(map[string]*gena.RemoteSubscription),
		localSub:    make(map[string]*gena.LocalSubscription),
		pending:     make(map[*gena.RemoteSubscription]struct{}),
		renewing:    make(map[string]time.Time),
		subsChanged: make(chan struct{}),
		clock:       time.Now,
		logger:      noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// SetClock replaces the time source used for expiry.
func (r *Registry) SetClock(clock func() time.Time) {
	r.mu.Lock()
	r.clock = clock
	r.mu.Unlock()
}

// SetRenewal installs the function Maintain calls for outgoing subscriptions
// expiring within margin.
func (r *Registry) SetRenewal(margin time.Duration, fn RenewalFunc) {
	r.mu.Lock()
	r.renewalMargin = margin
	r.renew = fn
	r.mu.Unlock()
}

// Now returns the registry's current time.
func (r *Registry) Now() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clock()
}

// AddListener registers a listener. Listeners are notified in registration
// order.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *Registry) snapshotListeners() []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Listener(nil), r.listeners...)
}

func (r *Registry) notify(call func(l Listener)) {
	for _, l := range r.snapshotListeners() {
		call(l)
	}
}

// AddRemoteDevice registers a discovered root device. Its expiry is computed
// from the identity's max-age.
func (r *Registry) AddRemoteDevice(d *model.Device) error {
	udn := d.Identity.UDN

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return ErrShutdown
	}
	if _, ok := r.local[udn]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is hosted locally", ErrDuplicateDevice, udn)
	}
	if _, ok := r.remote[udn]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, udn)
	}
	r.remote[udn] = &remoteEntry{device: d, expiresAt: d.Identity.Expiry(r.clock())}
	r.mu.Unlock()

	r.logger.Info("remote device added", "udn", udn, "max_age", d.Identity.MaxAge)
	r.notify(func(l Listener) {
		if l.RemoteDeviceAdded != nil {
			l.RemoteDeviceAdded(d)
		}
	})
	return nil
}

// RefreshRemoteDevice extends the expiry of a known remote device from a
// repeated advertisement. It reports whether the device was known.
func (r *Registry) RefreshRemoteDevice(identity model.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.remote[identity.UDN]
	if !ok {
		return false
	}
	if identity.MaxAge > 0 {
		entry.device.Identity.MaxAge = identity.MaxAge
	}
	entry.expiresAt = entry.device.Identity.Expiry(r.clock())
	return true
}

// UpdateRemoteDevice replaces the tree of a known remote device, typically with
// its hydrated form once descriptors were retrieved. The current expiry is
// kept.
func (r *Registry) UpdateRemoteDevice(d *model.Device) bool {
	r.mu.Lock()
	entry, ok := r.remote[d.Identity.UDN]
	if ok {
		entry.device = d
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.notify(func(l Listener) {
		if l.RemoteDeviceUpdated != nil {
			l.RemoteDeviceUpdated(d)
		}
	})
	return true
}

// RemoveRemoteDevice removes a remote root device and ends the outgoing
// subscriptions on its services. It reports whether the device was known.
func (r *Registry) RemoveRemoteDevice(udn model.UDN) bool {
	r.mu.Lock()
	entry, ok := r.remote[udn]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.remote, udn)
	ended := r.detachRemoteSubscriptionsLocked(udn)
	r.mu.Unlock()

	r.removedRemote(entry.device, ended)
	return true
}

func (r *Registry) removedRemote(d *model.Device, ended []*gena.RemoteSubscription) {
	for _, sub := range ended {
		sub.End(gena.EndDeviceRemoved, nil)
	}
	r.logger.Info("remote device removed", "udn", d.Identity.UDN, "subscriptions_ended", len(ended))
	r.notify(func(l Listener) {
		if l.RemoteDeviceRemoved != nil {
			l.RemoteDeviceRemoved(d)
		}
	})
}

func (r *Registry) detachRemoteSubscriptionsLocked(root model.UDN) []*gena.RemoteSubscription {
	var out []*gena.RemoteSubscription
	for sid, sub := range r.remoteSub {
		if rootUDN(sub.Service()) == root {
			delete(r.remoteSub, sid)
			delete(r.renewing, sid)
			out = append(out, sub)
		}
	}
	if len(out) > 0 {
		r.signalSubsLocked()
	}
	return out
}

func rootUDN(svc *model.Service) model.UDN {
	if svc == nil || svc.Device() == nil {
		return ""
	}
	return svc.Device().Root().Identity.UDN
}

// RemoteDevice returns the remote device, root or embedded, with the given
// UDN.
func (r *Registry) RemoteDevice(udn model.UDN) *model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.remote[udn]; ok {
		return entry.device
	}
	for _, entry := range r.remote {
		if d := entry.device.FindDevice(udn); d != nil {
			return d
		}
	}
	return nil
}

// RemoteDevices returns the remote root devices ordered by UDN.
func (r *Registry) RemoteDevices() []*model.Device {
	r.mu.RLock()
	out := make([]*model.Device, 0, len(r.remote))
	for _, entry := range r.remote {
		out = append(out, entry.device)
	}
	r.mu.RUnlock()
	sortDevices(out)
	return out
}

// RemoteDeviceExpiry returns the expiry deadline of a remote root device.
func (r *Registry) RemoteDeviceExpiry(udn model.UDN) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.remote[udn]
	if !ok {
		return time.Time{}, false
	}
	return entry.expiresAt, true
}

// AddLocalDevice registers a device hosted by this process. Local devices do
// not expire.
func (r *Registry) AddLocalDevice(d *model.Device) error {
	if !d.Local {
		return ErrNotLocal
	}
	udn := d.Identity.UDN

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return ErrShutdown
	}
	if _, ok := r.local[udn]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, udn)
	}
	// A local device replaces a remote advertisement of itself.
	stale, hadRemote := r.remote[udn]
	var ended []*gena.RemoteSubscription
	if hadRemote {
		delete(r.remote, udn)
		ended = r.detachRemoteSubscriptionsLocked(udn)
	}
	r.local[udn] = d
	r.mu.Unlock()

	if hadRemote {
		r.removedRemote(stale.device, ended)
	}
	r.logger.Info("local device added", "udn", udn, "type", d.Type.String())
	r.notify(func(l Listener) {
		if l.LocalDeviceAdded != nil {
			l.LocalDeviceAdded(d)
		}
	})
	return nil
}

// RemoveLocalDevice withdraws a local device and ends the incoming
// subscriptions on its services. It reports whether the device was known.
func (r *Registry) RemoveLocalDevice(udn model.UDN) bool {
	r.mu.Lock()
	d, ok := r.local[udn]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.local, udn)
	var ended []*gena.LocalSubscription
	for sid, sub := range r.localSub {
		if rootUDN(sub.Service()) == udn {
			delete(r.localSub, sid)
			ended = append(ended, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range ended {
		sub.End()
	}
	r.logger.Info("local device removed", "udn", udn, "subscriptions_ended", len(ended))
	r.notify(func(l Listener) {
		if l.LocalDeviceRemoved != nil {
			l.LocalDeviceRemoved(d)
		}
	})
	return true
}

// LocalDevice returns the local device, root or embedded, with the given UDN.
func (r *Registry) LocalDevice(udn model.UDN) *model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.local[udn]; ok {
		return d
	}
	for _, d := range r.local {
		if found := d.FindDevice(udn); found != nil {
			return found
		}
	}
	return nil
}

// LocalDevices returns the local root devices ordered by UDN.
func (r *Registry) LocalDevices() []*model.Device {
	r.mu.RLock()
	out := make([]*model.Device, 0, len(r.local))
	for _, d := range r.local {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sortDevices(out)
	return out
}

// Device returns a local or remote device with the given UDN, local first.
func (r *Registry) Device(udn model.UDN) *model.Device {
	if d := r.LocalDevice(udn); d != nil {
		return d
	}
	return r.RemoteDevice(udn)
}

// LocalService returns a service of a local device.
func (r *Registry) LocalService(udn model.UDN, id model.ServiceID) *model.Service {
	d := r.LocalDevice(udn)
	if d == nil {
		return nil
	}
	return d.Service(id)
}

// RemoteService returns a service of a remote device.
func (r *Registry) RemoteService(udn model.UDN, id model.ServiceID) *model.Service {
	d := r.RemoteDevice(udn)
	if d == nil {
		return nil
	}
	return d.Service(id)
}

func sortDevices(ds []*model.Device) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].Identity.UDN < ds[j].Identity.UDN })
}

// AddRemoteSubscription registers an established outgoing subscription and
// removes it from the pending set.
func (r *Registry) AddRemoteSubscription(sub *gena.RemoteSubscription) error {
	sid := sub.SID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return ErrShutdown
	}
	if _, ok := r.remoteSub[sid]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSubscription, sid)
	}
	r.remoteSub[sid] = sub
	delete(r.pending, sub)
	r.signalSubsLocked()
	return nil
}

// RemoveRemoteSubscription unregisters an outgoing subscription. It reports
// whether the subscription was known.
func (r *Registry) RemoveRemoteSubscription(sid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.remoteSub[sid]; !ok {
		return false
	}
	delete(r.remoteSub, sid)
	delete(r.renewing, sid)
	r.signalSubsLocked()
	return true
}

// RemoteSubscription returns the outgoing subscription with the given SID.
func (r *Registry) RemoteSubscription(sid string) *gena.RemoteSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.remoteSub[sid]
}

// RemoteSubscriptions returns every established outgoing subscription.
func (r *Registry) RemoteSubscriptions() []*gena.RemoteSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*gena.RemoteSubscription, 0, len(r.remoteSub))
	for _, sub := range r.remoteSub {
		out = append(out, sub)
	}
	return out
}

// RegisterPendingSubscription marks an outgoing subscription whose SUBSCRIBE
// is in flight. Events arriving for an unknown SID wait for pending
// subscriptions to settle.
func (r *Registry) RegisterPendingSubscription(sub *gena.RemoteSubscription) {
	r.mu.Lock()
	r.pending[sub] = struct{}{}
	r.signalSubsLocked()
	r.mu.Unlock()
}

// UnregisterPendingSubscription removes sub from the pending set.
func (r *Registry) UnregisterPendingSubscription(sub *gena.RemoteSubscription) {
	r.mu.Lock()
	if _, ok := r.pending[sub]; ok {
		delete(r.pending, sub)
		r.signalSubsLocked()
	}
	r.mu.Unlock()
}

// WaitRemoteSubscription returns the outgoing subscription with the given
// SID. While subscriptions are pending it waits, up to timeout, for one of them
// to be registered under that SID. It returns nil if none shows up.
func (r *Registry) WaitRemoteSubscription(ctx context.Context, sid string, timeout time.Duration) *gena.RemoteSubscription {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		r.mu.RLock()
		sub := r.remoteSub[sid]
		pending := len(r.pending)
		changed := r.subsChanged
		r.mu.RUnlock()

		if sub != nil || pending == 0 {
			return sub
		}
		select {
		case <-changed:
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Registry) signalSubsLocked() {
	close(r.subsChanged)
	r.subsChanged = make(chan struct{})
}

// AddLocalSubscription registers an incoming subscription on a local service.
func (r *Registry) AddLocalSubscription(sub *gena.LocalSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return ErrShutdown
	}
	if _, ok := r.localSub[sub.SID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSubscription, sub.SID())
	}
	r.localSub[sub.SID()] = sub
	return nil
}

// RemoveLocalSubscription unregisters and ends an incoming subscription. It
// reports whether the subscription was known.
func (r *Registry) RemoveLocalSubscription(sid string) bool {
	r.mu.Lock()
	sub, ok := r.localSub[sid]
	delete(r.localSub, sid)
	r.mu.Unlock()
	if ok {
		sub.End()
	}
	return ok
}

// LocalSubscription returns the incoming subscription with the given SID.
func (r *Registry) LocalSubscription(sid string) *gena.LocalSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localSub[sid]
}

// LocalSubscriptionCount returns the number of incoming subscriptions.
func (r *Registry) LocalSubscriptionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.localSub)
}

// LocalSubscriptionsOf returns the incoming subscriptions on svc.
func (r *Registry) LocalSubscriptionsOf(svc *model.Service) []*gena.LocalSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*gena.LocalSubscription
	for _, sub := range r.localSub {
		if sub.Service() == svc {
			out = append(out, sub)
		}
	}
	return out
}

// Maintain runs one expiry sweep: expired remote devices are removed,
// expired incoming subscriptions are ended, expired outgoing subscriptions
// are ended, and outgoing subscriptions within the renewal margin are handed
// to the renewal function once per expiry deadline.
func (r *Registry) Maintain() {
	r.mu.Lock()
	now := r.clock()

	type removal struct {
		device *model.Device
		ended  []*gena.RemoteSubscription
	}
	var removed []removal
	for udn, entry := range r.remote {
		if now.After(entry.expiresAt) {
			delete(r.remote, udn)
			removed = append(removed, removal{device: entry.device, ended: r.detachRemoteSubscriptionsLocked(udn)})
		}
	}

	var expiredLocal []*gena.LocalSubscription
	for sid, sub := range r.localSub {
		if sub.Expired(now) {
			delete(r.localSub, sid)
			expiredLocal = append(expiredLocal, sub)
		}
	}

	var expiredRemote, renew []*gena.RemoteSubscription
	for sid, sub := range r.remoteSub {
		expires := sub.ExpiresAt()
		switch {
		case now.After(expires):
			delete(r.remoteSub, sid)
			delete(r.renewing, sid)
			expiredRemote = append(expiredRemote, sub)
		case r.renew != nil && !now.Before(expires.Add(-r.renewalMargin)):
			if requested, ok := r.renewing[sid]; ok && requested.Equal(expires) {
				continue
			}
			r.renewing[sid] = expires
			renew = append(renew, sub)
		}
	}
	if len(expiredRemote) > 0 {
		r.signalSubsLocked()
	}
	renewFn := r.renew
	r.mu.Unlock()

	for _, rm := range removed {
		r.logger.Info("remote device expired", "udn", rm.device.Identity.UDN)
		r.removedRemote(rm.device, rm.ended)
	}
	for _, sub := range expiredLocal {
		r.logger.Debug("incoming subscription expired", "sid", sub.SID())
		sub.End()
	}
	for _, sub := range expiredRemote {
		r.logger.Warn("outgoing subscription expired", "sid", sub.SID())
		sub.End(gena.EndExpired, nil)
	}
	for _, sub := range renew {
		renewFn(sub)
	}
}

// Run calls Maintain every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Maintain()
		}
	}
}

// Shutdown notifies BeforeShutdown listeners in registration order, then
// clears the registry. Incoming subscriptions are ended; outgoing
// subscriptions still registered are ended as unsubscribed. Later mutations
// fail with ErrShutdown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.notify(func(l Listener) {
		if l.BeforeShutdown != nil {
			l.BeforeShutdown()
		}
	})

	r.mu.Lock()
	r.shutdown = true
	remoteSubs := r.remoteSub
	localSubs := r.localSub
	r.remote = make(map[model.UDN]*remoteEntry)
	r.local = make(map[model.UDN]*model.Device)
	r.remoteSub = make(map[string]*gena.RemoteSubscription)
	r.localSub = make(map[string]*gena.LocalSubscription)
	r.pending = make(map[*gena.RemoteSubscription]struct{})
	r.renewing = make(map[string]time.Time)
	r.signalSubsLocked()
	r.mu.Unlock()

	for _, sub := range remoteSubs {
		sub.End(gena.EndUnsubscribed, nil)
	}
	for _, sub := range localSubs {
		sub.End()
	}
	r.logger.Info("registry shut down")
}
