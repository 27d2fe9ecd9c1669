// Package gena implements UPnP eventing subscriptions.
//
// RemoteSubscription is the control point side: a subscription this process
// holds on a service of a remote device. LocalSubscription is the device
// side: a subscription a remote control point holds on one of our local
// services.
//
// Sequence numbers are four-byte unsigned integers. The first event after
// SUBSCRIBE carries sequence 0; every further event increments it, and the
// sender wraps from 4294967295 to 1. A receiver that sees a gap reports the
// number of missed events before applying the new values.
package gena

import (
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/message"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
)

// DefaultDuration is the subscription duration requested when none is given.
const DefaultDuration = 1800 * time.Second

// State is the lifecycle state of a remote subscription.
type State int

// Remote subscription states.
const (
	StateCreated State = iota
	StateSubscribing
	StateEstablished
	StateFailed
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSubscribing:
		return "subscribing"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// EndReason tells why an established subscription ended.
type EndReason int

// End reasons. EndUnsubscribed is the normal end requested by the owner.
const (
	EndUnsubscribed EndReason = iota
	EndRenewalFailed
	EndDeviceRemoved
	EndUnsubscribeFailed
	EndExpired
)

func (r EndReason) String() string {
	switch r {
	case EndUnsubscribed:
		return "unsubscribed"
	case EndRenewalFailed:
		return "renewal failed"
	case EndDeviceRemoved:
		return "device removed"
	case EndUnsubscribeFailed:
		return "unsubscribe failed"
	case EndExpired:
		return "expired"
	}
	return "unknown"
}

// Logger is the logging interface used by subscriptions.
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

// Handlers are the lifecycle callbacks of a remote subscription. Any field
// may be nil.
type Handlers struct {
	// OnEstablished runs once the SUBSCRIBE response was accepted.
	OnEstablished func(sub *RemoteSubscription)

	// OnFailed runs when SUBSCRIBE failed. resp is nil for transport
	// failures.
	OnFailed func(sub *RemoteSubscription, resp *message.Response, err error)

	// OnEnded runs when an established subscription ends.
	OnEnded func(sub *RemoteSubscription, reason EndReason, resp *message.Response)

	// OnEventReceived runs after new values were merged.
	OnEventReceived func(sub *RemoteSubscription)

	// OnEventsMissed runs before the values of an event that follows a gap
	// are merged.
	OnEventsMissed func(sub *RemoteSubscription, missed uint32)

	// OnInvalidMessage runs when a NOTIFY body could not be decoded.
	OnInvalidMessage func(sub *RemoteSubscription, err error)
}

// RemoteSubscription is a subscription held on a service of a remote device.
//
// Thread Safety:
//   - Receive calls are serialised per subscription, independent
//     subscriptions proceed in parallel.
//   - Handlers run without the state lock held and may read the
//     subscription.
type RemoteSubscription struct {
	service           *model.Service
	requestedDuration time.Duration
	handlers          Handlers
	logger            Logger

	// dispatch runs lifecycle handlers off the network goroutine.
	dispatch func(func())

	receiveMu sync.Mutex

	mu             sync.RWMutex
	state          State
	sid            string
	actualDuration time.Duration
	lastUpdate     time.Time
	sequence       uint32
	sequenceSet    bool
	values         map[string]StateValue
	lastEvent      []StateValue
	callbackURL    *url.URL
}

// NewRemoteSubscription returns a subscription in the created state. A zero
// requested duration selects DefaultDuration.
func NewRemoteSubscription(svc *model.Service, requested time.Duration, handlers Handlers) *RemoteSubscription {
	if requested <= 0 {
		requested = DefaultDuration
	}
	return &RemoteSubscription{
		service:           svc,
		requestedDuration: requested,
		handlers:          handlers,
		logger:            noopLogger{},
		dispatch:          func(f func()) { go f() },
		values:            make(map[string]StateValue),
	}
}

// SetLogger sets the logger used for sequence anomalies.
func (s *RemoteSubscription) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

// SetDispatcher replaces the function that runs lifecycle handlers. The
// default starts a goroutine per handler call.
func (s *RemoteSubscription) SetDispatcher(dispatch func(func())) {
	if dispatch != nil {
		s.dispatch = dispatch
	}
}

// Service returns the subscribed remote service.
func (s *RemoteSubscription) Service() *model.Service { return s.service }

// RequestedDuration returns the duration asked for in SUBSCRIBE.
func (s *RemoteSubscription) RequestedDuration() time.Duration { return s.requestedDuration }

// SID returns the subscription identifier, empty until established.
func (s *RemoteSubscription) SID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sid
}

// State returns the lifecycle state.
func (s *RemoteSubscription) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ActualDuration returns the duration granted by the publisher.
func (s *RemoteSubscription) ActualDuration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actualDuration
}

// CallbackURL returns the delivery URL sent in SUBSCRIBE.
func (s *RemoteSubscription) CallbackURL() *url.URL {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callbackURL
}

// CurrentSequence returns the sequence of the last accepted event.
func (s *RemoteSubscription) CurrentSequence() (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sequence, s.sequenceSet
}

// Values returns a copy of the last known value of every evented variable.
func (s *RemoteSubscription) Values() map[string]StateValue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]StateValue, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// LastEvent returns the values carried by the most recently accepted event.
func (s *RemoteSubscription) LastEvent() []StateValue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]StateValue(nil), s.lastEvent...)
}

// ExpiresAt returns the time the subscription lapses without renewal.
func (s *RemoteSubscription) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate.Add(s.actualDuration)
}

// Subscribing records that SUBSCRIBE is in flight to the given callback.
func (s *RemoteSubscription) Subscribing(callback *url.URL) {
	s.mu.Lock()
	s.state = StateSubscribing
	s.callbackURL = callback
	s.mu.Unlock()
}

// Establish records the SID and granted duration of a successful SUBSCRIBE
// or renewal and, on first establishment, runs OnEstablished.
func (s *RemoteSubscription) Establish(sid string, actual time.Duration, now time.Time) {
	s.mu.Lock()
	first := s.state != StateEstablished
	s.state = StateEstablished
	s.sid = sid
	if actual <= 0 {
		actual = s.requestedDuration
	}
	s.actualDuration = actual
	s.lastUpdate = now
	s.mu.Unlock()

	if first && s.handlers.OnEstablished != nil {
		s.dispatch(func() { s.handlers.OnEstablished(s) })
	}
}

// Fail records a failed SUBSCRIBE and runs OnFailed.
func (s *RemoteSubscription) Fail(resp *message.Response, err error) {
	s.mu.Lock()
	s.state = StateFailed
	s.mu.Unlock()

	if s.handlers.OnFailed != nil {
		s.dispatch(func() { s.handlers.OnFailed(s, resp, err) })
	}
}

// End records the end of the subscription and runs OnEnded. Ending a
// subscription twice is a no-op.
func (s *RemoteSubscription) End(reason EndReason, resp *message.Response) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	s.mu.Unlock()

	if s.handlers.OnEnded != nil {
		s.dispatch(func() { s.handlers.OnEnded(s, reason, resp) })
	}
}

// InvalidMessage reports an undecodable NOTIFY body.
func (s *RemoteSubscription) InvalidMessage(err error) {
	if s.handlers.OnInvalidMessage != nil {
		s.handlers.OnInvalidMessage(s, err)
	}
}

// Receive applies one event. An event whose sequence is not newer than the
// current one is ignored. A gap is reported through OnEventsMissed before the
// values are merged. Rollover from 4294967295 to 1 is logged and the event
// dropped.
func (s *RemoteSubscription) Receive(seq uint32, values []StateValue) {
	s.receiveMu.Lock()
	defer s.receiveMu.Unlock()

	s.mu.Lock()
	var missed uint32
	if s.sequenceSet {
		if s.sequence == math.MaxUint32 && seq == 1 {
			s.mu.Unlock()
			s.logger.Warn("event sequence rolled over, dropping event",
				"sid", s.sid, "sequence", seq)
			return
		}
		if seq <= s.sequence {
			s.mu.Unlock()
			s.logger.Debug("ignoring stale event", "sid", s.sid, "sequence", seq, "current", s.sequence)
			return
		}
		missed = seq - (s.sequence + 1)
	}
	s.mu.Unlock()

	if missed > 0 {
		s.logger.Warn("missed events", "sid", s.SID(), "missed", missed)
		if s.handlers.OnEventsMissed != nil {
			s.handlers.OnEventsMissed(s, missed)
		}
	}

	s.mu.Lock()
	s.sequence = seq
	s.sequenceSet = true
	s.lastEvent = append(s.lastEvent[:0:0], values...)
	for _, v := range values {
		s.values[v.Name] = v
	}
	s.mu.Unlock()

	if s.handlers.OnEventReceived != nil {
		s.handlers.OnEventReceived(s)
	}
}
