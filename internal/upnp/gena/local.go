package gena

import (
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
)

// MaxDuration caps the duration granted to incoming subscriptions.
const MaxDuration = 24 * time.Hour

// LocalSubscription is a subscription a remote control point holds on a local
// service. It owns the outgoing sequence counter of that subscriber.
type LocalSubscription struct {
	service *model.Service
	sid     string

	// sendMu serialises event delivery so sequence order matches send order.
	sendMu sync.Mutex

	mu         sync.RWMutex
	callbacks  []*url.URL
	duration   time.Duration
	lastUpdate time.Time
	sequence   uint32
	ended      bool
}

// NewLocalSubscription creates a subscription with a fresh SID. The requested
// duration is granted unless it is zero, infinite (negative) or above
// MaxDuration, in which case DefaultDuration is used.
func NewLocalSubscription(svc *model.Service, callbacks []*url.URL, requested time.Duration, now time.Time) *LocalSubscription {
	return &LocalSubscription{
		service:    svc,
		sid:        "uuid:" + uuid.NewString(),
		callbacks:  callbacks,
		duration:   grant(requested),
		lastUpdate: now,
	}
}

func grant(requested time.Duration) time.Duration {
	if requested <= 0 || requested > MaxDuration {
		return DefaultDuration
	}
	return requested
}

// SID returns the subscription identifier.
func (s *LocalSubscription) SID() string { return s.sid }

// Service returns the local service.
func (s *LocalSubscription) Service() *model.Service { return s.service }

// Callbacks returns the delivery URLs in preference order.
func (s *LocalSubscription) Callbacks() []*url.URL {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*url.URL(nil), s.callbacks...)
}

// Duration returns the granted duration.
func (s *LocalSubscription) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.duration
}

// ExpiresAt returns the time the subscription lapses without renewal.
func (s *LocalSubscription) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate.Add(s.duration)
}

// Expired reports whether the subscription lapsed at now.
func (s *LocalSubscription) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt())
}

// Renew extends the subscription from now.
func (s *LocalSubscription) Renew(requested time.Duration, now time.Time) {
	s.mu.Lock()
	s.duration = grant(requested)
	s.lastUpdate = now
	s.mu.Unlock()
}

// End marks the subscription ended. Events are no longer sent afterwards.
func (s *LocalSubscription) End() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}

// Ended reports whether End was called.
func (s *LocalSubscription) Ended() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ended
}

// Deliver runs send with the next sequence number while holding the delivery
// lock. The counter advances whether or not send succeeds, since a subscriber
// that missed an event detects the gap itself.
func (s *LocalSubscription) Deliver(send func(seq uint32) error) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	seq := s.sequence
	s.sequence = nextSequence(seq)
	s.mu.Unlock()

	return send(seq)
}

// CurrentSequence returns the sequence the next event will carry.
func (s *LocalSubscription) CurrentSequence() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sequence
}

// nextSequence increments a sequence, wrapping from the maximum to 1 because
// 0 is reserved for the initial event.
func nextSequence(seq uint32) uint32 {
	if seq == math.MaxUint32 {
		return 1
	}
	return seq + 1
}
