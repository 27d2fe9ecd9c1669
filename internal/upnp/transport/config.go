package transport

import (
	"time"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/header"
)

// Default network settings.
const (
	// DefaultConnectTimeout bounds TCP connection setup of stream requests.
	DefaultConnectTimeout = 3 * time.Second

	// DefaultReadTimeout bounds waiting for a stream response.
	DefaultReadTimeout = 2 * time.Second

	// DefaultMulticastTTL is the IP TTL of outgoing multicast datagrams.
	DefaultMulticastTTL = 4

	// DefaultMaxBodySize caps stream request and response bodies.
	DefaultMaxBodySize = 1 << 20
)

// Config configures the network transport.
type Config struct {
	// Interfaces restricts the transport to the named interfaces. Empty
	// means every usable interface.
	Interfaces []string

	// IncludeLoopback accepts loopback interfaces.
	IncludeLoopback bool

	MulticastAddress string
	MulticastPort    int
	MulticastTTL     int

	// StreamPort is the TCP port of the stream server, 0 for an ephemeral
	// port.
	StreamPort int

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxBodySize    int64

	// Workers and QueueSize size the inbound dispatch pool.
	Workers   int
	QueueSize int

	// UserAgent is sent on outgoing stream requests that carry none.
	UserAgent string
}

// withDefaults returns c with zero fields replaced by defaults.
func (c Config) withDefaults() Config {
	if c.MulticastAddress == "" {
		c.MulticastAddress = header.MulticastAddress
	}
	if c.MulticastPort == 0 {
		c.MulticastPort = header.MulticastPort
	}
	if c.MulticastTTL == 0 {
		c.MulticastTTL = DefaultMulticastTTL
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkerCount
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// Observer receives transport measurements. Implementations must be safe
// for concurrent use.
type Observer interface {
	// DatagramReceived counts a parsed inbound datagram. kind is "request"
	// or "response".
	DatagramReceived(kind string)

	// DatagramDropped counts an inbound datagram that was discarded. reason
	// is "malformed" or "queue_full".
	DatagramDropped(reason string)

	// StreamServed counts an answered stream request.
	StreamServed(method string, status int)
}

type noopObserver struct{}

func (noopObserver) DatagramReceived(string)  {}
func (noopObserver) DatagramDropped(string)   {}
func (noopObserver) StreamServed(string, int) {}
