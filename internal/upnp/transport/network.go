package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/datagram"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/message"
)

// NetworkTransport is the socket set of an enabled router: one multicast
// receiver, one datagram socket per endpoint, a stream server and a stream
// client. Inbound datagrams are parsed and dispatched on a bounded pool.
//
// Thread Safety:
//   - Send methods are safe for concurrent use.
//   - Close must be called once; the router guarantees this.
type NetworkTransport struct {
	cfg       Config
	handler   Handler
	logger    Logger
	observer  Observer
	processor *datagram.Processor
	addresses *NetworkAddressFactory
	group     *net.UDPAddr

	pool      *Pool
	multicast *multicastReceiver
	ios       []*datagramIO
	server    *StreamServer
	client    *StreamClient

	loops  *errgroup.Group
	closed *closeOnce
}

// NewNetworkTransportFactory returns a TransportFactory that binds real
// sockets on the interfaces selected by cfg.
func NewNetworkTransportFactory(cfg Config, logger Logger, observer Observer) TransportFactory {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = noopLogger{}
	}
	if observer == nil {
		observer = noopObserver{}
	}
	return func(ctx context.Context, h Handler) (Transport, error) {
		addresses, err := NewNetworkAddressFactory(cfg.Interfaces, cfg.IncludeLoopback)
		if err != nil {
			return nil, err
		}
		return startNetworkTransport(cfg, addresses, h, logger, observer)
	}
}

func startNetworkTransport(cfg Config, addresses *NetworkAddressFactory, h Handler, logger Logger, observer Observer) (*NetworkTransport, error) {
	group := &net.UDPAddr{IP: net.ParseIP(cfg.MulticastAddress), Port: cfg.MulticastPort}
	if group.IP == nil || !group.IP.IsMulticast() {
		return nil, fmt.Errorf("invalid multicast address %q", cfg.MulticastAddress)
	}

	t := &NetworkTransport{
		cfg:       cfg,
		handler:   h,
		logger:    logger,
		observer:  observer,
		processor: datagram.NewProcessor(),
		addresses: addresses,
		group:     group,
		client:    NewStreamClient(cfg),
		loops:     &errgroup.Group{},
		closed:    newCloseOnce(),
	}

	var err error
	t.server, err = NewStreamServer(":"+strconv.Itoa(cfg.StreamPort), cfg, h.HandleStream, logger, observer)
	if err != nil {
		return nil, err
	}
	addresses.SetStreamPort(t.server.Port())

	for _, e := range addresses.Endpoints() {
		io, err := newDatagramIO(e, cfg.MulticastTTL)
		if err != nil {
			t.closeSockets()
			return nil, err
		}
		t.ios = append(t.ios, io)
	}

	t.multicast, err = newMulticastReceiver(addresses.Endpoints(), group)
	if err != nil {
		t.closeSockets()
		return nil, err
	}

	t.pool = NewPool(cfg.Workers, cfg.QueueSize, logger)

	t.loops.Go(t.server.Serve)
	t.loops.Go(func() error { return t.multicast.readLoop(t.received) })
	for _, io := range t.ios {
		t.loops.Go(func() error { return io.readLoop(t.received) })
	}

	logger.Info("network transport started",
		"endpoints", len(t.ios),
		"stream_port", t.server.Port(),
		"group", group.String(),
	)
	return t, nil
}

// received copies a datagram off the socket buffer and queues its parsing
// and dispatch.
func (t *NetworkTransport) received(local net.IP, src *net.UDPAddr, data []byte) {
	buf := append([]byte(nil), data...)
	ok := t.pool.Submit(func() {
		d, err := t.processor.Read(local, src, buf)
		if err != nil {
			t.observer.DatagramDropped("malformed")
			t.logger.Debug("dropping malformed datagram", "remote", src.String(), "error", err)
			return
		}
		if d.Request != nil {
			t.observer.DatagramReceived("request")
		} else {
			t.observer.DatagramReceived("response")
		}
		t.handler.HandleDatagram(d)
	})
	if !ok {
		t.observer.DatagramDropped("queue_full")
	}
}

// SendDatagram writes d. Multicast destinations go out of the endpoint
// d.Local names, or of every endpoint when d.Local is nil; unicast
// destinations use the endpoint d.Local names or the one on the
// destination's subnet.
func (t *NetworkTransport) SendDatagram(d *message.Datagram) error {
	if d.Remote == nil {
		return fmt.Errorf("datagram has no destination")
	}
	data, err := t.processor.Write(d)
	if err != nil {
		return err
	}
	if d.Remote.IP.IsMulticast() {
		if d.Local != nil {
			if io := t.ioFor(d.Local, nil); io != nil && io.endpoint.IP.Equal(d.Local) {
				return io.send(data, d.Remote)
			}
		}
		return t.multicastAll(data, d.Remote)
	}
	io := t.ioFor(d.Local, d.Remote.IP)
	if io == nil {
		return fmt.Errorf("no endpoint can reach %s", d.Remote)
	}
	return io.send(data, d.Remote)
}

// Broadcast sends data to the SSDP group on every endpoint.
func (t *NetworkTransport) Broadcast(data []byte) error {
	return t.multicastAll(data, t.group)
}

func (t *NetworkTransport) multicastAll(data []byte, to *net.UDPAddr) error {
	var errs []error
	for _, io := range t.ios {
		if err := io.send(data, to); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(t.ios) && len(errs) > 0 {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		t.logger.Warn("multicast send failed on one endpoint", "error", err)
	}
	return nil
}

func (t *NetworkTransport) ioFor(local, remote net.IP) *datagramIO {
	if local != nil {
		for _, io := range t.ios {
			if io.endpoint.IP.Equal(local) {
				return io
			}
		}
	}
	for _, io := range t.ios {
		if io.endpoint.Contains(remote) {
			return io
		}
	}
	if len(t.ios) > 0 {
		return t.ios[0]
	}
	return nil
}

// SendStream performs req with the stream client.
func (t *NetworkTransport) SendStream(ctx context.Context, req *message.Request) (*message.Response, error) {
	select {
	case <-t.closed.Done():
		return nil, ErrClosed
	default:
	}
	return t.client.Send(ctx, req)
}

// Addresses returns the endpoints and stream port in use.
func (t *NetworkTransport) Addresses() AddressFactory {
	return t.addresses
}

// Close stops the read loops and waits for them to exit.
func (t *NetworkTransport) Close() error {
	t.closed.Close()
	errs := t.closeSockets()
	if err := t.loops.Wait(); err != nil {
		errs = append(errs, err)
	}
	if t.pool != nil {
		t.pool.Close()
	}
	t.client.Close()
	return errors.Join(errs...)
}

func (t *NetworkTransport) closeSockets() []error {
	var errs []error
	if t.server != nil {
		if err := t.server.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.multicast != nil {
		if err := t.multicast.close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, io := range t.ios {
		if err := io.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
