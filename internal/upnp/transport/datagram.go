package transport

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/datagram"
)

// receiveFunc is called for every datagram read by a socket loop. data is
// only valid for the duration of the call.
type receiveFunc func(local net.IP, source *net.UDPAddr, data []byte)

// datagramIO is the unicast socket of one endpoint. It sends multicast
// requests out of the endpoint's interface and receives the unicast search
// responses addressed to it.
type datagramIO struct {
	endpoint Endpoint
	conn     *net.UDPConn
	pc       *ipv4.PacketConn
}

func newDatagramIO(e Endpoint, ttl int) (*datagramIO, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: e.IP})
	if err != nil {
		return nil, fmt.Errorf("binding datagram socket on %s: %w", e.IP, err)
	}
	pc := ipv4.NewPacketConn(conn)
	if e.Interface.Index != 0 {
		ifi := e.Interface
		if err := pc.SetMulticastInterface(&ifi); err != nil {
			conn.Close()
			return nil, fmt.Errorf("selecting multicast interface %s: %w", e.Interface.Name, err)
		}
	}
	if err := pc.SetMulticastTTL(ttl); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting multicast TTL: %w", err)
	}
	// Local control points on the same host must see our advertisements.
	if err := pc.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling multicast loopback: %w", err)
	}
	return &datagramIO{endpoint: e, conn: conn, pc: pc}, nil
}

func (d *datagramIO) localAddr() *net.UDPAddr {
	a, _ := d.conn.LocalAddr().(*net.UDPAddr)
	return a
}

func (d *datagramIO) send(data []byte, to *net.UDPAddr) error {
	if _, err := d.conn.WriteToUDP(data, to); err != nil {
		return fmt.Errorf("sending datagram to %s from %s: %w", to, d.endpoint.IP, err)
	}
	return nil
}

// readLoop reads until the socket is closed.
func (d *datagramIO) readLoop(receive receiveFunc) error {
	buf := make([]byte, datagram.MaxDatagramSize)
	for {
		n, src, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("reading datagram socket %s: %w", d.endpoint.IP, err)
		}
		receive(d.endpoint.IP, src, buf[:n])
	}
}

func (d *datagramIO) close() error {
	return d.conn.Close()
}

// multicastReceiver is the socket bound to the SSDP group port. It joins
// the group on every endpoint's interface and tells which interface a
// datagram arrived on.
type multicastReceiver struct {
	conn      *net.UDPConn
	pc        *ipv4.PacketConn
	group     *net.UDPAddr
	endpoints []Endpoint
}

func newMulticastReceiver(endpoints []Endpoint, group *net.UDPAddr) (*multicastReceiver, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoInterfaces
	}

	first := endpoints[0].Interface
	conn, err := net.ListenMulticastUDP("udp4", &first, group)
	if err != nil {
		return nil, fmt.Errorf("listening on multicast group %s: %w", group, err)
	}
	pc := ipv4.NewPacketConn(conn)

	joined := map[int]bool{first.Index: true}
	for _, e := range endpoints[1:] {
		if joined[e.Interface.Index] {
			continue
		}
		ifi := e.Interface
		if err := pc.JoinGroup(&ifi, &net.UDPAddr{IP: group.IP}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("joining %s on %s: %w", group.IP, ifi.Name, err)
		}
		joined[ifi.Index] = true
	}
	if err := pc.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling control messages: %w", err)
	}
	return &multicastReceiver{conn: conn, pc: pc, group: group, endpoints: endpoints}, nil
}

// readLoop reads until the socket is closed.
func (m *multicastReceiver) readLoop(receive receiveFunc) error {
	buf := make([]byte, datagram.MaxDatagramSize)
	for {
		n, cm, src, err := m.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("reading multicast socket: %w", err)
		}
		udpSrc, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		if cm != nil && cm.Dst != nil && !cm.Dst.Equal(m.group.IP) && !cm.Dst.IsMulticast() {
			continue
		}
		receive(m.localIP(cm, udpSrc.IP), udpSrc, buf[:n])
	}
}

// localIP picks the endpoint address of the receiving interface, falling
// back to the endpoint on the sender's subnet.
func (m *multicastReceiver) localIP(cm *ipv4.ControlMessage, src net.IP) net.IP {
	if cm != nil && cm.IfIndex != 0 {
		for _, e := range m.endpoints {
			if e.Interface.Index == cm.IfIndex {
				return e.IP
			}
		}
	}
	for _, e := range m.endpoints {
		if e.Contains(src) {
			return e.IP
		}
	}
	return m.endpoints[0].IP
}

func (m *multicastReceiver) close() error {
	// Leaving fails on interfaces that went away; closing still releases
	// the memberships.
	for _, e := range m.endpoints {
		ifi := e.Interface
		_ = m.pc.LeaveGroup(&ifi, &net.UDPAddr{IP: m.group.IP})
	}
	return m.conn.Close()
}
