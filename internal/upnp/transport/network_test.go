package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/datagram"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/message"
)

const testMulticastPort = 31901

// datagramSink hands every dispatched datagram to the test.
type datagramSink struct {
	got chan *message.Datagram
}

func (s *datagramSink) HandleDatagram(d *message.Datagram) { s.got <- d }

func (s *datagramSink) HandleStream(context.Context, *message.Request) (*message.Response, func(error)) {
	return message.NewResponse(200), nil
}

// dropObserver reports discarded datagrams.
type dropObserver struct {
	dropped chan string
}

func (o *dropObserver) DatagramReceived(string)  {}
func (o *dropObserver) DatagramDropped(r string) { o.dropped <- r }
func (o *dropObserver) StreamServed(string, int) {}

func loopbackEndpoint(t *testing.T) Endpoint {
	t.Helper()
	ifaces, err := net.Interfaces()
	if err != nil {
		t.Skipf("listing interfaces: %v", err)
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagLoopback != 0 && ifi.Flags&net.FlagUp != 0 {
			return Endpoint{Interface: ifi, IP: net.IPv4(127, 0, 0, 1).To4(), Mask: net.CIDRMask(8, 32)}
		}
	}
	t.Skip("no loopback interface")
	return Endpoint{}
}

func startLoopbackTransport(t *testing.T) (*NetworkTransport, *datagramSink, *dropObserver) {
	t.Helper()
	sink := &datagramSink{got: make(chan *message.Datagram, 16)}
	obs := &dropObserver{dropped: make(chan string, 16)}
	cfg := Config{MulticastPort: testMulticastPort, Workers: 2, QueueSize: 16}.withDefaults()

	tr, err := startNetworkTransport(cfg, NewStaticAddressFactory(loopbackEndpoint(t)), sink, noopLogger{}, obs)
	if err != nil {
		t.Skipf("loopback sockets unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := tr.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return tr, sink, obs
}

func waitDatagram(t *testing.T, sink *datagramSink) *message.Datagram {
	t.Helper()
	select {
	case d := <-sink.got:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no datagram dispatched")
		return nil
	}
}

func dialEndpoint(t *testing.T, tr *NetworkTransport) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, tr.ios[0].localAddr())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNetworkTransportUnicastRoundTrip(t *testing.T) {
	tr, sink, _ := startLoopbackTransport(t)

	if tr.Addresses().StreamPort() == 0 {
		t.Error("stream port not recorded on the address factory")
	}

	// Inbound: a search response addressed to the endpoint socket.
	conn := dialEndpoint(t, tr)
	if _, err := conn.Write([]byte("HTTP/1.1 200 OK\r\nST: upnp:rootdevice\r\nUSN: uuid:abc::upnp:rootdevice\r\n\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	d := waitDatagram(t, sink)
	if d.Response == nil || d.Response.StatusCode != 200 {
		t.Fatalf("dispatched %v, want a 200 response", d)
	}
	if st, _ := d.Header().Get("ST"); st != "upnp:rootdevice" {
		t.Errorf("ST = %q", st)
	}
	if !d.Local.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Errorf("Local = %v, want 127.0.0.1", d.Local)
	}

	// Outbound: a unicast response written back to the sender.
	resp := message.NewResponse(200)
	resp.Header.Set("ST", "ssdp:all")
	local, _ := conn.LocalAddr().(*net.UDPAddr)
	if err := tr.SendDatagram(&message.Datagram{Response: resp, Remote: local}); err != nil {
		t.Fatalf("SendDatagram: %v", err)
	}
	buf := make([]byte, datagram.MaxDatagramSize)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	back, err := datagram.NewProcessor().Read(nil, nil, buf[:n])
	if err != nil {
		t.Fatalf("parsing sent datagram: %v", err)
	}
	if st, _ := back.Header().Get("ST"); back.Response == nil || st != "ssdp:all" {
		t.Errorf("sent %q", buf[:n])
	}
}

func TestNetworkTransportMulticastRoundTrip(t *testing.T) {
	tr, sink, _ := startLoopbackTransport(t)

	req := message.NewMulticastRequest(message.MethodSearch)
	req.Header.Set("MAN", `"ssdp:discover"`)
	req.Header.Set("ST", "ssdp:all")
	group := &net.UDPAddr{IP: tr.group.IP, Port: testMulticastPort}
	if err := tr.SendDatagram(&message.Datagram{Request: req, Remote: group}); err != nil {
		t.Fatalf("SendDatagram: %v", err)
	}

	d := waitDatagram(t, sink)
	if d.Request == nil || d.Request.Method != message.MethodSearch {
		t.Fatalf("dispatched %v, want M-SEARCH", d)
	}
	if !d.Local.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Errorf("Local = %v, want 127.0.0.1", d.Local)
	}
}

func TestNetworkTransportDropsMalformed(t *testing.T) {
	tr, sink, obs := startLoopbackTransport(t)
	conn := dialEndpoint(t, tr)

	if _, err := conn.Write([]byte("\x00\x01 not ssdp")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case reason := <-obs.dropped:
		if reason != "malformed" {
			t.Errorf("drop reason = %q, want malformed", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("malformed datagram not reported")
	}
	select {
	case d := <-sink.got:
		t.Fatalf("malformed datagram dispatched as %v", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNetworkTransportSendErrors(t *testing.T) {
	tr, _, _ := startLoopbackTransport(t)

	if err := tr.SendDatagram(&message.Datagram{Request: message.NewMulticastRequest(message.MethodSearch)}); err == nil {
		t.Error("SendDatagram without destination succeeded")
	}
	if err := tr.SendDatagram(&message.Datagram{Remote: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}}); !errors.Is(err, datagram.ErrUnsupportedData) {
		t.Errorf("SendDatagram without message = %v, want ErrUnsupportedData", err)
	}
}

func TestStartNetworkTransportRejectsUnicastGroup(t *testing.T) {
	cfg := Config{MulticastAddress: "192.168.1.10"}.withDefaults()
	_, err := startNetworkTransport(cfg, NewStaticAddressFactory(), &datagramSink{}, noopLogger{}, noopObserver{})
	if err == nil {
		t.Fatal("startNetworkTransport accepted a unicast group address")
	}
}

func TestNewNetworkAddressFactoryUnknownInterface(t *testing.T) {
	_, err := NewNetworkAddressFactory([]string{"no-such-if0"}, true)
	if !errors.Is(err, ErrNoInterfaces) {
		t.Fatalf("err = %v, want ErrNoInterfaces", err)
	}
}
