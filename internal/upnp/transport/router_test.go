package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/message"
)

// fakeTransport records sends and lets tests inject inbound traffic.
type fakeTransport struct {
	mu        sync.Mutex
	handler   Handler
	datagrams []*message.Datagram
	broadcast [][]byte
	streams   []*message.Request
	closed    bool
	streamErr error
}

func (f *fakeTransport) SendDatagram(d *message.Datagram) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datagrams = append(f.datagrams, d)
	return nil
}

func (f *fakeTransport) Broadcast(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, data)
	return nil
}

func (f *fakeTransport) SendStream(_ context.Context, req *message.Request) (*message.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, req)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return message.NewResponse(200), nil
}

func (f *fakeTransport) Addresses() AddressFactory {
	a := NewStaticAddressFactory(Endpoint{IP: net.IPv4(192, 168, 1, 10), Mask: net.CIDRMask(24, 32)})
	a.SetStreamPort(49152)
	return a
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// recordingHandler counts inbound traffic that reached the protocols.
type recordingHandler struct {
	mu        sync.Mutex
	datagrams int
	streams   int
}

func (h *recordingHandler) HandleDatagram(*message.Datagram) {
	h.mu.Lock()
	h.datagrams++
	h.mu.Unlock()
}

func (h *recordingHandler) HandleStream(context.Context, *message.Request) (*message.Response, func(error)) {
	h.mu.Lock()
	h.streams++
	h.mu.Unlock()
	return message.NewResponse(200), nil
}

func newTestRouter(t *testing.T) (*SwitchableRouter, *recordingHandler, func() *fakeTransport) {
	t.Helper()
	var (
		mu      sync.Mutex
		current *fakeTransport
	)
	factory := func(_ context.Context, h Handler) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		current = &fakeTransport{handler: h}
		return current, nil
	}
	h := &recordingHandler{}
	r := NewSwitchableRouter(factory, h, NewTimedRWLock(100*time.Millisecond))
	return r, h, func() *fakeTransport {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
}

func multicastDatagram() *message.Datagram {
	return &message.Datagram{
		Request: message.NewMulticastRequest(message.MethodSearch),
		Remote:  &net.UDPAddr{IP: net.IPv4(239, 255, 255, 250), Port: 1900},
	}
}

func TestRouterDisabledSendsAreNoops(t *testing.T) {
	r, _, current := newTestRouter(t)
	ctx := context.Background()

	if r.Enabled() {
		t.Fatal("new router is enabled")
	}
	if err := r.SendDatagram(ctx, multicastDatagram()); err != nil {
		t.Errorf("SendDatagram while disabled: %v", err)
	}
	resp, err := r.SendStream(ctx, message.NewRequest(message.MethodGet, nil))
	if err != nil || resp != nil {
		t.Errorf("SendStream while disabled = %v, %v; want nil, nil", resp, err)
	}
	if got := r.Addresses().StreamPort(); got != 0 {
		t.Errorf("StreamPort while disabled = %d, want 0", got)
	}
	if current() != nil {
		t.Error("transport started without Enable")
	}
}

func TestRouterEnableDisable(t *testing.T) {
	r, h, current := newTestRouter(t)
	ctx := context.Background()

	changed, err := r.Enable(ctx)
	if err != nil || !changed {
		t.Fatalf("Enable = %v, %v; want true, nil", changed, err)
	}
	if changed, _ := r.Enable(ctx); changed {
		t.Error("second Enable reported a change")
	}

	if err := r.SendDatagram(ctx, multicastDatagram()); err != nil {
		t.Fatalf("SendDatagram: %v", err)
	}
	if err := r.Broadcast(ctx, []byte("NOTIFY * HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	first := current()
	if len(first.datagrams) != 1 || len(first.broadcast) != 1 {
		t.Errorf("transport saw %d datagrams and %d broadcasts, want 1 and 1", len(first.datagrams), len(first.broadcast))
	}
	if got := r.Addresses().StreamPort(); got != 49152 {
		t.Errorf("StreamPort = %d, want 49152", got)
	}

	first.handler.HandleDatagram(multicastDatagram())
	if h.datagrams != 1 {
		t.Errorf("handler saw %d datagrams, want 1", h.datagrams)
	}

	changed, err = r.Disable(ctx)
	if err != nil || !changed {
		t.Fatalf("Disable = %v, %v; want true, nil", changed, err)
	}
	if !first.closed {
		t.Error("Disable did not close the transport")
	}

	// Traffic from the old transport is dropped once disabled.
	first.handler.HandleDatagram(multicastDatagram())
	resp, _ := first.handler.HandleStream(ctx, message.NewRequest(message.MethodGet, nil))
	if h.datagrams != 1 || h.streams != 0 {
		t.Errorf("handler saw traffic after Disable: %d datagrams, %d streams", h.datagrams, h.streams)
	}
	if resp == nil || resp.StatusCode != 503 {
		t.Errorf("stream while disabled answered %v, want 503", resp)
	}

	if changed, err := r.Enable(ctx); err != nil || !changed {
		t.Fatalf("re-Enable = %v, %v", changed, err)
	}
	if current() == first {
		t.Error("re-Enable reused the closed transport")
	}
}

func TestRouterSendStreamError(t *testing.T) {
	r, _, current := newTestRouter(t)
	ctx := context.Background()
	if _, err := r.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	current().streamErr = ErrTransport

	_, err := r.SendStream(ctx, message.NewRequest(message.MethodGet, nil))
	if !errors.Is(err, ErrTransport) {
		t.Errorf("SendStream error = %v, want ErrTransport", err)
	}
}

func TestRouterShutdown(t *testing.T) {
	r, _, current := newTestRouter(t)
	ctx := context.Background()
	if _, err := r.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !current().closed {
		t.Error("Shutdown did not close the transport")
	}
	if _, err := r.Enable(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Enable after Shutdown = %v, want ErrClosed", err)
	}
}

func TestRouterSwitchTimesOutWhileSending(t *testing.T) {
	release := make(chan struct{})
	factory := func(_ context.Context, _ Handler) (Transport, error) {
		return &blockingTransport{fakeTransport: &fakeTransport{}, release: release}, nil
	}
	r := NewSwitchableRouter(factory, &recordingHandler{}, NewTimedRWLock(30*time.Millisecond))
	ctx := context.Background()
	if _, err := r.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		_ = r.Broadcast(ctx, []byte("x"))
	}()
	time.Sleep(10 * time.Millisecond)

	if _, err := r.Disable(ctx); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Disable during a send = %v, want ErrLockTimeout", err)
	}
	close(release)
	<-sent

	if changed, err := r.Disable(ctx); err != nil || !changed {
		t.Errorf("Disable after send = %v, %v", changed, err)
	}
}

// blockingTransport holds Broadcast until release is closed.
type blockingTransport struct {
	*fakeTransport
	release chan struct{}
}

func (b *blockingTransport) Broadcast(data []byte) error {
	<-b.release
	return b.fakeTransport.Broadcast(data)
}
