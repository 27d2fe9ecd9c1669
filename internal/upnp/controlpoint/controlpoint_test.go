package controlpoint

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/gena"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/header"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/message"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/protocol"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/registry"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/transport"
)

// pipeRouter hands stream requests straight to a peer node's handler and
// records every outgoing message.
type pipeRouter struct {
	mu        sync.Mutex
	peer      transport.Handler
	self      net.IP
	datagrams []*message.Datagram
	streams   []*message.Request
	addresses *transport.NetworkAddressFactory
}

func newPipeRouter(ip net.IP) *pipeRouter {
	af := transport.NewStaticAddressFactory(transport.Endpoint{IP: ip, Mask: net.CIDRMask(24, 32)})
	af.SetStreamPort(49152)
	return &pipeRouter{self: ip, addresses: af}
}

func (r *pipeRouter) SendDatagram(_ context.Context, d *message.Datagram) error {
	r.mu.Lock()
	r.datagrams = append(r.datagrams, d)
	r.mu.Unlock()
	return nil
}

func (r *pipeRouter) Broadcast(context.Context, []byte) error { return nil }

func (r *pipeRouter) SendStream(ctx context.Context, req *message.Request) (*message.Response, error) {
	r.mu.Lock()
	r.streams = append(r.streams, req)
	peer := r.peer
	r.mu.Unlock()

	in := message.NewRequest(req.Method, &url.URL{Path: req.URL.Path})
	in.Header = req.Header.Clone()
	in.Body = req.Body
	in.Connection = &message.Connection{RemoteAddr: &net.TCPAddr{IP: r.self, Port: 50000}}
	resp, done := peer.HandleStream(ctx, in)
	if done != nil {
		done(nil)
	}
	return resp, nil
}

func (r *pipeRouter) Addresses() transport.AddressFactory { return r.addresses }
func (r *pipeRouter) Enabled() bool                       { return true }

func (r *pipeRouter) sent() ([]*message.Datagram, []*message.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*message.Datagram(nil), r.datagrams...), append([]*message.Request(nil), r.streams...)
}

type node struct {
	factory  *protocol.Factory
	registry *registry.Registry
	router   *pipeRouter
}

func newNode(t *testing.T, ip net.IP) *node {
	t.Helper()
	reg := registry.New()
	f := protocol.NewFactory(protocol.Config{Namespace: model.NewNamespace("/upnp"), BulkRepeat: 1}, reg)
	router := newPipeRouter(ip)
	f.SetRouter(router)
	t.Cleanup(f.Shutdown)
	return &node{factory: f, registry: reg, router: router}
}

func switchPower() *model.Service {
	svc := model.NewService(
		model.NewServiceType("SwitchPower", 1),
		model.NewServiceID("SwitchPower"),
		[]*model.Action{
			model.NewAction("SetTarget", model.InArg("newTargetValue", "Target")),
			model.NewAction("GetTarget", model.OutArg("RetTargetValue", "Target")),
		},
		[]*model.StateVariable{
			model.NewStateVariable("Target", "boolean", false).WithDefault("0"),
			model.NewStateVariable("Status", "boolean", true).WithDefault("0"),
		},
	)
	svc.Bind("SetTarget", model.ActionExecutorFunc(func(_ context.Context, inv *model.ActionInvocation) error {
		v, _ := inv.Input("newTargetValue")
		return inv.Service.State().SetMany(map[string]any{"Target": v, "Status": v})
	}))
	svc.Bind("GetTarget", model.ActionExecutorFunc(func(_ context.Context, inv *model.ActionInvocation) error {
		v, _ := inv.Service.State().Get("Target")
		return inv.SetOutput("RetTargetValue", v)
	}))
	return svc
}

type setup struct {
	device  *node
	control *node
	light   *model.Device
	remote  *model.Device
	cp      *ControlPoint
}

// newSetup connects a device node hosting a light and a control node that
// discovered it.
func newSetup(t *testing.T) *setup {
	t.Helper()
	deviceIP := net.IPv4(192, 168, 1, 10)
	controlIP := net.IPv4(192, 168, 1, 20)

	dev := newNode(t, deviceIP)
	ctl := newNode(t, controlIP)
	dev.router.peer = ctl.factory
	ctl.router.peer = dev.factory

	light, err := model.NewLocalDevice(
		model.UDNFromName("controlpoint-test-light"),
		model.NewDeviceType("BinaryLight", 1),
		model.DeviceDetails{FriendlyName: "Hall Light"},
		[]*model.Service{switchPower()},
	)
	if err != nil {
		t.Fatalf("NewLocalDevice: %v", err)
	}
	dev.factory.Config().Namespace.Apply(light)
	if err := dev.registry.AddLocalDevice(light); err != nil {
		t.Fatalf("AddLocalDevice: %v", err)
	}

	req := message.NewMulticastRequest(message.MethodNotify)
	req.Header.SetValue(header.TypeHost, header.MulticastHost())
	req.Header.SetValue(header.TypeNT, header.RootDeviceTarget{})
	req.Header.SetValue(header.TypeNTS, header.NTSAlive)
	req.Header.SetValue(header.TypeUSN, header.USN{UDN: light.Identity.UDN, RootDevice: true})
	req.Header.SetValue(header.TypeMaxAge, header.MaxAge(1800))
	req.Header.SetValue(header.TypeLocation, header.Location{
		URL: transport.LocationURL(dev.router.addresses, deviceIP,
			dev.factory.Config().Namespace.DeviceDescriptorPath(light.Identity.UDN)),
	})
	p, err := ctl.factory.CreateReceivingAsync(&message.Datagram{
		Request: req,
		Remote:  &net.UDPAddr{IP: deviceIP, Port: 1900},
		Local:   controlIP,
	})
	if err != nil {
		t.Fatalf("CreateReceivingAsync: %v", err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("alive: %v", err)
	}
	remote := ctl.registry.RemoteDevice(light.Identity.UDN)
	if remote == nil || !remote.Hydrated() {
		t.Fatal("light not discovered by control node")
	}

	cp := New(ctl.factory, Config{})
	t.Cleanup(cp.Shutdown)
	return &setup{device: dev, control: ctl, light: light, remote: remote, cp: cp}
}

func TestInvoke(t *testing.T) {
	s := newSetup(t)
	svc := s.remote.Service(model.NewServiceID("SwitchPower"))

	inv, err := s.cp.Invoke(context.Background(), svc, "SetTarget", map[string]string{"newTargetValue": "true"})
	if err != nil {
		t.Fatalf("Invoke SetTarget: %v", err)
	}
	if inv.Failure != nil {
		t.Fatalf("SetTarget failure: %v", inv.Failure)
	}
	local := s.light.Service(model.NewServiceID("SwitchPower"))
	if v, _ := local.State().Get("Status"); v != true {
		t.Errorf("Status = %v, want true", v)
	}

	inv, err = s.cp.Invoke(context.Background(), svc, "GetTarget", nil)
	if err != nil || inv.Failure != nil {
		t.Fatalf("Invoke GetTarget: %v / %v", err, inv.Failure)
	}
	if v, _ := inv.Output("RetTargetValue"); v != true {
		t.Errorf("RetTargetValue = %v", v)
	}
}

func TestInvokeRejectsBadCallsLocally(t *testing.T) {
	s := newSetup(t)
	svc := s.remote.Service(model.NewServiceID("SwitchPower"))
	_, before := s.control.router.sent()

	tests := []struct {
		name   string
		action string
		inputs map[string]string
		want   int
	}{
		{"unknown action", "Dim", nil, model.ErrorInvalidAction},
		{"missing argument", "SetTarget", nil, model.ErrorInvalidArgs},
		{"invalid value", "SetTarget", map[string]string{"newTargetValue": "maybe"}, model.ErrorArgumentValueInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.cp.Invoke(context.Background(), svc, tt.action, tt.inputs)
			ae := model.AsActionError(err)
			if err == nil || ae.Code != tt.want {
				t.Errorf("error = %v, want code %d", err, tt.want)
			}
		})
	}

	if _, after := s.control.router.sent(); len(after) != len(before) {
		t.Errorf("%d requests sent for rejected calls", len(after)-len(before))
	}
}

func TestLocalServicesRejected(t *testing.T) {
	s := newSetup(t)
	// The device node's control point sees the light as local.
	cp := New(s.device.factory, Config{})
	t.Cleanup(cp.Shutdown)
	svc := s.light.Service(model.NewServiceID("SwitchPower"))

	if _, err := cp.Invoke(context.Background(), svc, "GetTarget", nil); !errors.Is(err, ErrLocalService) {
		t.Errorf("Invoke error = %v, want ErrLocalService", err)
	}
	if _, err := cp.Subscribe(context.Background(), svc, 0, gena.Handlers{}); !errors.Is(err, ErrLocalService) {
		t.Errorf("Subscribe error = %v, want ErrLocalService", err)
	}
}

func TestSearchDefaults(t *testing.T) {
	s := newSetup(t)
	if err := s.cp.Search(context.Background(), nil, 0); err != nil {
		t.Fatalf("Search: %v", err)
	}
	datagrams, _ := s.control.router.sent()
	if len(datagrams) != 1 {
		t.Fatalf("datagrams = %d, want 1", len(datagrams))
	}
	h := datagrams[0].Request.Header
	if st, _ := h.Get("ST"); st != "ssdp:all" {
		t.Errorf("ST = %q", st)
	}
	if mx, _ := header.Get[header.MX](h, header.TypeMX); int(mx) != DefaultSearchMX {
		t.Errorf("MX = %d, want %d", mx, DefaultSearchMX)
	}
}

func TestSubscribeReceivesEventsUntilUnsubscribed(t *testing.T) {
	s := newSetup(t)
	svc := s.remote.Service(model.NewServiceID("SwitchPower"))

	events := make(chan bool, 8)
	sub, err := s.cp.Subscribe(context.Background(), svc, 0, gena.Handlers{
		OnEventReceived: func(sub *gena.RemoteSubscription) {
			v, _ := sub.Values()["Status"].Value.(bool)
			events <- v
		},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.RequestedDuration() != gena.DefaultDuration {
		t.Errorf("requested = %v, want default", sub.RequestedDuration())
	}

	select {
	case v := <-events:
		if v {
			t.Error("initial Status = true, want false")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("initial event not received")
	}

	local := s.device.registry.LocalSubscription(sub.SID())
	if local == nil {
		t.Fatal("device node has no subscription")
	}

	s.cp.UnsubscribeAll(context.Background())
	if sub.State() != gena.StateEnded {
		t.Errorf("state = %v, want ended", sub.State())
	}
	if s.device.registry.LocalSubscription(sub.SID()) != nil {
		t.Error("device node still holds the subscription")
	}
	if len(s.control.registry.RemoteSubscriptions()) != 0 {
		t.Error("control node still holds the subscription")
	}
}

func TestMaintainRenewsExpiringSubscriptions(t *testing.T) {
	s := newSetup(t)
	now := time.Now()
	s.control.registry.SetClock(func() time.Time { return now })
	s.cp.Start(60 * time.Second)

	svc := s.remote.Service(model.NewServiceID("SwitchPower"))
	sub, err := s.cp.Subscribe(context.Background(), svc, 300*time.Second, gena.Handlers{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	now = now.Add(250 * time.Second)
	s.control.registry.Maintain()
	// Shutdown waits for running renewals.
	s.cp.Shutdown()

	_, streams := s.control.router.sent()
	var renewals int
	for _, req := range streams {
		if req.Method == message.MethodSubscribe && req.Header.Has("SID") {
			renewals++
		}
	}
	if renewals != 1 {
		t.Fatalf("renewals = %d, want 1", renewals)
	}
	if want := now.Add(300 * time.Second); !sub.ExpiresAt().Equal(want) {
		t.Errorf("expires = %v, want %v", sub.ExpiresAt(), want)
	}
}

func TestCallsAfterShutdown(t *testing.T) {
	s := newSetup(t)
	s.cp.Shutdown()

	if err := s.cp.Search(context.Background(), nil, 0); !errors.Is(err, ErrShutdown) {
		t.Errorf("Search error = %v", err)
	}
	svc := s.remote.Service(model.NewServiceID("SwitchPower"))
	if _, err := s.cp.Subscribe(context.Background(), svc, 0, gena.Handlers{}); !errors.Is(err, ErrShutdown) {
		t.Errorf("Subscribe error = %v", err)
	}
}
