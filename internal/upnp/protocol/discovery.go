package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/header"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/message"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/registry"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/transport"
)

// advertisement is one NT/USN pair announced for a device tree.
type advertisement struct {
	target header.Target
	usn    header.USN
}

// advertisements returns the full announcement set of a root device: the
// root device marker, then for every device of the tree its UDN, its type
// and each distinct service type it hosts.
func advertisements(root *model.Device) []advertisement {
	out := []advertisement{{
		target: header.RootDeviceTarget{},
		usn:    header.USN{UDN: root.Identity.UDN, RootDevice: true},
	}}
	for _, d := range root.All() {
		udn := d.Identity.UDN
		out = append(out,
			advertisement{target: header.UDNTarget{UDN: udn}, usn: header.USN{UDN: udn}},
			advertisement{target: header.DeviceTypeTarget{Type: d.Type}, usn: header.USN{UDN: udn, DeviceType: d.Type}},
		)
		seen := make(map[model.ServiceType]bool)
		for _, svc := range d.Services {
			if seen[svc.Type] {
				continue
			}
			seen[svc.Type] = true
			out = append(out, advertisement{
				target: header.ServiceTypeTarget{Type: svc.Type},
				usn:    header.USN{UDN: udn, ServiceType: svc.Type},
			})
		}
	}
	return out
}

// matchSearch returns the responses a root device owes to a search for
// target. The ST of each response echoes the searched target, except for
// ssdp:all where it is the advertised NT.
func matchSearch(target header.Target, root *model.Device) []advertisement {
	switch t := target.(type) {
	case header.AllTarget:
		return advertisements(root)
	case header.RootDeviceTarget:
		return advertisements(root)[:1]
	case header.UDNTarget:
		if d := root.FindDevice(t.UDN); d != nil {
			return []advertisement{{target: t, usn: header.USN{UDN: d.Identity.UDN}}}
		}
	case header.DeviceTypeTarget:
		var out []advertisement
		for _, d := range root.FindDevicesOfType(t.Type) {
			out = append(out, advertisement{target: t, usn: header.USN{UDN: d.Identity.UDN, DeviceType: d.Type}})
		}
		return out
	case header.ServiceTypeTarget:
		var out []advertisement
		for _, d := range root.All() {
			for _, svc := range d.Services {
				if svc.Type.Implements(t.Type) {
					out = append(out, advertisement{target: t, usn: header.USN{UDN: d.Identity.UDN, ServiceType: svc.Type}})
					break
				}
			}
		}
		return out
	}
	return nil
}

// endpointFor picks the local endpoint to advertise to a peer: the one the
// message arrived on, else the one on the peer's subnet, else the first.
func endpointFor(af transport.AddressFactory, local, remote net.IP) (transport.Endpoint, bool) {
	if e, ok := af.EndpointFor(local); ok {
		return e, true
	}
	if e, ok := af.EndpointFor(remote); ok {
		return e, true
	}
	if eps := af.Endpoints(); len(eps) > 0 {
		return eps[0], true
	}
	return transport.Endpoint{}, false
}

// identityFrom reads the device identity carried by an alive notification or
// a search response.
func identityFrom(h *header.Headers, local net.IP) (model.Identity, header.USN, error) {
	usn, ok := header.Get[header.USN](h, header.TypeUSN)
	if !ok {
		return model.Identity{}, header.USN{}, fmt.Errorf("%w: missing or invalid USN", ErrInvalidMessage)
	}
	loc, ok := header.Get[header.Location](h, header.TypeLocation)
	if !ok || loc.URL == nil {
		return model.Identity{}, usn, fmt.Errorf("%w: missing or invalid LOCATION", ErrInvalidMessage)
	}
	identity := model.Identity{
		UDN:           usn.UDN,
		MaxAge:        model.DefaultMaxAge,
		DescriptorURL: loc.URL,
		DiscoveredOn:  local,
	}
	if maxAge, ok := header.Get[header.MaxAge](h, header.TypeMaxAge); ok {
		identity.MaxAge = int(maxAge)
	}
	if mac, ok := header.Get[header.InterfaceMAC](h, header.TypeInterfaceMAC); ok {
		identity.InterfaceMAC = mac.Addr
	}
	return identity, usn, nil
}

// receivingNotification handles NOTIFY ssdp:alive and ssdp:byebye.
type receivingNotification struct {
	f   *Factory
	d   *message.Datagram
	nts header.NTS
}

func (p *receivingNotification) Name() string { return "ReceivingNotification" }

func (p *receivingNotification) Run(ctx context.Context) error {
	h := p.d.Request.Header
	if p.nts == header.NTSByebye {
		usn, ok := header.Get[header.USN](h, header.TypeUSN)
		if !ok {
			return fmt.Errorf("%w: byebye without USN", ErrInvalidMessage)
		}
		if p.f.registry.RemoveRemoteDevice(usn.UDN) {
			p.f.logger.Debug("remote device said byebye", "udn", usn.UDN)
		}
		return nil
	}

	identity, usn, err := identityFrom(h, p.d.Local)
	if err != nil {
		return err
	}
	_, rootNT := header.Get[header.RootDeviceTarget](h, header.TypeNT)
	return p.f.discovered(ctx, identity, usn.RootDevice || rootNT)
}

// receivingSearchResponse handles unicast responses to our M-SEARCH.
type receivingSearchResponse struct {
	f *Factory
	d *message.Datagram
}

func (p *receivingSearchResponse) Name() string { return "ReceivingSearchResponse" }

func (p *receivingSearchResponse) Run(ctx context.Context) error {
	identity, usn, err := identityFrom(p.d.Response.Header, p.d.Local)
	if err != nil {
		return err
	}
	return p.f.discovered(ctx, identity, usn.RootDevice)
}

// discovered records an advertisement of a remote device. Known devices are
// refreshed. An unknown root device is added at once and hydrated
// afterwards; an unknown device announced only by a non-root advertisement
// is added once its descriptor proved which root device it belongs to.
func (f *Factory) discovered(ctx context.Context, identity model.Identity, root bool) error {
	if f.registry.LocalDevice(identity.UDN) != nil {
		return nil
	}

	known := f.registry.RemoteDevice(identity.UDN)
	if known == nil && !root {
		// Embedded devices share the LOCATION of their root.
		known = f.remoteRootAt(identity.DescriptorURL)
	}
	if known != nil {
		rootID := identity
		rootID.UDN = known.Root().Identity.UDN
		f.registry.RefreshRemoteDevice(rootID)
		if known.Root().Hydrated() {
			return nil
		}
		return f.hydrate(ctx, rootID, false)
	}

	if root {
		err := f.registry.AddRemoteDevice(model.NewRemoteDevice(identity))
		if err != nil && !errors.Is(err, registry.ErrDuplicateDevice) {
			return err
		}
	}
	return f.hydrate(ctx, identity, !root)
}

// remoteRootAt returns the known remote root device described at location.
func (f *Factory) remoteRootAt(location *url.URL) *model.Device {
	if location == nil {
		return nil
	}
	for _, d := range f.registry.RemoteDevices() {
		if u := d.Identity.DescriptorURL; u != nil && u.String() == location.String() {
			return d
		}
	}
	return nil
}

// hydrate retrieves the descriptors of a remote device and stores the
// result. Concurrent retrievals of the same device are collapsed. A device
// registered by another advertisement while the retrieval ran is updated
// with the result.
func (f *Factory) hydrate(ctx context.Context, identity model.Identity, add bool) error {
	f.retrievingMu.Lock()
	if f.retrieving[identity.UDN] {
		f.retrievingMu.Unlock()
		return nil
	}
	f.retrieving[identity.UDN] = true
	f.retrievingMu.Unlock()
	defer func() {
		f.retrievingMu.Lock()
		delete(f.retrieving, identity.UDN)
		f.retrievingMu.Unlock()
	}()

	d, err := f.RetrieveDescriptors(ctx, identity)
	if err != nil {
		return fmt.Errorf("retrieving descriptors of %s: %w", identity.UDN, err)
	}
	if add {
		err := f.registry.AddRemoteDevice(d)
		if err == nil {
			return nil
		}
		if !errors.Is(err, registry.ErrDuplicateDevice) {
			return err
		}
	}
	if !f.registry.UpdateRemoteDevice(d) {
		f.logger.Debug("device gone before hydration finished", "udn", d.Identity.UDN)
	}
	return nil
}

// receivingSearch answers M-SEARCH requests for local devices.
type receivingSearch struct {
	f *Factory
	d *message.Datagram
}

func (p *receivingSearch) Name() string { return "ReceivingSearch" }

func (p *receivingSearch) Run(ctx context.Context) error {
	h := p.d.Request.Header
	man, ok := header.Get[header.MAN](h, header.TypeMAN)
	if !ok || man.Value != header.Discover {
		return fmt.Errorf("%w: M-SEARCH without MAN %q", ErrInvalidMessage, header.Discover)
	}
	target, ok := header.Get[header.Target](h, header.TypeST)
	if !ok {
		return fmt.Errorf("%w: M-SEARCH without valid ST", ErrInvalidMessage)
	}

	host, _ := header.Get[header.Host](h, header.TypeHost)
	if host.Host == header.MulticastAddress {
		mx, ok := header.Get[header.MX](h, header.TypeMX)
		if !ok {
			return fmt.Errorf("%w: multicast M-SEARCH without MX", ErrInvalidMessage)
		}
		if mx > header.MaxMX {
			mx = header.MaxMX
		}
		if err := sleep(ctx, p.f.searchDelay(int(mx))); err != nil {
			return err
		}
	}

	af := p.f.router.Addresses()
	ep, ok := endpointFor(af, p.d.Local, p.d.Remote.IP)
	if !ok {
		return fmt.Errorf("no endpoint to answer %s", p.d.Remote)
	}

	var errs []error
	for _, root := range p.f.registry.LocalDevices() {
		location := transport.LocationURL(af, ep.IP, p.f.cfg.Namespace.DeviceDescriptorPath(root.Identity.UDN))
		for _, ad := range matchSearch(target, root) {
			resp := message.NewResponse(http.StatusOK)
			resp.Header.SetValue(header.TypeMaxAge, header.MaxAge(root.Identity.MaxAge))
			resp.Header.SetValue(header.TypeEXT, header.EXT{})
			resp.Header.SetValue(header.TypeLocation, header.Location{URL: location})
			resp.Header.SetValue(header.TypeServer, p.f.cfg.Server)
			resp.Header.SetValue(header.TypeST, ad.target)
			resp.Header.SetValue(header.TypeUSN, ad.usn)
			if mac := ep.MAC(); len(mac) > 0 {
				resp.Header.SetValue(header.TypeInterfaceMAC, header.InterfaceMAC{Addr: mac})
			}
			d := &message.Datagram{Response: resp, Remote: p.d.Remote, Local: ep.IP}
			if err := p.f.router.SendDatagram(ctx, d); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// SendSearch multicasts an M-SEARCH for target. It is repeated BulkRepeat
// times. mx is clamped to [1, 120].
func (f *Factory) SendSearch(ctx context.Context, target header.Target, mx int) error {
	if target == nil {
		target = header.AllTarget{}
	}
	mx = max(1, min(mx, header.MaxMX))

	req := message.NewMulticastRequest(message.MethodSearch)
	req.Header.SetValue(header.TypeHost, header.MulticastHost())
	req.Header.SetValue(header.TypeMAN, header.MAN{Value: header.Discover})
	req.Header.SetValue(header.TypeMX, header.MX(mx))
	req.Header.SetValue(header.TypeST, target)
	req.Header.SetValue(header.TypeUserAgent, header.UserAgent(f.cfg.Server.String()))

	f.logger.Debug("sending search", "target", target.String(), "mx", mx)
	return f.bulk(ctx, func() error {
		return f.router.SendDatagram(ctx, &message.Datagram{Request: req, Remote: multicastGroup()})
	})
}

// SendAlive announces a local root device on every endpoint.
func (f *Factory) SendAlive(ctx context.Context, root *model.Device) error {
	return f.sendNotifications(ctx, root, header.NTSAlive)
}

// SendByebye withdraws a local root device on every endpoint.
func (f *Factory) SendByebye(ctx context.Context, root *model.Device) error {
	return f.sendNotifications(ctx, root, header.NTSByebye)
}

func (f *Factory) sendNotifications(ctx context.Context, root *model.Device, nts header.NTS) error {
	af := f.router.Addresses()
	ads := advertisements(root)
	return f.bulk(ctx, func() error {
		var errs []error
		for _, ep := range af.Endpoints() {
			for _, ad := range ads {
				req := f.notification(af, ep, root, ad, nts)
				d := &message.Datagram{Request: req, Remote: multicastGroup(), Local: ep.IP}
				if err := f.router.SendDatagram(ctx, d); err != nil {
					errs = append(errs, err)
				}
			}
		}
		return errors.Join(errs...)
	})
}

func (f *Factory) notification(af transport.AddressFactory, ep transport.Endpoint, root *model.Device, ad advertisement, nts header.NTS) *message.Request {
	req := message.NewMulticastRequest(message.MethodNotify)
	req.Header.SetValue(header.TypeHost, header.MulticastHost())
	req.Header.SetValue(header.TypeNT, ad.target)
	req.Header.SetValue(header.TypeNTS, nts)
	req.Header.SetValue(header.TypeUSN, ad.usn)
	if nts == header.NTSByebye {
		return req
	}
	location := transport.LocationURL(af, ep.IP, f.cfg.Namespace.DeviceDescriptorPath(root.Identity.UDN))
	req.Header.SetValue(header.TypeMaxAge, header.MaxAge(root.Identity.MaxAge))
	req.Header.SetValue(header.TypeLocation, header.Location{URL: location})
	req.Header.SetValue(header.TypeServer, f.cfg.Server)
	if mac := ep.MAC(); len(mac) > 0 {
		req.Header.SetValue(header.TypeInterfaceMAC, header.InterfaceMAC{Addr: mac})
	}
	return req
}

// bulk runs send BulkRepeat times, BulkInterval apart. It fails only when
// every attempt failed.
func (f *Factory) bulk(ctx context.Context, send func() error) error {
	var last error
	sent := false
	for i := range f.cfg.BulkRepeat {
		if i > 0 {
			if err := sleep(ctx, f.cfg.BulkInterval); err != nil {
				return err
			}
		}
		if err := send(); err != nil {
			last = err
			continue
		}
		sent = true
	}
	if !sent {
		return last
	}
	return nil
}

func multicastGroup() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(header.MulticastAddress), Port: header.MulticastPort}
}
