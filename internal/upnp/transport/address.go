package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Endpoint is one local IPv4 address the node is reachable on.
type Endpoint struct {
	Interface net.Interface
	IP        net.IP
	Mask      net.IPMask
}

// MAC returns the hardware address of the endpoint's interface.
func (e Endpoint) MAC() net.HardwareAddr {
	return e.Interface.HardwareAddr
}

// Contains reports whether ip is on the endpoint's subnet.
func (e Endpoint) Contains(ip net.IP) bool {
	if e.Mask == nil {
		return e.IP.Equal(ip)
	}
	return (&net.IPNet{IP: e.IP.Mask(e.Mask), Mask: e.Mask}).Contains(ip)
}

// AddressFactory tells protocols which local addresses and ports to
// advertise.
type AddressFactory interface {
	// Endpoints returns the usable local endpoints.
	Endpoints() []Endpoint

	// StreamPort returns the port of the stream server, 0 when not running.
	StreamPort() int

	// EndpointFor returns the endpoint on the same subnet as remote, or the
	// endpoint with the given local IP.
	EndpointFor(ip net.IP) (Endpoint, bool)
}

// LocationURL builds an absolute http URL for path, served on ip by the
// stream server of af.
func LocationURL(af AddressFactory, ip net.IP, path string) *url.URL {
	return &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(ip.String(), strconv.Itoa(af.StreamPort())),
		Path:   path,
	}
}

// NetworkAddressFactory discovers endpoints from the host's network
// interfaces.
type NetworkAddressFactory struct {
	endpoints  []Endpoint
	streamPort int
}

// NewNetworkAddressFactory selects up, multicast-capable, non-loopback
// interfaces carrying an IPv4 address. When names is non-empty only the
// named interfaces are considered. When includeLoopback is set loopback
// interfaces are accepted too, which is useful on hosts without a LAN.
func NewNetworkAddressFactory(names []string, includeLoopback bool) (*NetworkAddressFactory, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	var endpoints []Endpoint
	for _, ifi := range ifaces {
		if len(wanted) > 0 && !wanted[ifi.Name] {
			continue
		}
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if ifi.Flags&net.FlagLoopback != 0 && !includeLoopback {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || ip4.IsLinkLocalUnicast() {
				continue
			}
			endpoints = append(endpoints, Endpoint{Interface: ifi, IP: ip4, Mask: ipnet.Mask})
		}
	}
	if len(endpoints) == 0 {
		return nil, ErrNoInterfaces
	}
	return &NetworkAddressFactory{endpoints: endpoints}, nil
}

// NewStaticAddressFactory returns a factory over fixed endpoints.
func NewStaticAddressFactory(endpoints ...Endpoint) *NetworkAddressFactory {
	return &NetworkAddressFactory{endpoints: endpoints}
}

// Endpoints returns the selected endpoints.
func (f *NetworkAddressFactory) Endpoints() []Endpoint {
	return append([]Endpoint(nil), f.endpoints...)
}

// StreamPort returns the bound stream server port.
func (f *NetworkAddressFactory) StreamPort() int { return f.streamPort }

// SetStreamPort records the port the stream server is bound to.
func (f *NetworkAddressFactory) SetStreamPort(port int) { f.streamPort = port }

// EndpointFor returns the endpoint matching ip, exactly or by subnet.
func (f *NetworkAddressFactory) EndpointFor(ip net.IP) (Endpoint, bool) {
	if ip == nil {
		return Endpoint{}, false
	}
	for _, e := range f.endpoints {
		if e.IP.Equal(ip) {
			return e, true
		}
	}
	for _, e := range f.endpoints {
		if e.Contains(ip) {
			return e, true
		}
	}
	return Endpoint{}, false
}

// nullAddressFactory is returned while the router is disabled.
type nullAddressFactory struct{}

func (nullAddressFactory) Endpoints() []Endpoint               { return nil }
func (nullAddressFactory) StreamPort() int                     { return 0 }
func (nullAddressFactory) EndpointFor(net.IP) (Endpoint, bool) { return Endpoint{}, false }
