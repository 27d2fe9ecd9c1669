package header

import (
	"fmt"
	"mime"
	"net"
	"net/url"
	"runtime"
	"strconv"
	"strings"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
)

// SSDP well-known values.
const (
	// MulticastAddress is the SSDP IPv4 multicast group.
	MulticastAddress = "239.255.255.250"

	// MulticastPort is the SSDP port.
	MulticastPort = 1900

	// Discover is the MAN value of M-SEARCH requests.
	Discover = "ssdp:discover"

	rootDevice = "upnp:rootdevice"
	allTarget  = "ssdp:all"
	eventNT    = "upnp:event"
)

// MX bounds in seconds.
const (
	DefaultMX = 3
	MaxMX     = 120
)

// DefaultTimeout is the GENA subscription duration in seconds used when a
// TIMEOUT header is absent.
const DefaultTimeout = 1800

// Value is one parsed header variant. String returns the wire form.
type Value interface {
	String() string
}

func invalid(t Type, raw string) error {
	return fmt.Errorf("%w: %s %q", ErrInvalidHeader, t, raw)
}

// ----------------------------------------------------------------------------
// HOST

// Host is a HOST header value.
type Host struct {
	Host string
	Port int
}

// MulticastHost returns the SSDP multicast HOST value.
func MulticastHost() Host {
	return Host{Host: MulticastAddress, Port: MulticastPort}
}

func (h Host) String() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

func parseHost(raw string) (Value, error) {
	if raw == "" {
		return nil, invalid(TypeHost, raw)
	}
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return Host{Host: raw, Port: MulticastPort}, nil
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return nil, invalid(TypeHost, raw)
	}
	return Host{Host: host, Port: n}, nil
}

// ----------------------------------------------------------------------------
// NT / ST targets

// Target is a notification or search target: the value of NT or ST.
type Target interface {
	Value
	isTarget()
}

// AllTarget is "ssdp:all".
type AllTarget struct{}

// RootDeviceTarget is "upnp:rootdevice".
type RootDeviceTarget struct{}

// EventTarget is "upnp:event", the NT of GENA requests.
type EventTarget struct{}

// UDNTarget addresses one device by UDN.
type UDNTarget struct{ UDN model.UDN }

// DeviceTypeTarget addresses devices of a type.
type DeviceTypeTarget struct{ Type model.DeviceType }

// ServiceTypeTarget addresses services of a type.
type ServiceTypeTarget struct{ Type model.ServiceType }

func (AllTarget) String() string           { return allTarget }
func (RootDeviceTarget) String() string    { return rootDevice }
func (EventTarget) String() string         { return eventNT }
func (t UDNTarget) String() string         { return t.UDN.String() }
func (t DeviceTypeTarget) String() string  { return t.Type.String() }
func (t ServiceTypeTarget) String() string { return t.Type.String() }

func (AllTarget) isTarget()         {}
func (RootDeviceTarget) isTarget()  {}
func (EventTarget) isTarget()       {}
func (UDNTarget) isTarget()         {}
func (DeviceTypeTarget) isTarget()  {}
func (ServiceTypeTarget) isTarget() {}

func parseAll(raw string) (Value, error) {
	if strings.EqualFold(raw, allTarget) {
		return AllTarget{}, nil
	}
	return nil, invalid(TypeST, raw)
}

func parseRootDevice(raw string) (Value, error) {
	if strings.EqualFold(raw, rootDevice) {
		return RootDeviceTarget{}, nil
	}
	return nil, invalid(TypeNT, raw)
}

func parseEventTarget(raw string) (Value, error) {
	if strings.EqualFold(raw, eventNT) {
		return EventTarget{}, nil
	}
	return nil, invalid(TypeNT, raw)
}

func parseUDNTarget(raw string) (Value, error) {
	udn, err := model.ParseUDN(raw)
	if err != nil {
		return nil, err
	}
	return UDNTarget{UDN: udn}, nil
}

func parseDeviceTypeTarget(raw string) (Value, error) {
	t, err := model.ParseDeviceType(raw)
	if err != nil {
		return nil, err
	}
	return DeviceTypeTarget{Type: t}, nil
}

func parseServiceTypeTarget(raw string) (Value, error) {
	t, err := model.ParseServiceType(raw)
	if err != nil {
		return nil, err
	}
	return ServiceTypeTarget{Type: t}, nil
}

// ----------------------------------------------------------------------------
// NTS

// NTS is a notification subtype.
type NTS string

// Notification subtypes.
const (
	NTSAlive      NTS = "ssdp:alive"
	NTSByebye     NTS = "ssdp:byebye"
	NTSUpdate     NTS = "ssdp:update"
	NTSPropChange NTS = "upnp:propchange"
)

func (n NTS) String() string { return string(n) }

func parseNTS(raw string) (Value, error) {
	for _, n := range []NTS{NTSAlive, NTSByebye, NTSUpdate, NTSPropChange} {
		if strings.EqualFold(raw, string(n)) {
			return n, nil
		}
	}
	return nil, invalid(TypeNTS, raw)
}

// ----------------------------------------------------------------------------
// USN

// USN is a unique service name: a UDN optionally qualified by the root
// device marker, a device type or a service type.
type USN struct {
	UDN         model.UDN
	RootDevice  bool
	DeviceType  model.DeviceType
	ServiceType model.ServiceType
}

func (u USN) String() string {
	s := u.UDN.String()
	switch {
	case u.RootDevice:
		return s + "::" + rootDevice
	case !u.DeviceType.IsZero():
		return s + "::" + u.DeviceType.String()
	case !u.ServiceType.IsZero():
		return s + "::" + u.ServiceType.String()
	}
	return s
}

func parseUSN(raw string) (Value, error) {
	udnPart, qualifier, qualified := strings.Cut(raw, "::")
	udn, err := model.ParseUDN(udnPart)
	if err != nil {
		return nil, invalid(TypeUSN, raw)
	}
	u := USN{UDN: udn}
	if !qualified {
		return u, nil
	}

	switch {
	case strings.EqualFold(qualifier, rootDevice):
		u.RootDevice = true
	case strings.Contains(qualifier, ":device:"):
		if u.DeviceType, err = model.ParseDeviceType(qualifier); err != nil {
			return nil, invalid(TypeUSN, raw)
		}
	case strings.Contains(qualifier, ":service:"):
		if u.ServiceType, err = model.ParseServiceType(qualifier); err != nil {
			return nil, invalid(TypeUSN, raw)
		}
	default:
		return nil, invalid(TypeUSN, raw)
	}
	return u, nil
}

// ----------------------------------------------------------------------------
// MAN, MX, EXT

// MAN is the mandatory extension header of M-SEARCH. The wire form is quoted.
type MAN struct{ Value string }

func (m MAN) String() string { return strconv.Quote(m.Value) }

func parseMAN(raw string) (Value, error) {
	v := raw
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	v = strings.Trim(strings.TrimSpace(v), `"`)
	if v == "" {
		return nil, invalid(TypeMAN, raw)
	}
	return MAN{Value: v}, nil
}

// MX is the maximum search response delay in seconds.
type MX int

func (m MX) String() string { return strconv.Itoa(int(m)) }

// parseMX clamps values above MaxMX.
func parseMX(raw string) (Value, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return nil, invalid(TypeMX, raw)
	}
	if n > MaxMX {
		n = MaxMX
	}
	return MX(n), nil
}

// EXT is the presence-only extension marker. Its value is always empty.
type EXT struct{}

func (EXT) String() string { return "" }

func parseEXT(string) (Value, error) { return EXT{}, nil }

// ----------------------------------------------------------------------------
// SERVER / USER-AGENT

// Server is an "OS/version UPnP/major.minor product/version" signature.
type Server struct {
	OSName         string
	OSVersion      string
	MajorVersion   int
	MinorVersion   int
	ProductName    string
	ProductVersion string
}

// DefaultServer returns the signature of this stack.
func DefaultServer(product, version string) Server {
	return Server{
		OSName:         runtime.GOOS,
		OSVersion:      runtime.GOARCH,
		MajorVersion:   1,
		MinorVersion:   0,
		ProductName:    product,
		ProductVersion: version,
	}
}

func (s Server) String() string {
	return fmt.Sprintf("%s UPnP/%d.%d %s",
		token(s.OSName, s.OSVersion), s.MajorVersion, s.MinorVersion, token(s.ProductName, s.ProductVersion))
}

func token(name, version string) string {
	if version == "" {
		return name
	}
	return name + "/" + version
}

// parseServer accepts space or comma separated tokens around the UPnP/x.y
// token. Devices that put several words into the OS or product token are
// tolerated.
func parseServer(raw string) (Value, error) {
	fields := strings.Fields(strings.ReplaceAll(raw, ",", " "))
	upnp := -1
	for i, f := range fields {
		if len(f) > 5 && strings.EqualFold(f[:5], "UPnP/") {
			upnp = i
			break
		}
	}
	if upnp < 0 {
		return nil, invalid(TypeServer, raw)
	}

	major, minor, ok := parseVersion(fields[upnp][5:])
	if !ok {
		return nil, invalid(TypeServer, raw)
	}
	s := Server{MajorVersion: major, MinorVersion: minor}
	s.OSName, s.OSVersion = splitToken(strings.Join(fields[:upnp], " "))
	s.ProductName, s.ProductVersion = splitToken(strings.Join(fields[upnp+1:], " "))
	return s, nil
}

func parseVersion(v string) (major, minor int, ok bool) {
	ma, mi, found := strings.Cut(v, ".")
	var err error
	if major, err = strconv.Atoi(ma); err != nil {
		return 0, 0, false
	}
	if found {
		if minor, err = strconv.Atoi(mi); err != nil {
			return 0, 0, false
		}
	}
	return major, minor, true
}

func splitToken(s string) (name, version string) {
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// UserAgent is a raw USER-AGENT value.
type UserAgent string

func (u UserAgent) String() string { return string(u) }

func parseUserAgent(raw string) (Value, error) { return UserAgent(raw), nil }

// ----------------------------------------------------------------------------
// LOCATION, CACHE-CONTROL

// Location is the absolute URL of a device descriptor.
type Location struct{ URL *url.URL }

func (l Location) String() string {
	if l.URL == nil {
		return ""
	}
	return l.URL.String()
}

func parseLocation(raw string) (Value, error) {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, invalid(TypeLocation, raw)
	}
	return Location{URL: u}, nil
}

// MaxAge is the CACHE-CONTROL max-age directive in seconds.
type MaxAge int

func (m MaxAge) String() string { return "max-age=" + strconv.Itoa(int(m)) }

// parseMaxAge picks the max-age directive out of a directive list such as
// `no-cache="Ext", max-age = 5000`.
func parseMaxAge(raw string) (Value, error) {
	for _, directive := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(directive, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "max-age") {
			continue
		}
		n, err := strconv.Atoi(strings.Trim(strings.TrimSpace(value), `"`))
		if err != nil || n < 0 {
			return nil, invalid(TypeMaxAge, raw)
		}
		return MaxAge(n), nil
	}
	return nil, invalid(TypeMaxAge, raw)
}

// ----------------------------------------------------------------------------
// SOAPACTION

// SOAPAction names the invoked action: "urn:...:service:Type:1#Action". The
// wire form is quoted.
type SOAPAction struct {
	Namespace string
	Action    string
}

// NewSOAPAction returns the SOAPACTION of an action of a service type.
func NewSOAPAction(typ model.ServiceType, action string) SOAPAction {
	return SOAPAction{Namespace: typ.String(), Action: action}
}

func (a SOAPAction) String() string {
	return `"` + a.Namespace + "#" + a.Action + `"`
}

// ServiceType parses the namespace as a service type.
func (a SOAPAction) ServiceType() (model.ServiceType, error) {
	return model.ParseServiceType(a.Namespace)
}

func parseSOAPAction(raw string) (Value, error) {
	v := strings.Trim(raw, `"`)
	ns, action, ok := strings.Cut(v, "#")
	if !ok || ns == "" || action == "" {
		return nil, invalid(TypeSOAPAction, raw)
	}
	return SOAPAction{Namespace: ns, Action: action}, nil
}

// ----------------------------------------------------------------------------
// GENA: CALLBACK, SID, SEQ, TIMEOUT

// Callback lists the delivery URLs of a subscription.
type Callback []*url.URL

func (c Callback) String() string {
	var b strings.Builder
	for _, u := range c {
		b.WriteString("<")
		b.WriteString(u.String())
		b.WriteString(">")
	}
	return b.String()
}

// parseCallback keeps only absolute http URLs.
func parseCallback(raw string) (Value, error) {
	var out Callback
	rest := raw
	for {
		start := strings.IndexByte(rest, '<')
		if start < 0 {
			break
		}
		end := strings.IndexByte(rest[start:], '>')
		if end < 0 {
			break
		}
		u, err := url.Parse(strings.TrimSpace(rest[start+1 : start+end]))
		if err == nil && u.Scheme == "http" && u.Host != "" {
			out = append(out, u)
		}
		rest = rest[start+end+1:]
	}
	if len(out) == 0 {
		return nil, invalid(TypeCallback, raw)
	}
	return out, nil
}

// SID is a subscription identifier ("uuid:...").
type SID string

func (s SID) String() string { return string(s) }

func parseSID(raw string) (Value, error) {
	if !strings.HasPrefix(strings.ToLower(raw), "uuid:") || len(raw) <= len("uuid:") {
		return nil, invalid(TypeSID, raw)
	}
	return SID(raw), nil
}

// SEQ is a GENA event sequence number.
type SEQ uint32

func (s SEQ) String() string { return strconv.FormatUint(uint64(s), 10) }

func parseSEQ(raw string) (Value, error) {
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return nil, invalid(TypeSEQ, raw)
	}
	return SEQ(n), nil
}

// Timeout is a subscription duration, "Second-N" or "Second-infinite" on the
// wire.
type Timeout struct {
	Seconds  int
	Infinite bool
}

func (t Timeout) String() string {
	if t.Infinite {
		return "Second-infinite"
	}
	return "Second-" + strconv.Itoa(t.Seconds)
}

func parseTimeout(raw string) (Value, error) {
	if len(raw) < len("Second-") || !strings.EqualFold(raw[:len("Second-")], "Second-") {
		return nil, invalid(TypeTimeout, raw)
	}
	v := raw[len("Second-"):]
	if strings.EqualFold(v, "infinite") {
		return Timeout{Infinite: true}, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return nil, invalid(TypeTimeout, raw)
	}
	return Timeout{Seconds: n}, nil
}

// ----------------------------------------------------------------------------
// CONTENT-TYPE, X-IFACE-MAC

// ContentType is a parsed media type.
type ContentType struct {
	MediaType string
	Params    map[string]string
}

// XMLContentType is the content type of SOAP and descriptor bodies.
var XMLContentType = ContentType{MediaType: "text/xml", Params: map[string]string{"charset": "utf-8"}}

func (c ContentType) String() string {
	return mime.FormatMediaType(c.MediaType, c.Params)
}

// IsXML reports whether the body is XML.
func (c ContentType) IsXML() bool {
	return c.MediaType == "text/xml" || c.MediaType == "application/xml"
}

func parseContentType(raw string) (Value, error) {
	mt, params, err := mime.ParseMediaType(raw)
	if err != nil {
		return nil, invalid(TypeContentType, raw)
	}
	return ContentType{MediaType: mt, Params: params}, nil
}

// InterfaceMAC is the hardware address of the interface a datagram was sent
// from.
type InterfaceMAC struct{ Addr net.HardwareAddr }

func (m InterfaceMAC) String() string {
	return strings.ToUpper(m.Addr.String())
}

func parseInterfaceMAC(raw string) (Value, error) {
	addr, err := net.ParseMAC(raw)
	if err != nil {
		return nil, invalid(TypeInterfaceMAC, raw)
	}
	return InterfaceMAC{Addr: addr}, nil
}
