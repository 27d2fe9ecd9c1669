package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Identifier constants.
const (
	// udnPrefix is the mandatory prefix of a UDN.
	udnPrefix = "uuid:"

	// urnPrefix is the prefix of device types, service types and service IDs.
	urnPrefix = "urn:"

	// DefaultNamespace is the namespace of standardised UPnP types.
	DefaultNamespace = "schemas-upnp-org"

	// DefaultServiceIDNamespace is the namespace of standardised service IDs.
	DefaultServiceIDNamespace = "upnp-org"
)

// UDN is a Unique Device Name. The value holds only the identifier part;
// String adds the "uuid:" prefix used on the wire.
type UDN string

// ParseUDN parses a wire UDN ("uuid:abc-123").
func ParseUDN(s string) (UDN, error) {
	s = strings.TrimSpace(s)
	if len(s) <= len(udnPrefix) || !strings.EqualFold(s[:len(udnPrefix)], udnPrefix) {
		return "", fmt.Errorf("%w: UDN %q must start with %q", ErrInvalidIdentifier, s, udnPrefix)
	}
	return UDN(s[len(udnPrefix):]), nil
}

// NewUDN returns a random UDN.
func NewUDN() UDN {
	return UDN(uuid.NewString())
}

// UDNFromName derives a stable UDN from an application-chosen name so that a
// local device keeps its identity across restarts.
func UDNFromName(name string) UDN {
	return UDN(uuid.NewSHA1(uuid.NameSpaceURL, []byte("upnpd:"+name)).String())
}

// String returns the wire form of the UDN.
func (u UDN) String() string {
	return udnPrefix + string(u)
}

// DeviceType is a device type URN: urn:{namespace}:device:{type}:{version}.
type DeviceType struct {
	Namespace string
	Type      string
	Version   int
}

// NewDeviceType returns a standard schemas-upnp-org device type.
func NewDeviceType(typ string, version int) DeviceType {
	return DeviceType{Namespace: DefaultNamespace, Type: typ, Version: version}
}

// ParseDeviceType parses a device type URN.
func ParseDeviceType(s string) (DeviceType, error) {
	ns, typ, version, err := parseTypeURN(s, "device")
	if err != nil {
		return DeviceType{}, err
	}
	return DeviceType{Namespace: ns, Type: typ, Version: version}, nil
}

// String returns the URN form of the device type.
func (t DeviceType) String() string {
	return fmt.Sprintf("urn:%s:device:%s:%d", t.Namespace, t.Type, t.Version)
}

// IsZero reports whether the device type is unset.
func (t DeviceType) IsZero() bool {
	return t.Type == ""
}

// Implements reports whether a device of type t satisfies a search for
// other: same namespace and type, and at least the requested version.
func (t DeviceType) Implements(other DeviceType) bool {
	return t.Namespace == other.Namespace && t.Type == other.Type && t.Version >= other.Version
}

// ServiceType is a service type URN: urn:{namespace}:service:{type}:{version}.
type ServiceType struct {
	Namespace string
	Type      string
	Version   int
}

// NewServiceType returns a standard schemas-upnp-org service type.
func NewServiceType(typ string, version int) ServiceType {
	return ServiceType{Namespace: DefaultNamespace, Type: typ, Version: version}
}

// ParseServiceType parses a service type URN.
func ParseServiceType(s string) (ServiceType, error) {
	ns, typ, version, err := parseTypeURN(s, "service")
	if err != nil {
		return ServiceType{}, err
	}
	return ServiceType{Namespace: ns, Type: typ, Version: version}, nil
}

// String returns the URN form of the service type.
func (t ServiceType) String() string {
	return fmt.Sprintf("urn:%s:service:%s:%d", t.Namespace, t.Type, t.Version)
}

// IsZero reports whether the service type is unset.
func (t ServiceType) IsZero() bool {
	return t.Type == ""
}

// Implements reports whether a service of type t satisfies a search for other.
func (t ServiceType) Implements(other ServiceType) bool {
	return t.Namespace == other.Namespace && t.Type == other.Type && t.Version >= other.Version
}

// ServiceID identifies a service within its device:
// urn:{namespace}:serviceId:{id}.
type ServiceID struct {
	Namespace string
	ID        string
}

// NewServiceID returns a standard upnp-org service ID.
func NewServiceID(id string) ServiceID {
	return ServiceID{Namespace: DefaultServiceIDNamespace, ID: id}
}

// ParseServiceID parses a service ID URN. Some devices publish the non-standard
// "urn:schemas-upnp-org:service:X" form, which is accepted as well.
func ParseServiceID(s string) (ServiceID, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 4 || !strings.EqualFold(parts[0]+":", urnPrefix) || parts[3] == "" { //nolint:mnd // urn:ns:serviceId:id
		return ServiceID{}, fmt.Errorf("%w: service ID %q", ErrInvalidIdentifier, s)
	}
	if parts[2] != "serviceId" && parts[2] != "service" {
		return ServiceID{}, fmt.Errorf("%w: service ID %q", ErrInvalidIdentifier, s)
	}
	return ServiceID{Namespace: parts[1], ID: parts[3]}, nil
}

// String returns the URN form of the service ID.
func (id ServiceID) String() string {
	return fmt.Sprintf("urn:%s:serviceId:%s", id.Namespace, id.ID)
}

// parseTypeURN parses urn:{ns}:{kind}:{type}:{version}. Versions such as
// "1.0" are accepted and truncated to their major number.
func parseTypeURN(s, kind string) (ns, typ string, version int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 5 || !strings.EqualFold(parts[0]+":", urnPrefix) || parts[2] != kind { //nolint:mnd // urn:ns:kind:type:version
		return "", "", 0, fmt.Errorf("%w: %s type %q", ErrInvalidIdentifier, kind, s)
	}
	if parts[1] == "" || parts[3] == "" {
		return "", "", 0, fmt.Errorf("%w: %s type %q", ErrInvalidIdentifier, kind, s)
	}

	v := parts[4]
	if dot := strings.IndexByte(v, '.'); dot >= 0 {
		v = v[:dot]
	}
	version, convErr := strconv.Atoi(v)
	if convErr != nil || version < 1 {
		return "", "", 0, fmt.Errorf("%w: %s type %q has invalid version", ErrInvalidIdentifier, kind, s)
	}
	return parts[1], parts[3], version, nil
}
