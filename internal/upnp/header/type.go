// Package header implements the typed UPnP/SSDP/GENA headers and the
// multi-valued header collection carried by every message.
//
// Each header Type maps a wire name to an ordered list of variant parsers.
// Parsing a raw value tries the variants in order and keeps the first that
// accepts it; NT and ST, for example, resolve to a RootDeviceTarget, a
// UDNTarget, a DeviceTypeTarget or a ServiceTypeTarget depending on the
// value.
//
// Headers keeps raw name/value pairs in insertion order and parses typed
// values lazily on first typed access. Any mutation discards parsed state.
package header

import (
	"strings"
)

// Type enumerates the typed headers understood by the stack.
type Type int

// Header types.
const (
	TypeUnknown Type = iota
	TypeHost
	TypeNT
	TypeNTS
	TypeUSN
	TypeST
	TypeMAN
	TypeMX
	TypeEXT
	TypeServer
	TypeUserAgent
	TypeLocation
	TypeMaxAge
	TypeSOAPAction
	TypeCallback
	TypeSID
	TypeSEQ
	TypeTimeout
	TypeContentType
	TypeInterfaceMAC
)

// parser converts a raw header value into one variant.
type parser func(raw string) (Value, error)

type typeInfo struct {
	name    string
	parsers []parser
}

// registry maps each type to its wire name and variant parsers, in the order
// they are tried.
var registry = map[Type]typeInfo{
	TypeHost:         {"HOST", []parser{parseHost}},
	TypeNT:           {"NT", []parser{parseRootDevice, parseUDNTarget, parseDeviceTypeTarget, parseServiceTypeTarget, parseEventTarget}},
	TypeNTS:          {"NTS", []parser{parseNTS}},
	TypeUSN:          {"USN", []parser{parseUSN}},
	TypeST:           {"ST", []parser{parseAll, parseRootDevice, parseUDNTarget, parseDeviceTypeTarget, parseServiceTypeTarget}},
	TypeMAN:          {"MAN", []parser{parseMAN}},
	TypeMX:           {"MX", []parser{parseMX}},
	TypeEXT:          {"EXT", []parser{parseEXT}},
	TypeServer:       {"SERVER", []parser{parseServer}},
	TypeUserAgent:    {"USER-AGENT", []parser{parseUserAgent}},
	TypeLocation:     {"LOCATION", []parser{parseLocation}},
	TypeMaxAge:       {"CACHE-CONTROL", []parser{parseMaxAge}},
	TypeSOAPAction:   {"SOAPACTION", []parser{parseSOAPAction}},
	TypeCallback:     {"CALLBACK", []parser{parseCallback}},
	TypeSID:          {"SID", []parser{parseSID}},
	TypeSEQ:          {"SEQ", []parser{parseSEQ}},
	TypeTimeout:      {"TIMEOUT", []parser{parseTimeout}},
	TypeContentType:  {"CONTENT-TYPE", []parser{parseContentType}},
	TypeInterfaceMAC: {"X-IFACE-MAC", []parser{parseInterfaceMAC}},
}

var byName = func() map[string]Type {
	m := make(map[string]Type, len(registry))
	for t, info := range registry {
		m[info.name] = t
	}
	return m
}()

// TypeOf returns the header type for a wire name, case-insensitively.
func TypeOf(name string) (Type, bool) {
	t, ok := byName[canonical(name)]
	return t, ok
}

// String returns the wire name of the type.
func (t Type) String() string {
	if info, ok := registry[t]; ok {
		return info.name
	}
	return "UNKNOWN"
}

// Parse converts a raw value of type t into its first matching variant.
func Parse(t Type, raw string) (Value, error) {
	info, ok := registry[t]
	if !ok {
		return nil, ErrUnknownType
	}
	raw = strings.TrimSpace(raw)
	for _, p := range info.parsers {
		if v, err := p(raw); err == nil {
			return v, nil
		}
	}
	return nil, invalid(t, raw)
}

func canonical(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
