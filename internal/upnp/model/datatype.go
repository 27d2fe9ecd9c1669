package model

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Datatype converts between UPnP wire strings and Go values.
//
// Value mapping:
//   - boolean: bool
//   - ui1, ui2, ui4: uint8, uint16, uint32
//   - i1, i2, i4, int: int8, int16, int32, int32
//   - r4: float32; r8, number, float, fixed.14.4: float64
//   - char: rune; string, uuid: string
//   - uri: *url.URL
//   - bin.base64, bin.hex: []byte
//   - date, dateTime, dateTime.tz, time, time.tz: time.Time
type Datatype interface {
	// Name returns the UPnP datatype name (e.g. "ui4").
	Name() string

	// ValueOf converts a wire string. An empty string yields a nil value
	// for every datatype except string types, which yield "".
	ValueOf(s string) (any, error)

	// Format converts a value to its wire string. A nil value yields "".
	Format(v any) (string, error)

	// Valid reports whether v is an acceptable value for this datatype.
	Valid(v any) bool
}

var (
	datatypesMu sync.RWMutex
	datatypes   = map[string]Datatype{}
)

func init() {
	for _, dt := range []Datatype{
		booleanType{},
		unsignedType{name: "ui1", bits: 8},
		unsignedType{name: "ui2", bits: 16},
		unsignedType{name: "ui4", bits: 32},
		signedType{name: "i1", bits: 8},
		signedType{name: "i2", bits: 16},
		signedType{name: "i4", bits: 32},
		signedType{name: "int", bits: 32},
		floatType{name: "r4", bits: 32},
		floatType{name: "r8", bits: 64},
		floatType{name: "number", bits: 64},
		floatType{name: "float", bits: 64},
		floatType{name: "fixed.14.4", bits: 64},
		charType{},
		stringType{name: "string"},
		stringType{name: "uuid"},
		uriType{},
		binaryType{name: "bin.base64"},
		binaryType{name: "bin.hex", hex: true},
		timeType{name: "date", layouts: []string{"2006-01-02"}},
		timeType{name: "dateTime", layouts: []string{"2006-01-02T15:04:05", "2006-01-02"}},
		timeType{name: "dateTime.tz", layouts: []string{time.RFC3339, "2006-01-02T15:04:05Z0700", "2006-01-02T15:04:05"}},
		timeType{name: "time", layouts: []string{"15:04:05"}},
		timeType{name: "time.tz", layouts: []string{"15:04:05Z07:00", "15:04:05Z0700", "15:04:05"}},
	} {
		datatypes[dt.Name()] = dt
	}
}

// RegisterDatatype adds or replaces a datatype in the registry.
func RegisterDatatype(dt Datatype) {
	datatypesMu.Lock()
	datatypes[dt.Name()] = dt
	datatypesMu.Unlock()
}

// LookupDatatype returns the registered datatype with the given name.
func LookupDatatype(name string) (Datatype, error) {
	datatypesMu.RLock()
	dt, ok := datatypes[strings.TrimSpace(name)]
	datatypesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDatatype, name)
	}
	return dt, nil
}

// MustDatatype is LookupDatatype for built-in names; it panics on unknown names.
func MustDatatype(name string) Datatype {
	dt, err := LookupDatatype(name)
	if err != nil {
		panic(err)
	}
	return dt
}

func invalid(dt, s string) error {
	return fmt.Errorf("%w: %q is not a valid %s", ErrInvalidValue, s, dt)
}

// ----------------------------------------------------------------------------
// boolean

type booleanType struct{}

func (booleanType) Name() string { return "boolean" }

func (booleanType) ValueOf(s string) (any, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return nil, nil
	case "1", "yes", "true":
		return true, nil
	case "0", "no", "false":
		return false, nil
	default:
		return nil, invalid("boolean", s)
	}
}

func (booleanType) Format(v any) (string, error) {
	switch b := v.(type) {
	case nil:
		return "", nil
	case bool:
		if b {
			return "1", nil
		}
		return "0", nil
	default:
		return "", fmt.Errorf("%w: %T is not a boolean", ErrInvalidValue, v)
	}
}

func (booleanType) Valid(v any) bool {
	_, ok := v.(bool)
	return v == nil || ok
}

// ----------------------------------------------------------------------------
// unsigned integers

type unsignedType struct {
	name string
	bits int
}

func (t unsignedType) Name() string { return t.name }

func (t unsignedType) ValueOf(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "+"), 10, t.bits)
	if err != nil {
		return nil, invalid(t.name, s)
	}
	return t.wrap(n), nil
}

func (t unsignedType) wrap(n uint64) any {
	switch t.bits {
	case 8: //nolint:mnd // ui1
		return uint8(n)
	case 16: //nolint:mnd // ui2
		return uint16(n)
	default:
		return uint32(n)
	}
}

func (t unsignedType) Format(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	n, ok := toUint64(v)
	if !ok || n > uint64(1)<<t.bits-1 {
		return "", fmt.Errorf("%w: %v is out of range for %s", ErrInvalidValue, v, t.name)
	}
	return strconv.FormatUint(n, 10), nil
}

func (t unsignedType) Valid(v any) bool {
	if v == nil {
		return true
	}
	n, ok := toUint64(v)
	return ok && n <= uint64(1)<<t.bits-1
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case uint:
		return uint64(n), true
	case int:
		return uint64(n), n >= 0
	case int8:
		return uint64(n), n >= 0
	case int16:
		return uint64(n), n >= 0
	case int32:
		return uint64(n), n >= 0
	case int64:
		return uint64(n), n >= 0
	default:
		return 0, false
	}
}

// ----------------------------------------------------------------------------
// signed integers

type signedType struct {
	name string
	bits int
}

func (t signedType) Name() string { return t.name }

func (t signedType) ValueOf(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, t.bits)
	if err != nil {
		return nil, invalid(t.name, s)
	}
	switch t.bits {
	case 8: //nolint:mnd // i1
		return int8(n), nil
	case 16: //nolint:mnd // i2
		return int16(n), nil
	default:
		return int32(n), nil
	}
}

func (t signedType) Format(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	n, ok := toInt64(v)
	limit := int64(1) << (t.bits - 1)
	if !ok || n < -limit || n > limit-1 {
		return "", fmt.Errorf("%w: %v is out of range for %s", ErrInvalidValue, v, t.name)
	}
	return strconv.FormatInt(n, 10), nil
}

func (t signedType) Valid(v any) bool {
	_, err := t.Format(v)
	return err == nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}

// ----------------------------------------------------------------------------
// floating point

type floatType struct {
	name string
	bits int
}

func (t floatType) Name() string { return t.name }

func (t floatType) ValueOf(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, t.bits)
	if err != nil || math.IsNaN(f) {
		return nil, invalid(t.name, s)
	}
	if t.bits == 32 { //nolint:mnd // r4
		return float32(f), nil
	}
	return f, nil
}

func (t floatType) Format(v any) (string, error) {
	switch f := v.(type) {
	case nil:
		return "", nil
	case float32:
		return strconv.FormatFloat(float64(f), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(f, 'f', -1, t.bits), nil
	default:
		if n, ok := toInt64(v); ok {
			return strconv.FormatInt(n, 10), nil
		}
		return "", fmt.Errorf("%w: %T is not a number", ErrInvalidValue, v)
	}
}

func (t floatType) Valid(v any) bool {
	_, err := t.Format(v)
	return err == nil
}

// ----------------------------------------------------------------------------
// character and string types

type charType struct{}

func (charType) Name() string { return "char" }

func (charType) ValueOf(s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(s) != 1 {
		return nil, invalid("char", s)
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r, nil
}

func (charType) Format(v any) (string, error) {
	switch r := v.(type) {
	case nil:
		return "", nil
	case rune:
		return string(r), nil
	default:
		return "", fmt.Errorf("%w: %T is not a char", ErrInvalidValue, v)
	}
}

func (charType) Valid(v any) bool {
	_, ok := v.(rune)
	return v == nil || ok
}

type stringType struct {
	name string
}

func (t stringType) Name() string { return t.name }

func (t stringType) ValueOf(s string) (any, error) {
	return s, nil
}

func (t stringType) Format(v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	default:
		return "", fmt.Errorf("%w: %T is not a string", ErrInvalidValue, v)
	}
}

func (t stringType) Valid(v any) bool {
	_, err := t.Format(v)
	return err == nil
}

type uriType struct{}

func (uriType) Name() string { return "uri" }

func (uriType) ValueOf(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, invalid("uri", s)
	}
	return u, nil
}

func (uriType) Format(v any) (string, error) {
	switch u := v.(type) {
	case nil:
		return "", nil
	case *url.URL:
		return u.String(), nil
	case string:
		return u, nil
	default:
		return "", fmt.Errorf("%w: %T is not a uri", ErrInvalidValue, v)
	}
}

func (t uriType) Valid(v any) bool {
	_, err := t.Format(v)
	return err == nil
}

// ----------------------------------------------------------------------------
// binary

type binaryType struct {
	name string
	hex  bool
}

func (t binaryType) Name() string { return t.name }

func (t binaryType) ValueOf(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var (
		b   []byte
		err error
	)
	if t.hex {
		b, err = hex.DecodeString(s)
	} else {
		b, err = base64.StdEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, invalid(t.name, s)
	}
	return b, nil
}

func (t binaryType) Format(v any) (string, error) {
	switch b := v.(type) {
	case nil:
		return "", nil
	case []byte:
		if t.hex {
			return hex.EncodeToString(b), nil
		}
		return base64.StdEncoding.EncodeToString(b), nil
	default:
		return "", fmt.Errorf("%w: %T is not binary", ErrInvalidValue, v)
	}
}

func (t binaryType) Valid(v any) bool {
	_, ok := v.([]byte)
	return v == nil || ok
}

// ----------------------------------------------------------------------------
// date and time

type timeType struct {
	name    string
	layouts []string
}

func (t timeType) Name() string { return t.name }

func (t timeType) ValueOf(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range t.layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return nil, invalid(t.name, s)
}

func (t timeType) Format(v any) (string, error) {
	switch ts := v.(type) {
	case nil:
		return "", nil
	case time.Time:
		return ts.Format(t.layouts[0]), nil
	default:
		return "", fmt.Errorf("%w: %T is not a time", ErrInvalidValue, v)
	}
}

func (t timeType) Valid(v any) bool {
	_, ok := v.(time.Time)
	return v == nil || ok
}
