package header

import (
	"sync"
)

type entry struct {
	name  string // as received or added
	key   string // canonical upper-case
	value string
}

// Headers is an ordered, multi-valued, case-insensitive header collection.
// Raw values are always retained; typed values are parsed on demand.
//
// Thread Safety: all methods are safe for concurrent use.
type Headers struct {
	mu      sync.Mutex
	entries []entry
	parsed  map[Type][]Value
}

// New returns an empty collection.
func New() *Headers {
	return &Headers{}
}

// Add appends a raw value. Empty values are legal ("EXT:").
func (h *Headers) Add(name, value string) {
	h.mu.Lock()
	h.entries = append(h.entries, entry{name: name, key: canonical(name), value: value})
	h.parsed = nil
	h.mu.Unlock()
}

// Set replaces every value of name with value.
func (h *Headers) Set(name, value string) {
	h.mu.Lock()
	h.del(canonical(name))
	h.entries = append(h.entries, entry{name: name, key: canonical(name), value: value})
	h.parsed = nil
	h.mu.Unlock()
}

// SetValue replaces the header of type t with the wire form of v.
func (h *Headers) SetValue(t Type, v Value) {
	h.Set(t.String(), v.String())
}

// AddValue appends the wire form of v as a header of type t.
func (h *Headers) AddValue(t Type, v Value) {
	h.Add(t.String(), v.String())
}

// Del removes every value of name.
func (h *Headers) Del(name string) {
	h.mu.Lock()
	h.del(canonical(name))
	h.parsed = nil
	h.mu.Unlock()
}

func (h *Headers) del(key string) {
	kept := h.entries[:0]
	for _, e := range h.entries {
		if e.key != key {
			kept = append(kept, e)
		}
	}
	h.entries = kept
}

// Get returns the first raw value of name. The boolean distinguishes an
// absent header from one with an empty value.
func (h *Headers) Get(name string) (string, bool) {
	key := canonical(name)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.entries {
		if e.key == key {
			return e.value, true
		}
	}
	return "", false
}

// Has reports whether name is present, even with an empty value.
func (h *Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Values returns every raw value of name in order.
func (h *Headers) Values(name string) []string {
	key := canonical(name)
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, e := range h.entries {
		if e.key == key {
			out = append(out, e.value)
		}
	}
	return out
}

// Each calls fn for every raw header in order.
func (h *Headers) Each(fn func(name, value string)) {
	h.mu.Lock()
	entries := append([]entry(nil), h.entries...)
	h.mu.Unlock()
	for _, e := range entries {
		fn(e.name, e.value)
	}
}

// Len returns the number of raw header lines.
func (h *Headers) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Typed returns the first value of type t that parsed successfully, nil when
// the header is absent or no value parses.
func (h *Headers) Typed(t Type) Value {
	values := h.AllTyped(t)
	if len(values) == 0 {
		return nil
	}
	return values[0]
}

// AllTyped returns every successfully parsed value of type t. The slice is
// the caller's own.
func (h *Headers) AllTyped(t Type) []Value {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.parsed == nil {
		h.parse()
	}
	if len(h.parsed[t]) == 0 {
		return nil
	}
	return append([]Value(nil), h.parsed[t]...)
}

// parse builds the typed view. Values that fail to parse stay available as
// raw strings only.
func (h *Headers) parse() {
	h.parsed = make(map[Type][]Value)
	for _, e := range h.entries {
		t, ok := byName[e.key]
		if !ok {
			continue
		}
		if v, err := Parse(t, e.value); err == nil {
			h.parsed[t] = append(h.parsed[t], v)
		}
	}
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &Headers{entries: append([]entry(nil), h.entries...)}
}

// Get returns the first typed value of t as a T.
//
// Example:
//
//	usn, ok := header.Get[header.USN](msg.Headers, header.TypeUSN)
func Get[T Value](h *Headers, t Type) (T, bool) {
	var zero T
	if h == nil {
		return zero, false
	}
	for _, v := range h.AllTyped(t) {
		if typed, ok := v.(T); ok {
			return typed, true
		}
	}
	return zero, false
}
