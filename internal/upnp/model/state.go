package model

import (
	"fmt"
	"sort"
	"sync"
)

// AllowedRange restricts a numeric state variable.
type AllowedRange struct {
	Minimum string
	Maximum string
	Step    string
}

// StateVariable describes one piece of service state.
type StateVariable struct {
	Name          string
	Datatype      Datatype
	DefaultValue  string
	SendEvents    bool
	AllowedValues []string
	AllowedRange  *AllowedRange
}

// NewStateVariable creates a state variable with a built-in datatype.
// It panics on unknown datatype names, which are programming errors in
// locally authored services.
func NewStateVariable(name, datatype string, sendEvents bool) *StateVariable {
	return &StateVariable{Name: name, Datatype: MustDatatype(datatype), SendEvents: sendEvents}
}

// WithDefault sets the default value and returns the variable.
func (v *StateVariable) WithDefault(s string) *StateVariable {
	v.DefaultValue = s
	return v
}

// StateChange is one evented value change of a local service.
type StateChange struct {
	Variable *StateVariable
	Value    any
}

// StateStore holds the current values of a local service's state variables.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - The change callback is invoked after the store lock is released, so it
//     may read the store again.
type StateStore struct {
	service *Service

	mu     sync.RWMutex
	values map[string]any

	onChangeMu sync.RWMutex
	onChange   func(svc *Service, changes []StateChange)
}

func newStateStore(svc *Service) *StateStore {
	s := &StateStore{
		service: svc,
		values:  make(map[string]any, len(svc.StateVariables)),
	}
	for _, sv := range svc.StateVariables {
		if sv.DefaultValue == "" || sv.Datatype == nil {
			continue
		}
		if v, err := sv.Datatype.ValueOf(sv.DefaultValue); err == nil {
			s.values[sv.Name] = v
		}
	}
	return s
}

// SetOnChange registers the callback invoked when evented variables change.
func (s *StateStore) SetOnChange(callback func(svc *Service, changes []StateChange)) {
	s.onChangeMu.Lock()
	s.onChange = callback
	s.onChangeMu.Unlock()
}

// Get returns the current value of a state variable.
func (s *StateStore) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// Set updates one state variable.
func (s *StateStore) Set(name string, value any) error {
	return s.SetMany(map[string]any{name: value})
}

// SetMany updates several state variables atomically. Values are validated
// against their datatypes first; nothing is applied when one is invalid.
// Evented variables whose value actually changed are reported to the change
// callback in one batch.
func (s *StateStore) SetMany(values map[string]any) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sv := s.service.StateVariable(name)
		if sv == nil {
			return fmt.Errorf("%w: %s on %s", ErrUnknownStateVariable, name, s.service.ID)
		}
		if !sv.Datatype.Valid(values[name]) {
			return fmt.Errorf("%w: %v for %s (%s)", ErrInvalidValue, values[name], name, sv.Datatype.Name())
		}
	}

	var changes []StateChange
	s.mu.Lock()
	for _, name := range names {
		sv := s.service.StateVariable(name)
		old, had := s.values[name]
		s.values[name] = values[name]
		if sv.SendEvents && (!had || !equalValues(sv.Datatype, old, values[name])) {
			changes = append(changes, StateChange{Variable: sv, Value: values[name]})
		}
	}
	s.mu.Unlock()

	if len(changes) > 0 {
		s.onChangeMu.RLock()
		callback := s.onChange
		s.onChangeMu.RUnlock()
		if callback != nil {
			callback(s.service, changes)
		}
	}
	return nil
}

// EventedSnapshot returns the current values of every evented variable in
// declaration order, used for the initial event of a new subscription.
func (s *StateStore) EventedSnapshot() []StateChange {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []StateChange
	for _, sv := range s.service.StateVariables {
		if sv.SendEvents {
			out = append(out, StateChange{Variable: sv, Value: s.values[sv.Name]})
		}
	}
	return out
}

func equalValues(dt Datatype, a, b any) bool {
	as, errA := dt.Format(a)
	bs, errB := dt.Format(b)
	return errA == nil && errB == nil && as == bs
}
