package model

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"
)

// DefaultMaxAge is the advertisement lifetime of a local device in seconds.
const DefaultMaxAge = 1800

// Identity is what discovery knows about a device before its descriptor has
// been retrieved.
type Identity struct {
	UDN UDN

	// MaxAge is the advertised CACHE-CONTROL max-age in seconds.
	MaxAge int

	// DescriptorURL is the LOCATION of a remote device's descriptor.
	DescriptorURL *url.URL

	// InterfaceMAC is the hardware address advertised by a remote device,
	// used for wake-on-LAN style features. May be nil.
	InterfaceMAC net.HardwareAddr

	// DiscoveredOn is the local address the advertisement arrived on.
	DiscoveredOn net.IP
}

// Expiry returns the deadline after which an unrefreshed device is stale.
func (id Identity) Expiry(from time.Time) time.Time {
	return from.Add(time.Duration(id.MaxAge) * time.Second)
}

// DeviceDetails are the human-readable descriptor fields of a device.
type DeviceDetails struct {
	FriendlyName     string
	Manufacturer     string
	ManufacturerURL  string
	ModelName        string
	ModelNumber      string
	ModelDescription string
	ModelURL         string
	SerialNumber     string
	UPC              string
	PresentationURL  string
}

// Device is a node of a UPnP device tree.
type Device struct {
	Identity Identity
	Local    bool
	Type     DeviceType
	Details  DeviceDetails
	Services []*Service
	Embedded []*Device

	parent *Device
}

// NewLocalDevice builds and validates a device tree hosted by this process.
func NewLocalDevice(udn UDN, typ DeviceType, details DeviceDetails, services []*Service, embedded ...*Device) (*Device, error) {
	d := &Device{
		Identity: Identity{UDN: udn, MaxAge: DefaultMaxAge},
		Local:    true,
		Type:     typ,
		Details:  details,
		Services: services,
		Embedded: embedded,
	}
	d.link(nil)
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewRemoteDevice returns an identity-only remote device. Its type, details and
// services are filled in once the descriptor has been retrieved.
func NewRemoteDevice(identity Identity) *Device {
	return &Device{Identity: identity}
}

// Link sets parent and owner back-references after a tree was assembled by
// hand (for example by the descriptor binder).
func (d *Device) Link() {
	d.link(d.parent)
}

func (d *Device) link(parent *Device) {
	d.parent = parent
	for _, svc := range d.Services {
		svc.device = d
		if d.Local && svc.state == nil {
			svc.state = newStateStore(svc)
		}
	}
	for _, e := range d.Embedded {
		e.Local = d.Local
		e.Identity.MaxAge = d.Identity.MaxAge
		e.Identity.DescriptorURL = d.Identity.DescriptorURL
		e.link(d)
	}
}

// Validate checks the structural rules of a device tree: UDNs and types are
// set, UDNs are unique within the tree, service IDs are unique per device and
// every action argument refers to a declared state variable.
func (d *Device) Validate() error {
	seen := make(map[UDN]bool)
	for _, dev := range d.All() {
		if dev.Identity.UDN == "" {
			return fmt.Errorf("%w: missing UDN", ErrInvalidDevice)
		}
		if seen[dev.Identity.UDN] {
			return fmt.Errorf("%w: duplicate UDN %s", ErrInvalidDevice, dev.Identity.UDN)
		}
		seen[dev.Identity.UDN] = true

		if dev.Type.IsZero() {
			return fmt.Errorf("%w: %s has no device type", ErrInvalidDevice, dev.Identity.UDN)
		}

		ids := make(map[ServiceID]bool)
		for _, svc := range dev.Services {
			if svc.Type.IsZero() || svc.ID.ID == "" {
				return fmt.Errorf("%w: %s has a service without type or ID", ErrInvalidDevice, dev.Identity.UDN)
			}
			if ids[svc.ID] {
				return fmt.Errorf("%w: %s has duplicate service ID %s", ErrInvalidDevice, dev.Identity.UDN, svc.ID)
			}
			ids[svc.ID] = true
			if err := svc.validate(); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidDevice, dev.Identity.UDN, err)
			}
		}
	}
	return nil
}

// Hydrated reports whether the descriptor of a remote device has been
// retrieved. Local devices are always hydrated.
func (d *Device) Hydrated() bool {
	return d.Local || !d.Type.IsZero()
}

// Parent returns the enclosing device, nil for a root device.
func (d *Device) Parent() *Device {
	return d.parent
}

// IsRoot reports whether d has no parent.
func (d *Device) IsRoot() bool {
	return d.parent == nil
}

// Root returns the root of d's tree.
func (d *Device) Root() *Device {
	r := d
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// All returns d and all embedded devices, depth first, d first.
func (d *Device) All() []*Device {
	out := []*Device{d}
	for _, e := range d.Embedded {
		out = append(out, e.All()...)
	}
	return out
}

// FindDevice returns the device of the tree with the given UDN.
func (d *Device) FindDevice(udn UDN) *Device {
	for _, dev := range d.All() {
		if dev.Identity.UDN == udn {
			return dev
		}
	}
	return nil
}

// FindDevicesOfType returns the devices of the tree implementing typ.
func (d *Device) FindDevicesOfType(typ DeviceType) []*Device {
	var out []*Device
	for _, dev := range d.All() {
		if dev.Type.Implements(typ) {
			out = append(out, dev)
		}
	}
	return out
}

// Service returns this device's own service with the given ID.
func (d *Device) Service(id ServiceID) *Service {
	for _, svc := range d.Services {
		if svc.ID == id {
			return svc
		}
	}
	return nil
}

// FindService returns the first service of the tree with the given ID.
func (d *Device) FindService(id ServiceID) *Service {
	for _, dev := range d.All() {
		if svc := dev.Service(id); svc != nil {
			return svc
		}
	}
	return nil
}

// FindServicesOfType returns the services of the tree implementing typ.
func (d *Device) FindServicesOfType(typ ServiceType) []*Service {
	var out []*Service
	for _, dev := range d.All() {
		for _, svc := range dev.Services {
			if svc.Type.Implements(typ) {
				out = append(out, svc)
			}
		}
	}
	return out
}

// ServiceTypes returns the distinct service types of the tree in discovery
// order.
func (d *Device) ServiceTypes() []ServiceType {
	seen := make(map[ServiceType]bool)
	var out []ServiceType
	for _, dev := range d.All() {
		for _, svc := range dev.Services {
			if !seen[svc.Type] {
				seen[svc.Type] = true
				out = append(out, svc.Type)
			}
		}
	}
	return out
}

// DisplayName returns the friendly name, or the UDN when unnamed.
func (d *Device) DisplayName() string {
	if d.Details.FriendlyName != "" {
		return d.Details.FriendlyName
	}
	return d.Identity.UDN.String()
}

// Service is one service of a device.
type Service struct {
	Type           ServiceType
	ID             ServiceID
	Actions        []*Action
	StateVariables []*StateVariable

	// Remote services carry absolute URLs resolved against the descriptor
	// location; local services get paths from the Namespace.
	DescriptorURL *url.URL
	ControlURL    *url.URL
	EventSubURL   *url.URL

	device    *Device
	executors map[string]ActionExecutor
	state     *StateStore
}

// NewService returns a service with the given actions and state variables.
func NewService(typ ServiceType, id ServiceID, actions []*Action, vars []*StateVariable) *Service {
	return &Service{
		Type:           typ,
		ID:             id,
		Actions:        actions,
		StateVariables: vars,
		executors:      make(map[string]ActionExecutor),
	}
}

// Bind attaches the executor that implements an action of a local service.
func (s *Service) Bind(actionName string, exec ActionExecutor) *Service {
	if s.executors == nil {
		s.executors = make(map[string]ActionExecutor)
	}
	s.executors[actionName] = exec
	return s
}

// Device returns the owning device.
func (s *Service) Device() *Device {
	return s.device
}

// State returns the state store of a local service, nil for remote services.
func (s *Service) State() *StateStore {
	return s.state
}

// Action returns the action with the given name.
func (s *Service) Action(name string) *Action {
	for _, a := range s.Actions {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// StateVariable returns the state variable with the given name.
func (s *Service) StateVariable(name string) *StateVariable {
	for _, sv := range s.StateVariables {
		if sv.Name == name {
			return sv
		}
	}
	return nil
}

// EventedStateVariables returns the variables that send events.
func (s *Service) EventedStateVariables() []*StateVariable {
	var out []*StateVariable
	for _, sv := range s.StateVariables {
		if sv.SendEvents {
			out = append(out, sv)
		}
	}
	return out
}

// ArgumentDatatype resolves an argument's datatype through its related state
// variable.
func (s *Service) ArgumentDatatype(arg *ActionArgument) (Datatype, error) {
	sv := s.StateVariable(arg.RelatedStateVariable)
	if sv == nil {
		return nil, fmt.Errorf("%w: %s (argument %s)", ErrUnknownStateVariable, arg.RelatedStateVariable, arg.Name)
	}
	return sv.Datatype, nil
}

// Execute runs a local invocation. The outcome is recorded on the invocation:
// either outputs or Failure is set. Execute never panics on executor panics;
// they are converted to ErrorActionFailed.
func (s *Service) Execute(ctx context.Context, inv *ActionInvocation) {
	exec, ok := s.executors[inv.Action.Name]
	if !ok {
		inv.Failure = NewActionError(ErrorOptionalActionNotImpl, fmt.Sprintf("action %s is not implemented", inv.Action.Name))
		return
	}
	for _, arg := range inv.Action.InputArguments() {
		if _, bound := inv.Input(arg.Name); !bound {
			inv.Failure = NewActionError(ErrorInvalidArgs, fmt.Sprintf("missing input argument %s", arg.Name))
			return
		}
	}

	defer func() {
		if r := recover(); r != nil {
			inv.Failure = NewActionError(ErrorActionFailed, fmt.Sprintf("action %s panicked: %v", inv.Action.Name, r))
		}
	}()
	if err := exec.Execute(ctx, inv); err != nil {
		inv.Failure = AsActionError(err)
	}
}

func (s *Service) validate() error {
	names := make(map[string]bool, len(s.StateVariables))
	for _, sv := range s.StateVariables {
		if sv.Name == "" || sv.Datatype == nil {
			return fmt.Errorf("service %s has a state variable without name or datatype", s.ID)
		}
		names[sv.Name] = true
	}
	for _, a := range s.Actions {
		for _, arg := range a.Arguments {
			if !names[arg.RelatedStateVariable] {
				return fmt.Errorf("action %s argument %s refers to unknown state variable %q",
					a.Name, arg.Name, arg.RelatedStateVariable)
			}
		}
	}
	return nil
}
