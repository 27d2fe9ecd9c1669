package model

import (
	"net/url"
	"path"
	"strings"
)

// Path segments of the local resource layout.
const (
	segmentDevice     = "dev"
	segmentService    = "svc"
	segmentDescriptor = "desc"
	segmentControl    = "action"
	segmentEvents     = "event"
	segmentCallback   = "cb"
)

// ResourceKind classifies a path served by the stream server.
type ResourceKind int

// Resource kinds.
const (
	ResourceUnknown ResourceKind = iota
	ResourceDeviceDescriptor
	ResourceServiceDescriptor
	ResourceControl
	ResourceEventSubscription
	ResourceEventCallback
)

// Resource is a parsed namespace path.
type Resource struct {
	Kind      ResourceKind
	UDN       UDN
	ServiceID ServiceID
}

// Namespace maps devices and services to URL paths on the stream server:
//
//	{base}/dev/{udn}/desc
//	{base}/dev/{udn}/svc/{ns}/{id}/desc
//	{base}/dev/{udn}/svc/{ns}/{id}/action
//	{base}/dev/{udn}/svc/{ns}/{id}/event
//	{base}/dev/{udn}/svc/{ns}/{id}/cb
//
// The cb path receives GENA events for outgoing subscriptions on remote
// services.
type Namespace struct {
	BasePath string
}

// NewNamespace returns a namespace rooted at base ("" means "/").
func NewNamespace(base string) Namespace {
	base = "/" + strings.Trim(base, "/")
	if base == "/" {
		base = ""
	}
	return Namespace{BasePath: base}
}

// DevicePath returns the path prefix of a device.
func (n Namespace) DevicePath(udn UDN) string {
	return n.BasePath + "/" + segmentDevice + "/" + url.PathEscape(string(udn))
}

// DeviceDescriptorPath returns the descriptor path of a device.
func (n Namespace) DeviceDescriptorPath(udn UDN) string {
	return n.DevicePath(udn) + "/" + segmentDescriptor
}

// ServicePath returns the path prefix of a service.
func (n Namespace) ServicePath(udn UDN, id ServiceID) string {
	return n.DevicePath(udn) + "/" + segmentService + "/" +
		url.PathEscape(id.Namespace) + "/" + url.PathEscape(id.ID)
}

// ServiceDescriptorPath returns the SCPD path of a service.
func (n Namespace) ServiceDescriptorPath(udn UDN, id ServiceID) string {
	return n.ServicePath(udn, id) + "/" + segmentDescriptor
}

// ControlPath returns the SOAP control path of a service.
func (n Namespace) ControlPath(udn UDN, id ServiceID) string {
	return n.ServicePath(udn, id) + "/" + segmentControl
}

// EventSubscriptionPath returns the GENA subscription path of a service.
func (n Namespace) EventSubscriptionPath(udn UDN, id ServiceID) string {
	return n.ServicePath(udn, id) + "/" + segmentEvents
}

// CallbackPath returns the path receiving events of a remote service.
func (n Namespace) CallbackPath(udn UDN, id ServiceID) string {
	return n.ServicePath(udn, id) + "/" + segmentCallback
}

// Apply sets the descriptor, control and event URLs of every local service in
// the tree to their namespace paths.
func (n Namespace) Apply(d *Device) {
	for _, dev := range d.All() {
		for _, svc := range dev.Services {
			udn := dev.Identity.UDN
			svc.DescriptorURL = &url.URL{Path: n.ServiceDescriptorPath(udn, svc.ID)}
			svc.ControlURL = &url.URL{Path: n.ControlPath(udn, svc.ID)}
			svc.EventSubURL = &url.URL{Path: n.EventSubscriptionPath(udn, svc.ID)}
		}
	}
}

// Parse classifies a request path. Paths outside the namespace yield
// ResourceUnknown.
func (n Namespace) Parse(p string) Resource {
	p = path.Clean("/" + p)
	if n.BasePath != "" {
		if !strings.HasPrefix(p, n.BasePath+"/") {
			return Resource{}
		}
		p = strings.TrimPrefix(p, n.BasePath)
	}

	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, part := range parts {
		unescaped, err := url.PathUnescape(part)
		if err != nil {
			return Resource{}
		}
		parts[i] = unescaped
	}

	if len(parts) < 3 || parts[0] != segmentDevice || parts[1] == "" {
		return Resource{}
	}
	res := Resource{UDN: UDN(parts[1])}

	switch {
	case len(parts) == 3 && parts[2] == segmentDescriptor:
		res.Kind = ResourceDeviceDescriptor
		return res
	case len(parts) == 6 && parts[2] == segmentService: //nolint:mnd // dev/{udn}/svc/{ns}/{id}/{kind}
		res.ServiceID = ServiceID{Namespace: parts[3], ID: parts[4]}
	default:
		return Resource{}
	}

	switch parts[5] {
	case segmentDescriptor:
		res.Kind = ResourceServiceDescriptor
	case segmentControl:
		res.Kind = ResourceControl
	case segmentEvents:
		res.Kind = ResourceEventSubscription
	case segmentCallback:
		res.Kind = ResourceEventCallback
	default:
		return Resource{}
	}
	return res
}
