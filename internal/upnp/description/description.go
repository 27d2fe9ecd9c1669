// Package description binds UPnP device descriptors and service control
// protocol descriptions (SCPD) to the device model.
//
// Local devices are written as XML and served by the stream server. Remote
// devices are read from the XML retrieved at their LOCATION; service URLs
// are resolved against URLBase, or the descriptor location when URLBase is
// absent.
package description

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
)

// XML namespaces of descriptors.
const (
	DeviceNS  = "urn:schemas-upnp-org:device-1-0"
	ServiceNS = "urn:schemas-upnp-org:service-1-0"
)

// ErrInvalidDescriptor is returned for descriptors that cannot be bound to
// the model.
var ErrInvalidDescriptor = errors.New("description: invalid descriptor")

type specVersion struct {
	Major int `xml:"major"`
	Minor int `xml:"minor"`
}

type deviceRoot struct {
	XMLName     xml.Name      `xml:"root"`
	Xmlns       string        `xml:"xmlns,attr,omitempty"`
	SpecVersion specVersion   `xml:"specVersion"`
	URLBase     string        `xml:"URLBase,omitempty"`
	Device      deviceElement `xml:"device"`
}

type deviceElement struct {
	DeviceType       string           `xml:"deviceType"`
	FriendlyName     string           `xml:"friendlyName"`
	Manufacturer     string           `xml:"manufacturer"`
	ManufacturerURL  string           `xml:"manufacturerURL,omitempty"`
	ModelDescription string           `xml:"modelDescription,omitempty"`
	ModelName        string           `xml:"modelName"`
	ModelNumber      string           `xml:"modelNumber,omitempty"`
	ModelURL         string           `xml:"modelURL,omitempty"`
	SerialNumber     string           `xml:"serialNumber,omitempty"`
	UDN              string           `xml:"UDN"`
	UPC              string           `xml:"UPC,omitempty"`
	Services         []serviceElement `xml:"serviceList>service"`
	Devices          []deviceElement  `xml:"deviceList>device"`
	PresentationURL  string           `xml:"presentationURL,omitempty"`
}

type serviceElement struct {
	ServiceType string `xml:"serviceType"`
	ServiceID   string `xml:"serviceId"`
	SCPDURL     string `xml:"SCPDURL"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
}

// WriteDevice encodes the descriptor of a local device tree. Service URLs
// must have been assigned, normally by model.Namespace.Apply.
func WriteDevice(d *model.Device) ([]byte, error) {
	root := deviceRoot{
		Xmlns:       DeviceNS,
		SpecVersion: specVersion{Major: 1, Minor: 0},
		Device:      toDeviceElement(d),
	}
	out, err := xml.MarshalIndent(root, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding descriptor of %s: %w", d.Identity.UDN, err)
	}
	return append([]byte(xml.Header), out...), nil
}

func toDeviceElement(d *model.Device) deviceElement {
	el := deviceElement{
		DeviceType:       d.Type.String(),
		FriendlyName:     d.Details.FriendlyName,
		Manufacturer:     d.Details.Manufacturer,
		ManufacturerURL:  d.Details.ManufacturerURL,
		ModelDescription: d.Details.ModelDescription,
		ModelName:        d.Details.ModelName,
		ModelNumber:      d.Details.ModelNumber,
		ModelURL:         d.Details.ModelURL,
		SerialNumber:     d.Details.SerialNumber,
		UDN:              d.Identity.UDN.String(),
		UPC:              d.Details.UPC,
		PresentationURL:  d.Details.PresentationURL,
	}
	for _, svc := range d.Services {
		el.Services = append(el.Services, serviceElement{
			ServiceType: svc.Type.String(),
			ServiceID:   svc.ID.String(),
			SCPDURL:     urlString(svc.DescriptorURL),
			ControlURL:  urlString(svc.ControlURL),
			EventSubURL: urlString(svc.EventSubURL),
		})
	}
	for _, e := range d.Embedded {
		el.Devices = append(el.Devices, toDeviceElement(e))
	}
	return el
}

func urlString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}

// ReadDevice binds a remote device descriptor retrieved from identity's
// DescriptorURL. identity may name the root device or one of its embedded
// devices; the root of the tree is returned either way. The tree has
// services with resolved URLs but no actions or state variables; those come
// from ReadService.
func ReadDevice(data []byte, identity model.Identity) (*model.Device, error) {
	var root deviceRoot
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	base := identity.DescriptorURL
	if root.URLBase != "" {
		if u, err := url.Parse(strings.TrimSpace(root.URLBase)); err == nil && u.IsAbs() {
			base = u
		}
	}
	if base == nil {
		return nil, fmt.Errorf("%w: no descriptor location to resolve URLs against", ErrInvalidDescriptor)
	}

	d, err := fromDeviceElement(root.Device, identity, base)
	if err != nil {
		return nil, err
	}
	if d.Identity.UDN != identity.UDN && d.FindDevice(identity.UDN) == nil {
		return nil, fmt.Errorf("%w: descriptor UDN %s does not match discovered %s",
			ErrInvalidDescriptor, d.Identity.UDN, identity.UDN)
	}
	d.Link()
	return d, nil
}

func fromDeviceElement(el deviceElement, identity model.Identity, base *url.URL) (*model.Device, error) {
	udn, err := model.ParseUDN(el.UDN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	typ, err := model.ParseDeviceType(el.DeviceType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	id := identity
	id.UDN = udn
	d := &model.Device{
		Identity: id,
		Type:     typ,
		Details: model.DeviceDetails{
			FriendlyName:     strings.TrimSpace(el.FriendlyName),
			Manufacturer:     strings.TrimSpace(el.Manufacturer),
			ManufacturerURL:  strings.TrimSpace(el.ManufacturerURL),
			ModelName:        strings.TrimSpace(el.ModelName),
			ModelNumber:      strings.TrimSpace(el.ModelNumber),
			ModelDescription: strings.TrimSpace(el.ModelDescription),
			ModelURL:         strings.TrimSpace(el.ModelURL),
			SerialNumber:     strings.TrimSpace(el.SerialNumber),
			UPC:              strings.TrimSpace(el.UPC),
			PresentationURL:  strings.TrimSpace(el.PresentationURL),
		},
	}

	for _, s := range el.Services {
		svc, ok := fromServiceElement(s, base)
		if ok {
			d.Services = append(d.Services, svc)
		}
	}
	for _, e := range el.Devices {
		child, err := fromDeviceElement(e, identity, base)
		if err != nil {
			return nil, err
		}
		d.Embedded = append(d.Embedded, child)
	}
	return d, nil
}

// fromServiceElement skips services whose type or ID cannot be parsed.
func fromServiceElement(s serviceElement, base *url.URL) (*model.Service, bool) {
	typ, err := model.ParseServiceType(s.ServiceType)
	if err != nil {
		return nil, false
	}
	id, err := model.ParseServiceID(s.ServiceID)
	if err != nil {
		return nil, false
	}
	svc := model.NewService(typ, id, nil, nil)
	svc.DescriptorURL = resolve(base, s.SCPDURL)
	svc.ControlURL = resolve(base, s.ControlURL)
	svc.EventSubURL = resolve(base, s.EventSubURL)
	return svc, true
}

func resolve(base *url.URL, ref string) *url.URL {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil
	}
	return base.ResolveReference(u)
}
