package protocol

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/description"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/header"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/message"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
)

// receivingRetrieval serves device descriptors and SCPDs of local devices.
type receivingRetrieval struct {
	f   *Factory
	req *message.Request
	res model.Resource
}

func (p *receivingRetrieval) Name() string { return "ReceivingRetrieval" }

func (p *receivingRetrieval) Execute(context.Context) (*message.Response, error) {
	var (
		body []byte
		err  error
	)
	switch p.res.Kind {
	case model.ResourceDeviceDescriptor:
		d := p.f.registry.LocalDevice(p.res.UDN)
		if d == nil {
			return p.f.statusResponse(http.StatusNotFound), nil
		}
		body, err = description.WriteDevice(d)
	default:
		svc := p.f.registry.LocalService(p.res.UDN, p.res.ServiceID)
		if svc == nil {
			return p.f.statusResponse(http.StatusNotFound), nil
		}
		body, err = description.WriteService(svc)
	}
	if err != nil {
		return nil, err
	}

	resp := p.f.statusResponse(http.StatusOK)
	resp.Header.SetValue(header.TypeContentType, header.XMLContentType)
	resp.Body = body
	return resp, nil
}

func (p *receivingRetrieval) ResponseSent(*message.Response) {}
func (p *receivingRetrieval) ResponseFailed(error)           {}

// RetrieveDescriptors fetches the device descriptor at identity's
// DescriptorURL and the SCPD of every service of the tree. The device is
// rejected when any descriptor cannot be retrieved or bound.
func (f *Factory) RetrieveDescriptors(ctx context.Context, identity model.Identity) (*model.Device, error) {
	if identity.DescriptorURL == nil {
		return nil, fmt.Errorf("%w: device %s has no descriptor location", ErrInvalidMessage, identity.UDN)
	}
	data, err := f.fetch(ctx, identity.DescriptorURL)
	if err != nil {
		return nil, err
	}
	d, err := description.ReadDevice(data, identity)
	if err != nil {
		return nil, err
	}

	for _, dev := range d.All() {
		for _, svc := range dev.Services {
			if svc.DescriptorURL == nil {
				return nil, fmt.Errorf("%w: service %s of %s has no SCPD URL", description.ErrInvalidDescriptor, svc.ID, dev.Identity.UDN)
			}
			scpd, err := f.fetch(ctx, svc.DescriptorURL)
			if err != nil {
				return nil, err
			}
			if err := description.ReadService(scpd, svc); err != nil {
				return nil, fmt.Errorf("service %s of %s: %w", svc.ID, dev.Identity.UDN, err)
			}
		}
	}
	f.logger.Debug("retrieved descriptors", "udn", identity.UDN, "devices", len(d.All()))
	return d, nil
}

func (f *Factory) fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	resp, err := f.send(ctx, message.NewRequest(message.MethodGet, u))
	if err != nil {
		return nil, err
	}
	if resp.IsFailed() {
		return nil, fmt.Errorf("%w: GET %s returned %d", ErrUnexpectedResponse, u, resp.StatusCode)
	}
	return resp.Body, nil
}
