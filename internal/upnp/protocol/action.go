package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/header"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/message"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/soap"
)

// receivingAction executes a SOAP action call on a local service.
type receivingAction struct {
	f   *Factory
	req *message.Request
	res model.Resource
	inv *model.ActionInvocation
}

func (p *receivingAction) Name() string { return "ReceivingAction" }

// Execute answers 404 for unknown services and 400 for bodies that are not
// SOAP envelopes. Every other failure is a UPnPError fault with status 500.
func (p *receivingAction) Execute(ctx context.Context) (*message.Response, error) {
	svc := p.f.registry.LocalService(p.res.UDN, p.res.ServiceID)
	if svc == nil {
		return p.f.statusResponse(http.StatusNotFound), nil
	}

	inv, err := p.invocation(svc)
	switch {
	case errors.Is(err, soap.ErrUnsupportedData):
		p.f.logger.Debug("unreadable action request", "service", svc.ID.String(), "error", err)
		return p.f.statusResponse(http.StatusBadRequest), nil
	case err != nil:
		inv = &model.ActionInvocation{Service: svc, Failure: model.AsActionError(err)}
	default:
		svc.Execute(ctx, inv)
	}
	p.inv = inv

	resp := message.NewResponse(http.StatusOK)
	if err := p.f.soap.WriteResponse(resp, inv); err != nil {
		return nil, fmt.Errorf("writing action response: %w", err)
	}
	resp.Header.SetValue(header.TypeServer, p.f.cfg.Server)
	return resp, nil
}

func (p *receivingAction) invocation(svc *model.Service) (*model.ActionInvocation, error) {
	sa, ok := header.Get[header.SOAPAction](p.req.Header, header.TypeSOAPAction)
	if !ok {
		return nil, model.NewActionError(model.ErrorInvalidAction, "missing or invalid SOAPACTION header")
	}
	if st, err := sa.ServiceType(); err != nil || !svc.Type.Implements(st) {
		return nil, model.NewActionError(model.ErrorInvalidAction,
			fmt.Sprintf("SOAPACTION namespace %s does not match service type %s", sa.Namespace, svc.Type))
	}

	inv, err := model.NewInvocation(svc, sa.Action)
	if err != nil {
		return nil, err
	}
	inv.Client = &model.ClientInfo{}
	if p.req.Connection != nil {
		inv.Client.RemoteAddr = p.req.Connection.RemoteAddr
	}
	if ua, ok := p.req.Header.Get(header.TypeUserAgent.String()); ok {
		inv.Client.UserAgent = ua
	}
	if err := p.f.soap.ReadRequest(p.req, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (p *receivingAction) ResponseSent(*message.Response) {}

func (p *receivingAction) ResponseFailed(err error) {
	if p.inv != nil && p.inv.Action != nil {
		p.f.logger.Warn("action response not delivered", "action", p.inv.Action.Name, "error", err)
	}
}

// SendAction invokes inv on its remote service. The outcome is recorded on
// inv: outputs, or Failure. A failure to get any response is recorded as
// ErrorTransportFailed and also returned, so callers can apply a retry
// policy; it is never retried here.
func (f *Factory) SendAction(ctx context.Context, inv *model.ActionInvocation) error {
	if inv.Service.ControlURL == nil {
		inv.Failure = model.NewActionError(model.ErrorTransportFailed, "service has no control URL")
		return fmt.Errorf("%w: service %s has no control URL", ErrInvalidMessage, inv.Service.ID)
	}

	req := message.NewRequest(message.MethodPost, inv.Service.ControlURL)
	if err := f.soap.WriteRequest(req, inv); err != nil {
		inv.Failure = model.NewActionError(model.ErrorActionFailed, err.Error())
		return nil
	}

	resp, err := f.send(ctx, req)
	if err != nil {
		inv.Failure = model.NewActionError(model.ErrorTransportFailed, err.Error())
		return err
	}
	if err := f.soap.ReadResponse(resp, inv); err != nil {
		inv.Failure = model.NewActionError(model.ErrorActionFailed, err.Error())
	}
	return nil
}
