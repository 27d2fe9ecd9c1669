package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/gena"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
)

// invokeTimeout bounds one action invocation started over HTTP.
const invokeTimeout = 30 * time.Second

// DeviceView is the JSON form of a device tree.
type DeviceView struct {
	UDN          string        `json:"udn"`
	DeviceType   string        `json:"device_type,omitempty"`
	FriendlyName string        `json:"friendly_name,omitempty"`
	Manufacturer string        `json:"manufacturer,omitempty"`
	ModelName    string        `json:"model_name,omitempty"`
	Local        bool          `json:"local"`
	Location     string        `json:"location,omitempty"`
	MaxAge       int           `json:"max_age,omitempty"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
	Services     []ServiceView `json:"services,omitempty"`
	Embedded     []DeviceView  `json:"embedded,omitempty"`
}

// ServiceView is the JSON form of a service.
type ServiceView struct {
	ServiceID   string   `json:"service_id"`
	ServiceType string   `json:"service_type"`
	Actions     []string `json:"actions,omitempty"`
	Evented     []string `json:"evented,omitempty"`
	ControlURL  string   `json:"control_url,omitempty"`
	EventSubURL string   `json:"event_sub_url,omitempty"`
}

// SubscriptionView is the JSON form of an outgoing subscription.
type SubscriptionView struct {
	SID       string         `json:"sid"`
	UDN       string         `json:"udn"`
	ServiceID string         `json:"service_id"`
	State     string         `json:"state"`
	Sequence  *uint32        `json:"sequence,omitempty"`
	ExpiresAt time.Time      `json:"expires_at"`
	Values    map[string]any `json:"values"`
}

func (s *Server) deviceView(d *model.Device) DeviceView {
	v := DeviceView{
		UDN:          d.Identity.UDN.String(),
		FriendlyName: d.Details.FriendlyName,
		Manufacturer: d.Details.Manufacturer,
		ModelName:    d.Details.ModelName,
		Local:        d.Local,
		MaxAge:       d.Identity.MaxAge,
	}
	if !d.Type.IsZero() {
		v.DeviceType = d.Type.String()
	}
	if d.Identity.DescriptorURL != nil {
		v.Location = d.Identity.DescriptorURL.String()
	}
	if !d.Local && d.IsRoot() {
		if exp, ok := s.registry.RemoteDeviceExpiry(d.Identity.UDN); ok {
			v.ExpiresAt = &exp
		}
	}
	for _, svc := range d.Services {
		sv := ServiceView{
			ServiceID:   svc.ID.String(),
			ServiceType: svc.Type.String(),
		}
		if svc.ControlURL != nil {
			sv.ControlURL = svc.ControlURL.String()
		}
		if svc.EventSubURL != nil {
			sv.EventSubURL = svc.EventSubURL.String()
		}
		for _, a := range svc.Actions {
			sv.Actions = append(sv.Actions, a.Name)
		}
		for _, sv2 := range svc.EventedStateVariables() {
			sv.Evented = append(sv.Evented, sv2.Name)
		}
		v.Services = append(v.Services, sv)
	}
	for _, e := range d.Embedded {
		v.Embedded = append(v.Embedded, s.deviceView(e))
	}
	return v
}

func subscriptionView(sub *gena.RemoteSubscription) SubscriptionView {
	svc := sub.Service()
	v := SubscriptionView{
		SID:       sub.SID(),
		ServiceID: svc.ID.String(),
		State:     sub.State().String(),
		ExpiresAt: sub.ExpiresAt(),
		Values:    make(map[string]any),
	}
	if d := svc.Device(); d != nil {
		v.UDN = d.Identity.UDN.String()
	}
	if seq, ok := sub.CurrentSequence(); ok {
		v.Sequence = &seq
	}
	for name, val := range sub.Values() {
		if val.Variable != nil && val.Value != nil {
			v.Values[name] = val.Value
		} else {
			v.Values[name] = val.Raw
		}
	}
	return v
}

// handleListDevices returns local and remote devices. ?origin=local|remote
// narrows the list.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	origin := r.URL.Query().Get("origin")
	var devices []*model.Device
	switch origin {
	case "":
		devices = append(s.registry.LocalDevices(), s.registry.RemoteDevices()...)
	case "local":
		devices = s.registry.LocalDevices()
	case "remote":
		devices = s.registry.RemoteDevices()
	default:
		writeBadRequest(w, "origin must be local or remote")
		return
	}

	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, s.deviceView(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": views,
		"count":   len(views),
	})
}

// lookupDevice resolves the {udn} path parameter.
func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) *model.Device {
	udn, err := model.ParseUDN(chi.URLParam(r, "udn"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return nil
	}
	d := s.registry.Device(udn)
	if d == nil {
		writeNotFound(w, "device not found")
		return nil
	}
	return d
}

// handleGetDevice returns one device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d := s.lookupDevice(w, r)
	if d == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.deviceView(d))
}

// handleListSubscriptions returns outgoing subscriptions with their last
// known values.
func (s *Server) handleListSubscriptions(w http.ResponseWriter, _ *http.Request) {
	subs := s.registry.RemoteSubscriptions()
	views := make([]SubscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, subscriptionView(sub))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriptions":          views,
		"count":                  len(views),
		"incoming_subscriptions": s.registry.LocalSubscriptionCount(),
	})
}

// InvokeRequest is the body of an action invocation.
type InvokeRequest struct {
	Inputs map[string]string `json:"inputs"`
}

// InvokeResponse reports the outputs or the UPnP error of an invocation.
type InvokeResponse struct {
	Action  string         `json:"action"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Failure *FailureView   `json:"failure,omitempty"`
}

// FailureView is the JSON form of a UPnP action error.
type FailureView struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

func failureView(e *model.ActionError) *FailureView {
	return &FailureView{Code: e.Code, Description: e.Description}
}

// handleInvokeAction executes an action. Local services run in process;
// remote services are called through the control point.
func (s *Server) handleInvokeAction(w http.ResponseWriter, r *http.Request) {
	d := s.lookupDevice(w, r)
	if d == nil {
		return
	}
	id, err := model.ParseServiceID(chi.URLParam(r, "serviceID"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	svc := d.FindService(id)
	if svc == nil {
		writeNotFound(w, "service not found")
		return
	}

	var req InvokeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), invokeTimeout)
	defer cancel()

	action := chi.URLParam(r, "action")
	var inv *model.ActionInvocation
	if svc.Device().Local {
		inv, err = invokeLocal(ctx, svc, action, req.Inputs)
	} else {
		if s.invoker == nil {
			writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "control point not available")
			return
		}
		inv, err = s.invoker.Invoke(ctx, svc, action, req.Inputs)
	}

	var actionErr *model.ActionError
	switch {
	case inv == nil && errors.As(err, &actionErr):
		writeJSON(w, http.StatusBadRequest, InvokeResponse{Action: action, Failure: failureView(actionErr)})
		return
	case inv == nil:
		writeInternalError(w, err.Error())
		return
	case inv.Failure != nil:
		writeJSON(w, http.StatusBadGateway, InvokeResponse{Action: action, Failure: failureView(inv.Failure)})
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, ErrCodeActionError, err.Error())
		return
	}

	outputs := make(map[string]any)
	for _, out := range inv.Outputs() {
		outputs[out.Argument.Name] = out.Value
	}
	writeJSON(w, http.StatusOK, InvokeResponse{Action: action, Outputs: outputs})
}

// invokeLocal executes an action of a local service in process. Input
// handling matches the control point so both paths report the same errors.
func invokeLocal(ctx context.Context, svc *model.Service, action string, inputs map[string]string) (*model.ActionInvocation, error) {
	inv, err := model.NewInvocation(svc, action)
	if err != nil {
		return nil, err
	}
	for _, arg := range inv.Action.InputArguments() {
		v, ok := inputs[arg.Name]
		if !ok {
			return nil, model.NewActionError(model.ErrorInvalidArgs, "missing argument "+arg.Name)
		}
		if err := inv.SetInputString(arg.Name, v); err != nil {
			return nil, err
		}
	}
	svc.Execute(ctx, inv)
	return inv, nil
}
