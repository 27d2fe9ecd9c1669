package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-upnp/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-upnp/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-upnp/internal/journal"
	"github.com/nerrad567/gray-logic-upnp/internal/monitor"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/devices"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/gena"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeRegistry struct {
	local  []*model.Device
	remote []*model.Device
	subs   []*gena.RemoteSubscription
	expiry time.Time
}

func (r *fakeRegistry) LocalDevices() []*model.Device  { return r.local }
func (r *fakeRegistry) RemoteDevices() []*model.Device { return r.remote }

func (r *fakeRegistry) Device(udn model.UDN) *model.Device {
	for _, d := range append(append([]*model.Device(nil), r.local...), r.remote...) {
		if found := d.FindDevice(udn); found != nil {
			return found
		}
	}
	return nil
}

func (r *fakeRegistry) RemoteDeviceExpiry(model.UDN) (time.Time, bool) {
	return r.expiry, !r.expiry.IsZero()
}

func (r *fakeRegistry) RemoteSubscriptions() []*gena.RemoteSubscription { return r.subs }
func (r *fakeRegistry) LocalSubscriptionCount() int                     { return 2 }

type fakeSearcher struct {
	mu      sync.Mutex
	targets []string
	mx      []int
	err     error
}

func (s *fakeSearcher) Search(_ context.Context, target string, mx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, target)
	s.mx = append(s.mx, mx)
	return s.err
}

type fakeInvoker struct {
	failure *model.ActionError
	err     error
	calls   int
	inputs  map[string]string
}

func (f *fakeInvoker) Invoke(_ context.Context, svc *model.Service, action string, inputs map[string]string) (*model.ActionInvocation, error) {
	f.calls++
	f.inputs = inputs
	if f.err != nil && f.failure == nil {
		return nil, f.err
	}
	inv, err := model.NewInvocation(svc, action)
	if err != nil {
		return nil, err
	}
	inv.Failure = f.failure
	return inv, f.err
}

type fakeJournal struct {
	journal.Repository
	filter journal.Filter
	err    error
}

func (j *fakeJournal) ListDeviceEvents(_ context.Context, f journal.Filter) ([]journal.DeviceEvent, error) {
	j.filter = f
	if j.err != nil {
		return nil, j.err
	}
	return []journal.DeviceEvent{{ID: 1, Kind: journal.KindRemoteAdded, UDN: "uuid:tv"}}, nil
}

func (j *fakeJournal) ListStateEvents(_ context.Context, f journal.Filter) ([]journal.StateEvent, error) {
	j.filter = f
	return []journal.StateEvent{{ID: 7, SID: "uuid:sub", UDN: "uuid:tv", Variable: "Volume", Value: "30"}}, nil
}

type healthFunc func(ctx context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// =============================================================================
// Helpers
// =============================================================================

func testLogger() *logging.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: "error"}, "test", io.Discard)
}

func testLight(t *testing.T) *model.Device {
	t.Helper()
	light, err := devices.NewBinaryLight("hall", model.DeviceDetails{FriendlyName: "Hall"}, nil)
	if err != nil {
		t.Fatalf("NewBinaryLight() error = %v", err)
	}
	return light
}

func testRemote() *model.Device {
	loc, _ := url.Parse("http://10.0.0.9:49152/desc.xml")
	ctrl, _ := url.Parse("http://10.0.0.9:49152/control/SwitchPower")
	d := model.NewRemoteDevice(model.Identity{UDN: "remote-1", MaxAge: 1800, DescriptorURL: loc})
	d.Type = model.NewDeviceType("BinaryLight", 1)
	d.Details.FriendlyName = "Lamp"
	svc := model.NewService(model.NewServiceType("SwitchPower", 1), model.NewServiceID("SwitchPower"),
		[]*model.Action{model.NewAction("SetTarget", model.InArg("newTargetValue", "Target"))},
		[]*model.StateVariable{
			model.NewStateVariable("Target", "boolean", false),
			model.NewStateVariable("Status", "boolean", true),
		})
	svc.ControlURL = ctrl
	d.Services = []*model.Service{svc}
	d.Link()
	return d
}

type fixture struct {
	srv      *Server
	handler  http.Handler
	reg      *fakeRegistry
	searcher *fakeSearcher
	invoker  *fakeInvoker
	journal  *fakeJournal
	light    *model.Device
	remote   *model.Device
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		searcher: &fakeSearcher{},
		invoker:  &fakeInvoker{},
		journal:  &fakeJournal{},
		light:    testLight(t),
		remote:   testRemote(),
	}
	f.reg = &fakeRegistry{
		local:  []*model.Device{f.light},
		remote: []*model.Device{f.remote},
		expiry: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC),
	}
	deps := Deps{
		Config:   config.APIConfig{Host: "127.0.0.1", Port: 0},
		WS:       config.WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Logger:   testLogger(),
		Registry: f.reg,
		Searcher: f.searcher,
		Invoker:  f.invoker,
		Journal:  f.journal,
		Scrape: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, "upnp_devices 1\n")
		}),
		Version: "1.0.0-test",
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.srv = srv
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decoding %s %s response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, decoded
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{Registry: &fakeRegistry{}}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without registry should fail")
	}
}

func TestStartAndClose(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start() should fail")
	}
	if err := f.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.srv.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
	if err := f.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	resp, err := http.Get("http://" + f.srv.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if err := f.srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := f.srv.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

// =============================================================================
// System
// =============================================================================

func TestHealth(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Health = map[string]HealthChecker{
			"database": healthFunc(func(context.Context) error { return nil }),
		}
	})
	rec, body := f.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || body["status"] != "healthy" || body["version"] != "1.0.0-test" {
		t.Errorf("health = %d %v", rec.Code, body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	failing := newFixture(t, func(d *Deps) {
		d.Health = map[string]HealthChecker{
			"database": healthFunc(func(context.Context) error { return nil }),
			"mqtt":     healthFunc(func(context.Context) error { return errors.New("not connected") }),
		}
	})
	rec, body = failing.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	checks, _ := body["checks"].(map[string]any)
	if checks["mqtt"] != "not connected" || checks["database"] != "ok" {
		t.Errorf("checks = %v", checks)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	rec, body := f.do(t, http.MethodGet, "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["local_devices"] != float64(1) || body["remote_devices"] != float64(1) || body["incoming_subscriptions"] != float64(2) {
		t.Errorf("status body = %v", body)
	}
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t, nil)
	rec, _ := f.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "upnp_devices 1") {
		t.Errorf("metrics = %d %q", rec.Code, rec.Body.String())
	}

	without := newFixture(t, func(d *Deps) { d.Scrape = nil })
	if rec, _ := without.do(t, http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Errorf("metrics without handler = %d, want 404", rec.Code)
	}
}

func TestSearch(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		searchErr  error
		wantStatus int
		wantTarget string
		wantMX     int
	}{
		{name: "empty body searches all", body: "", wantStatus: http.StatusAccepted},
		{name: "target and mx", body: `{"target":"upnp:rootdevice","mx":2}`, wantStatus: http.StatusAccepted, wantTarget: "upnp:rootdevice", wantMX: 2},
		{name: "invalid json", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "mx out of range", body: `{"mx":500}`, wantStatus: http.StatusBadRequest},
		{name: "invalid target", body: `{"target":"bogus"}`, searchErr: fmt.Errorf("%w: bogus", monitor.ErrInvalidTarget), wantStatus: http.StatusBadRequest},
		{name: "send failure", body: `{}`, searchErr: errors.New("no interface"), wantStatus: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.searcher.err = tt.searchErr
			rec, _ := f.do(t, http.MethodPost, "/api/v1/search", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus == http.StatusAccepted {
				if len(f.searcher.targets) != 1 || f.searcher.targets[0] != tt.wantTarget || f.searcher.mx[0] != tt.wantMX {
					t.Errorf("search calls = %v %v", f.searcher.targets, f.searcher.mx)
				}
			}
		})
	}
}

// =============================================================================
// Devices
// =============================================================================

func TestListDevices(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		query string
		want  int
		code  int
	}{
		{query: "", want: 2, code: http.StatusOK},
		{query: "?origin=local", want: 1, code: http.StatusOK},
		{query: "?origin=remote", want: 1, code: http.StatusOK},
		{query: "?origin=mars", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec, body := f.do(t, http.MethodGet, "/api/v1/devices/"+tt.query, "")
		if rec.Code != tt.code {
			t.Errorf("GET devices%s = %d, want %d", tt.query, rec.Code, tt.code)
			continue
		}
		if tt.code == http.StatusOK && body["count"] != float64(tt.want) {
			t.Errorf("GET devices%s count = %v, want %d", tt.query, body["count"], tt.want)
		}
	}
}

func TestGetDevice(t *testing.T) {
	f := newFixture(t, nil)

	rec, body := f.do(t, http.MethodGet, "/api/v1/devices/uuid:remote-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if body["friendly_name"] != "Lamp" || body["local"] != false || body["location"] != "http://10.0.0.9:49152/desc.xml" {
		t.Errorf("device = %v", body)
	}
	if body["expires_at"] != "2026-10-14T12:00:00Z" {
		t.Errorf("expires_at = %v", body["expires_at"])
	}
	services, _ := body["services"].([]any)
	if len(services) != 1 {
		t.Fatalf("services = %v", body["services"])
	}
	svc, _ := services[0].(map[string]any)
	if svc["service_id"] != "urn:upnp-org:serviceId:SwitchPower" {
		t.Errorf("service = %v", svc)
	}
	evented, _ := svc["evented"].([]any)
	if len(evented) != 1 || evented[0] != "Status" {
		t.Errorf("evented = %v", svc["evented"])
	}

	if rec, _ := f.do(t, http.MethodGet, "/api/v1/devices/uuid:missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing device = %d, want 404", rec.Code)
	}
	if rec, _ := f.do(t, http.MethodGet, "/api/v1/devices/not-a-udn", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed udn = %d, want 400", rec.Code)
	}
}

func TestListSubscriptions(t *testing.T) {
	f := newFixture(t, nil)
	rec, body := f.do(t, http.MethodGet, "/api/v1/subscriptions", "")
	if rec.Code != http.StatusOK || body["count"] != float64(0) || body["incoming_subscriptions"] != float64(2) {
		t.Errorf("subscriptions = %d %v", rec.Code, body)
	}

	svc := f.remote.Services[0]
	sub := gena.NewRemoteSubscription(svc, time.Minute, gena.Handlers{})
	sub.Establish("uuid:sub-1", 30*time.Minute, time.Now())
	sub.Receive(0, []gena.StateValue{
		{Name: "Status", Variable: svc.StateVariable("Status"), Value: true, Raw: "1"},
		{Name: "Vendor", Raw: "x"},
	})
	f.reg.subs = []*gena.RemoteSubscription{sub}

	rec, body = f.do(t, http.MethodGet, "/api/v1/subscriptions", "")
	if rec.Code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("subscriptions = %d %v", rec.Code, body)
	}
	views, _ := body["subscriptions"].([]any)
	view, _ := views[0].(map[string]any)
	values, _ := view["values"].(map[string]any)
	if view["sid"] != "uuid:sub-1" || view["udn"] != "uuid:remote-1" || view["sequence"] != float64(0) {
		t.Errorf("subscription view = %v", view)
	}
	if values["Status"] != true || values["Vendor"] != "x" {
		t.Errorf("values = %v", values)
	}
}

func TestInvokeLocalAction(t *testing.T) {
	f := newFixture(t, nil)
	base := "/api/v1/devices/" + f.light.Identity.UDN.String() + "/services/urn:upnp-org:serviceId:SwitchPower/actions/"

	rec, _ := f.do(t, http.MethodPost, base+"SetTarget", `{"inputs":{"newTargetValue":"1"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("SetTarget = %d (%s)", rec.Code, rec.Body.String())
	}

	rec, body := f.do(t, http.MethodPost, base+"GetStatus", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GetStatus = %d (%s)", rec.Code, rec.Body.String())
	}
	outputs, _ := body["outputs"].(map[string]any)
	if outputs["ResultStatus"] != true {
		t.Errorf("outputs = %v, want ResultStatus true", outputs)
	}
	if f.invoker.calls != 0 {
		t.Error("local action went through the control point")
	}
}

func TestInvokeActionErrors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		failure    *model.ActionError
		invokeErr  error
		wantStatus int
		wantCode   float64
	}{
		{
			name:       "unknown service",
			path:       "/services/urn:upnp-org:serviceId:Nope/actions/SetTarget",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "bad service id",
			path:       "/services/Nope/actions/SetTarget",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid json",
			path:       "/services/urn:upnp-org:serviceId:SwitchPower/actions/SetTarget",
			body:       "{",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "local argument error",
			path:       "/services/urn:upnp-org:serviceId:SwitchPower/actions/SetTarget",
			invokeErr:  model.NewActionError(model.ErrorInvalidArgs, "missing argument newTargetValue"),
			wantStatus: http.StatusBadRequest,
			wantCode:   float64(model.ErrorInvalidArgs),
		},
		{
			name:       "device reported failure",
			path:       "/services/urn:upnp-org:serviceId:SwitchPower/actions/SetTarget",
			body:       `{"inputs":{"newTargetValue":"1"}}`,
			failure:    model.NewActionError(model.ErrorActionFailed, "relay stuck"),
			wantStatus: http.StatusBadGateway,
			wantCode:   float64(model.ErrorActionFailed),
		},
		{
			name:       "transport error",
			path:       "/services/urn:upnp-org:serviceId:SwitchPower/actions/SetTarget",
			body:       `{"inputs":{"newTargetValue":"1"}}`,
			invokeErr:  errors.New("connection refused"),
			wantStatus: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.invoker.failure = tt.failure
			f.invoker.err = tt.invokeErr
			rec, body := f.do(t, http.MethodPost, "/api/v1/devices/uuid:remote-1"+tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantCode != 0 {
				failure, _ := body["failure"].(map[string]any)
				if failure["code"] != tt.wantCode {
					t.Errorf("failure = %v, want code %v", body["failure"], tt.wantCode)
				}
			}
		})
	}
}

func TestInvokeRemoteAction(t *testing.T) {
	f := newFixture(t, nil)
	rec, body := f.do(t, http.MethodPost,
		"/api/v1/devices/uuid:remote-1/services/urn:upnp-org:serviceId:SwitchPower/actions/SetTarget",
		`{"inputs":{"newTargetValue":"1"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if body["action"] != "SetTarget" || f.invoker.calls != 1 || f.invoker.inputs["newTargetValue"] != "1" {
		t.Errorf("body = %v, invoker = %+v", body, f.invoker)
	}

	none := newFixture(t, func(d *Deps) { d.Invoker = nil })
	rec, _ = none.do(t, http.MethodPost,
		"/api/v1/devices/uuid:remote-1/services/urn:upnp-org:serviceId:SwitchPower/actions/SetTarget",
		`{"inputs":{"newTargetValue":"1"}}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without invoker = %d, want 503", rec.Code)
	}
}

// =============================================================================
// Journal
// =============================================================================

func TestJournalRoutes(t *testing.T) {
	f := newFixture(t, nil)

	rec, body := f.do(t, http.MethodGet, "/api/v1/journal/devices?udn=uuid:tv&kind=remote_added&since=2026-10-01T00:00:00Z&limit=5", "")
	if rec.Code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("journal devices = %d %v", rec.Code, body)
	}
	want := journal.Filter{UDN: "uuid:tv", Kind: "remote_added", Since: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), Limit: 5}
	if !f.journal.filter.Since.Equal(want.Since) || f.journal.filter.UDN != want.UDN || f.journal.filter.Kind != want.Kind || f.journal.filter.Limit != want.Limit {
		t.Errorf("filter = %+v, want %+v", f.journal.filter, want)
	}

	rec, body = f.do(t, http.MethodGet, "/api/v1/journal/states?service_id=urn:upnp-org:serviceId:RenderingControl", "")
	if rec.Code != http.StatusOK || body["count"] != float64(1) || f.journal.filter.ServiceID != "urn:upnp-org:serviceId:RenderingControl" {
		t.Errorf("journal states = %d %v", rec.Code, body)
	}

	for _, q := range []string{"?since=yesterday", "?limit=ten"} {
		if rec, _ := f.do(t, http.MethodGet, "/api/v1/journal/devices"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("journal devices%s = %d, want 400", q, rec.Code)
		}
	}

	f.journal.err = errors.New("disk I/O error")
	if rec, _ := f.do(t, http.MethodGet, "/api/v1/journal/devices", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("journal failure = %d, want 500", rec.Code)
	}

	without := newFixture(t, func(d *Deps) { d.Journal = nil })
	if rec, _ := without.do(t, http.MethodGet, "/api/v1/journal/devices", ""); rec.Code != http.StatusNotFound {
		t.Errorf("journal without repository = %d, want 404", rec.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	f := newFixture(t, nil)
	h := f.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestBodySizeLimit(t *testing.T) {
	f := newFixture(t, nil)
	big := `{"target":"` + strings.Repeat("a", maxRequestBodySize) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/search", bytes.NewBufferString(big))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("oversized body = %d, want 400", rec.Code)
	}
}

// =============================================================================
// WebSocket
// =============================================================================

func dialWS(t *testing.T, f *fixture) (*websocket.Conn, func()) {
	t.Helper()
	ts := httptest.NewServer(f.handler)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		ts.Close()
		t.Fatalf("Dial() error = %v", err)
	}
	return conn, func() {
		conn.Close()
		ts.Close()
	}
}

func readWS(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func TestWebSocketSubscribeAndBroadcast(t *testing.T) {
	f := newFixture(t, nil)
	conn, done := dialWS(t, f)
	defer done()

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "p1"}); err != nil {
		t.Fatalf("WriteJSON(ping) error = %v", err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypePong || msg.ID != "p1" {
		t.Errorf("ping reply = %+v", msg)
	}

	if err := conn.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "s1", Payload: WSSubscribePayload{Channels: []string{"weather"}}}); err != nil {
		t.Fatalf("WriteJSON(subscribe) error = %v", err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypeError || msg.ID != "s1" {
		t.Errorf("unknown channel reply = %+v", msg)
	}

	if err := conn.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "s2", Payload: WSSubscribePayload{Channels: []string{ChannelDevice, ChannelState}}}); err != nil {
		t.Fatalf("WriteJSON(subscribe) error = %v", err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypeResponse || msg.ID != "s2" {
		t.Fatalf("subscribe reply = %+v", msg)
	}

	hub := f.srv.Hub()
	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", hub.ClientCount())
	}

	ctx := context.Background()
	at := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	// Not subscribed: must not arrive before the device event below.
	if err := hub.SubscriptionChanged(ctx, monitor.SubscriptionEvent{Kind: journal.KindEstablished, UDN: "uuid:remote-1", ServiceID: "svc", At: at}); err != nil {
		t.Fatalf("SubscriptionChanged() error = %v", err)
	}
	if err := hub.DeviceChanged(ctx, monitor.DeviceEvent{Kind: journal.KindRemoteAdded, Device: f.remote, At: at}); err != nil {
		t.Fatalf("DeviceChanged() error = %v", err)
	}

	msg := readWS(t, conn)
	if msg.Type != WSTypeEvent || msg.EventType != ChannelDevice {
		t.Fatalf("event = %+v, want %s", msg, ChannelDevice)
	}
	payload, _ := msg.Payload.(map[string]any)
	if payload["udn"] != "uuid:remote-1" || payload["online"] != true || payload["event"] != journal.KindRemoteAdded {
		t.Errorf("device payload = %v", payload)
	}

	sv := f.remote.Services[0].StateVariable("Status")
	if err := hub.StateReceived(ctx, monitor.StateEvent{
		SID: "uuid:sub-1", UDN: "uuid:remote-1", ServiceID: "urn:upnp-org:serviceId:SwitchPower", Sequence: 3,
		Values: []gena.StateValue{{Name: "Status", Variable: sv, Value: true, Raw: "1"}},
		At:     at,
	}); err != nil {
		t.Fatalf("StateReceived() error = %v", err)
	}
	msg = readWS(t, conn)
	payload, _ = msg.Payload.(map[string]any)
	values, _ := payload["values"].(map[string]any)
	if msg.EventType != ChannelState || values["Status"] != true || payload["sequence"] != float64(3) {
		t.Errorf("state event = %+v", msg)
	}

	if err := conn.WriteJSON(WSMessage{Type: WSTypeUnsubscribe, ID: "u1", Payload: WSSubscribePayload{Channels: []string{ChannelDevice}}}); err != nil {
		t.Fatalf("WriteJSON(unsubscribe) error = %v", err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypeResponse || msg.ID != "u1" {
		t.Errorf("unsubscribe reply = %+v", msg)
	}
	if hub.Name() != "websocket" {
		t.Errorf("Name() = %q", hub.Name())
	}
}

func TestWebSocketInvalidMessages(t *testing.T) {
	f := newFixture(t, nil)
	conn, done := dialWS(t, f)
	defer done()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypeError {
		t.Errorf("invalid JSON reply = %+v", msg)
	}

	if err := conn.WriteJSON(WSMessage{Type: "dance", ID: "d1"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypeError || msg.ID != "d1" {
		t.Errorf("unknown type reply = %+v", msg)
	}
}

func TestHubRunDisconnectsClients(t *testing.T) {
	f := newFixture(t, nil)
	conn, done := dialWS(t, f)
	defer done()

	hub := f.srv.Hub()
	deadline := time.Now().Add(5 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() after Run = %d, want 0", hub.ClientCount())
	}
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open after hub shutdown")
	}
}
