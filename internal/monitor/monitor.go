package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-upnp/internal/journal"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/gena"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/header"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/message"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/registry"
)

// pruneInterval is how often the journal retention is enforced.
const pruneInterval = time.Hour

// ErrInvalidTarget is returned when a search target cannot be parsed.
var ErrInvalidTarget = errors.New("monitor: invalid search target")

// Logger is the logging interface used by the monitor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config controls the monitor.
type Config struct {
	// AutoSubscribe subscribes to every evented service of remote devices
	// once their descriptors are known.
	AutoSubscribe bool

	// SubscriptionDuration is requested in SUBSCRIBE; zero uses the control
	// point default.
	SubscriptionDuration time.Duration

	// StatsInterval is how often registry counts are recorded; zero
	// disables the periodic recording.
	StatsInterval time.Duration

	// Retention prunes journal entries older than this; zero keeps
	// everything.
	Retention time.Duration

	// SearchMX is used by search commands that do not carry one.
	SearchMX int
}

// Registry is the read side of the device registry the monitor needs.
type Registry interface {
	LocalDevices() []*model.Device
	RemoteDevices() []*model.Device
	LocalSubscriptionCount() int
	RemoteSubscriptions() []*gena.RemoteSubscription
}

// ControlPoint is the subset of the control point used for searches and
// automatic subscriptions.
type ControlPoint interface {
	Search(ctx context.Context, target header.Target, mx int) error
	Subscribe(ctx context.Context, svc *model.Service, duration time.Duration, handlers gena.Handlers) (*gena.RemoteSubscription, error)
}

// Pruner deletes old journal entries.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// CountsRecorder receives registry counts.
type CountsRecorder func(localDevices, remoteDevices, localSubs, remoteSubs int)

// DeviceEvent is a registry change of a device. Kind is one of the journal
// device kinds.
type DeviceEvent struct {
	Kind   string
	Device *model.Device
	At     time.Time
}

// SubscriptionEvent is a lifecycle change of an outgoing subscription. Kind
// is one of the journal subscription kinds.
type SubscriptionEvent struct {
	Kind      string
	SID       string
	UDN       string
	ServiceID string
	Detail    string
	Missed    uint32
	At        time.Time
}

// StateEvent carries the values of one accepted GENA event.
type StateEvent struct {
	SID        string
	UDN        string
	DeviceType string
	ServiceID  string
	Sequence   uint32
	Values     []gena.StateValue
	At         time.Time
}

// Sink receives monitor events. Implementations must be safe for
// concurrent use: subscription handlers run on their own goroutines.
type Sink interface {
	Name() string
	DeviceChanged(ctx context.Context, e DeviceEvent) error
	SubscriptionChanged(ctx context.Context, e SubscriptionEvent) error
	StateReceived(ctx context.Context, e StateEvent) error
}

type subKey struct {
	udn model.UDN
	id  model.ServiceID
}

// Monitor turns registry and GENA activity into events for its sinks and
// optionally keeps subscriptions on every evented remote service.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Sinks are called without the monitor lock held.
type Monitor struct {
	cfg      Config
	registry Registry
	cp       ControlPoint
	logger   Logger
	now      func() time.Time

	mu         sync.RWMutex
	sinks      []Sink
	recorders  []CountsRecorder
	pruner     Pruner
	ctx        context.Context
	stopped    bool
	subscribed map[subKey]struct{}

	wg sync.WaitGroup
}

// New creates a monitor over reg and cp.
func New(cfg Config, reg Registry, cp ControlPoint) *Monitor {
	return &Monitor{
		cfg:        cfg,
		registry:   reg,
		cp:         cp,
		logger:     noopLogger{},
		now:        func() time.Time { return time.Now().UTC() },
		subscribed: make(map[subKey]struct{}),
	}
}

// SetLogger sets the logger for the monitor.
func (m *Monitor) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	m.logger = logger
}

// AddSink registers a sink for all following events.
func (m *Monitor) AddSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// AddCountsRecorder registers a receiver of periodic registry counts.
func (m *Monitor) AddCountsRecorder(r CountsRecorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorders = append(m.recorders, r)
}

// SetPruner enables journal retention.
func (m *Monitor) SetPruner(p Pruner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruner = p
}

// Start begins the periodic work and enables automatic subscriptions. ctx
// bounds both.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.loop(ctx)
	}()
}

// Wait blocks until the periodic loop and in-flight subscription attempts
// have returned. It must be called after the Start context is done.
func (m *Monitor) Wait() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	var stats, prune <-chan time.Time
	if m.cfg.StatsInterval > 0 {
		t := time.NewTicker(m.cfg.StatsInterval)
		defer t.Stop()
		stats = t.C
		m.RecordCounts()
	}
	if m.cfg.Retention > 0 {
		t := time.NewTicker(pruneInterval)
		defer t.Stop()
		prune = t.C
		m.prune(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stats:
			m.RecordCounts()
		case <-prune:
			m.prune(ctx)
		}
	}
}

// RecordCounts hands the current registry counts to every recorder.
func (m *Monitor) RecordCounts() {
	local := len(m.registry.LocalDevices())
	remote := len(m.registry.RemoteDevices())
	localSubs := m.registry.LocalSubscriptionCount()
	remoteSubs := len(m.registry.RemoteSubscriptions())

	m.mu.RLock()
	recorders := append([]CountsRecorder(nil), m.recorders...)
	m.mu.RUnlock()
	for _, r := range recorders {
		r(local, remote, localSubs, remoteSubs)
	}
}

func (m *Monitor) prune(ctx context.Context) {
	m.mu.RLock()
	p := m.pruner
	m.mu.RUnlock()
	if p == nil {
		return
	}
	n, err := p.Prune(ctx, m.now().Add(-m.cfg.Retention))
	if err != nil {
		m.logger.Warn("journal prune failed", "error", err)
		return
	}
	if n > 0 {
		m.logger.Info("journal pruned", "rows", n)
	}
}

// Listener returns the registry listener that feeds the monitor.
func (m *Monitor) Listener() registry.Listener {
	return registry.Listener{
		RemoteDeviceAdded: func(d *model.Device) {
			m.deviceChanged(journal.KindRemoteAdded, d)
			m.subscribeDevice(d)
		},
		RemoteDeviceUpdated: func(d *model.Device) {
			m.deviceChanged(journal.KindRemoteUpdated, d)
			m.subscribeDevice(d)
		},
		RemoteDeviceRemoved: func(d *model.Device) {
			m.forgetDevice(d)
			m.deviceChanged(journal.KindRemoteRemoved, d)
		},
		LocalDeviceAdded: func(d *model.Device) {
			m.deviceChanged(journal.KindLocalAdded, d)
		},
		LocalDeviceRemoved: func(d *model.Device) {
			m.deviceChanged(journal.KindLocalRemoved, d)
		},
	}
}

// Handlers returns subscription handlers that feed the monitor.
func (m *Monitor) Handlers() gena.Handlers {
	return gena.Handlers{
		OnEstablished: func(sub *gena.RemoteSubscription) {
			m.subscriptionChanged(sub, journal.KindEstablished, "", 0)
		},
		OnFailed: func(sub *gena.RemoteSubscription, resp *message.Response, err error) {
			m.forget(sub.Service())
			m.subscriptionChanged(sub, journal.KindFailed, failureDetail(resp, err), 0)
		},
		OnEnded: func(sub *gena.RemoteSubscription, reason gena.EndReason, _ *message.Response) {
			m.forget(sub.Service())
			m.subscriptionChanged(sub, journal.KindEnded, reason.String(), 0)
		},
		OnEventReceived: func(sub *gena.RemoteSubscription) {
			m.stateReceived(sub)
		},
		OnEventsMissed: func(sub *gena.RemoteSubscription, missed uint32) {
			m.subscriptionChanged(sub, journal.KindEventsMissed, fmt.Sprintf("%d events missed", missed), missed)
		},
		OnInvalidMessage: func(sub *gena.RemoteSubscription, err error) {
			m.subscriptionChanged(sub, journal.KindInvalid, err.Error(), 0)
		},
	}
}

func failureDetail(resp *message.Response, err error) string {
	switch {
	case err != nil:
		return err.Error()
	case resp != nil:
		return fmt.Sprintf("%d %s", resp.StatusCode, resp.Status)
	}
	return ""
}

func (m *Monitor) baseContext() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

func (m *Monitor) sinksSnapshot() []Sink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Sink(nil), m.sinks...)
}

func (m *Monitor) deviceChanged(kind string, d *model.Device) {
	e := DeviceEvent{Kind: kind, Device: d, At: m.now()}
	ctx := m.baseContext()
	for _, s := range m.sinksSnapshot() {
		if err := s.DeviceChanged(ctx, e); err != nil {
			m.logger.Warn("sink rejected device event",
				"sink", s.Name(), "kind", kind, "udn", d.Identity.UDN.String(), "error", err)
		}
	}
}

func (m *Monitor) subscriptionChanged(sub *gena.RemoteSubscription, kind, detail string, missed uint32) {
	svc := sub.Service()
	e := SubscriptionEvent{
		Kind:      kind,
		SID:       sub.SID(),
		UDN:       serviceUDN(svc),
		ServiceID: svc.ID.String(),
		Detail:    detail,
		Missed:    missed,
		At:        m.now(),
	}
	ctx := m.baseContext()
	for _, s := range m.sinksSnapshot() {
		if err := s.SubscriptionChanged(ctx, e); err != nil {
			m.logger.Warn("sink rejected subscription event",
				"sink", s.Name(), "kind", kind, "sid", e.SID, "error", err)
		}
	}
}

func (m *Monitor) stateReceived(sub *gena.RemoteSubscription) {
	svc := sub.Service()
	seq, _ := sub.CurrentSequence()
	e := StateEvent{
		SID:       sub.SID(),
		UDN:       serviceUDN(svc),
		ServiceID: svc.ID.String(),
		Sequence:  seq,
		Values:    sub.LastEvent(),
		At:        m.now(),
	}
	if d := svc.Device(); d != nil {
		e.DeviceType = d.Type.String()
	}
	ctx := m.baseContext()
	for _, s := range m.sinksSnapshot() {
		if err := s.StateReceived(ctx, e); err != nil {
			m.logger.Warn("sink rejected state event",
				"sink", s.Name(), "sid", e.SID, "sequence", seq, "error", err)
		}
	}
}

func serviceUDN(svc *model.Service) string {
	if d := svc.Device(); d != nil {
		return d.Identity.UDN.String()
	}
	return ""
}

func keyOf(svc *model.Service) subKey {
	k := subKey{id: svc.ID}
	if d := svc.Device(); d != nil {
		k.udn = d.Identity.UDN
	}
	return k
}

// subscribeDevice starts a subscription on every evented service of d that
// is not already subscribed.
func (m *Monitor) subscribeDevice(d *model.Device) {
	if !m.cfg.AutoSubscribe || d.Local || !d.Hydrated() {
		return
	}

	m.mu.Lock()
	ctx := m.ctx
	if ctx == nil || ctx.Err() != nil || m.stopped {
		m.mu.Unlock()
		return
	}
	var todo []*model.Service
	for _, dev := range d.All() {
		for _, svc := range dev.Services {
			if svc.EventSubURL == nil || len(svc.EventedStateVariables()) == 0 {
				continue
			}
			k := keyOf(svc)
			if _, ok := m.subscribed[k]; ok {
				continue
			}
			m.subscribed[k] = struct{}{}
			todo = append(todo, svc)
		}
	}
	m.wg.Add(len(todo))
	m.mu.Unlock()

	handlers := m.Handlers()
	for _, svc := range todo {
		go func(svc *model.Service) {
			defer m.wg.Done()
			if _, err := m.cp.Subscribe(ctx, svc, m.cfg.SubscriptionDuration, handlers); err != nil {
				m.forget(svc)
				m.logger.Debug("automatic subscription failed",
					"udn", serviceUDN(svc), "service", svc.ID.String(), "error", err)
			}
		}(svc)
	}
}

func (m *Monitor) forget(svc *model.Service) {
	m.mu.Lock()
	delete(m.subscribed, keyOf(svc))
	m.mu.Unlock()
}

func (m *Monitor) forgetDevice(d *model.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dev := range d.All() {
		for _, svc := range dev.Services {
			delete(m.subscribed, keyOf(svc))
		}
	}
}

// Search parses target (empty means ssdp:all) and sends a search. mx <= 0
// uses the configured default.
func (m *Monitor) Search(ctx context.Context, target string, mx int) error {
	var t header.Target
	if target = strings.TrimSpace(target); target != "" {
		v, err := header.Parse(header.TypeST, target)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidTarget, target, err)
		}
		var ok bool
		if t, ok = v.(header.Target); !ok {
			return fmt.Errorf("%w: %q", ErrInvalidTarget, target)
		}
	}
	if mx <= 0 {
		mx = m.cfg.SearchMX
	}
	return m.cp.Search(ctx, t, mx)
}

// SearchCommand is the payload of a search request received over MQTT.
type SearchCommand struct {
	Target string `json:"target,omitempty"`
	MX     int    `json:"mx,omitempty"`
}

// HandleSearchCommand is an MQTT message handler that triggers a search. An
// empty payload searches for everything.
func (m *Monitor) HandleSearchCommand(topic string, payload []byte) error {
	var cmd SearchCommand
	if len(strings.TrimSpace(string(payload))) > 0 {
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return fmt.Errorf("parsing search command on %s: %w", topic, err)
		}
	}
	m.logger.Info("search requested", "topic", topic, "target", cmd.Target, "mx", cmd.MX)
	return m.Search(m.baseContext(), cmd.Target, cmd.MX)
}
