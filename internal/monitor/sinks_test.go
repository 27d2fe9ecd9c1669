package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-upnp/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-upnp/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-upnp/internal/journal"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/gena"
	"github.com/nerrad567/gray-logic-upnp/migrations"
)

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) PublishJSON(topic string, v any, retained bool) error {
	if p.err != nil {
		return p.err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, payload: data, retained: retained})
	return nil
}

func stateEvent() StateEvent {
	svc := remoteDevice("dev-1").Services[0]
	return StateEvent{
		SID:        "uuid:sid-1",
		UDN:        "uuid:dev-1",
		DeviceType: "urn:schemas-upnp-org:device:BinaryLight:1",
		ServiceID:  svc.ID.String(),
		Sequence:   7,
		Values: []gena.StateValue{
			{Name: "Status", Variable: svc.StateVariable("Status"), Value: true, Raw: "1"},
			{Name: "Vendor", Raw: "acme"},
		},
		At: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMQTTSink_DevicePresence(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQTTSink(pub)
	d := remoteDevice("dev-1")

	if err := sink.DeviceChanged(context.Background(), DeviceEvent{Kind: journal.KindRemoteAdded, Device: d, At: time.Now()}); err != nil {
		t.Fatalf("DeviceChanged() error = %v", err)
	}
	if err := sink.DeviceChanged(context.Background(), DeviceEvent{Kind: journal.KindRemoteRemoved, Device: d, At: time.Now()}); err != nil {
		t.Fatalf("DeviceChanged() error = %v", err)
	}

	if len(pub.msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(pub.msgs))
	}
	first := pub.msgs[0]
	if first.topic != "upnp/device/uuid:dev-1" || !first.retained {
		t.Errorf("topic = %s retained = %v", first.topic, first.retained)
	}
	var msg DeviceMessage
	if err := json.Unmarshal(first.payload, &msg); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !msg.Online || msg.FriendlyName != "Lamp" || msg.Location != "http://10.0.0.9:49152/desc.xml" ||
		msg.DeviceType != "urn:schemas-upnp-org:device:BinaryLight:1" {
		t.Errorf("message = %+v", msg)
	}

	var gone DeviceMessage
	if err := json.Unmarshal(pub.msgs[1].payload, &gone); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if gone.Online || gone.Event != journal.KindRemoteRemoved {
		t.Errorf("removal message = %+v", gone)
	}
}

func TestMQTTSink_StateAndSubscription(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQTTSink(pub)
	e := stateEvent()

	if err := sink.StateReceived(context.Background(), e); err != nil {
		t.Fatalf("StateReceived() error = %v", err)
	}
	if err := sink.SubscriptionChanged(context.Background(), SubscriptionEvent{
		Kind: journal.KindEstablished, SID: e.SID, UDN: e.UDN, ServiceID: e.ServiceID,
	}); err != nil {
		t.Fatalf("SubscriptionChanged() error = %v", err)
	}

	event := pub.msgs[0]
	if event.topic != "upnp/event/uuid:dev-1/urn:upnp-org:serviceId:SwitchPower" || event.retained {
		t.Errorf("event topic = %s retained = %v", event.topic, event.retained)
	}
	var msg EventMessage
	if err := json.Unmarshal(event.payload, &msg); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if msg.Values["Status"] != true || msg.Values["Vendor"] != "acme" || msg.Sequence != 7 {
		t.Errorf("event message = %+v", msg)
	}

	if pub.msgs[1].topic != "upnp/subscription/uuid:dev-1/urn:upnp-org:serviceId:SwitchPower" {
		t.Errorf("subscription topic = %s", pub.msgs[1].topic)
	}
}

func TestMQTTSink_PublishError(t *testing.T) {
	sink := NewMQTTSink(&fakePublisher{err: errors.New("not connected")})
	if err := sink.StateReceived(context.Background(), stateEvent()); err == nil {
		t.Error("StateReceived() should return the publish error")
	}
}

type fakePointWriter struct {
	values []influxdb.StateValue
	times  []time.Time
}

func (w *fakePointWriter) WriteStateValue(v influxdb.StateValue, at time.Time) {
	w.values = append(w.values, v)
	w.times = append(w.times, at)
}

func TestInfluxSink(t *testing.T) {
	w := &fakePointWriter{}
	sink := NewInfluxSink(w)
	e := stateEvent()

	if err := sink.DeviceChanged(context.Background(), DeviceEvent{Kind: journal.KindRemoteAdded, Device: remoteDevice("dev-1")}); err != nil {
		t.Fatalf("DeviceChanged() error = %v", err)
	}
	if err := sink.StateReceived(context.Background(), e); err != nil {
		t.Fatalf("StateReceived() error = %v", err)
	}

	if len(w.values) != 2 {
		t.Fatalf("points = %d, want 2", len(w.values))
	}
	got := w.values[0]
	if got.UDN != e.UDN || got.ServiceID != e.ServiceID || got.Variable != "Status" ||
		got.Value != true || got.Sequence != 7 || got.DeviceType != e.DeviceType {
		t.Errorf("point = %+v", got)
	}
	if !w.times[0].Equal(e.At) {
		t.Errorf("time = %v, want %v", w.times[0], e.At)
	}
}

type fakeCounters struct {
	kinds    []string
	received int
	missed   uint32
}

func (c *fakeCounters) SubscriptionEvent(kind string) { c.kinds = append(c.kinds, kind) }
func (c *fakeCounters) EventReceived()                { c.received++ }
func (c *fakeCounters) EventsMissed(n uint32)         { c.missed += n }

func TestMetricsSink(t *testing.T) {
	c := &fakeCounters{}
	sink := NewMetricsSink(c)
	ctx := context.Background()

	_ = sink.SubscriptionChanged(ctx, SubscriptionEvent{Kind: journal.KindEstablished})
	_ = sink.SubscriptionChanged(ctx, SubscriptionEvent{Kind: journal.KindEventsMissed, Missed: 4})
	_ = sink.StateReceived(ctx, stateEvent())
	_ = sink.StateReceived(ctx, stateEvent())

	if len(c.kinds) != 2 || c.kinds[1] != journal.KindEventsMissed {
		t.Errorf("kinds = %v", c.kinds)
	}
	if c.missed != 4 || c.received != 2 {
		t.Errorf("missed = %d received = %d", c.missed, c.received)
	}
}

func TestJournalSink(t *testing.T) {
	db, err := database.Open(database.Config{BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	ctx := context.Background()
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	repo := journal.NewSQLiteRepository(db.DB)
	sink := NewJournalSink(repo)

	if err := sink.DeviceChanged(ctx, DeviceEvent{Kind: journal.KindRemoteAdded, Device: remoteDevice("dev-1"), At: time.Now()}); err != nil {
		t.Fatalf("DeviceChanged() error = %v", err)
	}
	if err := sink.SubscriptionChanged(ctx, SubscriptionEvent{
		Kind: journal.KindFailed, UDN: "uuid:dev-1", ServiceID: "urn:upnp-org:serviceId:SwitchPower", Detail: "412 Precondition Failed",
	}); err != nil {
		t.Fatalf("SubscriptionChanged() error = %v", err)
	}
	if err := sink.StateReceived(ctx, stateEvent()); err != nil {
		t.Fatalf("StateReceived() error = %v", err)
	}

	devices, err := repo.ListDeviceEvents(ctx, journal.Filter{UDN: "uuid:dev-1"})
	if err != nil {
		t.Fatalf("ListDeviceEvents() error = %v", err)
	}
	if len(devices) != 1 || devices[0].Location != "http://10.0.0.9:49152/desc.xml" || devices[0].FriendlyName != "Lamp" {
		t.Errorf("device events = %+v", devices)
	}

	states, err := repo.ListStateEvents(ctx, journal.Filter{UDN: "uuid:dev-1"})
	if err != nil {
		t.Fatalf("ListStateEvents() error = %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("state events = %d, want 2", len(states))
	}
	for _, s := range states {
		if s.Variable == "Status" && s.Value != "1" {
			t.Errorf("Status stored as %q, want raw text", s.Value)
		}
		if s.Sequence != 7 {
			t.Errorf("sequence = %d", s.Sequence)
		}
	}
}
