package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-upnp/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "upnpd-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// =============================================================================
// Fake broker connection
// =============================================================================

type fakeToken struct {
	err     error
	stalled bool
}

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return !t.stalled }
func (t fakeToken) Error() error                   { return t.err }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return m.qos }
func (m fakeMessage) Retained() bool    { return m.retained }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// fakePaho is an in-memory pahomqtt.Client that loops publishes back to
// matching subscriptions.
type fakePaho struct {
	opts *pahomqtt.ClientOptions

	mu           sync.Mutex
	connected    bool
	connectErr   error
	publishErr   error
	stalled      bool
	published    []fakeMessage
	routes       map[string]pahomqtt.MessageHandler
	disconnected bool
}

func newFakePaho() *fakePaho {
	return &fakePaho{routes: make(map[string]pahomqtt.MessageHandler)}
}

func (f *fakePaho) factory(opts *pahomqtt.ClientOptions) pahomqtt.Client {
	f.opts = opts
	return f
}

func (f *fakePaho) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePaho) IsConnectionOpen() bool { return f.IsConnected() }

func (f *fakePaho) Connect() pahomqtt.Token {
	f.mu.Lock()
	if f.connectErr != nil {
		f.mu.Unlock()
		return fakeToken{err: f.connectErr}
	}
	f.connected = true
	f.mu.Unlock()
	if f.opts.OnConnect != nil {
		f.opts.OnConnect(f)
	}
	return fakeToken{}
}

func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnected = true
}

func (f *fakePaho) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	}
	msg := fakeMessage{topic: topic, payload: body, qos: qos, retained: retained}

	f.mu.Lock()
	if f.stalled {
		f.mu.Unlock()
		return fakeToken{stalled: true}
	}
	if f.publishErr != nil {
		f.mu.Unlock()
		return fakeToken{err: f.publishErr}
	}
	f.published = append(f.published, msg)
	var handlers []pahomqtt.MessageHandler
	for filter, h := range f.routes {
		if topicMatches(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(f, msg)
	}
	return fakeToken{}
}

func (f *fakePaho) Subscribe(topic string, _ byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[topic] = callback
	return fakeToken{}
}

func (f *fakePaho) SubscribeMultiple(filters map[string]byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	for topic, qos := range filters {
		f.Subscribe(topic, qos, callback)
	}
	return fakeToken{}
}

func (f *fakePaho) Unsubscribe(topics ...string) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.routes, t)
	}
	return fakeToken{}
}

func (f *fakePaho) AddRoute(topic string, callback pahomqtt.MessageHandler) {
	f.Subscribe(topic, 0, callback)
}

func (f *fakePaho) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

// loseConnection simulates the broker dropping the connection.
func (f *fakePaho) loseConnection(err error) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.opts.OnConnectionLost(f, err)
}

func (f *fakePaho) messages(topic string) []fakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeMessage
	for _, m := range f.published {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// topicMatches implements MQTT filter matching for + and #.
func topicMatches(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) || (f != "+" && f != tl[i]) {
			return false
		}
	}
	return len(fl) == len(tl)
}

func connectFake(t *testing.T) (*Client, *fakePaho) {
	t.Helper()
	fake := newFakePaho()
	client, err := connect(testConfig(), fake.factory)
	if err != nil {
		t.Fatalf("connect() error = %v", err)
	}
	return client, fake
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Error(msg string, _ ...any) { l.add(msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.add(msg) }
func (l *recordingLogger) add(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, msg)
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnectPublishesOnlineStatus(t *testing.T) {
	client, fake := connectFake(t)
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}

	status := fake.messages(Topics{}.SystemStatus())
	if len(status) != 1 || !status[0].retained {
		t.Fatalf("status messages = %+v, want one retained", status)
	}
	var payload statusPayload
	if err := json.Unmarshal(status[0].payload, &payload); err != nil {
		t.Fatalf("status payload: %v", err)
	}
	if payload.Status != "online" || payload.ClientID != "upnpd-test" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestConnectConfiguresOptions(t *testing.T) {
	_, fake := connectFake(t)
	statusTopic := Topics{}.SystemStatus()

	if !fake.opts.WillEnabled || fake.opts.WillTopic != statusTopic || !fake.opts.WillRetained {
		t.Errorf("will = enabled:%v topic:%q retained:%v", fake.opts.WillEnabled, fake.opts.WillTopic, fake.opts.WillRetained)
	}
	if !strings.Contains(string(fake.opts.WillPayload), "unexpected_disconnect") {
		t.Errorf("will payload = %s", fake.opts.WillPayload)
	}
	if len(fake.opts.Servers) != 1 || fake.opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("servers = %v", fake.opts.Servers)
	}
}

func TestConnectTLSScheme(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	opts := buildClientOptions(cfg)
	if opts.Servers[0].Scheme != "ssl" || opts.TLSConfig == nil {
		t.Errorf("TLS options: scheme=%s tls=%v", opts.Servers[0].Scheme, opts.TLSConfig)
	}
}

func TestConnectFailure(t *testing.T) {
	fake := newFakePaho()
	fake.connectErr = errors.New("connection refused")

	_, err := connect(testConfig(), fake.factory)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClose(t *testing.T) {
	client, fake := connectFake(t)

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	status := fake.messages(Topics{}.SystemStatus())
	if len(status) != 2 || !strings.Contains(string(status[1].payload), "graceful_shutdown") {
		t.Errorf("status messages = %d, want online then graceful offline", len(status))
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	client, fake := connectFake(t)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() with cancelled context should fail")
	}

	fake.loseConnection(errors.New("broker gone"))
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after disconnect = %v, want ErrNotConnected", err)
	}
}

func TestConnectionCallbacks(t *testing.T) {
	client, fake := connectFake(t)

	var (
		mu          sync.Mutex
		connects    int
		disconnects []error
	)
	client.SetOnConnect(func() {
		mu.Lock()
		connects++
		mu.Unlock()
	})
	client.SetOnDisconnect(func(err error) {
		mu.Lock()
		disconnects = append(disconnects, err)
		mu.Unlock()
	})

	lost := errors.New("broker gone")
	fake.loseConnection(lost)
	fake.Connect()

	mu.Lock()
	defer mu.Unlock()
	if len(disconnects) != 1 || !errors.Is(disconnects[0], lost) {
		t.Errorf("disconnects = %v", disconnects)
	}
	if connects != 1 {
		t.Errorf("connects = %d, want 1", connects)
	}
}

// =============================================================================
// Publish Tests
// =============================================================================

func TestPublishValidation(t *testing.T) {
	client, _ := connectFake(t)

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{name: "empty topic", topic: "", qos: 1, wantErr: ErrInvalidTopic},
		{name: "invalid qos", topic: "upnp/test", qos: 3, wantErr: ErrInvalidQoS},
		{name: "too large", topic: "upnp/test", payload: make([]byte, maxPayloadSize+1), qos: 1, wantErr: ErrPayloadTooLarge},
		{name: "nil payload", topic: "upnp/test", qos: 0, wantErr: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublishDisconnected(t *testing.T) {
	client, fake := connectFake(t)
	fake.loseConnection(errors.New("gone"))

	if err := client.PublishString("upnp/test", "x", 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
}

func TestPublishBrokerError(t *testing.T) {
	client, fake := connectFake(t)
	fake.publishErr = errors.New("not authorised")

	if err := client.PublishRetained("upnp/test", []byte("x")); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Publish() error = %v, want ErrPublishFailed", err)
	}
}

func TestPublishBrokerTimeout(t *testing.T) {
	client, fake := connectFake(t)
	fake.mu.Lock()
	fake.stalled = true
	fake.mu.Unlock()

	topic := Topics{}.Event("uuid:light", "urn:upnp-org:serviceId:SwitchPower")
	err := client.PublishString(topic, `{"Status":"1"}`, 1, false)
	if !errors.Is(err, ErrPublishFailed) || !errors.Is(err, ErrTimeout) {
		t.Fatalf("Publish() error = %v, want ErrPublishFailed and ErrTimeout", err)
	}
	if !strings.Contains(err.Error(), topic) {
		t.Errorf("Publish() error %q does not name the topic", err)
	}
}

func TestPublishJSON(t *testing.T) {
	client, fake := connectFake(t)

	topic := Topics{}.Event("uuid:light", "urn:upnp-org:serviceId:SwitchPower")
	if err := client.PublishJSON(topic, map[string]string{"Status": "1"}, false); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}
	msgs := fake.messages(topic)
	if len(msgs) != 1 || string(msgs[0].payload) != `{"Status":"1"}` || msgs[0].qos != 1 {
		t.Errorf("messages = %+v", msgs)
	}

	if err := client.PublishJSON(topic, make(chan int), false); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("PublishJSON(chan) error = %v, want ErrPublishFailed", err)
	}
}

// =============================================================================
// Subscribe Tests
// =============================================================================

func TestSubscribeValidation(t *testing.T) {
	client, fake := connectFake(t)
	noop := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := client.Subscribe("upnp/test", 3, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("invalid qos error = %v", err)
	}
	if err := client.Subscribe("upnp/test", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}
	fake.loseConnection(errors.New("gone"))
	if err := client.Subscribe("upnp/test", 1, noop); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected error = %v", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
}

func TestSubscribeRoundtripWithWildcard(t *testing.T) {
	client, _ := connectFake(t)

	var got []string
	err := client.Subscribe(Topics{}.AllEvents(), 1, func(topic string, payload []byte) error {
		got = append(got, topic+"="+string(payload))
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !client.HasSubscription(Topics{}.AllEvents()) {
		t.Error("HasSubscription() = false")
	}

	topic := Topics{}.Event("uuid:tv", "urn:upnp-org:serviceId:RenderingControl")
	if err := client.PublishString(topic, "30", 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := client.PublishString(Topics{}.Device("uuid:tv"), "{}", 1, true); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(got) != 1 || got[0] != topic+"=30" {
		t.Errorf("received = %v", got)
	}
}

func TestSubscriptionsRestoredOnReconnect(t *testing.T) {
	client, fake := connectFake(t)

	calls := 0
	if err := client.Subscribe(Topics{}.CommandSearch(), 1, func(string, []byte) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// The broker forgets clean-session subscriptions.
	fake.loseConnection(errors.New("gone"))
	fake.Unsubscribe(Topics{}.CommandSearch())
	fake.Connect()

	if err := client.PublishString(Topics{}.CommandSearch(), "{}", 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("handler calls after reconnect = %d, want 1", calls)
	}
}

func TestUnsubscribe(t *testing.T) {
	client, _ := connectFake(t)
	topic := Topics{}.CommandSearch()

	if err := client.Subscribe(topic, 1, func(string, []byte) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := client.Unsubscribe(topic); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if client.HasSubscription(topic) {
		t.Error("HasSubscription() = true after Unsubscribe")
	}
	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v", err)
	}
}

func TestHandlerErrorsAndPanicsAreLogged(t *testing.T) {
	client, _ := connectFake(t)
	logger := &recordingLogger{}
	client.SetLogger(logger)

	_ = client.Subscribe("upnp/test/error", 1, func(string, []byte) error { return errors.New("bad payload") })
	_ = client.Subscribe("upnp/test/panic", 1, func(string, []byte) error { panic("boom") })

	if err := client.PublishString("upnp/test/error", "x", 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := client.PublishString("upnp/test/panic", "x", 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.lines) != 2 || logger.lines[0] != "MQTT handler returned error" || logger.lines[1] != "MQTT handler panic recovered" {
		t.Errorf("log lines = %v", logger.lines)
	}
}

// =============================================================================
// Topic Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"Device", topics.Device("uuid:abc"), "upnp/device/uuid:abc"},
		{"Device escapes levels", topics.Device("uuid:a/b+c#"), "upnp/device/uuid:a_b_c_"},
		{"Event", topics.Event("uuid:abc", "urn:upnp-org:serviceId:SwitchPower"), "upnp/event/uuid:abc/urn:upnp-org:serviceId:SwitchPower"},
		{"Subscription", topics.Subscription("uuid:abc", "svc"), "upnp/subscription/uuid:abc/svc"},
		{"CommandSearch", topics.CommandSearch(), "upnp/command/search"},
		{"SystemStatus", topics.SystemStatus(), "upnp/system/status"},
		{"AllDevices", topics.AllDevices(), "upnp/device/+"},
		{"AllEvents", topics.AllEvents(), "upnp/event/+/+"},
		{"AllTopics", topics.AllTopics(), "upnp/#"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}
