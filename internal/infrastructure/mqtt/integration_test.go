//go:build integration

package mqtt

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-upnp/internal/infrastructure/config"
)

// These tests need a broker on 127.0.0.1:1883:
//
//	go test -tags=integration -count=1 ./internal/infrastructure/mqtt/...

const (
	bridgeUDN       = "uuid:2fac1234-31f8-11b4-a222-08002b34c003"
	bridgeServiceID = "urn:upnp-org:serviceId:SwitchPower"
)

func brokerConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func connectBroker(t *testing.T, clientID string) *Client {
	t.Helper()
	c, err := Connect(brokerConfig(clientID))
	if err != nil {
		t.Fatalf("Connect(%s) error = %v", clientID, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// receiveOn subscribes to filter and returns the messages that arrive on it.
func receiveOn(t *testing.T, c *Client, filter string) <-chan [2]string {
	t.Helper()
	got := make(chan [2]string, 8)
	err := c.Subscribe(filter, 1, func(topic string, payload []byte) error {
		select {
		case got <- [2]string{topic, string(payload)}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe(%s) error = %v", filter, err)
	}
	// Give the broker time to install the route.
	time.Sleep(100 * time.Millisecond)
	return got
}

func next(t *testing.T, ch <-chan [2]string) (topic, payload string) {
	t.Helper()
	select {
	case m := <-ch:
		return m[0], m[1]
	case <-time.After(5 * time.Second):
		t.Fatal("no message from broker")
		return "", ""
	}
}

func TestIntegration_CommandSubscriptionsTracked(t *testing.T) {
	c := connectBroker(t, "upnpd-int-commands")
	topics := Topics{}

	filters := []string{topics.CommandSearch(), topics.AllDevices(), topics.AllEvents()}
	for _, f := range filters {
		if err := c.Subscribe(f, 1, func(string, []byte) error { return nil }); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", f, err)
		}
	}
	if c.SubscriptionCount() != len(filters) {
		t.Errorf("SubscriptionCount() = %d, want %d", c.SubscriptionCount(), len(filters))
	}

	if err := c.Unsubscribe(topics.AllDevices()); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if c.HasSubscription(topics.AllDevices()) {
		t.Error("device filter still tracked after Unsubscribe")
	}
	if !c.HasSubscription(topics.CommandSearch()) {
		t.Error("search command filter lost")
	}
}

func TestIntegration_EventReachesWildcardSubscriber(t *testing.T) {
	bridge := connectBroker(t, "upnpd-int-bridge")
	consumer := connectBroker(t, "upnpd-int-consumer")

	events := receiveOn(t, consumer, Topics{}.AllEvents())

	topic := Topics{}.Event(bridgeUDN, bridgeServiceID)
	if err := bridge.PublishJSON(topic, map[string]string{"Status": "1"}, false); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	gotTopic, payload := next(t, events)
	if gotTopic != topic {
		t.Errorf("topic = %q, want %q", gotTopic, topic)
	}
	var values map[string]string
	if err := json.Unmarshal([]byte(payload), &values); err != nil {
		t.Fatalf("payload %q: %v", payload, err)
	}
	if values["Status"] != "1" {
		t.Errorf("Status = %q, want 1", values["Status"])
	}
}

func TestIntegration_RetainedPresenceSeenByLateSubscriber(t *testing.T) {
	bridge := connectBroker(t, "upnpd-int-presence")
	topic := Topics{}.Device(bridgeUDN)

	if err := bridge.PublishRetained(topic, []byte(`{"friendly_name":"Integration Light"}`)); err != nil {
		t.Fatalf("PublishRetained() error = %v", err)
	}
	t.Cleanup(func() { bridge.PublishRetained(topic, nil) })

	late := connectBroker(t, "upnpd-int-late")
	_, payload := next(t, receiveOn(t, late, topic))
	if !strings.Contains(payload, "Integration Light") {
		t.Errorf("retained presence = %q", payload)
	}
}

func TestIntegration_OnlineStatusRetained(t *testing.T) {
	connectBroker(t, "upnpd-int-status")

	watcher := connectBroker(t, "upnpd-int-status-watch")
	status := receiveOn(t, watcher, Topics{}.SystemStatus())
	// A retained offline status of an earlier run may arrive first.
	for i := 0; i < 3; i++ {
		if _, payload := next(t, status); strings.Contains(payload, `"status":"online"`) {
			return
		}
	}
	t.Error("no online status on the system status topic")
}
