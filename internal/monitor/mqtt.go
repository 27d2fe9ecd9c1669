package monitor

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-upnp/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-upnp/internal/journal"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/gena"
)

// Publisher publishes JSON documents. Satisfied by *mqtt.Client.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// DeviceMessage is the retained presence document of a device.
// Topic: upnp/device/{udn}
type DeviceMessage struct {
	UDN          string    `json:"udn"`
	Online       bool      `json:"online"`
	Event        string    `json:"event"`
	DeviceType   string    `json:"device_type,omitempty"`
	FriendlyName string    `json:"friendly_name,omitempty"`
	Location     string    `json:"location,omitempty"`
	Local        bool      `json:"local"`
	Timestamp    time.Time `json:"timestamp"`
}

// SubscriptionMessage reports a lifecycle change of an outgoing
// subscription.
// Topic: upnp/subscription/{udn}/{serviceId}
type SubscriptionMessage struct {
	Event     string    `json:"event"`
	SID       string    `json:"sid,omitempty"`
	UDN       string    `json:"udn"`
	ServiceID string    `json:"service_id"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventMessage carries the values of one GENA event.
// Topic: upnp/event/{udn}/{serviceId}
type EventMessage struct {
	SID       string         `json:"sid"`
	UDN       string         `json:"udn"`
	ServiceID string         `json:"service_id"`
	Sequence  uint32         `json:"sequence"`
	Values    map[string]any `json:"values"`
	Timestamp time.Time      `json:"timestamp"`
}

// MQTTSink publishes monitor events on the upnp topic tree.
type MQTTSink struct {
	pub    Publisher
	topics mqtt.Topics
}

// NewMQTTSink creates a sink publishing through pub.
func NewMQTTSink(pub Publisher) *MQTTSink {
	return &MQTTSink{pub: pub}
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// DeviceChanged publishes the retained presence of the device. Removal
// keeps the topic but marks the device offline.
func (s *MQTTSink) DeviceChanged(_ context.Context, e DeviceEvent) error {
	msg := NewDeviceMessage(e)
	return s.pub.PublishJSON(s.topics.Device(msg.UDN), msg, true)
}

// SubscriptionChanged publishes the lifecycle change.
func (s *MQTTSink) SubscriptionChanged(_ context.Context, e SubscriptionEvent) error {
	return s.pub.PublishJSON(s.topics.Subscription(e.UDN, e.ServiceID), NewSubscriptionMessage(e), false)
}

// StateReceived publishes the values of the event.
func (s *MQTTSink) StateReceived(_ context.Context, e StateEvent) error {
	return s.pub.PublishJSON(s.topics.Event(e.UDN, e.ServiceID), NewEventMessage(e), false)
}

// NewDeviceMessage builds the presence document of a device event.
func NewDeviceMessage(e DeviceEvent) DeviceMessage {
	d := e.Device
	msg := DeviceMessage{
		UDN:          d.Identity.UDN.String(),
		Online:       e.Kind != journal.KindRemoteRemoved && e.Kind != journal.KindLocalRemoved,
		Event:        e.Kind,
		FriendlyName: d.Details.FriendlyName,
		Local:        d.Local,
		Timestamp:    e.At,
	}
	if !d.Type.IsZero() {
		msg.DeviceType = d.Type.String()
	}
	if d.Identity.DescriptorURL != nil {
		msg.Location = d.Identity.DescriptorURL.String()
	}
	return msg
}

// NewSubscriptionMessage builds the document of a subscription change.
func NewSubscriptionMessage(e SubscriptionEvent) SubscriptionMessage {
	return SubscriptionMessage{
		Event:     e.Kind,
		SID:       e.SID,
		UDN:       e.UDN,
		ServiceID: e.ServiceID,
		Detail:    e.Detail,
		Timestamp: e.At,
	}
}

// NewEventMessage builds the document of a received event.
func NewEventMessage(e StateEvent) EventMessage {
	values := make(map[string]any, len(e.Values))
	for _, v := range e.Values {
		values[v.Name] = jsonValue(v)
	}
	return EventMessage{
		SID:       e.SID,
		UDN:       e.UDN,
		ServiceID: e.ServiceID,
		Sequence:  e.Sequence,
		Values:    values,
		Timestamp: e.At,
	}
}

// jsonValue returns the typed value when the variable is declared, the raw
// text otherwise.
func jsonValue(v gena.StateValue) any {
	if v.Variable == nil || v.Value == nil {
		return v.Raw
	}
	return v.Value
}
