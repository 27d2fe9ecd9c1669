package monitor

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-upnp/internal/infrastructure/influxdb"
)

// PointWriter writes state values as time-series points. Satisfied by
// *influxdb.Client.
type PointWriter interface {
	WriteStateValue(v influxdb.StateValue, at time.Time)
}

// InfluxSink records evented state values in InfluxDB. Device and
// subscription changes are not time series and are ignored.
type InfluxSink struct {
	w PointWriter
}

// NewInfluxSink creates a sink writing through w.
func NewInfluxSink(w PointWriter) *InfluxSink {
	return &InfluxSink{w: w}
}

// Name implements Sink.
func (s *InfluxSink) Name() string { return "influxdb" }

// DeviceChanged implements Sink.
func (s *InfluxSink) DeviceChanged(context.Context, DeviceEvent) error { return nil }

// SubscriptionChanged implements Sink.
func (s *InfluxSink) SubscriptionChanged(context.Context, SubscriptionEvent) error { return nil }

// StateReceived writes one point per value. Writes are buffered by the
// client, so errors surface through its error callback.
func (s *InfluxSink) StateReceived(_ context.Context, e StateEvent) error {
	for _, v := range e.Values {
		s.w.WriteStateValue(influxdb.StateValue{
			UDN:        e.UDN,
			DeviceType: e.DeviceType,
			ServiceID:  e.ServiceID,
			Variable:   v.Name,
			Value:      v.Value,
			Raw:        v.Raw,
			Sequence:   e.Sequence,
		}, e.At)
	}
	return nil
}
