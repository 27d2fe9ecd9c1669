package monitor

import (
	"context"

	"github.com/nerrad567/gray-logic-upnp/internal/journal"
)

// SubscriptionMetrics counts GENA activity. Satisfied by *metrics.Metrics.
type SubscriptionMetrics interface {
	SubscriptionEvent(kind string)
	EventReceived()
	EventsMissed(n uint32)
}

// MetricsSink feeds subscription and event counters.
type MetricsSink struct {
	m SubscriptionMetrics
}

// NewMetricsSink creates a sink counting into m.
func NewMetricsSink(m SubscriptionMetrics) *MetricsSink {
	return &MetricsSink{m: m}
}

// Name implements Sink.
func (s *MetricsSink) Name() string { return "metrics" }

// DeviceChanged implements Sink. Device counts come from RecordCounts.
func (s *MetricsSink) DeviceChanged(context.Context, DeviceEvent) error { return nil }

// SubscriptionChanged counts the lifecycle change.
func (s *MetricsSink) SubscriptionChanged(_ context.Context, e SubscriptionEvent) error {
	s.m.SubscriptionEvent(e.Kind)
	if e.Kind == journal.KindEventsMissed {
		s.m.EventsMissed(e.Missed)
	}
	return nil
}

// StateReceived counts the event.
func (s *MetricsSink) StateReceived(context.Context, StateEvent) error {
	s.m.EventReceived()
	return nil
}
