package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "upnp"

// Metrics holds the collectors for the UPnP node.
//
// It implements transport.Observer and protocol.Observer, so it can be
// handed to the transport factory and the service directly.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	datagramsReceived *prometheus.CounterVec
	datagramsDropped  *prometheus.CounterVec
	streamsServed     *prometheus.CounterVec
	protocols         *prometheus.CounterVec
	unhandled         *prometheus.CounterVec
	subscriptions     *prometheus.CounterVec
	eventsReceived    prometheus.Counter
	eventsMissed      prometheus.Counter

	devices             *prometheus.GaugeVec
	activeSubscriptions *prometheus.GaugeVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		datagramsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "SSDP datagrams received, by message kind.",
		}, []string{"kind"}),
		datagramsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "SSDP datagrams dropped before processing, by reason.",
		}, []string{"reason"}),
		streamsServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_served_total",
			Help:      "HTTP requests answered by the stream server, by method and status.",
		}, []string{"method", "status"}),
		protocols: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocols_executed_total",
			Help:      "Protocol executions, by protocol and result.",
		}, []string{"protocol", "result"}),
		unhandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unhandled_messages_total",
			Help:      "Incoming messages no protocol accepted, by transport kind.",
		}, []string{"kind"}),
		subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_events_total",
			Help:      "Outgoing subscription lifecycle events, by kind.",
		}, []string{"kind"}),
		eventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gena_events_received_total",
			Help:      "GENA event messages applied to outgoing subscriptions.",
		}),
		eventsMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gena_events_missed_total",
			Help:      "GENA event messages detected as missing from sequence gaps.",
		}),
		devices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Devices in the registry, by origin.",
		}, []string{"origin"}),
		activeSubscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Active GENA subscriptions, by direction.",
		}, []string{"direction"}),
	}

	m.registry.MustRegister(
		m.datagramsReceived,
		m.datagramsDropped,
		m.streamsServed,
		m.protocols,
		m.unhandled,
		m.subscriptions,
		m.eventsReceived,
		m.eventsMissed,
		m.devices,
		m.activeSubscriptions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registry in the Prometheus
// text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// DatagramReceived counts a datagram read from a multicast or unicast socket.
func (m *Metrics) DatagramReceived(kind string) {
	m.datagramsReceived.WithLabelValues(kind).Inc()
}

// DatagramDropped counts a datagram discarded before dispatch.
func (m *Metrics) DatagramDropped(reason string) {
	m.datagramsDropped.WithLabelValues(reason).Inc()
}

// StreamServed counts an answered HTTP request.
func (m *Metrics) StreamServed(method string, status int) {
	m.streamsServed.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// ProtocolExecuted counts a finished protocol run.
func (m *Metrics) ProtocolExecuted(name string, failed bool) {
	result := "ok"
	if failed {
		result = "failed"
	}
	m.protocols.WithLabelValues(name, result).Inc()
}

// NoProtocol counts a message no protocol accepted.
func (m *Metrics) NoProtocol(kind string) {
	m.unhandled.WithLabelValues(kind).Inc()
}

// SubscriptionEvent counts an outgoing subscription lifecycle event.
func (m *Metrics) SubscriptionEvent(kind string) {
	m.subscriptions.WithLabelValues(kind).Inc()
}

// EventReceived counts an applied GENA event message.
func (m *Metrics) EventReceived() {
	m.eventsReceived.Inc()
}

// EventsMissed adds n missed GENA event messages.
func (m *Metrics) EventsMissed(n uint32) {
	m.eventsMissed.Add(float64(n))
}

// SetRegistryCounts updates the device and subscription gauges.
func (m *Metrics) SetRegistryCounts(localDevices, remoteDevices, localSubs, remoteSubs int) {
	m.devices.WithLabelValues("local").Set(float64(localDevices))
	m.devices.WithLabelValues("remote").Set(float64(remoteDevices))
	m.activeSubscriptions.WithLabelValues("incoming").Set(float64(localSubs))
	m.activeSubscriptions.WithLabelValues("outgoing").Set(float64(remoteSubs))
}
