// Package monitor watches the UPnP registry and outgoing GENA subscriptions
// and forwards what it sees to sinks.
//
// The monitor is attached to the service with the registry listener from
// Listener and hands Handlers to every subscription it creates. With
// AutoSubscribe set it subscribes to each evented service of a remote
// device once the device descriptor has been retrieved, and forgets the
// subscription again when it fails, ends or the device leaves.
//
// Sinks shipped with the package:
//
//	MQTTSink     upnp/device/{udn} (retained), upnp/event/..., upnp/subscription/...
//	InfluxSink   upnp_state points per evented value
//	JournalSink  device, subscription and state rows in SQLite
//	MetricsSink  Prometheus subscription and event counters
//
// Registry counts are recorded periodically through CountsRecorder
// functions, and journal retention is enforced by the same loop.
//
// Thread Safety: All methods are safe for concurrent use. Sinks must be too.
package monitor
