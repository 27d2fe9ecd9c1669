// Package influxdb provides InfluxDB connectivity for upnpd.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, batched point writing, and health monitoring.
//
// # Purpose
//
// This package keeps the history of the UPnP network:
//   - upnp_state: every evented state variable value received from remote
//     services, tagged by device, service and variable
//   - upnp_registry: periodic device and subscription counts
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteStateValue(influxdb.StateValue{UDN: udn, ServiceID: id, Variable: "Status", Value: true, Raw: "1"}, time.Now())
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking; batch errors are delivered to the
// SetOnError callback. Connection and health check errors are returned
// directly.
package influxdb
