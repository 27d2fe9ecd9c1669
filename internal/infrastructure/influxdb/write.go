package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by upnpd.
const (
	// MeasurementState holds evented state variable values, one point per
	// variable per event.
	MeasurementState = "upnp_state"

	// MeasurementRegistry holds periodic device and subscription counts.
	MeasurementRegistry = "upnp_registry"
)

// StateValue is one evented state variable value.
type StateValue struct {
	UDN        string
	DeviceType string
	ServiceID  string
	Variable   string

	// Value is the decoded value (bool, integer, float or string). Raw is
	// the wire text and is always written.
	Value any
	Raw   string

	Sequence uint32
}

// WriteStateValue records one evented value at the given time.
//
// Numeric and boolean values also get a float "value" field so they can be
// graphed; booleans are written as 0 or 1.
//
// Example:
//
//	client.WriteStateValue(influxdb.StateValue{
//	    UDN: "uuid:abc", ServiceID: "urn:upnp-org:serviceId:SwitchPower",
//	    Variable: "Status", Value: true, Raw: "1",
//	}, time.Now())
func (c *Client) WriteStateValue(v StateValue, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(statePoint(v, at))
}

// statePoint builds the upnp_state point of v.
func statePoint(v StateValue, at time.Time) *write.Point {
	tags := map[string]string{
		"udn":        v.UDN,
		"service_id": v.ServiceID,
		"variable":   v.Variable,
	}
	if v.DeviceType != "" {
		tags["device_type"] = v.DeviceType
	}

	fields := map[string]interface{}{
		"raw":      v.Raw,
		"sequence": int64(v.Sequence),
	}
	if f, ok := numeric(v.Value); ok {
		fields["value"] = f
	}

	return write.NewPoint(MeasurementState, tags, fields, at)
}

// numeric converts the decoded value types of UPnP datatypes to float64.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// WriteRegistryCounts records how many devices and subscriptions the node
// currently tracks.
func (c *Client) WriteRegistryCounts(localDevices, remoteDevices, localSubs, remoteSubs int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		MeasurementRegistry,
		nil,
		map[string]interface{}{
			"local_devices":        localDevices,
			"remote_devices":       remoteDevices,
			"local_subscriptions":  localSubs,
			"remote_subscriptions": remoteSubs,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
