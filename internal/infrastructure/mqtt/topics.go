package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes of the upnpd MQTT hierarchy.
const (
	// TopicPrefix is the base for all upnpd topics.
	TopicPrefix = "upnp"

	// TopicPrefixSystem is the base for node status topics.
	TopicPrefixSystem = "upnp/system"
)

// Topics provides builders for upnpd MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	deviceTopic := topics.Device("uuid:2fac1234-31f8-11b4-a222-08002b34c003")
//	// Returns: "upnp/device/uuid:2fac1234-31f8-11b4-a222-08002b34c003"
type Topics struct{}

// topicLevel makes s safe to use as one topic level. MQTT reserves / as the
// level separator and + and # as wildcards.
func topicLevel(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// Device returns the retained presence topic of a device. The payload is the
// device summary while the device is known and empty once it is gone.
//
// Example: upnp/device/uuid:abc
func (Topics) Device(udn string) string {
	return fmt.Sprintf("%s/device/%s", TopicPrefix, topicLevel(udn))
}

// Event returns the topic of state values evented by a service.
//
// Example: upnp/event/uuid:abc/urn:upnp-org:serviceId:SwitchPower
func (Topics) Event(udn, serviceID string) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicPrefix, topicLevel(udn), topicLevel(serviceID))
}

// Subscription returns the topic of subscription lifecycle changes of a
// service.
//
// Example: upnp/subscription/uuid:abc/urn:upnp-org:serviceId:SwitchPower
func (Topics) Subscription(udn, serviceID string) string {
	return fmt.Sprintf("%s/subscription/%s/%s", TopicPrefix, topicLevel(udn), topicLevel(serviceID))
}

// CommandSearch returns the topic on which search requests are accepted.
//
// Example: upnp/command/search
func (Topics) CommandSearch() string {
	return fmt.Sprintf("%s/command/search", TopicPrefix)
}

// SystemStatus returns the node status topic.
//
// Example: upnp/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllDevices returns a pattern matching every device presence topic.
//
// Pattern: upnp/device/+
func (Topics) AllDevices() string {
	return fmt.Sprintf("%s/device/+", TopicPrefix)
}

// AllEvents returns a pattern matching every evented value topic.
//
// Pattern: upnp/event/+/+
func (Topics) AllEvents() string {
	return fmt.Sprintf("%s/event/+/+", TopicPrefix)
}

// AllTopics returns a pattern matching all upnpd topics.
//
// Pattern: upnp/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}
