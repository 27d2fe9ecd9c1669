// Package mqtt provides MQTT client connectivity for upnpd.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
// The node mirrors what its registry and control point observe onto a
// topic tree so other systems can follow the UPnP network without speaking
// SSDP or GENA themselves:
//
//	upnp/device/{udn}                    retained device summary, empty when gone
//	upnp/event/{udn}/{serviceId}         evented state values
//	upnp/subscription/{udn}/{serviceId}  subscription lifecycle
//	upnp/command/search                  search requests into the node
//	upnp/system/status                   online/offline (LWT)
//
// # Security Considerations
//
//   - TLS should be enabled outside trusted networks (cfg.Broker.TLS=true)
//   - Credentials should come from UPNPD_MQTT_USERNAME and UPNPD_MQTT_PASSWORD
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.CommandSearch(), 1,
//	    func(topic string, payload []byte) error {
//	        return handleSearch(payload)
//	    })
package mqtt
