package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Subscribe routes messages on topic to handler. upnpd listens on its
// command topics only; "upnp/command/+" covers every command and
// Topics.CommandSearch names the search trigger.
//
// Handlers run with panics recovered and errors logged. A search command
// only queues a multicast M-SEARCH, so it returns at once; slower work
// belongs on its own goroutine.
//
// The subscription is remembered and re-established after a reconnect.
//
// Example:
//
//	err := client.Subscribe(mqtt.Topics{}.CommandSearch(), 1, mon.HandleSearchCommand)
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := validate(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w on %s: nil handler", ErrSubscribeFailed, topic)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	// Remembered first, so a reconnect racing this call restores it.
	c.remember(subscription{topic: topic, qos: qos, handler: handler})

	if err := await(c.client.Subscribe(topic, qos, c.wrapHandler(handler))); err != nil {
		c.forget(topic)
		return fmt.Errorf("%w on %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

// Unsubscribe stops routing topic. Messages already in flight may still
// reach the old handler.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.forget(topic)
	if err := await(c.client.Unsubscribe(topic)); err != nil {
		return fmt.Errorf("%w on %s: %w", ErrUnsubscribeFailed, topic, err)
	}
	return nil
}

// SubscriptionCount returns how many command topics are routed.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

// HasSubscription reports whether exactly topic is routed. Wildcards are
// not expanded.
func (c *Client) HasSubscription(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subscriptions[topic]
	return ok
}

func (c *Client) remember(s subscription) {
	c.subMu.Lock()
	c.subscriptions[s.topic] = s
	c.subMu.Unlock()
}

func (c *Client) forget(topic string) {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
}

func validate(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}

// await waits for the broker to acknowledge token.
func await(token pahomqtt.Token) error {
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w after %v", ErrTimeout, defaultPublishTimeout)
	}
	return token.Error()
}
