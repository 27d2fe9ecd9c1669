package mqtt

import "errors"

// Errors returned by the bridge client. Check them with errors.Is; most are
// wrapped with the topic or the broker's own error.
var (
	// ErrNotConnected is returned while the broker link is down. Device and
	// event messages produced meanwhile are dropped, not queued.
	ErrNotConnected = errors.New("mqtt: bridge not connected to broker")

	// ErrConnectionFailed wraps the broker's refusal or a connect timeout.
	ErrConnectionFailed = errors.New("mqtt: broker connection failed")

	// ErrPublishFailed wraps failures to publish a device, event or status
	// message.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrPayloadTooLarge is wrapped with ErrPublishFailed when an encoded
	// message exceeds the broker payload limit, usually a property set with
	// large string variables.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")

	// ErrSubscribeFailed wraps failures to subscribe to a command topic.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrUnsubscribeFailed wraps failures to drop a command topic.
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS is returned for QoS levels above 2.
	ErrInvalidQoS = errors.New("mqtt: QoS must be 0, 1 or 2")

	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("mqtt: empty topic")

	// ErrTimeout is wrapped alongside the operation error when the broker
	// did not acknowledge in time.
	ErrTimeout = errors.New("mqtt: broker did not acknowledge in time")
)
