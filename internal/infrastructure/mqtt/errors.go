package mqtt

import "errors"

// Errors returned by Client. Failures reported by the broker wrap the
// matching operation error.
var (
	ErrNotConnected      = errors.New("mqtt: client not connected")
	ErrConnectionFailed  = errors.New("mqtt: connection failed")
	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS rejects QoS levels above 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level")

	// ErrInvalidTopic rejects an empty topic.
	ErrInvalidTopic = errors.New("mqtt: empty topic")
)
