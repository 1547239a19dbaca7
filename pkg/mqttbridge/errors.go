package mqttbridge

import "errors"

// Bridge and client errors.
var (
	ErrNotConnected     = errors.New("mqttbridge: client not connected")
	ErrConnectionFailed = errors.New("mqttbridge: connection failed")
	ErrPublishFailed    = errors.New("mqttbridge: publish failed")
	ErrSubscribeFailed  = errors.New("mqttbridge: subscribe failed")
	ErrInvalidTopic     = errors.New("mqttbridge: topic cannot be empty")
	ErrInvalidQoS       = errors.New("mqttbridge: invalid QoS level (must be 0, 1, or 2)")
	ErrUnknownAction    = errors.New("mqttbridge: unknown command action")
	ErrClosed           = errors.New("mqttbridge: bridge closed")
)
