package mqtt

import (
	"errors"
	"fmt"
)

// Sentinel errors. Failures returned by Publish, Subscribe and Unsubscribe
// are *OpError values wrapping one of these; match them with errors.Is.
var (
	ErrNotConnected     = errors.New("mqtt: broker connection is down")
	ErrConnectionFailed = errors.New("mqtt: cannot reach broker")
	ErrPublishFailed    = errors.New("mqtt: publish rejected")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe rejected")
	ErrInvalidQoS       = errors.New("mqtt: qos must be 0, 1 or 2")
	ErrInvalidTopic     = errors.New("mqtt: malformed topic")
	ErrPayloadTooLarge  = errors.New("mqtt: payload too large")
	ErrTimeout          = errors.New("mqtt: broker did not acknowledge in time")
)

// OpError reports a failed broker operation on a single topic.
type OpError struct {
	Op    string // "publish", "subscribe" or "unsubscribe"
	Topic string
	Kind  error // one of the sentinels above
	Cause error // underlying paho or validation error, may be nil
}

func (e *OpError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s %q: %v", e.Op, e.Topic, e.Kind)
	}
	return fmt.Sprintf("%s %q: %v: %v", e.Op, e.Topic, e.Kind, e.Cause)
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *OpError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func opError(op, topic string, kind, cause error) *OpError {
	return &OpError{Op: op, Topic: topic, Kind: kind, Cause: cause}
}
