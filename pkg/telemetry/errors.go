package telemetry

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionTimeout  = errors.New("telemetry: timed out waiting for broker acknowledgement")
	ErrConnectionFailed   = errors.New("telemetry: connection failed")
	ErrNotConnected       = errors.New("telemetry: not connected")
	ErrInvalidState       = errors.New("telemetry: invalid state")
	ErrReconnectExhausted = errors.New("telemetry: reconnect attempts exhausted")
)

// PublishError is a failed publish. It is never fatal: the next tick tries again.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
