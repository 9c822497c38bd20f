package mqtt

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected      = errors.New("mqtt: client not connected")
	ErrConnectionFailed  = errors.New("mqtt: connection failed")
	ErrConnectionRefused = errors.New("mqtt: connection refused")
	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrInvalidQoS        = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")
	ErrInvalidTopic      = errors.New("mqtt: topic cannot be empty")
)

// Connection acknowledgement codes. MQTT 5 reason codes are folded onto
// these by the mqtt2 transport.
const (
	Accepted                  byte = 0
	RefusedProtocolVersion    byte = 1
	RefusedIdentifierRejected byte = 2
	RefusedServerUnavailable  byte = 3
	RefusedBadCredentials     byte = 4
	RefusedNotAuthorized      byte = 5

	// NoAcknowledgement marks attempts that failed before the broker answered.
	NoAcknowledgement byte = 0xFE
)

var reasonText = map[byte]string{
	Accepted:                  "connection accepted",
	RefusedProtocolVersion:    "unacceptable protocol version",
	RefusedIdentifierRejected: "identifier rejected",
	RefusedServerUnavailable:  "server unavailable",
	RefusedBadCredentials:     "bad user name or password",
	RefusedNotAuthorized:      "not authorized",
}

// ReasonText describes an acknowledgement code.
func ReasonText(code byte) string {
	if s, ok := reasonText[code]; ok {
		return s
	}
	return "unknown reason"
}

// IsRefusal reports whether code is one of the broker refusal codes.
func IsRefusal(code byte) bool {
	return code >= RefusedProtocolVersion && code <= RefusedNotAuthorized
}

// ConnectionRefusedError is returned when the broker rejects the handshake.
type ConnectionRefusedError struct {
	Code byte
}

func (e *ConnectionRefusedError) Error() string {
	return fmt.Sprintf("mqtt: connection refused: %s (code %d)", ReasonText(e.Code), e.Code)
}

func (e *ConnectionRefusedError) Is(target error) bool {
	return target == ErrConnectionRefused
}
