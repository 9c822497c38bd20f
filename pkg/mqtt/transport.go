package mqtt

import (
	"context"
	"fmt"
	"time"
)

// Options describes a single broker connection attempt.
type Options struct {
	Server         string
	Port           int
	TLS            bool
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// BrokerURL returns the broker address in the tcp:// or ssl:// form both paho
// libraries accept.
func (o Options) BrokerURL() string {
	scheme := "tcp"
	if o.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, o.Server, o.Port)
}

// Handlers are invoked from the transport's own goroutines.
type Handlers struct {
	// OnConnectResult reports the outcome of a Connect call exactly once.
	// code is the broker acknowledgement (Accepted on success); err is non-nil
	// for refusals and for attempts that never reached the broker.
	OnConnectResult func(code byte, err error)
	OnMessage       func(topic string, payload []byte)
	// OnConnectionLost fires at most once per successful connection.
	OnConnectionLost func(err error)
}

// Transport is the broker connection a telemetry client drives. Connect only
// initiates the attempt; the result arrives through Handlers.OnConnectResult.
type Transport interface {
	Connect(ctx context.Context, opts Options, h Handlers) error
	Subscribe(ctx context.Context, topic string, qos byte) error
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) (uint16, error)
	Disconnect(ctx context.Context) error
}

// Maximum payload size for a single message.
const maxPayloadSize = 1 << 20

const maxQoS = 2

// ValidatePublish checks the arguments shared by every transport's Publish.
func ValidatePublish(topic string, qos byte, payload []byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	return nil
}

// ValidateSubscribe checks the arguments shared by every transport's Subscribe.
func ValidateSubscribe(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}
