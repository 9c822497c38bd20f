package telemetry

import (
	"time"

	"sbc-telemetry/pkg/mqtt"
)

// Direction says whether a topic is consumed or produced by the device.
type Direction int

const (
	Subscribe Direction = iota
	Publish
)

func (d Direction) String() string {
	if d == Subscribe {
		return "subscribe"
	}
	return "publish"
}

// TopicBinding pairs a topic with its direction. Bindings are fixed when the
// client is built.
type TopicBinding struct {
	Topic     string
	Direction Direction
}

// ReconnectPolicy bounds the retries made after a lost connection.
// MaxRetries counts attempts after the first one.
type ReconnectPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Config struct {
	Server    string
	Port      int
	ClientID  string
	Username  string
	Password  string
	TLS       bool
	QoS       byte
	Retain    bool
	KeepAlive time.Duration

	SubscribeTopics []string
	PublishTopics   []string

	// PollInterval is how often AwaitConnection checks the state.
	PollInterval   time.Duration
	ConnectTimeout time.Duration
	// Resolution is the RunLoop ticker period; it bounds how late a tick can fire.
	Resolution time.Duration

	Reconnect ReconnectPolicy
}

const (
	defaultPollInterval   = time.Second
	defaultConnectTimeout = 30 * time.Second
	defaultResolution     = 100 * time.Millisecond
	defaultRetryInterval  = time.Second
	defaultMaxInterval    = time.Minute
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.Resolution <= 0 {
		c.Resolution = defaultResolution
	}
	if c.Reconnect.InitialInterval <= 0 {
		c.Reconnect.InitialInterval = defaultRetryInterval
	}
	if c.Reconnect.MaxInterval <= 0 {
		c.Reconnect.MaxInterval = defaultMaxInterval
	}
	return c
}

// Bindings lists subscribe topics first, then publish topics.
func (c Config) Bindings() []TopicBinding {
	out := make([]TopicBinding, 0, len(c.SubscribeTopics)+len(c.PublishTopics))
	for _, t := range c.SubscribeTopics {
		out = append(out, TopicBinding{Topic: t, Direction: Subscribe})
	}
	for _, t := range c.PublishTopics {
		out = append(out, TopicBinding{Topic: t, Direction: Publish})
	}
	return out
}

func (c Config) transportOptions() mqtt.Options {
	return mqtt.Options{
		Server:         c.Server,
		Port:           c.Port,
		TLS:            c.TLS,
		ClientID:       c.ClientID,
		Username:       c.Username,
		Password:       c.Password,
		KeepAlive:      c.KeepAlive,
		ConnectTimeout: c.ConnectTimeout,
	}
}
