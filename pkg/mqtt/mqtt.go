package mqtt

import (
	"context"
	"fmt"
	"sync"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Client is the MQTT 3.1.1 transport backed by paho.mqtt.golang.
type Client struct {
	logger zerolog.Logger

	mu       sync.Mutex
	client   MQTT.Client
	handlers Handlers

	newClient func(*MQTT.ClientOptions) MQTT.Client
}

var _ Transport = (*Client)(nil)

func NewMQTTClient(logger zerolog.Logger) *Client {
	return &Client{
		logger:    logger.With().Str("component", "mqtt").Logger(),
		newClient: MQTT.NewClient,
	}
}

// Connect starts a connection attempt and returns immediately. The broker's
// acknowledgement is reported through h.OnConnectResult.
func (c *Client) Connect(ctx context.Context, o Options, h Handlers) error {
	opts := buildClientOptions(o)
	opts.SetDefaultPublishHandler(func(_ MQTT.Client, msg MQTT.Message) {
		if h.OnMessage != nil {
			h.OnMessage(msg.Topic(), msg.Payload())
		}
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		c.logger.Debug().Err(err).Msg("Connection lost")
		if h.OnConnectionLost != nil {
			h.OnConnectionLost(err)
		}
	})

	client := c.newClient(opts)
	c.mu.Lock()
	c.client = client
	c.handlers = h
	c.mu.Unlock()

	c.logger.Info().Str("broker", o.BrokerURL()).Str("client_id", o.ClientID).Msg("Connecting to MQTT server")
	token := client.Connect()
	go func() {
		select {
		case <-token.Done():
		case <-ctx.Done():
			return
		}
		code, err := connectOutcome(token)
		if h.OnConnectResult != nil {
			h.OnConnectResult(code, err)
		}
	}()
	return nil
}

// connectOutcome extracts the broker acknowledgement from a finished token.
// Attempts that never got an acknowledgement report the token error with a
// non-refusal code.
func connectOutcome(token MQTT.Token) (byte, error) {
	err := token.Error()
	if err == nil {
		return Accepted, nil
	}
	if ct, ok := token.(*MQTT.ConnectToken); ok && IsRefusal(ct.ReturnCode()) {
		return ct.ReturnCode(), &ConnectionRefusedError{Code: ct.ReturnCode()}
	}
	return NoAcknowledgement, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
}

func (c *Client) current() MQTT.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

func (c *Client) Subscribe(ctx context.Context, topic string, qos byte) error {
	if err := ValidateSubscribe(topic, qos); err != nil {
		return err
	}
	client := c.current()
	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}

	c.mu.Lock()
	onMessage := c.handlers.OnMessage
	c.mu.Unlock()

	token := client.Subscribe(topic, qos, func(_ MQTT.Client, msg MQTT.Message) {
		if onMessage != nil {
			onMessage(msg.Topic(), msg.Payload())
		}
	})
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	c.logger.Debug().Str("topic", topic).Msg("Subscribed")
	return nil
}

// Publish sends payload and returns the packet identifier paho assigned
// (always zero for QoS 0).
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) (uint16, error) {
	if err := ValidatePublish(topic, qos, payload); err != nil {
		return 0, err
	}
	client := c.current()
	if client == nil || !client.IsConnectionOpen() {
		return 0, ErrNotConnected
	}

	token := client.Publish(topic, qos, retained, payload)
	if err := waitToken(ctx, token); err != nil {
		c.logger.Warn().Err(err).Str("topic", topic).Msg("Error publishing message")
		return 0, fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	var id uint16
	if pt, ok := token.(*MQTT.PublishToken); ok {
		id = pt.MessageID()
	}
	c.logger.Debug().Str("topic", topic).Uint16("mid", id).Bytes("payload", payload).Msg("Published message")
	return id, nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	client.Disconnect(disconnectQuiesce)
	return nil
}

func waitToken(ctx context.Context, token MQTT.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
