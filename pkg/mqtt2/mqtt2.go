// Package mqtt2 is the MQTT 5 transport, built on the autopaho connection
// manager. Each Connect is a single attempt: the manager is stopped after a
// failed handshake or a lost connection so that retries stay with the caller.
package mqtt2

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/rs/zerolog"

	"sbc-telemetry/pkg/mqtt"
)

type MQTTClient struct {
	logger zerolog.Logger

	mu     sync.Mutex
	cm     *autopaho.ConnectionManager
	cancel context.CancelFunc
	active *attempt

	// seq stands in for the packet identifier, which paho keeps internal.
	seq atomic.Uint32
}

var _ mqtt.Transport = (*MQTTClient)(nil)

func NewMQTTClient(logger zerolog.Logger) *MQTTClient {
	return &MQTTClient{logger: logger.With().Str("component", "mqtt2").Logger()}
}

// attempt tracks one connection manager's lifecycle so that the handlers
// report the handshake result and a later loss exactly once each.
type attempt struct {
	h        mqtt.Handlers
	cancel   context.CancelFunc
	resolved atomic.Bool
	up       atomic.Bool
	lost     atomic.Bool
}

func (a *attempt) result(code byte, err error) {
	if !a.resolved.CompareAndSwap(false, true) {
		return
	}
	if err != nil {
		a.cancel()
	} else {
		a.up.Store(true)
	}
	if a.h.OnConnectResult != nil {
		a.h.OnConnectResult(code, err)
	}
}

func (a *attempt) connectionLost(err error) {
	if !a.up.Load() || !a.lost.CompareAndSwap(false, true) {
		return
	}
	a.cancel()
	if a.h.OnConnectionLost != nil {
		a.h.OnConnectionLost(err)
	}
}

func (m *MQTTClient) Connect(_ context.Context, o mqtt.Options, h mqtt.Handlers) error {
	server, err := url.Parse(o.BrokerURL())
	if err != nil {
		return fmt.Errorf("%w: %w", mqtt.ErrConnectionFailed, err)
	}

	// The manager outlives the caller's context; Disconnect cancels it.
	cmCtx, cancel := context.WithCancel(context.Background())
	a := &attempt{h: h, cancel: cancel}

	cfg := clientConfig(server, o)
	cfg.OnConnectionUp = func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
		m.logger.Info().Str("broker", server.String()).Msg("mqtt connection up")
		// Handlers may subscribe straight away, possibly before NewConnection returns.
		m.adopt(a, cm)
		a.result(mqtt.Accepted, nil)
	}
	cfg.OnConnectError = func(err error) {
		m.logger.Debug().Err(err).Msg("mqtt connect error")
		code, cerr := classify(err)
		a.result(code, cerr)
	}
	cfg.ClientConfig.OnPublishReceived = []func(paho.PublishReceived) (bool, error){
		func(pr paho.PublishReceived) (bool, error) {
			if h.OnMessage != nil {
				h.OnMessage(pr.Packet.Topic, pr.Packet.Payload)
			}
			return true, nil
		},
	}
	cfg.ClientConfig.OnClientError = func(err error) {
		m.logger.Debug().Err(err).Msg("mqtt client error")
		a.connectionLost(err)
	}
	cfg.ClientConfig.OnServerDisconnect = func(d *paho.Disconnect) {
		reason := ""
		if d.Properties != nil {
			reason = d.Properties.ReasonString
		}
		m.logger.Info().Uint8("reason_code", d.ReasonCode).Str("reason", reason).Msg("server requested disconnect")
		a.connectionLost(fmt.Errorf("server requested disconnect: reason code %d", d.ReasonCode))
	}

	m.mu.Lock()
	prevCancel := m.cancel
	m.cm, m.cancel, m.active = nil, cancel, a
	m.mu.Unlock()
	if prevCancel != nil {
		prevCancel()
	}

	m.logger.Info().Str("broker", server.String()).Str("client_id", o.ClientID).Msg("Connecting to MQTT server")
	cm, err := autopaho.NewConnection(cmCtx, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %w", mqtt.ErrConnectionFailed, err)
	}
	m.adopt(a, cm)
	return nil
}

// adopt records cm as the live manager if a is still the current attempt.
func (m *MQTTClient) adopt(a *attempt, cm *autopaho.ConnectionManager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == a {
		m.cm = cm
	}
}

// defaultKeepAlive matches the MQTT 3.1.1 transport; zero would disable keepalive.
const defaultKeepAlive = 60 * time.Second

func clientConfig(server *url.URL, o mqtt.Options) autopaho.ClientConfig {
	keepAlive := o.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{server},
		KeepAlive:                     uint16(keepAlive.Seconds()),
		ConnectTimeout:                o.ConnectTimeout,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         0,
		ClientConfig: paho.ClientConfig{
			ClientID: o.ClientID,
		},
	}
	if o.Username != "" {
		cfg.ConnectUsername = o.Username
		cfg.ConnectPassword = []byte(o.Password)
	}
	if o.TLS {
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cfg
}

// classify turns an autopaho connection error into an acknowledgement code.
// Broker refusals arrive wrapped as *autopaho.ConnackError.
func classify(err error) (byte, error) {
	var ce *autopaho.ConnackError
	if errors.As(err, &ce) {
		code := RefusalCode(ce.ReasonCode)
		return code, &mqtt.ConnectionRefusedError{Code: code}
	}
	return mqtt.NoAcknowledgement, fmt.Errorf("%w: %w", mqtt.ErrConnectionFailed, err)
}

// RefusalCode folds an MQTT 5 CONNACK reason code onto the 3.1.1 codes.
func RefusalCode(reason byte) byte {
	switch reason {
	case 0x00:
		return mqtt.Accepted
	case 0x84:
		return mqtt.RefusedProtocolVersion
	case 0x85:
		return mqtt.RefusedIdentifierRejected
	case 0x86:
		return mqtt.RefusedBadCredentials
	case 0x87:
		return mqtt.RefusedNotAuthorized
	default:
		return mqtt.RefusedServerUnavailable
	}
}

func (m *MQTTClient) manager() *autopaho.ConnectionManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cm
}

func (m *MQTTClient) Subscribe(ctx context.Context, topic string, qos byte) error {
	if err := mqtt.ValidateSubscribe(topic, qos); err != nil {
		return err
	}
	cm := m.manager()
	if cm == nil {
		return mqtt.ErrNotConnected
	}

	suback, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: qos}},
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", mqtt.ErrSubscribeFailed, topic, err)
	}
	for _, reason := range suback.Reasons {
		if reason >= 0x80 {
			return fmt.Errorf("%w: %s: reason code 0x%02x", mqtt.ErrSubscribeFailed, topic, reason)
		}
	}
	m.logger.Debug().Str("topic", topic).Msg("Subscribed")
	return nil
}

func (m *MQTTClient) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) (uint16, error) {
	if err := mqtt.ValidatePublish(topic, qos, payload); err != nil {
		return 0, err
	}
	cm := m.manager()
	if cm == nil {
		return 0, mqtt.ErrNotConnected
	}

	id := uint16(m.seq.Add(1))
	if _, err := cm.Publish(ctx, &paho.Publish{
		QoS:     qos,
		Retain:  retained,
		Topic:   topic,
		Payload: payload,
	}); err != nil {
		return 0, fmt.Errorf("%w: %w", mqtt.ErrPublishFailed, err)
	}
	m.logger.Debug().Str("topic", topic).Uint16("mid", id).Bytes("payload", payload).Msg("published message")
	return id, nil
}

func (m *MQTTClient) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	cm, cancel := m.cm, m.cancel
	m.cm, m.cancel, m.active = nil, nil, nil
	m.mu.Unlock()

	if cancel != nil {
		defer cancel()
	}
	if cm == nil {
		return nil
	}
	if err := cm.Disconnect(ctx); err != nil {
		m.logger.Debug().Err(err).Msg("disconnect MQTT client failed")
	}
	return nil
}
