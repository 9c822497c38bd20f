// Package telemetry drives one broker connection: it connects, subscribes to
// the instruction topics, keeps the latest inbound message, publishes
// readings on a fixed interval and reconnects after a lost connection.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sbc-telemetry/pkg/codec"
	"sbc-telemetry/pkg/mqtt"
)

type Client struct {
	cfg       Config
	transport mqtt.Transport
	logger    zerolog.Logger
	clock     Clock

	mu    sync.Mutex
	state State
	// gen identifies the current connection attempt. Callbacks carrying an
	// older generation are ignored.
	gen     uint64
	failure error

	inbox Inbox
	lost  chan error
}

type Option func(*Client)

func WithClock(clock Clock) Option {
	return func(c *Client) { c.clock = clock }
}

func New(cfg Config, transport mqtt.Transport, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		cfg:       cfg.withDefaults(),
		transport: transport,
		logger:    logger.With().Str("component", "telemetry").Logger(),
		clock:     realClock{},
		state:     Disconnected,
		lost:      make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Bindings() []TopicBinding { return c.cfg.Bindings() }

// Connect starts a connection attempt from Disconnected. It returns once the
// attempt is under way; AwaitConnection reports how it ended.
func (c *Client) Connect(ctx context.Context) (State, error) {
	c.mu.Lock()
	if c.state != Disconnected {
		st := c.state
		c.mu.Unlock()
		return st, fmt.Errorf("%w: connect requested while %s", ErrInvalidState, st)
	}
	c.gen++
	gen := c.gen
	c.state = Connecting
	c.failure = nil
	c.mu.Unlock()

	c.logger.Info().
		Str("server", c.cfg.Server).
		Int("port", c.cfg.Port).
		Str("client_id", c.cfg.ClientID).
		Msg("Connecting to broker")

	err := c.transport.Connect(ctx, c.cfg.transportOptions(), mqtt.Handlers{
		OnConnectResult:  func(code byte, err error) { c.connectResult(gen, code, err) },
		OnMessage:        c.OnMessage,
		OnConnectionLost: func(err error) { c.connectionLost(gen, err) },
	})
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen == gen && c.state == Connecting {
			c.state = Failed
			c.failure = fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
		return c.state, c.failure
	}
	return c.State(), nil
}

func (c *Client) connectResult(gen uint64, code byte, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state != Connecting {
		c.mu.Unlock()
		c.logger.Debug().Uint64("attempt", gen).Uint8("code", code).Msg("Ignoring stale connect acknowledgement")
		return
	}
	if err == nil && code == mqtt.Accepted {
		c.state = Connected
		c.mu.Unlock()
		c.logger.Info().Msg("Connected to broker")
		c.OnConnected()
		return
	}

	switch {
	case err == nil:
		err = &mqtt.ConnectionRefusedError{Code: code}
	case !errors.Is(err, mqtt.ErrConnectionRefused):
		err = fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.state = Failed
	c.failure = err
	c.mu.Unlock()
	c.logger.Error().Err(err).Uint8("code", code).Msg("Failed to connect")
}

// OnConnected subscribes to every configured subscribe topic. A failed
// subscription is logged and the connection is kept.
func (c *Client) OnConnected() {
	for _, topic := range c.cfg.SubscribeTopics {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		err := c.transport.Subscribe(ctx, topic, c.cfg.QoS)
		cancel()
		if err != nil {
			c.logger.Error().Err(err).Str("topic", topic).Msg("Subscribe failed")
			continue
		}
		c.logger.Info().Str("topic", topic).Msg("Subscribed to topic")
	}
}

// OnMessage decodes a message delivered on a subscribed topic into the inbox.
// Malformed payloads are logged once and dropped, leaving the inbox as it was.
func (c *Client) OnMessage(topic string, raw []byte) {
	if !c.subscribedTo(topic) {
		c.logger.Debug().Str("topic", topic).Msg("Ignoring message on unsubscribed topic")
		return
	}
	payload, err := codec.Decode(raw)
	if err != nil {
		c.logger.Error().Err(err).Str("topic", topic).Msg("Discarding malformed message")
		return
	}
	c.logger.Debug().Str("topic", topic).Fields(map[string]any(payload)).Msg("Message received")
	c.inbox.Store(topic, payload)
}

func (c *Client) subscribedTo(topic string) bool {
	for _, filter := range c.cfg.SubscribeTopics {
		if topicMatches(filter, topic) {
			return true
		}
	}
	return false
}

// topicMatches applies the MQTT "+" and "#" wildcards of filter to topic.
func topicMatches(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

// TakeMessage returns the latest inbound message and clears its "new" flag.
func (c *Client) TakeMessage() (Message, bool) { return c.inbox.Take() }

func (c *Client) LastMessage() Message { return c.inbox.Peek() }

// Publish encodes payload and hands it to the transport. It does not wait for
// delivery beyond what the configured QoS requires of the transport.
func (c *Client) Publish(ctx context.Context, topic string, payload codec.Payload) (uint16, error) {
	if st := c.State(); st != Connected {
		return 0, &PublishError{Topic: topic, Err: fmt.Errorf("%w (state %s)", ErrNotConnected, st)}
	}
	data, err := codec.Encode(payload)
	if err != nil {
		return 0, &PublishError{Topic: topic, Err: err}
	}
	id, err := c.transport.Publish(ctx, topic, c.cfg.QoS, c.cfg.Retain, data)
	if err != nil {
		return 0, &PublishError{Topic: topic, Err: err}
	}
	c.logger.Debug().Str("topic", topic).Uint16("mid", id).RawJSON("payload", data).Msg("Published")
	return id, nil
}

func (c *Client) connectionLost(gen uint64, err error) {
	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}
	c.OnDisconnected(err)
}

// OnDisconnected moves a connected client to Disconnected and wakes the
// reconnect supervisor.
func (c *Client) OnDisconnected(reason error) {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	c.mu.Unlock()

	c.logger.Warn().Err(reason).Msg("Disconnected from broker")
	select {
	case c.lost <- reason:
	default:
	}
}

// AwaitConnection blocks until the current attempt is acknowledged, refused,
// or times out. A timed-out attempt is abandoned and the client returns to
// Disconnected.
func (c *Client) AwaitConnection(ctx context.Context) error {
	deadline := c.clock.Now().Add(c.cfg.ConnectTimeout)
	ticker := c.clock.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		st, gen, failure := c.state, c.gen, c.failure
		c.mu.Unlock()

		switch st {
		case Connected:
			return nil
		case Failed:
			return failure
		case Disconnected:
			return fmt.Errorf("%w: no connection attempt in progress", ErrInvalidState)
		}

		if !c.clock.Now().Before(deadline) {
			c.abandon(ctx, gen)
			return fmt.Errorf("%w after %s", ErrConnectionTimeout, c.cfg.ConnectTimeout)
		}
		c.logger.Debug().Msg("Waiting for connection")

		select {
		case <-ctx.Done():
			c.abandon(ctx, gen)
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

func (c *Client) abandon(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != Connecting {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.state = Disconnected
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := c.transport.Disconnect(dctx); err != nil {
		c.logger.Debug().Err(err).Msg("Abandoning connection attempt")
	}
}

// reset lets a failed client start a new attempt.
func (c *Client) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Failed {
		c.state = Disconnected
	}
}

// Reconnect retries Connect and AwaitConnection with exponential backoff. A
// broker refusal ends the retries at once. When every attempt fails the
// client is left Failed.
func (c *Client) Reconnect(ctx context.Context) error {
	policy := c.cfg.Reconnect
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialInterval
	eb.MaxInterval = policy.MaxInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(policy.MaxRetries)), ctx)

	attempts := 0
	operation := func() error {
		attempts++
		c.reset()
		if _, err := c.Connect(ctx); err != nil {
			if errors.Is(err, ErrInvalidState) {
				return backoff.Permanent(err)
			}
			return err
		}
		err := c.AwaitConnection(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, mqtt.ErrConnectionRefused), ctx.Err() != nil:
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", next).Msg("Reconnect attempt failed")
	}

	err := backoff.RetryNotify(operation, b, notify)
	if err == nil {
		c.logger.Info().Int("attempts", attempts).Msg("Reconnected to broker")
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	c.mu.Lock()
	if c.state != Connected {
		c.state = Failed
		c.failure = err
	}
	c.mu.Unlock()
	return fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, attempts, err)
}

// RunLoop calls onTick whenever at least interval has passed since the last
// call. Ticks that fall due while the client is not connected are held back
// until the connection returns. It returns nil once ctx is cancelled.
func (c *Client) RunLoop(ctx context.Context, interval time.Duration, onTick func(context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("%w: loop interval must be positive, got %s", ErrInvalidState, interval)
	}
	last := c.clock.Now()
	ticker := c.clock.NewTicker(c.cfg.Resolution)
	defer ticker.Stop()

	paused := false
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Loop stopped")
			return nil
		case now := <-ticker.C():
			if now.Sub(last) < interval {
				continue
			}
			if c.State() != Connected {
				if !paused {
					c.logger.Info().Msg("Publishing paused while disconnected")
					paused = true
				}
				continue
			}
			if paused {
				c.logger.Info().Msg("Publishing resumed")
				paused = false
			}
			last = now
			onTick(ctx)
		}
	}
}

// Run runs the loop alongside the reconnect supervisor. It returns nil when
// ctx is cancelled and ErrReconnectExhausted when the connection is lost for
// good.
func (c *Client) Run(ctx context.Context, interval time.Duration, onTick func(context.Context)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.RunLoop(gctx, interval, onTick) })
	g.Go(func() error { return c.supervise(gctx) })
	return g.Wait()
}

func (c *Client) supervise(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case reason := <-c.lost:
			c.logger.Info().Err(reason).Msg("Reconnecting")
			if err := c.Reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error().Err(err).Msg("Giving up on broker")
				return err
			}
		}
	}
}

// Close releases the broker connection. Callbacks from the closed connection
// are ignored afterwards.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.gen++
	prev := c.state
	c.state = Disconnected
	c.mu.Unlock()

	if err := c.transport.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	c.logger.Info().Str("previous_state", prev.String()).Msg("Connection closed")
	return nil
}
