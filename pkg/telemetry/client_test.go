package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sbc-telemetry/pkg/codec"
	"sbc-telemetry/pkg/mqtt"
)

func testConfig() Config {
	return Config{
		Server:          "localhost",
		Port:            1883,
		ClientID:        "sbc-test",
		SubscribeTopics: []string{"demo/sbc/instructions", "demo/sbc/config"},
		PublishTopics:   []string{"demo/sensor/data"},
		PollInterval:    time.Millisecond,
		ConnectTimeout:  50 * time.Millisecond,
		Resolution:      time.Millisecond,
		Reconnect: ReconnectPolicy{
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
		},
	}
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	return New(testConfig(), ft, zerolog.Nop(), opts...), ft
}

// connected returns a client that has completed a successful handshake.
func connected(t *testing.T, opts ...Option) (*Client, *fakeTransport) {
	t.Helper()
	c, ft := newTestClient(t, opts...)
	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	ft.Ack(mqtt.Accepted, nil)
	require.Equal(t, Connected, c.State())
	return c, ft
}

func TestConnectAcceptedSubscribesOnce(t *testing.T) {
	c, ft := newTestClient(t)
	assert.Equal(t, Disconnected, c.State())

	st, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Connecting, st)
	assert.Equal(t, "sbc-test", ft.opts.ClientID)

	ft.Ack(mqtt.Accepted, nil)
	assert.Equal(t, Connected, c.State())
	require.NoError(t, c.AwaitConnection(context.Background()))

	// A duplicate acknowledgement must not subscribe again.
	ft.Ack(mqtt.Accepted, nil)

	want := []string{"demo/sbc/instructions", "demo/sbc/config"}
	if diff := cmp.Diff(want, ft.subscriptions()); diff != "" {
		t.Errorf("subscriptions mismatch (-want +got):\n%s", diff)
	}
}

func TestConnectRefusedBadCredentials(t *testing.T) {
	c, ft := newTestClient(t)
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	ft.Ack(mqtt.RefusedBadCredentials, &mqtt.ConnectionRefusedError{Code: mqtt.RefusedBadCredentials})
	assert.Equal(t, Failed, c.State())

	err = c.AwaitConnection(context.Background())
	require.ErrorIs(t, err, mqtt.ErrConnectionRefused)
	var refused *mqtt.ConnectionRefusedError
	require.ErrorAs(t, err, &refused)
	assert.Equal(t, byte(4), refused.Code)

	_, err = c.Publish(context.Background(), "demo/sensor/data", codec.Payload{"item1": 1})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, ft.messages(), "nothing may be published after a refusal")
	assert.Empty(t, ft.subscriptions())
}

func TestConnectRefusalCodeWithoutError(t *testing.T) {
	c, ft := newTestClient(t)
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	ft.Ack(mqtt.RefusedNotAuthorized, nil)

	var refused *mqtt.ConnectionRefusedError
	require.ErrorAs(t, c.AwaitConnection(context.Background()), &refused)
	assert.Equal(t, mqtt.RefusedNotAuthorized, refused.Code)
}

func TestConnectTransportError(t *testing.T) {
	c, ft := newTestClient(t)
	ft.connectErr = errors.New("dial tcp: connection refused")

	st, err := c.Connect(context.Background())
	assert.Equal(t, Failed, st)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorIs(t, c.AwaitConnection(context.Background()), ErrConnectionFailed)
}

func TestConnectOnlyFromDisconnected(t *testing.T) {
	c, _ := connected(t)

	st, err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, Connected, st)
}

func TestNoDisconnectedToConnectedEdge(t *testing.T) {
	c, ft := connected(t)

	ft.Lose(errors.New("EOF"))
	require.Equal(t, Disconnected, c.State())

	// A late acknowledgement while disconnected is ignored.
	ft.Ack(mqtt.Accepted, nil)
	assert.Equal(t, Disconnected, c.State())
	assert.Len(t, ft.subscriptions(), 2)
}

func TestAwaitConnectionTimeout(t *testing.T) {
	c, ft := newTestClient(t)
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	err = c.AwaitConnection(context.Background())
	require.ErrorIs(t, err, ErrConnectionTimeout)
	assert.Equal(t, Disconnected, c.State())
	_, disconnects := ft.counts()
	assert.Equal(t, 1, disconnects)

	// The abandoned attempt answering late must not revive the client.
	ft.Ack(mqtt.Accepted, nil)
	assert.Equal(t, Disconnected, c.State())
}

func TestAwaitConnectionCancelled(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.AwaitConnection(ctx), context.Canceled)
	assert.Equal(t, Disconnected, c.State())
}

func TestAwaitConnectionWithoutAttempt(t *testing.T) {
	c, _ := newTestClient(t)
	assert.ErrorIs(t, c.AwaitConnection(context.Background()), ErrInvalidState)
}

func TestOnMessageStoresLatest(t *testing.T) {
	c, _ := connected(t)

	c.OnMessage("demo/sbc/instructions", []byte(`{"led":"on","interval":5}`))

	msg, fresh := c.TakeMessage()
	require.True(t, fresh)
	assert.Equal(t, "demo/sbc/instructions", msg.Topic)
	if diff := cmp.Diff(codec.Payload{"led": "on", "interval": float64(5)}, msg.Payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}

	_, fresh = c.TakeMessage()
	assert.False(t, fresh, "Take clears the new-message flag")
	assert.Equal(t, msg, c.LastMessage())
}

func TestOnMessageMalformedLogsOnce(t *testing.T) {
	var buf bytes.Buffer
	ft := &fakeTransport{}
	c := New(testConfig(), ft, zerolog.New(&buf).Level(zerolog.DebugLevel))

	c.OnMessage("demo/sbc/instructions", []byte(`{"led":"off"}`))
	before := c.LastMessage()
	buf.Reset()

	c.OnMessage("demo/sbc/instructions", []byte(`{"led":`))

	var errorsLogged int
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, jsoniter.Unmarshal([]byte(line), &entry))
		if entry["level"] == "error" {
			errorsLogged++
			assert.Contains(t, entry["error"], "decode payload")
		}
	}
	assert.Equal(t, 1, errorsLogged)
	assert.Equal(t, before, c.LastMessage())
}

func TestOnMessageIgnoresOtherTopics(t *testing.T) {
	c, _ := connected(t)

	c.OnMessage("demo/other", []byte(`{"x":1}`))
	_, fresh := c.TakeMessage()
	assert.False(t, fresh)
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"demo/sbc/instructions", "demo/sbc/instructions", true},
		{"demo/sbc/instructions", "demo/sbc/other", false},
		{"demo/+/instructions", "demo/pi3/instructions", true},
		{"demo/+", "demo/pi3/instructions", false},
		{"demo/#", "demo/pi3/instructions", true},
		{"#", "anything/at/all", true},
		{"demo/sbc", "demo/sbc/instructions", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, topicMatches(tt.filter, tt.topic), "%s vs %s", tt.filter, tt.topic)
	}
}

func TestPublish(t *testing.T) {
	c, ft := connected(t)

	id, err := c.Publish(context.Background(), "demo/sensor/data", codec.Payload{
		"description": "This is a demo",
		"data":        map[string]any{"item1": 3, "item2": 41},
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id)

	msgs := ft.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "demo/sensor/data", msgs[0].topic)
	got, err := codec.Decode(msgs[0].payload)
	require.NoError(t, err)
	want := codec.Payload{
		"description": "This is a demo",
		"data":        map[string]any{"item1": float64(3), "item2": float64(41)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("published payload mismatch (-want +got):\n%s", diff)
	}
}

func TestPublishTransportError(t *testing.T) {
	c, ft := connected(t)
	ft.publishErr = mqtt.ErrPublishFailed

	_, err := c.Publish(context.Background(), "demo/sensor/data", codec.Payload{"item1": 1})
	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "demo/sensor/data", pe.Topic)
	assert.ErrorIs(t, err, mqtt.ErrPublishFailed)
}

func TestOnDisconnectedSignalsSupervisor(t *testing.T) {
	c, ft := connected(t)
	reason := errors.New("keepalive timeout")

	ft.Lose(reason)

	assert.Equal(t, Disconnected, c.State())
	select {
	case got := <-c.lost:
		assert.Equal(t, reason, got)
	default:
		t.Fatal("expected a loss notification")
	}
	_, err := c.Publish(context.Background(), "demo/sensor/data", codec.Payload{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReconnectRecovers(t *testing.T) {
	c, ft := newTestClient(t)
	ft.script = []ack{
		{code: mqtt.NoAcknowledgement, err: mqtt.ErrConnectionFailed},
		{silent: true},
		{code: mqtt.Accepted},
	}

	require.NoError(t, c.Reconnect(context.Background()))
	assert.Equal(t, Connected, c.State())
	connects, _ := ft.counts()
	assert.Equal(t, 3, connects)
	assert.Eventually(t, func() bool { return len(ft.subscriptions()) == 2 }, time.Second, time.Millisecond)
}

func TestReconnectStopsOnRefusal(t *testing.T) {
	c, ft := newTestClient(t)
	ft.script = []ack{
		{code: mqtt.RefusedNotAuthorized, err: &mqtt.ConnectionRefusedError{Code: mqtt.RefusedNotAuthorized}},
		{code: mqtt.Accepted},
	}

	err := c.Reconnect(context.Background())
	assert.ErrorIs(t, err, ErrReconnectExhausted)
	assert.ErrorIs(t, err, mqtt.ErrConnectionRefused)
	assert.Equal(t, Failed, c.State())
	connects, _ := ft.counts()
	assert.Equal(t, 1, connects)
}

func TestReconnectExhausted(t *testing.T) {
	c, ft := newTestClient(t)
	fail := ack{code: mqtt.NoAcknowledgement, err: mqtt.ErrConnectionFailed}
	ft.script = []ack{fail, fail, fail, {code: mqtt.Accepted}}

	err := c.Reconnect(context.Background())
	assert.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Equal(t, Failed, c.State())
	connects, _ := ft.counts()
	assert.Equal(t, 3, connects, "one attempt plus MaxRetries retries")
}

func TestRunLoopFiresOnInterval(t *testing.T) {
	clk := newFakeClock()
	c, _ := connected(t, WithClock(clk))
	start := clk.Now()

	ctx, cancel := context.WithCancel(context.Background())
	var fired []time.Duration
	done := make(chan error, 1)
	go func() {
		done <- c.RunLoop(ctx, 3*time.Second, func(context.Context) {
			fired = append(fired, clk.Now().Sub(start))
		})
	}()

	for i := 0; i < 7; i++ {
		clk.Step(time.Second)
	}
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []time.Duration{3 * time.Second, 6 * time.Second}, fired)
}

func TestRunLoopPausesWhileDisconnected(t *testing.T) {
	clk := newFakeClock()
	c, ft := newTestClient(t, WithClock(clk))
	start := clk.Now()

	ctx, cancel := context.WithCancel(context.Background())
	var fired []time.Duration
	done := make(chan error, 1)
	go func() {
		done <- c.RunLoop(ctx, 3*time.Second, func(context.Context) {
			fired = append(fired, clk.Now().Sub(start))
		})
	}()

	for i := 0; i < 4; i++ {
		clk.Step(time.Second)
	}
	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	ft.Ack(mqtt.Accepted, nil)
	clk.Step(time.Second)
	clk.Step(time.Second)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []time.Duration{5 * time.Second}, fired)
}

func TestRunLoopTickHandledBeforeStepReturns(t *testing.T) {
	clk := newFakeClock()
	c, _ := connected(t, WithClock(clk))
	start := clk.Now()

	ctx, cancel := context.WithCancel(context.Background())
	var fired []time.Duration
	done := make(chan error, 1)
	go func() {
		done <- c.RunLoop(ctx, 2*time.Second, func(context.Context) {
			fired = append(fired, clk.Now().Sub(start))
		})
	}()

	want := [][]time.Duration{
		nil,
		{2 * time.Second},
		{2 * time.Second},
		{2 * time.Second, 4 * time.Second},
	}
	for i, w := range want {
		clk.Step(time.Second)
		assert.Equal(t, w, fired, "after step %d", i+1)
	}
	cancel()
	require.NoError(t, <-done)
}

func TestRunLoopRejectsZeroInterval(t *testing.T) {
	c, _ := newTestClient(t)
	assert.Error(t, c.RunLoop(context.Background(), 0, func(context.Context) {}))
}

func TestRunReturnsWhenReconnectExhausted(t *testing.T) {
	c, ft := connected(t)
	ft.script = []ack{{code: mqtt.RefusedBadCredentials}}
	ft.Lose(errors.New("connection reset by peer"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Run(ctx, time.Hour, func(context.Context) {})
	assert.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Equal(t, Failed, c.State())
}

func TestRunStopsOnCancel(t *testing.T) {
	c, _ := connected(t)

	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan struct{}, 100)
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, time.Millisecond, func(context.Context) {
			select {
			case ticks <- struct{}{}:
			default:
			}
		})
	}()

	<-ticks
	cancel()
	assert.NoError(t, <-done)
}

func TestClose(t *testing.T) {
	c, ft := connected(t)

	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, Disconnected, c.State())
	_, disconnects := ft.counts()
	assert.Equal(t, 1, disconnects)

	// Loss reports from the closed connection do not wake the supervisor.
	ft.Lose(errors.New("closed"))
	assert.Empty(t, c.lost)
}

func TestBindings(t *testing.T) {
	c, _ := newTestClient(t)
	want := []TopicBinding{
		{Topic: "demo/sbc/instructions", Direction: Subscribe},
		{Topic: "demo/sbc/config", Direction: Subscribe},
		{Topic: "demo/sensor/data", Direction: Publish},
	}
	if diff := cmp.Diff(want, c.Bindings()); diff != "" {
		t.Errorf("Bindings() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "subscribe", Subscribe.String())
	assert.Equal(t, "connected", Connected.String())
}
