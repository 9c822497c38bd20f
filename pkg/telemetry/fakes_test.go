package telemetry

import (
	"context"
	"sync"
	"time"

	"sbc-telemetry/pkg/mqtt"
)

// ack is one scripted broker answer to a Connect. silent attempts never get one.
type ack struct {
	code   byte
	err    error
	silent bool
}

type sent struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeTransport struct {
	mu          sync.Mutex
	handlers    mqtt.Handlers
	opts        mqtt.Options
	connects    int
	disconnects int
	connectErr  error
	script      []ack
	subscribed  []string
	published   []sent
	publishErr  error
	nextID      uint16
}

var _ mqtt.Transport = (*fakeTransport)(nil)

func (f *fakeTransport) Connect(_ context.Context, o mqtt.Options, h mqtt.Handlers) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.opts = o
	f.handlers = h
	if f.connectErr != nil {
		return f.connectErr
	}
	if len(f.script) > 0 {
		a := f.script[0]
		f.script = f.script[1:]
		if !a.silent {
			go h.OnConnectResult(a.code, a.err)
		}
	}
	return nil
}

// Ack delivers a broker acknowledgement for the latest attempt on the caller's goroutine.
func (f *fakeTransport) Ack(code byte, err error) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnConnectResult(code, err)
}

func (f *fakeTransport) Lose(err error) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnConnectionLost(err)
}

func (f *fakeTransport) Subscribe(_ context.Context, topic string, _ byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, topic string, qos byte, _ bool, payload []byte) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return 0, f.publishErr
	}
	f.nextID++
	f.published = append(f.published, sent{topic: topic, qos: qos, payload: payload})
	return f.nextID, nil
}

func (f *fakeTransport) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeTransport) counts() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

func (f *fakeTransport) subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

func (f *fakeTransport) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.published...)
}

// fakeClock hands out a single ticker whose ticks are driven by Step.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	ch      chan time.Time
	started chan struct{}
	once    sync.Once
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ch:      make(chan time.Time),
		started: make(chan struct{}),
	}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) NewTicker(time.Duration) Ticker {
	f.once.Do(func() { close(f.started) })
	return fakeTicker{ch: f.ch}
}

// Step advances the clock and returns once the loop has finished handling the
// tick. The repeated tick is only taken after the first one was handled, and
// it never fires since it carries the same time.
func (f *fakeClock) Step(d time.Duration) {
	<-f.started
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	f.mu.Unlock()
	f.ch <- now
	f.ch <- now
}

type fakeTicker struct{ ch chan time.Time }

func (t fakeTicker) C() <-chan time.Time { return t.ch }
func (t fakeTicker) Stop()               {}
