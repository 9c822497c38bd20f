package telemetry

import (
	"sync"

	"sbc-telemetry/pkg/codec"
)

// Message is a decoded inbound payload and the topic it arrived on.
type Message struct {
	Topic   string
	Payload codec.Payload
}

// Inbox keeps the most recent inbound message and a "new message" flag that
// the consumer clears with Take.
type Inbox struct {
	mu    sync.Mutex
	last  Message
	fresh bool
}

func (b *Inbox) Store(topic string, p codec.Payload) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = Message{Topic: topic, Payload: p}
	b.fresh = true
}

// Take returns the latest message and whether it had not been taken yet.
func (b *Inbox) Take() (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fresh := b.fresh
	b.fresh = false
	return b.last, fresh
}

// Peek returns the latest message without clearing the flag.
func (b *Inbox) Peek() Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}
