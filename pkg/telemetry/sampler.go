package telemetry

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"sbc-telemetry/pkg/codec"
	"sbc-telemetry/pkg/sensor"
)

// Publisher is the part of Client a Sampler needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload codec.Payload) (uint16, error)
	TakeMessage() (Message, bool)
}

// Channel binds a sensor to the topic its readings are published on. Shape
// turns a reading into the outbound payload; nil publishes the values as-is.
type Channel struct {
	Name   string
	Topic  string
	Source sensor.Source
	Shape  func(sensor.Values) codec.Payload
}

func (ch Channel) payload(v sensor.Values) codec.Payload {
	if ch.Shape != nil {
		return ch.Shape(v)
	}
	p := make(codec.Payload, len(v))
	for k, val := range v {
		p[k] = val
	}
	return p
}

type Sampler struct {
	publisher Publisher
	channels  []Channel
	logger    zerolog.Logger
}

func NewSampler(publisher Publisher, logger zerolog.Logger, channels ...Channel) *Sampler {
	return &Sampler{
		publisher: publisher,
		channels:  channels,
		logger:    logger.With().Str("component", "sampler").Logger(),
	}
}

// Tick reads every channel and publishes the result. A transient sensor fault
// skips the rest of the tick; other failures only skip their own channel.
func (s *Sampler) Tick(ctx context.Context) {
	defer s.drainInbox()

	for _, ch := range s.channels {
		values, err := ch.Source.Read(ctx)
		if err != nil {
			if sensor.IsTransient(err) {
				s.logger.Info().Err(err).Str("channel", ch.Name).Msg("Sensor read failed, retrying next tick")
				return
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Str("channel", ch.Name).Msg("Sensor read error")
			continue
		}

		if _, err := s.publisher.Publish(ctx, ch.Topic, ch.payload(values)); err != nil {
			s.logger.Error().Err(err).Str("channel", ch.Name).Msg("Publish failed")
			continue
		}
		s.logger.Debug().Str("channel", ch.Name).Str("topic", ch.Topic).Msg("Reading published")
	}
}

func (s *Sampler) drainInbox() {
	msg, ok := s.publisher.TakeMessage()
	if !ok {
		return
	}
	s.logger.Info().
		Str("topic", msg.Topic).
		Fields(map[string]any(msg.Payload)).
		Msg("Instruction received")
}
