package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LogPublisher writes events to the structured log. It is the default
// publisher when no external broker is configured.
type LogPublisher struct {
	log zerolog.Logger
}

// NewLogPublisher builds a publisher on top of the given logger.
func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log.With().Str("component", "streaming").Logger()}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "control-plane",
	}
	p.log.Info().Str("topic", event.Topic).RawJSON("payload", event.Payload).Msg("publish")
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
