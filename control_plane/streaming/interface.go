package streaming

import (
	"context"
	"time"
)

// Event is the wire form of a published notification.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher pushes notifications to external consumers. Publishing is best
// effort: the monitoring loop never blocks on a slow consumer.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}
