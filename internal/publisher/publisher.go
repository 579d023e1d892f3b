// Package publisher defines the outbound event publisher used to announce
// completed batch runs to downstream consumers.
package publisher

import "context"

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	// Publish sends payload to topic and returns the broker's message ID.
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// NoOp discards all publishes.
type NoOp struct{}

// Publish does nothing and reports an empty message ID.
func (NoOp) Publish(context.Context, string, any) (string, error) {
	return "", nil
}
