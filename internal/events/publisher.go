package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Aman-CERP/tutosearch/internal/content"
)

// Publisher appends lifecycle events to the stream.
type Publisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewPublisher creates a publisher. A positive maxLen trims the stream
// approximately to that many entries.
func NewPublisher(client redis.UniversalClient, stream string, maxLen int64) *Publisher {
	return &Publisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish validates and appends ev, returning the stream entry id.
func (p *Publisher) Publish(ctx context.Context, ev content.Event) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	values, err := Encode(ev)
	if err != nil {
		return "", err
	}

	args := &redis.XAddArgs{Stream: p.stream, Values: values}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("publish event %s: %w", ev.ID, err)
	}
	return id, nil
}
