package relay

import (
	"context"
	"log"
	"time"

	"relayhub/internal/bus"

	"github.com/redis/go-redis/v9"
)

const DefaultRetryDelay = 5 * time.Second

// Relay keeps a pattern subscription against the external Redis bus alive and
// republishes every matching message onto the in-process broadcast bus. It
// owns its redis connection exclusively.
type Relay struct {
	client     *redis.Client
	pattern    string
	bus        *bus.Bus
	retryDelay time.Duration
}

func New(client *redis.Client, pattern string, b *bus.Bus, retryDelay time.Duration) *Relay {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Relay{
		client:     client,
		pattern:    pattern,
		bus:        b,
		retryDelay: retryDelay,
	}
}

// Run subscribes and consumes until ctx is done. Every failure, including the
// stream ending without an error, is retried after a fixed delay: a relay that
// stopped for good would silently end all real-time updates, so there is no
// terminal state besides cancellation.
func (r *Relay) Run(ctx context.Context) error {
	for {
		err := r.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Printf("relay: subscription to %q failed: %v (retrying in %s)", r.pattern, err, r.retryDelay)
		} else {
			log.Printf("relay: subscription to %q ended unexpectedly (retrying in %s)", r.pattern, r.retryDelay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.retryDelay):
		}
	}
}

func (r *Relay) consume(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.pattern)
	defer pubsub.Close()

	// Confirm the subscription before declaring the stream live.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	log.Printf("relay: subscribed to pattern %q", r.pattern)

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if msg.Channel == "" {
				log.Printf("relay: dropping message without channel name")
				continue
			}
			r.bus.Publish(bus.Message{Channel: msg.Channel, Data: msg.Payload})
		}
	}
}
