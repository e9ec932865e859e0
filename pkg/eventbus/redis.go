package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus is a Redis Pub/Sub-backed transport. Channels carry the subject
// verbatim; subscriptions use pattern subscribe with glob wildcards.
type RedisBus struct {
	client redis.UniversalClient

	mu     sync.Mutex
	closed bool
}

// NewRedisBus creates a Redis-backed transport over an existing client.
func NewRedisBus(client redis.UniversalClient) (*RedisBus, error) {
	if client == nil {
		return nil, fmt.Errorf("eventbus: redis client cannot be nil")
	}
	return &RedisBus{client: client}, nil
}

// Publish sends the payload on the subject channel.
func (b *RedisBus) Publish(ctx context.Context, subject string, payload []byte) error {
	if subject == "" {
		return fmt.Errorf("eventbus: subject cannot be empty")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("eventbus: redis bus is closed")
	}
	b.mu.Unlock()

	if err := b.client.Publish(ctx, subject, payload).Err(); err != nil {
		return fmt.Errorf("eventbus: redis publish to %q: %w", subject, err)
	}
	return nil
}

// Subscribe pattern-subscribes and pumps messages into a Stream channel.
func (b *RedisBus) Subscribe(pattern string, buffer int) (Stream, error) {
	if pattern == "" {
		return nil, fmt.Errorf("eventbus: subscription pattern cannot be empty")
	}
	if buffer <= 0 {
		buffer = 32
	}

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.PSubscribe(ctx, redisPattern(pattern))

	sub := &redisSubscription{
		pubsub: pubsub,
		cancel: cancel,
		msgs:   make(chan Message, buffer),
	}
	go sub.pump(ctx)
	return sub, nil
}

// Close marks the bus closed. The Redis client is owned by the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	msgs   chan Message
	once   sync.Once
}

func (s *redisSubscription) C() <-chan Message {
	return s.msgs
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
	})
	return err
}

func (s *redisSubscription) pump(ctx context.Context) {
	defer close(s.msgs)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			msg := Message{
				Subject:   m.Channel,
				Payload:   []byte(m.Payload),
				Timestamp: time.Now().UTC(),
			}
			select {
			case s.msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// redisPattern maps subject wildcards onto Redis glob patterns.
func redisPattern(pattern string) string {
	if strings.HasSuffix(pattern, ".>") {
		return strings.TrimSuffix(pattern, ".>") + ".*"
	}
	return pattern
}
