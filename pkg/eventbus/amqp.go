package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBus is a RabbitMQ-backed transport publishing through a durable topic
// exchange. Subject wildcards are translated to AMQP binding-key wildcards
// on Subscribe.
type AMQPBus struct {
	conn     *amqp.Connection
	exchange string

	mu        sync.Mutex
	publishCh *amqp.Channel
	closed    bool
}

// NewAMQPBus dials the broker and declares the topic exchange.
func NewAMQPBus(url, exchange string) (*AMQPBus, error) {
	if url == "" {
		return nil, fmt.Errorf("eventbus: amqp url cannot be empty")
	}
	if exchange == "" {
		return nil, fmt.Errorf("eventbus: amqp exchange cannot be empty")
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("eventbus: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("eventbus: amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("eventbus: declare exchange %q: %w", exchange, err)
	}

	return &AMQPBus{
		conn:      conn,
		exchange:  exchange,
		publishCh: ch,
	}, nil
}

// Publish sends one persistent message with the subject as routing key.
func (b *AMQPBus) Publish(ctx context.Context, subject string, payload []byte) error {
	if subject == "" {
		return fmt.Errorf("eventbus: subject cannot be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("eventbus: amqp bus is closed")
	}

	err := b.publishCh.PublishWithContext(ctx, b.exchange, subject, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("eventbus: amqp publish to %q: %w", subject, err)
	}
	return nil
}

// Subscribe binds an exclusive queue to the exchange and pumps deliveries
// into a Stream channel.
func (b *AMQPBus) Subscribe(pattern string, buffer int) (Stream, error) {
	if pattern == "" {
		return nil, fmt.Errorf("eventbus: subscription pattern cannot be empty")
	}
	if buffer <= 0 {
		buffer = 32
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("eventbus: amqp subscribe channel: %w", err)
	}
	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("eventbus: declare queue: %w", err)
	}
	bindingKey := amqpBindingKey(pattern)
	if err := ch.QueueBind(queue.Name, bindingKey, b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("eventbus: bind %q to %q: %w", queue.Name, bindingKey, err)
	}
	deliveries, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("eventbus: consume %q: %w", queue.Name, err)
	}

	sub := &amqpSubscription{
		ch:      ch,
		msgs:    make(chan Message, buffer),
		closeCh: make(chan struct{}),
	}
	go sub.pump(deliveries)
	return sub, nil
}

// Close shuts down the connection and every open channel.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.conn.Close()
}

type amqpSubscription struct {
	ch      *amqp.Channel
	msgs    chan Message
	closeCh chan struct{}
	once    sync.Once
}

func (s *amqpSubscription) C() <-chan Message {
	return s.msgs
}

func (s *amqpSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closeCh)
		err = s.ch.Close()
	})
	return err
}

func (s *amqpSubscription) pump(deliveries <-chan amqp.Delivery) {
	defer close(s.msgs)
	for {
		select {
		case <-s.closeCh:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			msg := Message{
				Subject:   d.RoutingKey,
				Payload:   append([]byte(nil), d.Body...),
				Timestamp: d.Timestamp,
			}
			select {
			case s.msgs <- msg:
			case <-s.closeCh:
				return
			}
		}
	}
}

// amqpBindingKey maps subject wildcards onto AMQP topic wildcards:
// ">" (rest of subject) becomes "#", "*" stays a single-segment match.
func amqpBindingKey(pattern string) string {
	if strings.HasSuffix(pattern, ".>") {
		return strings.TrimSuffix(pattern, ".>") + ".#"
	}
	return pattern
}
