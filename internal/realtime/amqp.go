package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"partner-portal/internal/common/logger"
)

// AMQPBus publishes signals to a topic exchange. The routing key is the
// topic with ':' replaced by '.', so "P1.*" style bindings work.
type AMQPBus struct {
	conn     *amqp.Connection
	mu       sync.Mutex
	channel  *amqp.Channel
	exchange string
	logger   logger.Logger
}

func NewAMQPBus(url, exchange string, log logger.Logger) (*AMQPBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp exchange declare: %w", err)
	}
	return &AMQPBus{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   log.WithFields(map[string]interface{}{"component": "realtime", "transport": "amqp"}),
	}, nil
}

func (b *AMQPBus) Name() string { return "amqp" }

// RoutingKey maps a live topic onto an AMQP routing key.
func RoutingKey(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

func (b *AMQPBus) Publish(ctx context.Context, s Signal) error {
	body, err := encode(s)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	err = b.channel.PublishWithContext(ctx, b.exchange, RoutingKey(s.Topic), false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   s.EventID,
		Timestamp:   time.Now(),
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", s.Topic, err)
	}
	return nil
}

// Subscribe binds an exclusive, auto-deleted queue to the topic's routing key.
func (b *AMQPBus) Subscribe(ctx context.Context, topic string) (<-chan Signal, func(), error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKey(topic), b.exchange, false, nil); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("amqp queue bind: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("amqp consume: %w", err)
	}

	out := make(chan Signal, 16)
	var once sync.Once
	cancel := func() { once.Do(func() { ch.Close() }) }

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				s, ok := decode(d.Body)
				if !ok {
					b.logger.Warn("dropping malformed live signal", map[string]interface{}{"routingKey": d.RoutingKey})
					continue
				}
				select {
				case out <- s:
				default:
				}
			}
		}
	}()
	return out, cancel, nil
}

func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.channel.Close(); err != nil {
		b.logger.Warn("amqp channel close failed", map[string]interface{}{"error": err.Error()})
	}
	return b.conn.Close()
}
