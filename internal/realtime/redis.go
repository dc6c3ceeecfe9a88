package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"partner-portal/internal/common/logger"
)

// RedisBus fans signals out across replicas with PUBLISH/SUBSCRIBE on
// <prefix><topic>.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger logger.Logger
}

func NewRedisBus(client *redis.Client, prefix string, log logger.Logger) *RedisBus {
	if prefix == "" {
		prefix = "portal:live:"
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		logger: log.WithFields(map[string]interface{}{"component": "realtime", "transport": "redis"}),
	}
}

func (b *RedisBus) Name() string { return "redis" }

func (b *RedisBus) channel(topic string) string { return b.prefix + topic }

func (b *RedisBus) Publish(ctx context.Context, s Signal) error {
	payload, err := encode(s)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel(s.Topic), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", s.Topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Signal, func(), error) {
	ps := b.client.Subscribe(ctx, b.channel(topic))
	// wait for the subscription confirmation so no publish is missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	out := make(chan Signal, 16)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			ps.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				s, ok := decode([]byte(msg.Payload))
				if !ok {
					b.logger.Warn("dropping malformed live signal", map[string]interface{}{"channel": msg.Channel})
					continue
				}
				if s.Topic == "" {
					s.Topic = strings.TrimPrefix(msg.Channel, b.prefix)
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

// Close is a no-op; the client is owned by the caller.
func (b *RedisBus) Close() error { return nil }
