package bus

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/shellhost/shellhost/infrastructure/logging"
)

// RedisConfig configures the Redis Pub/Sub bus.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

// Redis is a Bus backed by Redis Pub/Sub, for fan-out across host
// processes.
type Redis struct {
	client *redis.Client
	prefix string
	logger *logging.Logger

	mu     sync.Mutex
	closed bool
}

// NewRedis creates a Redis-backed bus.
func NewRedis(cfg RedisConfig, logger *logging.Logger) *Redis {
	if logger == nil {
		logger = logging.NewFromEnv("bus")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{client: client, prefix: cfg.ChannelPrefix, logger: logger}
}

func (b *Redis) channel(topic string) string { return b.prefix + topic }

// Publish implements Bus.
func (b *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, b.channel(topic), payload).Err()
}

// Subscribe implements Bus. Each subscription drives its own receive
// loop; closing the subscription terminates it.
func (b *Redis) Subscribe(topic string, handler Handler) (Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, b.channel(topic))

	// Force the subscription handshake so missing connectivity surfaces
	// here rather than silently in the receive loop.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, err
	}

	go func() {
		for msg := range pubsub.Channel() {
			if err := handler(ctx, []byte(msg.Payload)); err != nil {
				b.logger.WithError(err).WithFields(map[string]interface{}{
					"topic": topic,
				}).Warn("bus handler failed")
			}
		}
	}()

	return &redisSubscription{pubsub: pubsub, cancel: cancel}, nil
}

// Ping implements Bus.
func (b *Redis) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the client's connections.
func (b *Redis) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
	})
	return err
}
