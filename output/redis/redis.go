package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/metric"
	"github.com/c360/netlistener/network"
)

const componentName = "redis-sink"

// Publisher is the subset of a go-redis client the sink uses.
type Publisher interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// Sink publishes to Redis pub/sub channels.
type Sink struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	prefix   string
	timeout  time.Duration
	poolSize int
	dial     func(*redis.Options) Publisher

	mu     sync.RWMutex
	client Publisher
}

// New creates a sink from its arguments.
func New(raw map[string]string, deps network.Dependencies) (network.Sink, error) {
	args := network.Args(raw)
	return &Sink{
		logger:   deps.LoggerFor(componentName),
		metrics:  deps.CoreMetrics(),
		prefix:   args.String("channelPrefix", ""),
		timeout:  args.Duration("publishTimeout", 5*time.Second),
		poolSize: args.Int("poolSize", 10),
		dial:     func(o *redis.Options) Publisher { return redis.NewClient(o) },
	}, nil
}

// Connect parses info as a Redis URL and pings the server.
func (s *Sink) Connect(info string) error {
	opts, err := redis.ParseURL(info)
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			componentName, "Connect", "parse url")
	}
	opts.PoolSize = s.poolSize
	opts.ReadTimeout = s.timeout
	opts.WriteTimeout = s.timeout

	client := s.dial(opts)
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			componentName, "Connect", fmt.Sprintf("ping %s", opts.Addr))
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	s.logger.Info("Publish sink connected", "addr", opts.Addr, "db", opts.DB)
	return nil
}

// SendMessage publishes body on prefix+topic.
func (s *Sink) SendMessage(ctx context.Context, topic string, body []byte) bool {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()

	channel := s.prefix + topic
	if client == nil {
		s.logger.Warn("Publish before connect", "topic", channel)
		s.metrics.RecordPublish(topic, false)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := client.Publish(ctx, channel, body).Err()
	s.metrics.RecordPublish(topic, err == nil)
	if err != nil {
		s.logger.Warn("Publish failed", "topic", channel, "error", err)
		return false
	}
	return true
}

// Close releases the connection pool.
func (s *Sink) Close() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// Register adds the sink to reg under "redis".
func Register(reg *network.SinkRegistry) error {
	return reg.Register(network.SinkRegistration{
		Info: network.Info{
			Name:        "redis",
			Protocol:    "redis",
			Description: "Redis pub/sub publisher",
		},
		Factory: New,
	})
}
