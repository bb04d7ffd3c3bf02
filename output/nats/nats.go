package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/metric"
	"github.com/c360/netlistener/natsclient"
	"github.com/c360/netlistener/network"
)

const componentName = "nats-sink"

// Sink publishes to NATS.
type Sink struct {
	logger  *slog.Logger
	metrics *metric.Metrics
	shared  *natsclient.Client

	jetstream      bool
	stream         string
	streamSubjects []string
	prefix         string
	timeout        time.Duration

	mu     sync.RWMutex
	client *natsclient.Client
	owned  bool
}

// New creates a sink from its arguments.
func New(raw map[string]string, deps network.Dependencies) (network.Sink, error) {
	args := network.Args(raw)
	s := &Sink{
		logger:    deps.LoggerFor(componentName),
		metrics:   deps.CoreMetrics(),
		shared:    deps.NATSClient,
		jetstream: args.Bool("jetstream", false),
		stream:    args.String("stream", ""),
		prefix:    args.String("topicPrefix", ""),
		timeout:   args.Duration("publishTimeout", 5*time.Second),
	}
	s.streamSubjects = args.List("streamSubjects")
	if len(s.streamSubjects) == 0 {
		s.streamSubjects = []string{s.prefix + ">"}
	}
	return s, nil
}

// Connect opens a connection to info, or uses the shared client when info is
// empty.
func (s *Sink) Connect(info string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	client, owned := s.shared, false
	if info != "" {
		var err error
		client, err = natsclient.NewClient(info,
			natsclient.WithLogger(s.logger),
			natsclient.WithMetrics(s.metrics),
			natsclient.WithClientName("netlistener-"+componentName+"-"+uuid.NewString()),
		)
		if err != nil {
			return err
		}
		owned = true
	}
	if client == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: no url and no shared NATS client", errors.ErrMissingConfig),
			componentName, "Connect", "select client")
	}
	if err := client.Connect(ctx); err != nil {
		return errors.Wrap(err, componentName, "Connect", "connect")
	}

	if s.jetstream && s.stream != "" {
		_, err := client.EnsureStream(ctx, jetstream.StreamConfig{
			Name:     s.stream,
			Subjects: s.streamSubjects,
		})
		if err != nil {
			if owned {
				_ = client.Close(ctx)
			}
			return errors.Wrap(err, componentName, "Connect", fmt.Sprintf("ensure stream %s", s.stream))
		}
	}

	s.mu.Lock()
	s.client, s.owned = client, owned
	s.mu.Unlock()
	s.logger.Info("Publish sink connected", "url", client.URL(), "jetstream", s.jetstream)
	return nil
}

// SendMessage publishes body on topic. Failures are logged and reported as false.
func (s *Sink) SendMessage(ctx context.Context, topic string, body []byte) bool {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()

	subject := s.prefix + topic
	if client == nil {
		s.logger.Warn("Publish before connect", "topic", subject)
		s.metrics.RecordPublish(topic, false)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var err error
	if s.jetstream {
		err = client.PublishToStream(ctx, subject, body)
	} else {
		err = client.Publish(ctx, subject, body)
	}
	s.metrics.RecordPublish(topic, err == nil)
	if err != nil {
		s.logger.Warn("Publish failed", "topic", subject, "error", err)
		return false
	}
	return true
}

// Close closes a connection the sink opened itself.
func (s *Sink) Close() error {
	s.mu.Lock()
	client, owned := s.client, s.owned
	s.client, s.owned = nil, false
	s.mu.Unlock()

	if client == nil || !owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return client.Close(ctx)
}

// Register adds the sink to reg under "nats".
func Register(reg *network.SinkRegistry) error {
	return reg.Register(network.SinkRegistration{
		Info: network.Info{
			Name:        "nats",
			Protocol:    "nats",
			Description: "NATS or JetStream publisher",
		},
		Factory: New,
	})
}
