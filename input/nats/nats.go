package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/metric"
	"github.com/c360/netlistener/natsclient"
	"github.com/c360/netlistener/network"
)

const componentName = "nats-source"

// Source subscribes to NATS subjects.
type Source struct {
	logger  *slog.Logger
	metrics *metric.Metrics
	shared  *natsclient.Client

	url        string
	subjects   []string
	prefix     string
	queueGroup string

	callback atomic.Pointer[network.Callback]

	mu        sync.Mutex
	client    *natsclient.Client
	owned     bool
	subs      []*natsgo.Subscription
	listening atomic.Bool
}

// New creates an unconfigured source. deps.NATSClient is used when the stream
// does not name its own url.
func New(deps network.Dependencies) (network.Source, error) {
	return &Source{
		logger:  deps.LoggerFor(componentName),
		metrics: deps.CoreMetrics(),
		shared:  deps.NATSClient,
	}, nil
}

// Initialize implements network.Source.
func (s *Source) Initialize(raw map[string]string) error {
	args := network.Args(raw)
	if err := args.Require(componentName, "subjects"); err != nil {
		return err
	}
	s.url = args.String("url", "")
	if s.url == "" && s.shared == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: argument \"url\" or a shared NATS client", errors.ErrMissingConfig),
			componentName, "Initialize", "check arguments")
	}
	s.subjects = args.List("subjects")
	s.prefix = args.String("subjectPrefix", "")
	s.queueGroup = args.String("queueGroup", "")
	return nil
}

// SetCallbackDelegate implements network.Source.
func (s *Source) SetCallbackDelegate(cb network.Callback) {
	s.callback.Store(&cb)
}

// Subscriptions returns the NATS subjects that StartListening subscribes to.
func (s *Source) Subscriptions() []string {
	out := make([]string, 0, len(s.subjects))
	for _, subject := range s.subjects {
		if subject == "*" {
			out = append(out, s.prefix+">")
			continue
		}
		out = append(out, s.prefix+subject)
	}
	return out
}

// StartListening connects when needed and subscribes every subject. A
// partial failure unsubscribes what was already subscribed.
func (s *Source) StartListening(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listening.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, componentName, "StartListening", "check state")
	}
	if len(s.subjects) == 0 {
		return errors.WrapInvalid(errors.ErrNotStarted, componentName, "StartListening", "check initialized")
	}

	client, err := s.connect(ctx)
	if err != nil {
		return err
	}

	for _, subject := range s.Subscriptions() {
		sub, err := client.Subscribe(ctx, subject, s.queueGroup, s.handle)
		if err != nil {
			s.unsubscribeLocked()
			return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, err),
				componentName, "StartListening", fmt.Sprintf("subscribe %s", subject))
		}
		s.subs = append(s.subs, sub)
	}
	s.listening.Store(true)
	s.logger.Info("Listening", "subjects", strings.Join(s.Subscriptions(), ","), "queue_group", s.queueGroup)
	return nil
}

func (s *Source) connect(ctx context.Context) (*natsclient.Client, error) {
	if s.client != nil {
		return s.client, s.client.Connect(ctx)
	}
	if s.url == "" {
		s.client = s.shared
		return s.client, s.client.Connect(ctx)
	}

	client, err := natsclient.NewClient(s.url,
		natsclient.WithLogger(s.logger),
		natsclient.WithMetrics(s.metrics),
		natsclient.WithClientName("netlistener-"+componentName),
	)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	s.client = client
	s.owned = true
	return client, nil
}

func (s *Source) handle(_ context.Context, msg *natsgo.Msg) {
	subject := strings.TrimPrefix(msg.Subject, s.prefix)
	s.metrics.RecordReceived(subject)
	if cb := s.callback.Load(); cb != nil {
		(*cb)(subject, string(msg.Data))
	}
}

// StopListening unsubscribes and closes a connection the source opened itself.
func (s *Source) StopListening() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.listening.Load() {
		return nil
	}
	s.listening.Store(false)
	err := s.unsubscribeLocked()

	if s.owned && s.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = errors.Join(err, s.client.Close(ctx))
		s.client = nil
		s.owned = false
	}
	return err
}

func (s *Source) unsubscribeLocked() error {
	var errs []error
	for _, sub := range s.subs {
		if err := s.client.Unsubscribe(sub); err != nil {
			errs = append(errs, err)
		}
	}
	s.subs = nil
	return errors.Join(errs...)
}

// IsListening implements network.Source.
func (s *Source) IsListening() bool { return s.listening.Load() }

// Register adds the source to reg under "nats".
func Register(reg *network.SourceRegistry) error {
	return reg.Register(network.SourceRegistration{
		Info: network.Info{
			Name:        "nats",
			Protocol:    "nats",
			Description: "NATS subscriber delivering each message under its logical subject",
		},
		Factory: New,
	})
}
