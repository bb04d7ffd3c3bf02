package httppost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/metric"
	"github.com/c360/netlistener/network"
	"github.com/c360/netlistener/pkg/retry"
)

const componentName = "httppost-sink"

// TopicPlaceholder in the endpoint URL is replaced by the escaped topic.
const TopicPlaceholder = "{topic}"

// TopicHeader carries the topic on every request.
const TopicHeader = "X-Topic"

// RequestIDHeader identifies a message. Retries of one message reuse it.
const RequestIDHeader = "X-Request-ID"

// Sink POSTs every message to an HTTP endpoint.
type Sink struct {
	logger  *slog.Logger
	metrics *metric.Metrics
	client  *http.Client

	headers     map[string]string
	contentType string
	retry       retry.Config

	mu       sync.RWMutex
	endpoint string
}

// New creates a sink from its arguments. headers is a JSON object.
func New(raw map[string]string, deps network.Dependencies) (network.Sink, error) {
	args := network.Args(raw)

	headers := map[string]string{}
	if h := args.String("headers", ""); h != "" {
		if err := json.Unmarshal([]byte(h), &headers); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: headers: %v", errors.ErrInvalidConfig, err),
				componentName, "New", "parse headers")
		}
	}

	retryCount := args.Int("retryCount", 3)
	if retryCount < 0 || retryCount > 10 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: retryCount %d not in 0..10", errors.ErrInvalidConfig, retryCount),
			componentName, "New", "validate retryCount")
	}

	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: args.Duration("timeout", 30*time.Second)}
	}

	return &Sink{
		logger:      deps.LoggerFor(componentName),
		metrics:     deps.CoreMetrics(),
		client:      client,
		headers:     headers,
		contentType: args.String("contentType", "application/json"),
		retry: retry.Config{
			MaxAttempts:  retryCount + 1,
			InitialDelay: args.Duration("retryDelay", 100*time.Millisecond),
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
		},
	}, nil
}

// Connect validates info as an http or https endpoint. No request is made.
func (s *Sink) Connect(info string) error {
	u, err := url.Parse(strings.Replace(info, TopicPlaceholder, "topic", 1))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: endpoint %q", errors.ErrInvalidConfig, info),
			componentName, "Connect", "parse url")
	}
	s.mu.Lock()
	s.endpoint = info
	s.mu.Unlock()
	s.logger.Info("Publish sink connected", "endpoint", info)
	return nil
}

// SendMessage POSTs body, retrying transport errors and 5xx responses.
func (s *Sink) SendMessage(ctx context.Context, topic string, body []byte) bool {
	s.mu.RLock()
	endpoint := s.endpoint
	s.mu.RUnlock()

	if endpoint == "" {
		s.logger.Warn("Publish before connect", "topic", topic)
		s.metrics.RecordPublish(topic, false)
		return false
	}
	target := strings.ReplaceAll(endpoint, TopicPlaceholder, url.PathEscape(topic))

	id := uuid.NewString()
	err := retry.Do(ctx, s.retry, func() error { return s.post(ctx, target, topic, id, body) })
	s.metrics.RecordPublish(topic, err == nil)
	if err != nil {
		s.logger.Warn("Publish failed", "topic", topic, "url", target, "error", err)
		return false
	}
	return true
}

func (s *Sink) post(ctx context.Context, target, topic, id string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return retry.NonRetryable(err)
	}
	req.Header.Set("Content-Type", s.contentType)
	req.Header.Set(TopicHeader, topic)
	req.Header.Set(RequestIDHeader, id)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("HTTP %s", resp.Status)
	default:
		return retry.NonRetryable(fmt.Errorf("HTTP %s", resp.Status))
	}
}

// Close forgets the endpoint.
func (s *Sink) Close() error {
	s.mu.Lock()
	s.endpoint = ""
	s.mu.Unlock()
	return nil
}

// Register adds the sink to reg under "http".
func Register(reg *network.SinkRegistry) error {
	return reg.Register(network.SinkRegistration{
		Info: network.Info{
			Name:        "http",
			Protocol:    "http",
			Description: "HTTP POST publisher",
		},
		Factory: New,
	})
}
