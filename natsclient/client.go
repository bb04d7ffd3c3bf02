// Package natsclient wraps a NATS connection with a circuit breaker, JetStream
// access and a compare-and-swap key/value helper.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Client manages one NATS connection.
type Client struct {
	url    string
	logger *slog.Logger

	maxReconnects    int
	reconnectWait    time.Duration
	pingInterval     time.Duration
	timeout          time.Duration
	drainTimeout     time.Duration
	circuitThreshold int
	maxBackoff       time.Duration
	clientName       string
	username         string
	password         string
	token            string
	metrics          *metric.Metrics
	onDisconnect     func(error)
	onReconnect      func()

	mu          sync.RWMutex
	conn        *nats.Conn
	js          jetstream.JetStream
	subs        []*nats.Subscription
	status      ConnectionStatus
	failures    int
	backoff     time.Duration
	circuitOpen time.Time
	closed      bool
}

// NewClient creates a client. It does not connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		timeout:          5 * time.Second,
		drainTimeout:     10 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		backoff:          time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient")
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string { return c.url }

// Status returns the connection status, moving an expired open circuit back to disconnected.
func (c *Client) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireCircuitLocked(time.Now())
	return c.status
}

// IsHealthy returns true if the connection is established.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Conn returns the underlying connection or nil.
func (c *Client) Conn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) expireCircuitLocked(now time.Time) {
	if c.status == StatusCircuitOpen && now.Sub(c.circuitOpen) >= c.backoff {
		c.status = StatusDisconnected
	}
}

// recordFailureLocked counts a failed operation and opens the circuit once the
// threshold is crossed. Each reopening doubles the backoff up to maxBackoff.
func (c *Client) recordFailureLocked(now time.Time) {
	c.failures++
	if c.failures < c.circuitThreshold {
		return
	}
	if c.status == StatusCircuitOpen {
		c.backoff = min(c.backoff*2, c.maxBackoff)
	}
	c.status = StatusCircuitOpen
	c.circuitOpen = now
	c.failures = 0
	c.metrics.RecordCircuitBreakerState(1)
	c.logger.Warn("circuit breaker opened", "backoff", c.backoff)
}

func (c *Client) resetCircuitLocked() {
	c.failures = 0
	c.backoff = time.Second
	c.metrics.RecordCircuitBreakerState(0)
}

func (c *Client) options() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.setStatus(StatusReconnecting)
			c.metrics.RecordNATSStatus(false)
			if err != nil {
				c.logger.Warn("disconnected from NATS", "error", err)
			}
			if c.onDisconnect != nil {
				c.onDisconnect(err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.setStatus(StatusConnected)
			c.metrics.RecordNATSStatus(true)
			c.metrics.RecordNATSReconnect()
			c.logger.Info("reconnected to NATS")
			if c.onReconnect != nil {
				c.onReconnect()
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.setStatus(StatusDisconnected)
			c.metrics.RecordNATSStatus(false)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	if c.username != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Connect dials the server. It fails fast with ErrCircuitOpen while the breaker is open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.expireCircuitLocked(time.Now())
	if c.status == StatusCircuitOpen {
		c.mu.Unlock()
		return ErrCircuitOpen
	}
	if c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusConnecting
	c.closed = false
	c.mu.Unlock()

	c.logger.Info("connecting to NATS", "url", c.url)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.options()...)
		done <- result{conn, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if res.err != nil {
		c.status = StatusDisconnected
		c.recordFailureLocked(time.Now())
		if c.status == StatusCircuitOpen {
			return ErrCircuitOpen
		}
		return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
	}

	c.conn = res.conn
	if js, err := jetstream.New(res.conn); err == nil {
		c.js = js
	}
	c.status = StatusConnected
	c.resetCircuitLocked()
	c.metrics.RecordNATSStatus(true)
	c.logger.Info("connected to NATS", "url", c.url)
	return nil
}

// Close unsubscribes, drains and closes the connection. It is safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	conn := c.conn
	c.subs = nil
	c.conn = nil
	c.js = nil
	c.username, c.password, c.token = "", "", ""
	c.status = StatusDisconnected
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	if conn == nil {
		return errors.Join(errs...)
	}

	drained := make(chan error, 1)
	go func() { drained <- conn.Drain() }()

	timeout := c.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-drained:
		if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
		}
	case <-timer.C:
		errs = append(errs, errors.WrapTransient(fmt.Errorf("drain timeout after %v", timeout),
			"Client", "Close", "drain"))
	case <-ctx.Done():
		errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain"))
	}
	conn.Close()
	c.metrics.RecordNATSStatus(false)
	return errors.Join(errs...)
}

// Subscribe registers handler for subject. Queue group is optional.
func (c *Client) Subscribe(ctx context.Context, subject, queue string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.conn.IsConnected() {
		return nil, ErrNotConnected
	}

	cb := func(msg *nats.Msg) { handler(ctx, msg) }
	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = c.conn.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = c.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, errors.Wrap(err, "Client", "Subscribe", fmt.Sprintf("subscribe to %s", subject))
	}
	c.subs = append(c.subs, sub)
	return sub, nil
}

// Unsubscribe removes sub and forgets it.
func (c *Client) Unsubscribe(sub *nats.Subscription) error {
	c.mu.Lock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
		return errors.Wrap(err, "Client", "Unsubscribe", "unsubscribe")
	}
	return nil
}

// Publish publishes data on subject with core NATS.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn := c.Conn()
	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", fmt.Sprintf("publish to %s", subject))
	}
	return nil
}

// PublishToStream publishes data through JetStream and waits for the ack.
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	js, err := c.JetStream()
	if err != nil {
		return err
	}
	if _, err := js.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "PublishToStream", fmt.Sprintf("publish to %s", subject))
	}
	return nil
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// EnsureStream creates the stream or returns the existing one with that name.
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	stream, err := js.CreateStream(ctx, cfg)
	if err == nil {
		return stream, nil
	}
	if stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) || isAlreadyExists(err) {
		return js.Stream(ctx, cfg.Name)
	}
	c.mu.Lock()
	c.recordFailureLocked(time.Now())
	c.mu.Unlock()
	return nil, errors.WrapTransient(err, "Client", "EnsureStream", fmt.Sprintf("create stream %s", cfg.Name))
}

// CreateKeyValueBucket creates the bucket or opens it if it already exists.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	if c.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	kv, err := js.CreateKeyValue(ctx, cfg)
	if err == nil {
		return kv, nil
	}
	if stderrors.Is(err, jetstream.ErrBucketExists) || isAlreadyExists(err) {
		return js.KeyValue(ctx, cfg.Bucket)
	}
	c.mu.Lock()
	c.recordFailureLocked(time.Now())
	c.mu.Unlock()
	return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket", fmt.Sprintf("create bucket %s", cfg.Bucket))
}

// WaitForConnection polls until connected or ctx is done.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(errors.ErrConnectionTimeout, "Client", "WaitForConnection", ctx.Err().Error())
		case <-ticker.C:
		}
	}
}

func isAlreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "already exists")
}
