package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/metric"
	"github.com/c360/netlistener/network"
	"github.com/c360/netlistener/pkg/retry"
)

const componentName = "websocket-source"

// Source is a reconnecting WebSocket client.
type Source struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	config   Config
	callback atomic.Pointer[network.Callback]

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	listening   atomic.Bool

	connMu sync.Mutex
	conn   *websocket.Conn

	reconnectAttempts atomic.Int32
	messagesReceived  atomic.Int64
}

// New creates an unconfigured source.
func New(deps network.Dependencies) (network.Source, error) {
	return &Source{
		logger:  deps.LoggerFor(componentName),
		metrics: deps.CoreMetrics(),
	}, nil
}

// Initialize implements network.Source.
func (s *Source) Initialize(args map[string]string) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}
	s.config = cfg
	s.logger = s.logger.With("stream", cfg.URL)
	return nil
}

// SetCallbackDelegate implements network.Source.
func (s *Source) SetCallbackDelegate(cb network.Callback) {
	s.callback.Store(&cb)
}

// StartListening dials once and fails if the endpoint is unreachable, so the
// listener can retry the stream. Later disconnects are handled internally.
func (s *Source) StartListening(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.listening.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, componentName, "StartListening", "check state")
	}
	if s.config.URL == "" {
		return errors.WrapInvalid(errors.ErrNotStarted, componentName, "StartListening", "check initialized")
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.setConn(conn)
	s.listening.Store(true)

	s.wg.Add(1)
	go s.connectLoop(loopCtx, conn)
	return nil
}

// StopListening closes the connection and waits for the read loop.
func (s *Source) StopListening() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.listening.Load() {
		return nil
	}
	s.listening.Store(false)
	s.cancel()
	s.closeConn()
	s.wg.Wait()
	return nil
}

// IsListening implements network.Source.
func (s *Source) IsListening() bool { return s.listening.Load() }

// MessagesReceived returns the number of frames delivered.
func (s *Source) MessagesReceived() int64 { return s.messagesReceived.Load() }

func (s *Source) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.config.HandshakeTimeout,
	}
	headers := http.Header{}
	if s.config.BearerToken != "" {
		headers.Set("Authorization", "Bearer "+s.config.BearerToken)
	}

	conn, resp, err := dialer.DialContext(ctx, s.config.URL, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			componentName, "dial", fmt.Sprintf("connect to %s", s.config.URL))
	}
	return conn, nil
}

// connectLoop reads until the connection drops, then re-dials with backoff.
func (s *Source) connectLoop(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()
	stop := context.AfterFunc(ctx, s.closeConn)
	defer stop()

	for {
		s.readLoop(conn)
		s.closeConn()

		for {
			if ctx.Err() != nil {
				s.listening.Store(false)
				return
			}
			attempt := int(s.reconnectAttempts.Add(1)) - 1
			s.metrics.RecordStreamReconnect(s.config.Subject)
			if !retry.Sleep(ctx, s.config.Reconnect.delay(attempt)) {
				s.listening.Store(false)
				return
			}
			var err error
			if conn, err = s.dial(ctx); err != nil {
				s.logger.Warn("Reconnect failed", "attempt", attempt+1, "error", err)
				continue
			}
			s.reconnectAttempts.Store(0)
			s.setConn(conn)
			s.logger.Info("Reconnected")
			break
		}
	}
}

func (s *Source) readLoop(conn *websocket.Conn) {
	for {
		kind, message, err := conn.ReadMessage()
		if err != nil {
			if s.listening.Load() {
				s.logger.Warn("Connection closed", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		s.messagesReceived.Add(1)
		s.metrics.RecordReceived(s.config.Subject)
		if cb := s.callback.Load(); cb != nil {
			(*cb)(s.config.Subject, string(message))
		}
	}
}

func (s *Source) setConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *Source) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = s.conn.Close()
	s.conn = nil
}

// Register adds the source to reg under "websocket".
func Register(reg *network.SourceRegistry) error {
	return reg.Register(network.SourceRegistration{
		Info: network.Info{
			Name:        "websocket",
			Protocol:    "websocket",
			Description: "WebSocket client delivering each frame as one message",
		},
		Factory: New,
	})
}
