package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/metric"
	"github.com/c360/netlistener/network"
)

const componentName = "udp-source"

const (
	socketBufferSize = 2 * 1024 * 1024
	maxDatagram      = 65536
	readDeadline     = 100 * time.Millisecond
)

// Source receives datagrams on a UDP socket.
type Source struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	bind       string
	port       int
	subject    string
	splitLines bool
	readBuffer int

	callback atomic.Pointer[network.Callback]

	lifecycleMu sync.Mutex
	conn        *net.UDPConn
	cancel      context.CancelFunc
	done        chan struct{}
	listening   atomic.Bool

	received atomic.Int64
	errCount atomic.Int64
}

// New creates an unconfigured source.
func New(deps network.Dependencies) (network.Source, error) {
	return &Source{
		logger:  deps.LoggerFor(componentName),
		metrics: deps.CoreMetrics(),
	}, nil
}

// Initialize implements network.Source.
func (s *Source) Initialize(raw map[string]string) error {
	args := network.Args(raw)
	if err := args.Require(componentName, "port"); err != nil {
		return err
	}
	port, err := strconv.Atoi(strings.TrimSpace(raw["port"]))
	if err != nil || port < 0 || port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("%w: port %q", errors.ErrInvalidConfig, raw["port"]),
			componentName, "Initialize", "validate port")
	}
	s.port = port
	s.bind = args.String("bind", "0.0.0.0")
	s.subject = args.String("subject", "")
	if s.subject == "" {
		if subjects := args.List("subjects"); len(subjects) > 0 {
			s.subject = subjects[0]
		}
	}
	s.splitLines = args.Bool("splitLines", false)
	s.readBuffer = args.Int("readBuffer", socketBufferSize)
	s.logger = s.logger.With("stream", net.JoinHostPort(s.bind, strconv.Itoa(port)))
	return nil
}

// SetCallbackDelegate implements network.Source.
func (s *Source) SetCallbackDelegate(cb network.Callback) {
	s.callback.Store(&cb)
}

// StartListening binds the socket and starts the read loop.
func (s *Source) StartListening(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.listening.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, componentName, "StartListening", "check state")
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.bind, strconv.Itoa(s.port)))
	if err != nil {
		return errors.WrapInvalid(err, componentName, "StartListening", "resolve address")
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return errors.WrapTransient(err, componentName, "StartListening", fmt.Sprintf("listen on %s", addr))
	}
	if err := conn.SetReadBuffer(s.readBuffer); err != nil {
		// some systems cap the socket buffer
		s.logger.Warn("Could not set UDP buffer size", "buffer_size", s.readBuffer, "error", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.conn = conn
	s.cancel = cancel
	s.done = make(chan struct{})
	s.listening.Store(true)
	go s.readLoop(loopCtx, conn)

	s.logger.Info("Listening", "addr", conn.LocalAddr().String())
	return nil
}

// Addr returns the bound address while listening.
func (s *Source) Addr() net.Addr {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// StopListening closes the socket and waits for the read loop.
func (s *Source) StopListening() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	_ = s.conn.Close()
	<-s.done
	s.cancel = nil
	s.conn = nil
	s.listening.Store(false)
	return nil
}

// IsListening implements network.Source.
func (s *Source) IsListening() bool { return s.listening.Load() }

// Received returns the number of datagrams read.
func (s *Source) Received() int64 { return s.received.Load() }

func (s *Source) readLoop(ctx context.Context, conn *net.UDPConn) {
	defer close(s.done)
	defer s.listening.Store(false)

	buf := make([]byte, maxDatagram)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.errCount.Add(1)
			s.logger.Warn("Socket read failed", "error", err)
			continue
		}
		s.received.Add(1)
		s.deliver(string(buf[:n]))
	}
}

func (s *Source) deliver(datagram string) {
	cb := s.callback.Load()
	if !s.splitLines {
		s.metrics.RecordReceived(s.subject)
		if cb != nil {
			(*cb)(s.subject, datagram)
		}
		return
	}
	for _, line := range strings.Split(datagram, "\n") {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		s.metrics.RecordReceived(s.subject)
		if cb != nil {
			(*cb)(s.subject, line)
		}
	}
}

// Register adds the source to reg under "udp".
func Register(reg *network.SourceRegistry) error {
	return reg.Register(network.SourceRegistration{
		Info: network.Info{
			Name:        "udp",
			Protocol:    "udp",
			Description: "UDP datagram listener",
		},
		Factory: New,
	})
}
