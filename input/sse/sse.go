package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/metric"
	"github.com/c360/netlistener/network"
	"github.com/c360/netlistener/pkg/retry"
)

const (
	componentName   = "sse-source"
	selectorPrefix  = "requestBuilderSelectors."
	maxEventBytes   = 4 << 20
	headerLastEvent = "Last-Event-ID"
)

// Event is one dispatched server-sent event.
type Event struct {
	ID   string
	Name string
	Data string
}

// Source is a reconnecting server-sent events client.
type Source struct {
	logger  *slog.Logger
	metrics *metric.Metrics
	http    *http.Client

	url         string
	urlPath     string
	method      string
	body        []byte
	subjects    []string
	bearerToken string

	callback atomic.Pointer[network.Callback]
	locCb    atomic.Pointer[network.LocationCallback]

	mu          sync.Mutex
	lastEventID string
	retryDelay  time.Duration

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	listening   atomic.Bool
}

// New creates an unconfigured source. deps.HTTPClient is used when set; it
// must not carry a whole-request timeout since the response never ends.
func New(deps network.Dependencies) (network.Source, error) {
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Source{
		logger:  deps.LoggerFor(componentName),
		metrics: deps.CoreMetrics(),
		http:    client,
	}, nil
}

// Initialize implements network.Source.
func (s *Source) Initialize(raw map[string]string) error {
	args := network.Args(raw)
	if err := args.Require(componentName, "connectAddress", "connectPort"); err != nil {
		return err
	}

	scheme := "http"
	if args.Bool("useSSL", false) {
		scheme = "https"
	}
	s.urlPath = args.String("urlPath", "/")
	if !strings.HasPrefix(s.urlPath, "/") {
		s.urlPath = "/" + s.urlPath
	}
	base := fmt.Sprintf("%s://%s:%d%s", scheme, args.String("connectAddress", ""), args.Int("connectPort", 0), s.urlPath)

	s.method = strings.ToUpper(args.String("requestType", http.MethodGet))
	if s.method != http.MethodGet && s.method != http.MethodPost {
		return errors.WrapInvalid(fmt.Errorf("%w: requestType %q", errors.ErrInvalidConfig, s.method),
			componentName, "Initialize", "check requestType")
	}

	selectors := map[string]string{}
	for k, v := range raw {
		if name, ok := strings.CutPrefix(k, selectorPrefix); ok {
			selectors[name] = v
		}
	}
	u, err := url.Parse(base)
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			componentName, "Initialize", "build url")
	}
	if s.method == http.MethodGet {
		q := u.Query()
		for k, v := range selectors {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	} else if len(selectors) > 0 {
		if s.body, err = json.Marshal(selectors); err != nil {
			return errors.WrapInvalid(err, componentName, "Initialize", "encode selectors")
		}
	}

	s.url = u.String()
	s.subjects = args.List("subjects")
	s.bearerToken = args.String("bearerToken", "")
	s.retryDelay = args.Duration("reconnectDelay", time.Second)
	s.logger = s.logger.With("stream", s.urlPath)
	return nil
}

// URL returns the request url built by Initialize.
func (s *Source) URL() string { return s.url }

// SetCallbackDelegate implements network.Source.
func (s *Source) SetCallbackDelegate(cb network.Callback) {
	s.callback.Store(&cb)
}

// SetStreamLocationCallback implements network.LocationReporter.
func (s *Source) SetStreamLocationCallback(cb network.LocationCallback) {
	s.locCb.Store(&cb)
}

// SetLocationID sets the Last-Event-ID sent on the next connection.
func (s *Source) SetLocationID(id string) {
	s.mu.Lock()
	s.lastEventID = id
	s.mu.Unlock()
}

// LastEventID returns the most recent event id.
func (s *Source) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// StartListening opens the first connection synchronously so an unreachable
// server is reported to the caller.
func (s *Source) StartListening(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.listening.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, componentName, "StartListening", "check state")
	}
	if s.url == "" {
		return errors.WrapInvalid(errors.ErrNotStarted, componentName, "StartListening", "check initialized")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	resp, err := s.connect(loopCtx)
	if err != nil {
		cancel()
		return err
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	s.listening.Store(true)
	go s.run(loopCtx, resp)
	return nil
}

// StopListening cancels the request and waits for the reader.
func (s *Source) StopListening() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.listening.Store(false)
	return nil
}

// IsListening implements network.Source.
func (s *Source) IsListening() bool { return s.listening.Load() }

func (s *Source) connect(ctx context.Context) (*http.Response, error) {
	var body io.Reader
	if s.body != nil {
		body = bytes.NewReader(s.body)
	}
	req, err := http.NewRequestWithContext(ctx, s.method, s.url, body)
	if err != nil {
		return nil, errors.WrapInvalid(err, componentName, "connect", "build request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.bearerToken)
	}
	if id := s.LastEventID(); id != "" {
		req.Header.Set(headerLastEvent, id)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			componentName, "connect", fmt.Sprintf("request %s", s.url))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := fmt.Errorf("%w: status %d", errors.ErrConnectionLost, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, errors.WrapInvalid(err, componentName, "connect", fmt.Sprintf("request %s", s.url))
		}
		return nil, errors.WrapTransient(err, componentName, "connect", fmt.Sprintf("request %s", s.url))
	}
	return resp, nil
}

func (s *Source) run(ctx context.Context, resp *http.Response) {
	defer close(s.done)
	defer s.listening.Store(false)

	for {
		err := s.read(resp.Body)
		resp.Body.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("Event stream ended", "error", err)

		for {
			s.mu.Lock()
			delay := s.retryDelay
			s.mu.Unlock()
			if !retry.Sleep(ctx, delay) {
				return
			}
			s.metrics.RecordStreamReconnect(s.urlPath)
			if resp, err = s.connect(ctx); err == nil {
				break
			}
			s.logger.Warn("Reconnect failed", "error", err)
		}
	}
}

// read parses the stream until EOF or error.
func (s *Source) read(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	var (
		ev   Event
		data []string
		seen bool
	)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if seen {
				ev.Data = strings.Join(data, "\n")
				s.dispatch(ev)
			}
			ev, data, seen = Event{}, data[:0], false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			data = append(data, value)
			seen = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				ev.ID = value
				s.SetLocationID(value)
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				s.mu.Lock()
				s.retryDelay = time.Duration(ms) * time.Millisecond
				s.mu.Unlock()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (s *Source) dispatch(ev Event) {
	subject := ev.Name
	if subject == "" && len(s.subjects) > 0 {
		subject = s.subjects[0]
	}
	if len(s.subjects) > 0 && !slices.Contains(s.subjects, "*") && !slices.Contains(s.subjects, subject) {
		s.logger.Debug("Dropping event for unsubscribed subject", "subject", subject)
		return
	}

	s.metrics.RecordReceived(subject)
	if cb := s.callback.Load(); cb != nil {
		(*cb)(subject, ev.Data)
	}
	if ev.ID != "" {
		if cb := s.locCb.Load(); cb != nil {
			(*cb)(ev.ID, s.urlPath, subject)
		}
	}
}

// Register adds the source to reg under "sse".
func Register(reg *network.SourceRegistry) error {
	return reg.Register(network.SourceRegistration{
		Info: network.Info{
			Name:        "sse",
			Protocol:    "http",
			Description: "Server-sent events client with Last-Event-ID resume",
		},
		Factory: New,
	})
}
