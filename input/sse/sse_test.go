package sse

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/network"
)

type received struct {
	mu        sync.Mutex
	subjects  []string
	messages  []string
	locations []string
}

func (r *received) callback(subject, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	r.messages = append(r.messages, message)
}

func (r *received) location(location, urlPath, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locations = append(r.locations, urlPath+"="+location)
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

type request struct {
	method      string
	query       url.Values
	body        string
	auth        string
	lastEventID string
}

// eventServer answers each request with the next scripted body and records it.
func eventServer(t *testing.T, bodies ...string) (*httptest.Server, func() []request) {
	t.Helper()
	var (
		mu    sync.Mutex
		reqs  []request
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, request{
			method:      r.Method,
			query:       r.URL.Query(),
			body:        string(b),
			auth:        r.Header.Get("Authorization"),
			lastEventID: r.Header.Get("Last-Event-ID"),
		})
		idx := calls
		calls++
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		if idx < len(bodies) {
			_, _ = io.WriteString(w, bodies[idx])
			w.(http.Flusher).Flush()
			return
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv, func() []request {
		mu.Lock()
		defer mu.Unlock()
		return append([]request(nil), reqs...)
	}
}

func streamArgs(t *testing.T, srv *httptest.Server, extra map[string]string) map[string]string {
	t.Helper()
	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	args := map[string]string{
		"connectAddress": host,
		"connectPort":    port,
		"urlPath":        "/apis/sma-telemetry-api/v1/stream/cray-telemetry-temperature",
		"subjects":       "telemetry,events",
		"reconnectDelay": "10ms",
	}
	for k, v := range extra {
		args[k] = v
	}
	return args
}

func newSource(t *testing.T, args map[string]string) *Source {
	t.Helper()
	src, err := New(network.Dependencies{})
	require.NoError(t, err)
	require.NoError(t, src.Initialize(args))
	return src.(*Source)
}

func TestInitialize(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]string
		wantURL string
		wantErr error
	}{
		{
			name:    "address required",
			args:    map[string]string{"connectPort": "1"},
			wantErr: errors.ErrMissingConfig,
		},
		{
			name:    "bad request type",
			args:    map[string]string{"connectAddress": "h", "connectPort": "1", "requestType": "PUT"},
			wantErr: errors.ErrInvalidConfig,
		},
		{
			name:    "get with selectors",
			args:    map[string]string{"connectAddress": "h", "connectPort": "80", "urlPath": "stream", "requestBuilderSelectors.stream_id": "abc"},
			wantURL: "http://h:80/stream?stream_id=abc",
		},
		{
			name:    "tls",
			args:    map[string]string{"connectAddress": "h", "connectPort": "443", "useSSL": "true"},
			wantURL: "https://h:443/",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := New(network.Dependencies{})
			require.NoError(t, err)
			err = src.Initialize(tt.args)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantURL, src.(*Source).URL())
		})
	}
}

func TestSource_DispatchesEvents(t *testing.T) {
	body := strings.Join([]string{
		": keepalive",
		"event: telemetry",
		"id: 41",
		"data: {\"a\":",
		"data: 1}",
		"",
		"event: ignored",
		"data: x",
		"",
		"id: 42",
		"data: unnamed",
		"",
		"",
	}, "\n")
	srv, requests := eventServer(t, body)

	src := newSource(t, streamArgs(t, srv, map[string]string{"bearerToken": "tok"}))
	var got received
	src.SetCallbackDelegate(got.callback)
	src.SetStreamLocationCallback(got.location)
	src.SetLocationID("40")

	require.NoError(t, src.StartListening(context.Background()))
	t.Cleanup(func() { _ = src.StopListening() })

	require.Eventually(t, func() bool { return got.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	got.mu.Lock()
	assert.Equal(t, []string{"telemetry", "telemetry"}, got.subjects)
	assert.Equal(t, []string{"{\"a\":\n1}", "unnamed"}, got.messages)
	path := "/apis/sma-telemetry-api/v1/stream/cray-telemetry-temperature"
	assert.Equal(t, []string{path + "=41", path + "=42"}, got.locations)
	got.mu.Unlock()

	// the first body ends, so the source reconnects resuming from 42
	require.Eventually(t, func() bool { return len(requests()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	reqs := requests()
	assert.Equal(t, "40", reqs[0].lastEventID)
	assert.Equal(t, "Bearer tok", reqs[0].auth)
	assert.Equal(t, http.MethodGet, reqs[0].method)
	assert.Equal(t, "42", reqs[1].lastEventID)
	assert.Equal(t, "42", src.LastEventID())

	require.NoError(t, src.StopListening())
	assert.False(t, src.IsListening())
}

func TestSource_WildcardAndRetryField(t *testing.T) {
	srv, requests := eventServer(t, "retry: 5\nevent: anything\ndata: d\n\n")
	src := newSource(t, streamArgs(t, srv, map[string]string{"subjects": "*", "reconnectDelay": "1h"}))
	var got received
	src.SetCallbackDelegate(got.callback)

	require.NoError(t, src.StartListening(context.Background()))
	t.Cleanup(func() { _ = src.StopListening() })

	require.Eventually(t, func() bool { return got.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	got.mu.Lock()
	assert.Equal(t, "anything", got.subjects[0])
	got.mu.Unlock()
	// retry: 5 replaces the hour long reconnect delay
	require.Eventually(t, func() bool { return len(requests()) >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestSource_PostSelectors(t *testing.T) {
	srv, requests := eventServer(t)
	src := newSource(t, streamArgs(t, srv, map[string]string{
		"requestType":                       "POST",
		"requestBuilderSelectors.stream_id": "cray-dmtf-resource-event",
	}))
	require.NoError(t, src.StartListening(context.Background()))
	t.Cleanup(func() { _ = src.StopListening() })

	require.Eventually(t, func() bool { return len(requests()) == 1 }, 2*time.Second, 10*time.Millisecond)
	req := requests()[0]
	assert.Equal(t, http.MethodPost, req.method)
	assert.JSONEq(t, `{"stream_id":"cray-dmtf-resource-event"}`, req.body)
	assert.Empty(t, req.query)
}

func TestSource_StartErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	src := newSource(t, streamArgs(t, srv, nil))
	err := src.StartListening(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.False(t, src.IsListening())

	srv.Close()
	err = src.StartListening(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestRegister(t *testing.T) {
	reg := network.NewSourceRegistry()
	require.NoError(t, Register(reg))
	assert.True(t, reg.HasSource("sse"))
}

