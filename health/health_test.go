package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name  string
		subs  []Status
		state string
	}{
		{"empty", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", ""), NewHealthy("c", "")}, StateUnhealthy},
		{"unhealthy before degraded", []Status{NewUnhealthy("a", ""), NewDegraded("b", "")}, StateUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("sys", tt.subs)
			assert.Equal(t, tt.state, got.Status)
			assert.Equal(t, tt.state == StateHealthy, got.Healthy)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestSanitize(t *testing.T) {
	msg := "dial ws://10.1.2.3:8080/events failed token=abc123"
	got := Sanitize(msg)
	assert.NotContains(t, got, "abc123")
	assert.NotContains(t, got, "10.1.2.3")
	assert.Contains(t, got, "[URL]")
	assert.Contains(t, got, "[REDACTED]")
}

func TestFromError(t *testing.T) {
	assert.True(t, FromError("store", nil, "ok").IsHealthy())

	s := FromError("store", errors.New("connect 192.168.0.4 refused"), "ok")
	assert.True(t, s.IsUnhealthy())
	assert.Equal(t, "connect [IP] refused", s.Message)
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("stream.a", "listening")
	m.UpdateDegraded("sink.nats", "reconnecting")

	s, ok := m.Get("stream.a")
	require.True(t, ok)
	assert.Equal(t, "stream.a", s.Component)
	assert.Equal(t, 2, m.Count())

	agg := m.AggregateHealth("netlistener")
	assert.True(t, agg.IsDegraded())
	assert.Equal(t, "sink.nats", agg.SubStatuses[0].Component)

	m.Remove("sink.nats")
	assert.True(t, m.AggregateHealth("netlistener").IsHealthy())
}

func TestHandler(t *testing.T) {
	m := NewMonitor()
	m.UpdateUnhealthy("store", "down")

	rec := httptest.NewRecorder()
	Handler(m, "netlistener").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "netlistener", body.Component)
	assert.False(t, body.Healthy)
}
