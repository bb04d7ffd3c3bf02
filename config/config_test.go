package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/netlistener/errors"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StorageMemory, cfg.Storage.Backend)
	assert.Equal(t, 30*time.Second, time.Duration(cfg.ShutdownTimeout))
}

func TestLoader_LayersAndEnv(t *testing.T) {
	base := writeFile(t, "base.json", `{
		"adapter": {"name": "NL-1", "location": "SN0-SSN1"},
		"storage": {"backend": "sql", "dsn": "postgres://localhost/ucs"},
		"shutdown_timeout": "5s"
	}`)
	override := writeFile(t, "site.yaml", "adapter:\n  hostname: sms01\nmetrics:\n  port: 9100\n")

	l := NewLoader()
	l.AddLayer(base)
	l.AddLayer(override)
	env := map[string]string{"NETLISTENER_PROFILE": "telemetry", "NETLISTENER_NATS_URLS": "nats://a:4222,nats://b:4222"}
	l.lookupEnv = func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "NL-1", cfg.Adapter.Name)
	assert.Equal(t, "NETWORK_LISTENER", cfg.Adapter.Type)
	assert.Equal(t, "SN0-SSN1", cfg.Adapter.Location)
	assert.Equal(t, "sms01", cfg.Adapter.Hostname)
	assert.Equal(t, 9100, cfg.Metrics.Port)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, 5*time.Second, time.Duration(cfg.ShutdownTimeout))
	assert.Equal(t, "telemetry", cfg.Profile.Name)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
}

func TestLoader_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown backend", `{"storage": {"backend": "cassandra"}}`},
		{"sql without dsn", `{"storage": {"backend": "sql"}}`},
		{"bad port", `{"metrics": {"port": 70000}}`},
		{"bad duration", `{"shutdown_timeout": "soon"}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeFile(t, "cfg.json", tt.body))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), err.Error())
		})
	}
}

func TestConfigStringMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.NATS.Token = "s3cret"
	cfg.Storage.DSN = "postgres://u:p@h/db"
	s := cfg.String()
	assert.NotContains(t, s, "s3cret")
	assert.NotContains(t, s, "u:p@h")
}

func TestHelpers(t *testing.T) {
	cfg := map[string]any{
		"publish":                  true,
		"publishTopic":             "ucs_ras_event",
		"suppressionCount":         float64(5),
		"suppressionWindowSeconds": "30",
		"factor":                   "0.001",
		"useTime":                  "true",
		"subjects":                 []any{"telemetry", "events"},
		"nested":                   map[string]any{"k": "v"},
	}

	assert.True(t, GetBool(cfg, "publish", false))
	assert.True(t, GetBool(cfg, "useTime", false))
	assert.False(t, GetBool(cfg, "missing", false))
	assert.Equal(t, "ucs_ras_event", GetString(cfg, "publishTopic", ""))
	assert.Equal(t, "5", GetString(cfg, "suppressionCount", ""))
	assert.Equal(t, 5, GetInt(cfg, "suppressionCount", 100))
	assert.Equal(t, 30, GetInt(cfg, "suppressionWindowSeconds", 60))
	assert.Equal(t, 30*time.Second, GetSeconds(cfg, "suppressionWindowSeconds", time.Minute))
	assert.Equal(t, time.Minute, GetSeconds(cfg, "missing", time.Minute))
	assert.InDelta(t, 0.001, GetFloat64(cfg, "factor", 1.0), 1e-12)
	assert.Equal(t, []string{"telemetry", "events"}, GetStringSlice(cfg, "subjects", nil))
	assert.Equal(t, "v", GetMap(cfg, "nested")["k"])
	assert.Nil(t, GetMap(cfg, "publish"))
	assert.Equal(t, 100, GetInt(nil, "x", 100))
}
