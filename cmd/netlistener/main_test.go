package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/netlistener/componentregistry"
	"github.com/c360/netlistener/config"
	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/listener"
	"github.com/c360/netlistener/pkg/retry"
	"github.com/c360/netlistener/profile"
	"github.com/c360/netlistener/storage"
	"github.com/c360/netlistener/storage/memstore"
)

func parse(t *testing.T, args ...string) (*CLIConfig, error) {
	t.Helper()
	return parseArgs(flag.NewFlagSet(appName, flag.ContinueOnError), args, io.Discard)
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, cfg *CLIConfig)
	}{
		{
			name: "defaults",
			check: func(t *testing.T, cfg *CLIConfig) {
				assert.Equal(t, "info", cfg.LogLevel)
				assert.Equal(t, "json", cfg.LogFormat)
				assert.Empty(t, cfg.ConfigPath)
				assert.Empty(t, cfg.Servers)
				assert.Zero(t, cfg.ShutdownTimeout)
			},
		},
		{
			name: "flags",
			args: []string{"-c", "cfg.json", "-profile-file", "p.json", "-profile", "events",
				"-log-level", "debug", "-metrics-port", "9191", "-shutdown-timeout", "5s", "-validate"},
			check: func(t *testing.T, cfg *CLIConfig) {
				assert.Equal(t, "cfg.json", cfg.ConfigPath)
				assert.Equal(t, "p.json", cfg.ProfilePath)
				assert.Equal(t, "events", cfg.Profile)
				assert.Equal(t, "debug", cfg.LogLevel)
				assert.Equal(t, 9191, cfg.MetricsPort)
				assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
				assert.True(t, cfg.Validate)
			},
		},
		{
			name: "positional servers location hostname",
			args: []string{"nats://a:4222, nats://b:4222", "R0-CH0", "sms01"},
			check: func(t *testing.T, cfg *CLIConfig) {
				assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.Servers)
				assert.Equal(t, "R0-CH0", cfg.Location)
				assert.Equal(t, "sms01", cfg.Hostname)
			},
		},
		{
			name: "servers only",
			args: []string{"nats://a:4222"},
			check: func(t *testing.T, cfg *CLIConfig) {
				assert.Equal(t, []string{"nats://a:4222"}, cfg.Servers)
				assert.Empty(t, cfg.Location)
				assert.Empty(t, cfg.Hostname)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parse(t, tt.args...)
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestParseArgs_EnvFallback(t *testing.T) {
	t.Setenv("NETLISTENER_LOG_LEVEL", "warn")
	t.Setenv("NETLISTENER_PROFILE", "events")
	t.Setenv("NETLISTENER_SHUTDOWN_TIMEOUT", "7s")

	cfg, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "events", cfg.Profile)
	assert.Equal(t, 7*time.Second, cfg.ShutdownTimeout)

	cfg, err = parse(t, "-log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel, "flag wins over environment")
}

func TestParseArgs_TooManyArguments(t *testing.T) {
	_, err := parse(t, "a", "b", "c", "d")
	assert.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	valid := func() *CLIConfig { return &CLIConfig{LogLevel: "info", LogFormat: "json"} }

	tests := []struct {
		name    string
		mutate  func(*CLIConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*CLIConfig) {}},
		{name: "bad level", mutate: func(c *CLIConfig) { c.LogLevel = "trace" }, wantErr: "log level"},
		{name: "bad format", mutate: func(c *CLIConfig) { c.LogFormat = "xml" }, wantErr: "log format"},
		{name: "bad port", mutate: func(c *CLIConfig) { c.MetricsPort = 70000 }, wantErr: "metrics port"},
		{name: "negative timeout", mutate: func(c *CLIConfig) { c.ShutdownTimeout = -time.Second }, wantErr: "shutdown timeout"},
		{name: "missing config", mutate: func(c *CLIConfig) { c.ConfigPath = "/does/not/exist.json" }, wantErr: "config file"},
		{name: "missing profile", mutate: func(c *CLIConfig) { c.ProfilePath = "/does/not/exist.json" }, wantErr: "profile document"},
		{name: "version skips checks", mutate: func(c *CLIConfig) { c.ShowVersion = true; c.LogLevel = "bogus" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := validateFlags(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.Default()
	applyOverrides(cfg, &CLIConfig{
		Servers:         []string{"nats://bus:4222"},
		Location:        "R1",
		Hostname:        "sms02",
		ProfilePath:     "/etc/profiles.json",
		Profile:         "events",
		MetricsPort:     9200,
		ShutdownTimeout: 3 * time.Second,
		LogLevel:        "debug",
		LogFormat:       "text",
	})

	assert.Equal(t, []string{"nats://bus:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "R1", cfg.Adapter.Location)
	assert.Equal(t, "sms02", cfg.Adapter.Hostname)
	assert.Equal(t, "/etc/profiles.json", cfg.Profile.Path)
	assert.Equal(t, "events", cfg.Profile.Name)
	assert.Equal(t, 9200, cfg.Metrics.Port)
	assert.Equal(t, config.Duration(3*time.Second), cfg.ShutdownTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestApplyOverrides_KeepsConfigured(t *testing.T) {
	cfg := config.Default()
	cfg.Adapter.Hostname = "configured"
	applyOverrides(cfg, &CLIConfig{LogLevel: "info", LogFormat: "json"})

	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "UNKNOWN", cfg.Adapter.Location)
	assert.Equal(t, "configured", cfg.Adapter.Hostname)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, profile.DefaultProfile, cfg.Profile.Name)
}

func documentWith(t *testing.T, source, sink string) *profile.Document {
	t.Helper()
	raw := map[string]any{
		"adapterProfiles": map[string]any{
			"default": map[string]any{
				"networkStreamsRef": []string{"s1"},
				"subjects":          []string{"*"},
				"adapterProvider":   "telemetry",
			},
		},
		"networkStreams": map[string]any{
			"s1": map[string]any{"name": source, "arguments": map[string]any{}},
		},
		"providerClassMap": map[string]string{"telemetry": "telemetry"},
		"subjectMap":       map[string]string{"telemetry": "EnvironmentalData"},
	}
	if sink != "" {
		raw["providerConfigurations"] = map[string]any{
			"sink": map[string]any{"sourceType": sink},
		}
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	doc, err := profile.Load(bytes.NewReader(data), nil, nil)
	require.NoError(t, err)
	return doc
}

func TestNeedsNATS(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		source  string
		sink    string
		want    bool
	}{
		{"sse only", config.StorageMemory, "sse", "", false},
		{"redis sink", config.StorageMemory, "sse", "redis", false},
		{"nats source", config.StorageMemory, "nats", "", true},
		{"nats sink", config.StorageSQL, "websocket", "nats", true},
		{"kv backend", config.StorageNATSKV, "sse", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Storage.Backend = tt.backend
			assert.Equal(t, tt.want, needsNATS(cfg, documentWith(t, tt.source, tt.sink)))
		})
	}
}

func TestOpenStorage(t *testing.T) {
	cfg := config.Default()
	store, closeStore, err := openStorage(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	defer closeStore()
	assert.IsType(t, &memstore.Store{}, store)

	cfg.Storage.Backend = config.StorageNATSKV
	_, _, err = openStorage(context.Background(), cfg, nil, nil)
	assert.Error(t, err, "nats-kv without a connection")
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "json")

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	require.Contains(t, out, "shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &entry))
	assert.Equal(t, appName, entry["service"])
	assert.Equal(t, Version, entry["version"])
	assert.Equal(t, "value", entry["key"])
}

func TestSetupLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	setupLogger(&buf, "debug", "text").Debug("details")
	assert.Contains(t, buf.String(), "msg=details")
	assert.Contains(t, buf.String(), "service="+appName)
}

func TestRunWithSignalHandling_ReturnsExitCode(t *testing.T) {
	regs, err := componentregistry.New()
	require.NoError(t, err)

	store := memstore.New(nil)
	store.FailRegistration(errors.ErrStorageUnavailable)

	core, err := listener.New(listener.Config{
		Identity:     storage.AdapterIdentity{Type: "NETWORK_LISTENER", Name: "nl-test"},
		Document:     documentWith(t, "sse", ""),
		Storage:      store,
		Sources:      regs.Sources,
		Sinks:        regs.Sinks,
		Providers:    regs.Providers,
		Registration: retry.Config{MaxAttempts: 1},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	code, err := runWithSignalHandling(context.Background(), core, time.Second, setupLogger(&buf, "info", "json"))
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Equal(t, listener.StateStopped, core.State())
}
