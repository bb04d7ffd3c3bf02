// Package providertest builds profile documents and dependencies for
// provider tests.
package providertest

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360/netlistener/foreign"
	"github.com/c360/netlistener/metric"
	"github.com/c360/netlistener/profile"
	"github.com/c360/netlistener/provider"
)

// Document returns a single profile document whose adapter provider is
// providerName, configured with cfg (nil for defaults). The "default"
// profile is selected. Extra stream arguments are merged into the stream.
func Document(t *testing.T, providerName string, cfg map[string]any, streamArgs map[string]any) *profile.Document {
	t.Helper()
	args := map[string]any{"connectAddress": "127.0.0.1", "connectPort": 65535}
	for k, v := range streamArgs {
		args[k] = v
	}
	raw := map[string]any{
		"adapterProfiles": map[string]any{
			"default": map[string]any{
				"networkStreamsRef": []string{"stream"},
				"subjects":          []string{"*"},
				"adapterProvider":   "p",
			},
		},
		"networkStreams": map[string]any{
			"stream": map[string]any{"name": "sse", "arguments": args},
		},
		"providerClassMap": map[string]string{"p": providerName},
		"subjectMap":       map[string]string{"telemetry": "EnvironmentalData"},
	}
	if cfg != nil {
		raw["providerConfigurations"] = map[string]any{providerName: cfg}
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)

	doc, err := profile.Load(bytes.NewReader(data), nil, nil)
	require.NoError(t, err)
	require.NoError(t, doc.SetCurrentProfile(profile.DefaultProfile))
	return doc
}

// Dependencies returns provider dependencies backed by the built-in location
// translation map and a fresh metrics registry.
func Dependencies(t *testing.T) provider.Dependencies {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	conv, err := foreign.LoadConverter(nil)
	require.NoError(t, err)
	return provider.Dependencies{
		Converter: conv,
		Metrics:   metric.NewMetricsRegistry(),
	}
}
