package componentregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/network"
	"github.com/c360/netlistener/provider"
)

func TestNew(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	for _, name := range []string{"sse", "websocket", "nats", "spool", "udp"} {
		assert.True(t, r.Sources.HasSource(name), "source %s", name)
	}
	for _, name := range []string{"nats", "redis", "http", "file"} {
		assert.True(t, r.Sinks.HasSink(name), "sink %s", name)
	}
	for _, name := range []string{"telemetry", "ras", "boot", "nodestate"} {
		assert.True(t, r.Providers.HasProvider(name), "provider %s", name)
	}
}

func TestRegister_Twice(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	err = Register(r)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRegister_Nil(t *testing.T) {
	tests := []struct {
		name string
		r    *Registries
	}{
		{"nil", nil},
		{"missing providers", &Registries{Sources: network.NewSourceRegistry(), Sinks: network.NewSinkRegistry()}},
		{"missing sources", &Registries{Sinks: network.NewSinkRegistry(), Providers: provider.NewRegistry()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Register(tt.r)
			require.Error(t, err)
			assert.True(t, errors.IsFatal(err))
		})
	}
}
