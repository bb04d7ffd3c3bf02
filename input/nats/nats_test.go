package nats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/natsclient"
	"github.com/c360/netlistener/network"
)

func TestInitialize(t *testing.T) {
	shared, err := natsclient.NewClient("nats://127.0.0.1:1")
	require.NoError(t, err)

	tests := []struct {
		name    string
		deps    network.Dependencies
		args    map[string]string
		wantErr error
		subs    []string
	}{
		{
			name:    "subjects required",
			args:    map[string]string{"url": "nats://x"},
			wantErr: errors.ErrMissingConfig,
		},
		{
			name:    "url or shared client required",
			args:    map[string]string{"subjects": "a"},
			wantErr: errors.ErrMissingConfig,
		},
		{
			name: "shared client",
			deps: network.Dependencies{NATSClient: shared},
			args: map[string]string{"subjects": "telemetry,events"},
			subs: []string{"telemetry", "events"},
		},
		{
			name: "prefix and wildcard",
			args: map[string]string{"url": "nats://x", "subjects": "telemetry,*", "subjectPrefix": "foreign."},
			subs: []string{"foreign.telemetry", "foreign.>"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := New(tt.deps)
			require.NoError(t, err)
			err = src.Initialize(tt.args)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.subs, src.(*Source).Subscriptions())
		})
	}
}

func TestStartListening_NotInitialized(t *testing.T) {
	src, err := New(network.Dependencies{})
	require.NoError(t, err)
	err = src.StartListening(context.Background())
	require.Error(t, err)
	assert.False(t, src.IsListening())
	assert.NoError(t, src.StopListening())
}

func TestRegister(t *testing.T) {
	reg := network.NewSourceRegistry()
	require.NoError(t, Register(reg))
	assert.True(t, reg.HasSource("nats"))
}
