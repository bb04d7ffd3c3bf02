package ras

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/netlistener/actions/actionstest"
	"github.com/c360/netlistener/aggregate"
	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/event"
	"github.com/c360/netlistener/provider"
	"github.com/c360/netlistener/provider/providertest"
)

const (
	isoTS = "2020-01-02 03:04:05.006Z"
	nsTS  = int64(1577934245006000000)
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := newProvider(Name, providertest.Dependencies(t))
	require.NoError(t, err)
	return p
}

func TestProcessRawStringData(t *testing.T) {
	type want struct {
		location     string
		event        string
		instanceData string
	}
	tests := []struct {
		name string
		raw  string
		want []want
	}{
		{
			name: "known event with payload",
			raw:  fmt.Sprintf(`{"event-type": "ec_hw_error", "timestamp": %q, "location": "x0c0s0b0n0", "payload": "dimm 3"}`, isoTS),
			want: []want{{location: "R0-CH0-CN0", event: "RasMntrForeignHwError", instanceData: "dimm 3"}},
		},
		{
			name: "unknown event falls back to message",
			raw:  fmt.Sprintf(`{"event-type": "ec_mystery", "timestamp": %q, "location": "x0c0s1b0n0", "message": "odd"}`, isoTS),
			want: []want{{location: "R0-CH0-CN1", event: UnknownEvent, instanceData: "odd"}},
		},
		{
			name: "no payload",
			raw:  fmt.Sprintf(`{"event-type": "ec_node_failed", "timestamp": %q, "location": "x0c0"}`, isoTS),
			want: []want{{location: "R0-CH0", event: "RasMntrForeignNodeFailed"}},
		},
		{
			name: "location list skips unknown xname",
			raw:  fmt.Sprintf(`{"event-type": "ec_fan_failed", "timestamp": %q, "location": "x0c0s0b0n0,nowhere,x0c0s1b0n0"}`, isoTS),
			want: []want{
				{location: "R0-CH0-CN0", event: "RasMntrForeignFanFailed"},
				{location: "R0-CH0-CN1", event: "RasMntrForeignFanFailed"},
			},
		},
		{
			name: "missing event-type",
			raw:  fmt.Sprintf(`{"timestamp": %q, "location": "x0c0s0b0n0"}`, isoTS),
		},
		{
			name: "missing timestamp",
			raw:  `{"event-type": "ec_hw_error", "location": "x0c0s0b0n0"}`,
		},
		{
			name: "missing location",
			raw:  fmt.Sprintf(`{"event-type": "ec_hw_error", "timestamp": %q}`, isoTS),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t)
			records, err := p.ProcessRawStringData(context.Background(), "events", tt.raw, nil)
			require.NoError(t, err)
			require.NotNil(t, records)
			require.Len(t, records, len(tt.want))
			for i, w := range tt.want {
				assert.Equal(t, event.RasEvent, records[i].Type)
				assert.Equal(t, nsTS, records[i].Timestamp)
				assert.Equal(t, w.location, records[i].Location)
				assert.Equal(t, w.event, records[i].Event)
				assert.Equal(t, w.instanceData, records[i].InstanceData)
			}
		})
	}
}

func TestProcessRawStringData_Errors(t *testing.T) {
	for name, raw := range map[string]string{
		"bad json":      `{"event-type": `,
		"bad timestamp": `{"event-type": "ec_hw_error", "timestamp": "noon", "location": "x0c0s0b0n0"}`,
	} {
		t.Run(name, func(t *testing.T) {
			p := newTestProvider(t)
			_, err := p.ProcessRawStringData(context.Background(), "events", raw, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrTransform))
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestProcessRawStringData_Suppression(t *testing.T) {
	p := newTestProvider(t)
	doc := providertest.Document(t, Name, map[string]any{
		"useRepeatSuppression": true,
		"suppressionCount":     3,
	}, nil)
	raw := func(payload string) string {
		return fmt.Sprintf(`{"event-type": "ec_hw_error", "timestamp": %q, "location": "x0c0s0b0n0", "payload": %q}`,
			isoTS, payload)
	}

	first, err := p.ProcessRawStringData(context.Background(), "events", raw("a"), doc)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "a", first[0].InstanceData)

	second, err := p.ProcessRawStringData(context.Background(), "events", raw("b"), doc)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, 2, p.Suppressor().Pending("R0-CH0-CN0:RasMntrForeignHwError"))

	third, err := p.ProcessRawStringData(context.Background(), "events", raw("c"), doc)
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, "RasMntrForeignHwError", third[0].Event)

	var instances []aggregate.SuppressedInstance
	require.NoError(t, json.Unmarshal([]byte(third[0].InstanceData), &instances))
	require.Len(t, instances, 3)
	assert.Equal(t, "a", instances[0].InstanceData)
	assert.Equal(t, "c", instances[2].InstanceData)
	assert.Equal(t, nsTS, instances[1].Timestamp)
}

func TestProcessRawStringData_SuppressionIdleExpiry(t *testing.T) {
	p := newTestProvider(t)
	doc := providertest.Document(t, Name, map[string]any{
		"useRepeatSuppression": true,
		"idleExpirySeconds":    0.01,
	}, nil)
	raw := func(location string) string {
		return fmt.Sprintf(`{"event-type": "ec_hw_error", "timestamp": %q, "location": %q}`, isoTS, location)
	}

	_, err := p.ProcessRawStringData(context.Background(), "events", raw("x0c0s0b0n0"), doc)
	require.NoError(t, err)
	require.Equal(t, []string{"R0-CH0-CN0:RasMntrForeignHwError"}, p.Suppressor().Keys())

	time.Sleep(50 * time.Millisecond)
	_, err = p.ProcessRawStringData(context.Background(), "events", raw("x0c0s1b0n0"), doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"R0-CH0-CN1:RasMntrForeignHwError"}, p.Suppressor().Keys())
}

func TestProcessRawStringData_SuppressionOffByDefault(t *testing.T) {
	p := newTestProvider(t)
	raw := fmt.Sprintf(`{"event-type": "ec_hw_error", "timestamp": %q, "location": "x0c0s0b0n0"}`, isoTS)
	for i := 0; i < 3; i++ {
		records, err := p.ProcessRawStringData(context.Background(), "events", raw, nil)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	}
	assert.Nil(t, p.Suppressor())
}

func TestActOnData(t *testing.T) {
	rec := event.New(nsTS, "R0-CH0-CN0", event.RasEvent)
	rec.SetRasEvent("RasMntrForeignHwError", "dimm 3")

	tests := []struct {
		name    string
		cfg     map[string]any
		methods []string
		topic   string
	}{
		{name: "store only", methods: []string{"StoreRasEvent"}},
		{
			name:    "publish default topic",
			cfg:     map[string]any{"publish": true},
			methods: []string{"StoreRasEvent", "PublishRasEvent"},
			topic:   DefaultTopic,
		},
		{
			name:    "publish custom topic",
			cfg:     map[string]any{"publish": "true", "publishTopic": "ras"},
			methods: []string{"StoreRasEvent", "PublishRasEvent"},
			topic:   "ras",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t)
			sa := actionstest.New()
			doc := providertest.Document(t, Name, tt.cfg, nil)
			p.ActOnData(context.Background(), rec, doc, sa)

			var methods []string
			for _, c := range sa.Calls() {
				methods = append(methods, c.Method)
				assert.Equal(t, "RasMntrForeignHwError", c.Event)
				assert.Equal(t, "dimm 3", c.InstanceData)
				assert.Equal(t, "R0-CH0-CN0", c.Location)
			}
			assert.Equal(t, tt.methods, methods)
			if tt.topic != "" {
				assert.Equal(t, tt.topic, sa.Named("PublishRasEvent")[0].Topic)
			}
		})
	}
}

func TestEventName(t *testing.T) {
	p := newTestProvider(t)
	assert.Equal(t, "RasMntrForeignThermalTrip", p.EventName("ec_thermal_trip"))
	assert.Equal(t, UnknownEvent, p.EventName(""))
}

func TestRegister(t *testing.T) {
	reg := provider.NewRegistry()
	require.NoError(t, Register(reg))
	assert.Error(t, Register(reg))
	assert.Equal(t, []string{Name}, reg.List())
}
