//go:build integration

package natsclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	got := make(chan []byte, 1)
	_, err := tc.Client.Subscribe(ctx, "telemetry.raw", "", func(_ context.Context, m *nats.Msg) {
		got <- m.Data
	})
	require.NoError(t, err)

	require.NoError(t, tc.Client.Publish(ctx, "telemetry.raw", []byte(`{"x":1}`)))
	select {
	case data := <-got:
		assert.JSONEq(t, `{"x":1}`, string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestIntegration_KVUpdateWithRetryConcurrent(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("WORK_ITEMS"))
	ctx := context.Background()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "WORK_ITEMS"})
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, kv.UpdateJSON(ctx, "counter", func(m map[string]any) error {
				n, _ := m["n"].(float64)
				m["n"] = n + 1
				return nil
			}))
		}()
	}
	wg.Wait()

	entry, err := kv.Get(ctx, "counter")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":10}`, string(entry.Value))

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"counter"}, keys)
}
