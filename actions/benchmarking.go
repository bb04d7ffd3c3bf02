package actions

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/event"
	"github.com/c360/netlistener/metric"
)

const benchmarkService = "benchmark"

// Benchmarking counts store and state calls and drops everything else, so
// transform throughput can be measured without a store or sink.
type Benchmarking struct {
	calls *prometheus.CounterVec
}

// NewBenchmarking registers the benchmark counter on registry. A nil
// registry keeps the counter private.
func NewBenchmarking(registry *metric.MetricsRegistry) (*Benchmarking, error) {
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metric.Namespace,
		Subsystem: benchmarkService,
		Name:      "actions_total",
		Help:      "System action calls recorded in benchmarking mode",
	}, []string{"action"})
	if registry != nil {
		if err := registry.RegisterCounterVec(benchmarkService, "actions", calls); err != nil {
			return nil, errors.Wrap(err, "Benchmarking", "NewBenchmarking", "register counter")
		}
	}
	return &Benchmarking{calls: calls}, nil
}

func (b *Benchmarking) tick(action string) { b.calls.WithLabelValues(action).Inc() }

func (b *Benchmarking) StoreNormalizedData(context.Context, string, string, int64, float64) {
	b.tick("storeRaw")
}

func (b *Benchmarking) StoreAggregatedData(context.Context, string, string, int64, float64, float64, float64) {
	b.tick("storeAggregated")
}

func (b *Benchmarking) StoreRasEvent(context.Context, string, string, string, int64) {
	b.tick("storeRas")
}

func (b *Benchmarking) ChangeNodeStateTo(context.Context, event.BootState, string, int64, bool) {
	b.tick("storeState")
}

func (b *Benchmarking) PublishNormalizedData(context.Context, string, string, string, int64, float64) {}

func (b *Benchmarking) PublishAggregatedData(context.Context, string, string, string, int64, float64, float64, float64) {
}

func (b *Benchmarking) PublishRasEvent(context.Context, string, string, string, string, int64) {}

func (b *Benchmarking) PublishBootEvent(context.Context, string, event.BootState, string, int64) {}

func (b *Benchmarking) ChangeNodeBootImageID(context.Context, string, string) {}

func (b *Benchmarking) UpsertBootImages(context.Context, []map[string]string) {}

func (b *Benchmarking) LogFailedToUpdateNodeBootImageID(context.Context, string, string) {}

func (b *Benchmarking) LogFailedToUpdateBootImageInfo(context.Context, string) {}

func (b *Benchmarking) IsHWInventoryEmpty(context.Context) (bool, error) { return true, nil }

func (b *Benchmarking) UpsertHWInventory(context.Context, string) {}

func (b *Benchmarking) DeleteHWInventory(context.Context, string) {}

func (b *Benchmarking) Close() error { return nil }

var _ SystemActions = (*Benchmarking)(nil)
