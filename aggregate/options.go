package aggregate

import (
	"log/slog"
	"time"

	"github.com/c360/netlistener/metric"
	"github.com/c360/netlistener/pkg/cache"
)

// Option configures key retention for an Accumulator or Suppressor.
type Option func(*options)

type options struct {
	maxKeys  int
	idle     time.Duration
	registry *metric.MetricsRegistry
	name     string
	logger   *slog.Logger
	now      func() time.Time
}

// WithMaxKeys bounds the number of tracked keys. The least recently used key
// and its pending samples are discarded when the bound is exceeded. Zero
// means unbounded.
func WithMaxKeys(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxKeys = n
		}
	}
}

// WithIdleExpiry discards keys that have not been touched for d.
func WithIdleExpiry(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.idle = d
		}
	}
}

// WithMetrics exports key counts and evictions under name.
func WithMetrics(registry *metric.MetricsRegistry, name string) Option {
	return func(o *options) {
		o.registry = registry
		o.name = name
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(component string, opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.logger = o.logger.With("component", component)
	return o
}

func newKeyStore[V any](o options, onEvict cache.EvictCallback[V]) (*cache.LRU[V], error) {
	cacheOpts := []cache.Option[V]{
		cache.WithMaxSize[V](o.maxKeys),
		cache.WithIdleExpiry[V](o.idle),
		cache.WithEvictionCallback[V](onEvict),
	}
	if o.now != nil {
		cacheOpts = append(cacheOpts, cache.WithClock[V](o.now))
	}
	return cache.NewLRU[V](o.name, o.registry, cacheOpts...)
}
