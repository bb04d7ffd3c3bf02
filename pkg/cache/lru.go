// Package cache provides a bounded, thread-safe LRU keyed by string with
// optional idle expiry and Prometheus instrumentation.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/metric"
)

// EvictCallback is called when an entry leaves the cache through eviction,
// expiry, Delete or Clear. It runs without the cache lock held.
type EvictCallback[V any] func(key string, value V)

type entry[V any] struct {
	key      string
	value    V
	accessed time.Time
}

// LRU is a least-recently-used cache. A MaxSize of 0 means unbounded and an
// IdleExpiry of 0 means entries never expire.
type LRU[V any] struct {
	mu      sync.Mutex
	maxSize int
	idle    time.Duration
	items   map[string]*list.Element
	order   *list.List
	evictFn EvictCallback[V]
	now     func() time.Time
	metrics *lruMetrics

	lastSweep time.Time
}

// Option configures an LRU.
type Option[V any] func(*LRU[V])

// WithMaxSize bounds the number of entries.
func WithMaxSize[V any](n int) Option[V] {
	return func(c *LRU[V]) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithIdleExpiry drops entries not touched for d. Expired entries are removed
// on access, by Sweep, and by inserts once at least d has passed since the
// previous sweep.
func WithIdleExpiry[V any](d time.Duration) Option[V] {
	return func(c *LRU[V]) {
		if d > 0 {
			c.idle = d
		}
	}
}

// WithEvictionCallback sets the callback invoked when entries leave the cache.
func WithEvictionCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(c *LRU[V]) { c.evictFn = fn }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *LRU[V]) {
		if now != nil {
			c.now = now
		}
	}
}

type lruMetrics struct {
	size      prometheus.Gauge
	evictions prometheus.Counter
}

// NewLRU creates a cache. When registry is non-nil the cache registers a size
// gauge and eviction counter labelled with name.
func NewLRU[V any](name string, registry *metric.MetricsRegistry, opts ...Option[V]) (*LRU[V], error) {
	c := &LRU[V]{
		items: make(map[string]*list.Element),
		order: list.New(),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.lastSweep = c.now()

	if registry != nil && name != "" {
		m := &lruMetrics{
			size: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: metric.Namespace, Subsystem: "cache", Name: "size",
				ConstLabels: prometheus.Labels{"cache": name},
				Help:        "Current number of entries in cache",
			}),
			evictions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: metric.Namespace, Subsystem: "cache", Name: "evictions_total",
				ConstLabels: prometheus.Labels{"cache": name},
				Help:        "Entries evicted for size or idleness",
			}),
		}
		if err := registry.RegisterGauge(name, "cache_size", m.size); err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewLRU", "metrics registration")
		}
		if err := registry.RegisterCounter(name, "cache_evictions", m.evictions); err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewLRU", "metrics registration")
		}
		c.metrics = m
	}
	return c, nil
}

// Get returns the value for key and marks it recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	e := el.Value.(*entry[V])
	now := c.now()
	if c.expired(e, now) {
		c.removeLocked(el)
		c.mu.Unlock()
		c.evicted(e.key, e.value, true)
		var zero V
		return zero, false
	}
	e.accessed = now
	c.order.MoveToFront(el)
	c.mu.Unlock()
	return e.value, true
}

// GetOrCreate returns the value for key, creating it with create when absent.
func (c *LRU[V]) GetOrCreate(key string, create func() V) (V, error) {
	if key == "" {
		var zero V
		return zero, errors.WrapInvalid(errors.ErrUnknownKey, "cache", "GetOrCreate", "key cannot be empty")
	}
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		c.mu.Unlock()
		return e.value, nil
	}
	v := create()
	victims := c.insertLocked(key, v)
	c.mu.Unlock()

	for _, e := range victims {
		c.evicted(e.key, e.value, true)
	}
	return v, nil
}

// Set stores value under key. It reports whether a new entry was created.
func (c *LRU[V]) Set(key string, value V) (bool, error) {
	if key == "" {
		return false, errors.WrapInvalid(errors.ErrUnknownKey, "cache", "Set", "key cannot be empty")
	}

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.accessed = c.now()
		c.order.MoveToFront(el)
		c.mu.Unlock()
		return false, nil
	}
	victims := c.insertLocked(key, value)
	c.mu.Unlock()

	for _, e := range victims {
		c.evicted(e.key, e.value, true)
	}
	return true, nil
}

// Delete removes key. It reports whether the key was present.
func (c *LRU[V]) Delete(key string) bool {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	e := el.Value.(*entry[V])
	c.removeLocked(el)
	c.mu.Unlock()

	c.evicted(e.key, e.value, false)
	return true
}

// Sweep removes every idle-expired entry and returns how many were dropped.
func (c *LRU[V]) Sweep() int {
	if c.idle == 0 {
		return 0
	}
	now := c.now()

	c.mu.Lock()
	victims := c.expireLocked(now)
	c.mu.Unlock()

	for _, e := range victims {
		c.evicted(e.key, e.value, true)
	}
	return len(victims)
}

// Range calls fn for every entry, most recently used first, until fn returns false.
// fn must not call back into the cache.
func (c *LRU[V]) Range(fn func(key string, value V) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[V])
		if !fn(e.key, e.value) {
			return
		}
	}
}

// Clear removes all entries.
func (c *LRU[V]) Clear() {
	c.mu.Lock()
	victims := make([]*entry[V], 0, len(c.items))
	for el := c.order.Back(); el != nil; el = el.Prev() {
		victims = append(victims, el.Value.(*entry[V]))
	}
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.updateSizeLocked()
	c.mu.Unlock()

	for _, e := range victims {
		c.evicted(e.key, e.value, false)
	}
}

// Len returns the number of entries, expired or not.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns the keys, most recently used first.
func (c *LRU[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.items))
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[V]).key)
	}
	return keys
}

func (c *LRU[V]) insertLocked(key string, value V) []*entry[V] {
	now := c.now()
	var victims []*entry[V]
	if c.idle > 0 && now.Sub(c.lastSweep) >= c.idle {
		victims = c.expireLocked(now)
	}
	c.items[key] = c.order.PushFront(&entry[V]{key: key, value: value, accessed: now})

	for c.maxSize > 0 && len(c.items) > c.maxSize {
		back := c.order.Back()
		victims = append(victims, back.Value.(*entry[V]))
		c.removeLocked(back)
	}
	c.updateSizeLocked()
	return victims
}

// expireLocked removes idle entries from the back of the list, where the
// least recently touched entries live.
func (c *LRU[V]) expireLocked(now time.Time) []*entry[V] {
	c.lastSweep = now
	var victims []*entry[V]
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry[V])
		if !c.expired(e, now) {
			break
		}
		c.removeLocked(el)
		victims = append(victims, e)
		el = prev
	}
	return victims
}

func (c *LRU[V]) removeLocked(el *list.Element) {
	delete(c.items, el.Value.(*entry[V]).key)
	c.order.Remove(el)
	c.updateSizeLocked()
}

func (c *LRU[V]) expired(e *entry[V], now time.Time) bool {
	return c.idle > 0 && now.Sub(e.accessed) >= c.idle
}

func (c *LRU[V]) updateSizeLocked() {
	if c.metrics != nil {
		c.metrics.size.Set(float64(len(c.items)))
	}
}

func (c *LRU[V]) evicted(key string, value V, count bool) {
	if count && c.metrics != nil {
		c.metrics.evictions.Inc()
	}
	if c.evictFn != nil {
		c.evictFn(key, value)
	}
}
