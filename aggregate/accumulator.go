package aggregate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/c360/netlistener/event"
	"github.com/c360/netlistener/pkg/cache"
)

// AccumulatorConfig selects the flush rule. Count windows flush when
// WindowSize samples are pending; time windows flush when the pending samples
// span at least Window.
type AccumulatorConfig struct {
	UseTime    bool
	WindowSize int
	Window     time.Duration
	Moving     bool
}

// DefaultAccumulatorConfig returns a fixed count window of 25 samples.
func DefaultAccumulatorConfig() AccumulatorConfig {
	return AccumulatorConfig{
		WindowSize: 25,
		Window:     600 * time.Second,
	}
}

// Summary describes the samples pending for one key.
type Summary struct {
	Count   int
	Minimum float64
	Maximum float64
	Average float64
	First   int64
	Last    int64
}

type sampleWindow struct {
	mu     sync.Mutex
	values []float64
	times  []int64
}

func (w *sampleWindow) summaryLocked() Summary {
	s := Summary{Count: len(w.values)}
	if s.Count == 0 {
		return s
	}
	s.Minimum, s.Maximum = w.values[0], w.values[0]
	var sum float64
	for _, v := range w.values {
		sum += v
		if v < s.Minimum {
			s.Minimum = v
		}
		if v > s.Maximum {
			s.Maximum = v
		}
	}
	s.Average = sum / float64(s.Count)
	s.First = w.times[0]
	s.Last = w.times[len(w.times)-1]
	return s
}

// Accumulator computes windowed min/max/average per key. Each key has its own
// lock so unrelated keys never contend.
type Accumulator struct {
	cfg     AccumulatorConfig
	windows *cache.LRU[*sampleWindow]
	logger  *slog.Logger
}

// NewAccumulator creates an accumulator. Zero config fields take their
// defaults.
func NewAccumulator(cfg AccumulatorConfig, opts ...Option) (*Accumulator, error) {
	def := DefaultAccumulatorConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}

	o := buildOptions("accumulator", opts)
	a := &Accumulator{cfg: cfg, logger: o.logger}
	windows, err := newKeyStore(o, func(key string, w *sampleWindow) {
		a.logger.Debug("Dropping accumulator window", "metric", key)
	})
	if err != nil {
		return nil, err
	}
	a.windows = windows
	return a, nil
}

// Config returns the effective configuration.
func (a *Accumulator) Config() AccumulatorConfig { return a.cfg }

// AddValue appends rec's value under key. When the window is full the
// aggregate over the window is attached to rec and AddValue reports true.
func (a *Accumulator) AddValue(key string, rec *event.Record) bool {
	w, err := a.windows.GetOrCreate(key, func() *sampleWindow { return &sampleWindow{} })
	if err != nil {
		a.logger.Warn("Cannot accumulate value", "metric", key, "error", err)
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.values = append(w.values, rec.Value)
	w.times = append(w.times, rec.Timestamp)
	if !a.readyLocked(w) {
		return false
	}

	s := w.summaryLocked()
	rec.SetAggregate(s.Minimum, s.Maximum, s.Average)
	if a.cfg.Moving {
		w.values = w.values[1:]
		w.times = w.times[1:]
	} else {
		w.values = w.values[:0]
		w.times = w.times[:0]
	}
	return true
}

func (a *Accumulator) readyLocked(w *sampleWindow) bool {
	if a.cfg.UseTime {
		return w.times[len(w.times)-1]-w.times[0] >= a.cfg.Window.Nanoseconds()
	}
	return len(w.values) >= a.cfg.WindowSize
}

// Pending returns the number of samples held for key.
func (a *Accumulator) Pending(key string) int {
	w, ok := a.windows.Get(key)
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.values)
}

// Snapshot summarizes the samples held for key without flushing them.
func (a *Accumulator) Snapshot(key string) (Summary, bool) {
	w, ok := a.windows.Get(key)
	if !ok {
		return Summary{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.values) == 0 {
		return Summary{}, false
	}
	return w.summaryLocked(), true
}

// Keys returns the tracked keys, most recently used first.
func (a *Accumulator) Keys() []string { return a.windows.Keys() }

// Sweep discards idle keys and returns how many were dropped.
func (a *Accumulator) Sweep() int { return a.windows.Sweep() }
