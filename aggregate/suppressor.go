package aggregate

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/event"
	"github.com/c360/netlistener/pkg/cache"
)

// SuppressorConfig bounds a suppression window by event count and by elapsed
// event time, whichever is reached first.
type SuppressorConfig struct {
	Count  int
	Window time.Duration
}

// DefaultSuppressorConfig returns 100 events or 60 seconds.
func DefaultSuppressorConfig() SuppressorConfig {
	return SuppressorConfig{Count: 100, Window: 60 * time.Second}
}

// SuppressedInstance is one element of the JSON array carried by a collapsed
// record's instance data.
type SuppressedInstance struct {
	Timestamp    int64  `json:"timestamp"`
	InstanceData string `json:"instanceData"`
}

type eventBuffer struct {
	mu      sync.Mutex
	records []*event.Record
}

// Suppressor collapses repeats of the same event at the same location. The
// first event of a window is passed through, later ones are buffered, and
// when the window closes every buffered event is emitted as one record.
type Suppressor struct {
	cfg     SuppressorConfig
	buffers *cache.LRU[*eventBuffer]
	logger  *slog.Logger
}

// NewSuppressor creates a suppressor. Zero config fields take their defaults.
func NewSuppressor(cfg SuppressorConfig, opts ...Option) (*Suppressor, error) {
	def := DefaultSuppressorConfig()
	if cfg.Count <= 0 {
		cfg.Count = def.Count
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}

	o := buildOptions("suppressor", opts)
	s := &Suppressor{cfg: cfg, logger: o.logger}
	buffers, err := newKeyStore(o, func(key string, b *eventBuffer) {
		s.logger.Debug("Dropping suppression buffer", "event", key)
	})
	if err != nil {
		return nil, err
	}
	s.buffers = buffers
	return s, nil
}

// Config returns the effective configuration.
func (s *Suppressor) Config() SuppressorConfig { return s.cfg }

// Key returns the suppression key for rec.
func Key(rec *event.Record) string {
	return rec.Location + ":" + rec.Event
}

// AddEvent buffers rec. It returns rec itself when it opens a window, nil
// while the window is filling, and a collapsed record when the window closes.
func (s *Suppressor) AddEvent(rec *event.Record) (*event.Record, error) {
	key := Key(rec)
	b, err := s.buffers.GetOrCreate(key, func() *eventBuffer { return &eventBuffer{} })
	if err != nil {
		return nil, errors.Wrap(err, "Suppressor", "AddEvent", "look up buffer")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.records = append(b.records, rec)
	first, last := b.records[0], b.records[len(b.records)-1]
	expired := last.Timestamp-first.Timestamp >= s.cfg.Window.Nanoseconds()

	switch {
	case expired || len(b.records) >= s.cfg.Count:
		out, err := collapse(b.records)
		b.records = nil
		if err != nil {
			return nil, errors.Wrap(err, "Suppressor", "AddEvent", "collapse events")
		}
		return out, nil
	case len(b.records) == 1:
		return rec, nil
	default:
		return nil, nil
	}
}

// Pending returns the number of events buffered for key.
func (s *Suppressor) Pending(key string) int {
	b, ok := s.buffers.Get(key)
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Keys returns the tracked keys, most recently used first.
func (s *Suppressor) Keys() []string { return s.buffers.Keys() }

// Sweep discards idle keys and returns how many were dropped.
func (s *Suppressor) Sweep() int { return s.buffers.Sweep() }

func collapse(records []*event.Record) (*event.Record, error) {
	instances := make([]SuppressedInstance, len(records))
	for i, r := range records {
		instances[i] = SuppressedInstance{Timestamp: r.Timestamp, InstanceData: r.InstanceData}
	}
	payload, err := json.Marshal(instances)
	if err != nil {
		return nil, err
	}
	last := records[len(records)-1]
	out := event.New(last.Timestamp, last.Location, event.RasEvent)
	out.Description = last.Description
	out.SetRasEvent(last.Event, string(payload))
	return out, nil
}
