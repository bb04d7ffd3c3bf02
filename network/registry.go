package network

import (
	"fmt"
	"sort"
	"sync"

	"github.com/c360/netlistener/errors"
)

// Info describes a registered source or sink.
type Info struct {
	Name        string `json:"name"`
	Protocol    string `json:"protocol"`
	Description string `json:"description"`
}

// SourceFactory creates an uninitialized source.
type SourceFactory func(deps Dependencies) (Source, error)

// SinkFactory creates a sink from its provider configuration.
type SinkFactory func(args map[string]string, deps Dependencies) (Sink, error)

// SourceRegistration binds a source name to its factory.
type SourceRegistration struct {
	Info
	Factory SourceFactory
}

// SinkRegistration binds a sink name to its factory.
type SinkRegistration struct {
	Info
	Factory SinkFactory
}

type registry[R any] struct {
	mu      sync.RWMutex
	entries map[string]R
	infos   map[string]Info
}

func (r *registry[R]) register(kind string, info Info, reg R, hasFactory bool) error {
	if info.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, kind, "Register", "name validation")
	}
	if !hasFactory {
		return errors.WrapInvalid(errors.ErrInvalidConfig, kind, "Register", "factory validation")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]R)
		r.infos = make(map[string]Info)
	}
	if _, exists := r.entries[info.Name]; exists {
		return errors.WrapInvalid(fmt.Errorf("%q is already registered", info.Name), kind, "Register", "duplicate check")
	}
	r.entries[info.Name] = reg
	r.infos[info.Name] = info
	return nil
}

func (r *registry[R]) lookup(name string) (R, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	return reg, ok
}

func (r *registry[R]) list() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.infos))
	for _, info := range r.infos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SourceRegistry maps source names used in profile documents to factories.
type SourceRegistry struct {
	r registry[SourceFactory]
}

// NewSourceRegistry creates an empty registry.
func NewSourceRegistry() *SourceRegistry { return &SourceRegistry{} }

// Register adds a source factory.
func (s *SourceRegistry) Register(reg SourceRegistration) error {
	return s.r.register("SourceRegistry", reg.Info, reg.Factory, reg.Factory != nil)
}

// HasSource reports whether name is registered.
func (s *SourceRegistry) HasSource(name string) bool {
	_, ok := s.r.lookup(name)
	return ok
}

// Create builds and initializes a source.
func (s *SourceRegistry) Create(name string, args map[string]string, deps Dependencies) (Source, error) {
	factory, ok := s.r.lookup(name)
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnknownSource, name), "SourceRegistry", "Create", "look up source")
	}
	src, err := factory(deps)
	if err != nil {
		return nil, errors.Wrap(err, "SourceRegistry", "Create", "construct "+name)
	}
	if err := src.Initialize(args); err != nil {
		return nil, errors.Wrap(err, "SourceRegistry", "Create", "initialize "+name)
	}
	return src, nil
}

// List returns every registered source.
func (s *SourceRegistry) List() []Info { return s.r.list() }

// SinkRegistry maps sourceType names to sink factories.
type SinkRegistry struct {
	r registry[SinkFactory]
}

// NewSinkRegistry creates an empty registry.
func NewSinkRegistry() *SinkRegistry { return &SinkRegistry{} }

// Register adds a sink factory.
func (s *SinkRegistry) Register(reg SinkRegistration) error {
	return s.r.register("SinkRegistry", reg.Info, reg.Factory, reg.Factory != nil)
}

// HasSink reports whether name is registered.
func (s *SinkRegistry) HasSink(name string) bool {
	_, ok := s.r.lookup(name)
	return ok
}

// Create builds a sink. It does not connect it.
func (s *SinkRegistry) Create(name string, args map[string]string, deps Dependencies) (Sink, error) {
	factory, ok := s.r.lookup(name)
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnknownSink, name), "SinkRegistry", "Create", "look up sink")
	}
	sink, err := factory(args, deps)
	if err != nil {
		return nil, errors.Wrap(err, "SinkRegistry", "Create", "construct "+name)
	}
	return sink, nil
}

// List returns every registered sink.
func (s *SinkRegistry) List() []Info { return s.r.list() }
