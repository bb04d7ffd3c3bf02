// Package provider defines the transform and action providers that turn raw
// stream messages into records and act on them, and the compile-time
// registry profile documents select them from.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/c360/netlistener/actions"
	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/event"
	"github.com/c360/netlistener/foreign"
	"github.com/c360/netlistener/metric"
	"github.com/c360/netlistener/profile"
)

// Transformer converts one raw message into zero or more records. Errors are
// classified invalid and wrap errors.ErrTransform; the caller drops the
// message.
type Transformer interface {
	ProcessRawStringData(ctx context.Context, subject, raw string, doc *profile.Document) ([]*event.Record, error)
}

// Actor stores and publishes one record through the system actions. It never
// fails; downstream errors are logged by the actions.
type Actor interface {
	ActOnData(ctx context.Context, rec *event.Record, doc *profile.Document, sa actions.SystemActions)
}

// Provider is a transform and action pair registered under one name.
type Provider interface {
	Transformer
	Actor
}

// Closer is implemented by providers that run background work. Close stops
// that work and waits for it; the listener calls it after the queue is
// drained and before the system actions are closed.
type Closer interface {
	Close() error
}

// Dependencies are handed to every provider factory.
type Dependencies struct {
	Logger     *slog.Logger
	Metrics    *metric.MetricsRegistry
	Converter  *foreign.Converter
	HTTPClient *http.Client
	Now        func() time.Time
}

// LoggerFor returns deps.Logger, or the default logger, tagged with component.
func (d Dependencies) LoggerFor(component string) *slog.Logger {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", component)
}

// Clock returns deps.Now or time.Now.
func (d Dependencies) Clock() func() time.Time {
	if d.Now == nil {
		return time.Now
	}
	return d.Now
}

// Client returns deps.HTTPClient or a client with a 30 second timeout.
func (d Dependencies) Client() *http.Client {
	if d.HTTPClient == nil {
		return &http.Client{Timeout: 30 * time.Second}
	}
	return d.HTTPClient
}

// CoreMetrics returns the listener metrics or nil.
func (d Dependencies) CoreMetrics() *metric.Metrics {
	if d.Metrics == nil {
		return nil
	}
	return d.Metrics.CoreMetrics()
}

// Factory builds a provider. name is the registered name, which is also the
// key of the provider's providerConfigurations entry.
type Factory func(name string, deps Dependencies) (Provider, error)

// Registration binds a provider name to its factory.
type Registration struct {
	Name        string
	Description string
	Factory     Factory
}

// Registry maps the provider names used in providerClassMap to factories.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Register adds a provider factory.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ProviderRegistry", "Register", "name validation")
	}
	if reg.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ProviderRegistry", "Register", "factory validation")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[reg.Name]; exists {
		return errors.WrapInvalid(fmt.Errorf("%q is already registered", reg.Name),
			"ProviderRegistry", "Register", "duplicate check")
	}
	r.entries[reg.Name] = reg
	return nil
}

// HasProvider reports whether name is registered.
func (r *Registry) HasProvider(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Create builds the provider registered under name.
func (r *Registry) Create(name string, deps Dependencies) (Provider, error) {
	r.mu.RLock()
	reg, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnknownProvider, name),
			"ProviderRegistry", "Create", "look up provider")
	}
	p, err := reg.Factory(name, deps)
	if err != nil {
		return nil, errors.Wrap(err, "ProviderRegistry", "Create", "construct "+name)
	}
	return p, nil
}

// List returns the registered names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configuration returns the providerConfigurations entry for name, or nil
// when doc is nil or holds none.
func Configuration(doc *profile.Document, name string) map[string]any {
	if doc == nil {
		return nil
	}
	return doc.ProviderConfiguration(name)
}

// TransformError classifies a per-message failure.
func TransformError(component, action string, cause any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrTransform, cause),
		component, "ProcessRawStringData", action)
}
