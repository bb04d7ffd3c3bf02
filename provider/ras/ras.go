// Package ras is the RAS event provider. Foreign event types are translated
// through the embedded event metadata table and repeats can be collapsed by
// an aggregate.Suppressor.
//
// Provider configuration keys:
//
//	useRepeatSuppression     bool, default false
//	suppressionCount         int, default 100
//	suppressionWindowSeconds number, default 60
//	maxKeys                  int, default 0 (unbounded)
//	idleExpirySeconds        number, default 0 (never)
//	publish                  bool, default false
//	publishTopic             default "ucs_ras_event"
package ras

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/netlistener/actions"
	"github.com/c360/netlistener/aggregate"
	"github.com/c360/netlistener/config"
	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/event"
	"github.com/c360/netlistener/foreign"
	"github.com/c360/netlistener/metric"
	"github.com/c360/netlistener/profile"
	"github.com/c360/netlistener/provider"
)

const (
	componentName = "ras-provider"

	// Name is the registered provider name.
	Name = "ras"

	// UnknownEvent is stored for event types missing from the metadata.
	UnknownEvent = "RasMntrForeignUnknownEvent"

	DefaultTopic = "ucs_ras_event"
)

//go:embed event_metadata.json
var embeddedEvents []byte

var required = []string{"event-type", "timestamp", "location"}

// Provider converts foreign RAS events and stores them.
type Provider struct {
	name      string
	logger    *slog.Logger
	registry  *metric.MetricsRegistry
	converter *foreign.Converter
	events    map[string]string

	transformOnce sync.Once
	suppressor    *aggregate.Suppressor

	actOnce sync.Once
	publish bool
	topic   string
}

// New creates a RAS provider.
func New(name string, deps provider.Dependencies) (provider.Provider, error) {
	return newProvider(name, deps)
}

func newProvider(name string, deps provider.Dependencies) (*Provider, error) {
	var events map[string]string
	if err := json.NewDecoder(bytes.NewReader(embeddedEvents)).Decode(&events); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrMetadataLoad, err),
			componentName, "New", "decode event metadata")
	}
	conv := deps.Converter
	if conv == nil {
		var err error
		if conv, err = foreign.LoadConverter(deps.Logger); err != nil {
			return nil, errors.Wrap(err, componentName, "New", "load location converter")
		}
	}
	return &Provider{
		name:      name,
		logger:    deps.LoggerFor(componentName),
		registry:  deps.Metrics,
		converter: conv,
		events:    events,
	}, nil
}

// EventName translates a foreign event type.
func (p *Provider) EventName(eventType string) string {
	if name, ok := p.events[eventType]; ok {
		return name
	}
	return UnknownEvent
}

func (p *Provider) configureTransform(doc *profile.Document) {
	p.transformOnce.Do(func() {
		cfg := provider.Configuration(doc, p.name)
		if !config.GetBool(cfg, "useRepeatSuppression", false) {
			return
		}
		scfg := aggregate.SuppressorConfig{
			Count:  config.GetInt(cfg, "suppressionCount", 100),
			Window: config.GetSeconds(cfg, "suppressionWindowSeconds", 0),
		}
		opts := []aggregate.Option{
			aggregate.WithLogger(p.logger),
			aggregate.WithMaxKeys(config.GetInt(cfg, "maxKeys", 0)),
			aggregate.WithIdleExpiry(config.GetSeconds(cfg, "idleExpirySeconds", 0)),
		}
		s, err := aggregate.NewSuppressor(scfg, append(opts, aggregate.WithMetrics(p.registry, p.name+"_suppressor"))...)
		if err != nil {
			p.logger.Debug("Suppressor metrics unavailable", "error", err)
			s, err = aggregate.NewSuppressor(scfg, opts...)
		}
		if err != nil {
			p.logger.Error("Repeat suppression disabled", "error", err)
			return
		}
		p.suppressor = s
	})
}

// Suppressor returns the suppressor in use or nil.
func (p *Provider) Suppressor() *aggregate.Suppressor { return p.suppressor }

// ProcessRawStringData converts one RAS event. A message lacking a required
// key yields no records and no error.
func (p *Provider) ProcessRawStringData(_ context.Context, subject, raw string, doc *profile.Document) ([]*event.Record, error) {
	p.configureTransform(doc)

	var msg map[string]any
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, provider.TransformError(componentName, "decode event", err)
	}
	if missing := provider.MissingKeys(msg, required...); len(missing) > 0 {
		p.logger.Debug("RAS event is missing keys", "subject", subject, "missing", missing)
		return []*event.Record{}, nil
	}

	ts, err := foreign.ParseTimestamp(config.GetString(msg, "timestamp", ""))
	if err != nil {
		return nil, provider.TransformError(componentName, "parse timestamp", err)
	}
	name := p.EventName(config.GetString(msg, "event-type", ""))
	payload := config.GetString(msg, "payload", config.GetString(msg, "message", ""))

	records := []*event.Record{}
	for _, xname := range provider.SplitLocations(config.GetString(msg, "location", "")) {
		location, err := p.converter.ToLocation(xname)
		if err != nil {
			p.logger.Warn("Skipping RAS event location", "location", xname, "event", name, "error", err)
			continue
		}
		rec := event.New(ts, location, event.RasEvent)
		rec.SetRasEvent(name, payload)
		if p.suppressor != nil {
			if rec, err = p.suppressor.AddEvent(rec); err != nil {
				p.logger.Warn("Suppression failed", "location", location, "event", name, "error", err)
				continue
			}
			if rec == nil {
				continue
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// ActOnData stores the event and optionally publishes it.
func (p *Provider) ActOnData(ctx context.Context, rec *event.Record, doc *profile.Document, sa actions.SystemActions) {
	p.actOnce.Do(func() {
		cfg := provider.Configuration(doc, p.name)
		p.publish = config.GetBool(cfg, "publish", false)
		p.topic = config.GetString(cfg, "publishTopic", DefaultTopic)
	})

	sa.StoreRasEvent(ctx, rec.Event, rec.InstanceData, rec.Location, rec.Timestamp)
	if p.publish {
		sa.PublishRasEvent(ctx, p.topic, rec.Event, rec.InstanceData, rec.Location, rec.Timestamp)
	}
}

// Register adds the RAS provider to reg.
func Register(reg *provider.Registry) error {
	return reg.Register(provider.Registration{
		Name:        Name,
		Description: "RAS events with optional repeat suppression",
		Factory:     New,
	})
}
