// Package nodestate is the node state provider. Foreign state change
// notifications list the affected components and their new state; each
// component becomes one state change record stamped with the time of
// receipt. Actions are shared with the boot provider.
package nodestate

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/netlistener/config"
	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/event"
	"github.com/c360/netlistener/foreign"
	"github.com/c360/netlistener/profile"
	"github.com/c360/netlistener/provider"
	"github.com/c360/netlistener/provider/boot"
)

const (
	componentName = "nodestate-provider"

	// Name is the registered provider name.
	Name = "nodestate"

	// FlagKey holds the notification's Flag, "Unknown" when absent.
	FlagKey = "Flag"
)

var conversions = map[string]event.BootState{
	"Ready": event.NodeOnline,
	"Off":   event.NodeOffline,
	"Empty": event.NodeEmpty,
	"On":    event.NodeBooting,
}

// Provider converts node state notifications.
type Provider struct {
	*boot.Actor
	logger    *slog.Logger
	converter *foreign.Converter
	now       func() time.Time
}

// New creates a node state provider.
func New(name string, deps provider.Dependencies) (provider.Provider, error) {
	return newProvider(name, deps)
}

func newProvider(name string, deps provider.Dependencies) (*Provider, error) {
	conv := deps.Converter
	if conv == nil {
		var err error
		if conv, err = foreign.LoadConverter(deps.Logger); err != nil {
			return nil, errors.Wrap(err, componentName, "New", "load location converter")
		}
	}
	return &Provider{
		Actor:     boot.NewActor(name, deps),
		logger:    deps.LoggerFor(componentName),
		converter: conv,
		now:       deps.Clock(),
	}, nil
}

// ProcessRawStringData converts a payload of one or more notifications.
// Components that cannot be converted are logged and skipped.
func (p *Provider) ProcessRawStringData(_ context.Context, subject, raw string, _ *profile.Document) ([]*event.Record, error) {
	docs, err := provider.DecodeDocuments(raw)
	if err != nil {
		return nil, provider.TransformError(componentName, "decode payload", err)
	}

	var records []*event.Record
	for _, d := range docs {
		doc, ok := d.(map[string]any)
		if !ok {
			p.logger.Warn("Node state document is not an object", "subject", subject)
			continue
		}
		messages, ok := provider.MetricsMessages(doc)
		if !ok || messages == nil {
			p.logger.Warn("Node state message is missing 'metrics.messages'", "subject", subject)
			continue
		}
		for _, m := range messages {
			msg, ok := m.(map[string]any)
			if !ok {
				p.logger.Warn("Node state message is not an object", "subject", subject)
				continue
			}
			records = append(records, p.convert(msg)...)
		}
	}
	return records, nil
}

func (p *Provider) convert(msg map[string]any) []*event.Record {
	components := config.GetStringSlice(msg, "Components", nil)
	if components == nil {
		p.logger.Warn("Node state message is missing 'Components'")
		return nil
	}
	stateName := config.GetString(msg, "State", "")
	state, ok := conversions[stateName]
	if !ok {
		p.logger.Warn("Ignoring node state with no conversion", "state", stateName)
		return nil
	}
	flag := config.GetString(msg, FlagKey, "Unknown")

	records := make([]*event.Record, 0, len(components))
	for _, xname := range components {
		location, err := p.converter.ToLocation(xname)
		if err != nil {
			p.logger.Warn("Skipping node state location", "location", xname, "error", err)
			continue
		}
		rec := event.New(p.now().UnixNano(), location, event.StateChangeEvent)
		rec.State = state
		rec.StoreExtra(FlagKey, flag)
		rec.StoreExtra(boot.ForeignLocationKey, xname)
		records = append(records, rec)
	}
	return records
}

// Register adds the node state provider to reg.
func Register(reg *provider.Registry) error {
	return reg.Register(provider.Registration{
		Name:        Name,
		Description: "Node state change notifications",
		Factory:     New,
	})
}
