// Package boot is the boot event provider. It converts foreign boot events
// into node state changes and keeps the boot image table in sync with the
// foreign boot services.
//
// Provider configuration keys:
//
//	publish                bool, default false
//	publishTopic           default "ucs_boot_event"
//	informWorkLoadManager  bool, default false (doActions is accepted too)
//	baseUrl                default: first stream's connectAddress:connectPort
//	useSSL                 bool, default false
//	bootImageInfoUrl       default "/apis/ims/images"
//	bootParametersInfoUrl  default "/apis/bss/boot/v1/bootparameters"
//	refreshIntervalSeconds number, default 7200
package boot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360/netlistener/config"
	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/event"
	"github.com/c360/netlistener/foreign"
	"github.com/c360/netlistener/profile"
	"github.com/c360/netlistener/provider"
)

const (
	componentName = "boot-provider"

	// Name is the registered provider name.
	Name = "boot"
)

var conversions = map[string]event.BootState{
	"ec_node_available":   event.NodeOnline,
	"ec_node_unavailable": event.NodeOffline,
	"ec_node_halt":        event.NodeOffline,
	"ec_node_failed":      event.NodeOffline,
	"ec_boot":             event.NodeBooting,
}

var required = []string{"event-type", "timestamp", "location"}

// Provider converts boot events and acts on them through an Actor.
type Provider struct {
	*Actor
	logger    *slog.Logger
	converter *foreign.Converter
}

// New creates a boot provider.
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
		Actor:     NewActor(name, deps),
		logger:    deps.LoggerFor(componentName),
		converter: conv,
	}, nil
}

// ProcessRawStringData converts one boot event into a state change record
// per location.
func (p *Provider) ProcessRawStringData(_ context.Context, subject, raw string, _ *profile.Document) ([]*event.Record, error) {
	var msg map[string]any
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, provider.TransformError(componentName, "decode event", err)
	}
	if missing := provider.MissingKeys(msg, required...); len(missing) > 0 {
		return nil, provider.TransformError(componentName, "check message", fmt.Sprintf("missing %v", missing))
	}

	eventType := config.GetString(msg, "event-type", "")
	state, ok := conversions[eventType]
	if !ok {
		return nil, provider.TransformError(componentName, "convert event type", fmt.Sprintf("unknown event type %q", eventType))
	}
	ts, err := foreign.ParseTimestamp(config.GetString(msg, "timestamp", ""))
	if err != nil {
		return nil, provider.TransformError(componentName, "parse timestamp", err)
	}

	var records []*event.Record
	for _, xname := range provider.SplitLocations(config.GetString(msg, "location", "")) {
		location, err := p.converter.ToLocation(xname)
		if err != nil {
			p.logger.Warn("Skipping boot event location", "subject", subject, "location", xname, "error", err)
			continue
		}
		rec := event.New(ts, location, event.StateChangeEvent)
		rec.State = state
		if state == event.NodeOnline {
			rec.StoreExtra(ForeignLocationKey, xname)
			rec.StoreExtra(BootImageIDKey, config.GetString(msg, BootImageIDKey, ""))
		}
		records = append(records, rec)
	}
	return records, nil
}

// Register adds the boot provider to reg.
func Register(reg *provider.Registry) error {
	return reg.Register(provider.Registration{
		Name:        Name,
		Description: "Boot events driving node state and boot image bookkeeping",
		Factory:     New,
	})
}
