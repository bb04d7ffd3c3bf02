// Package componentregistry registers every built-in network source, publish
// sink and provider. Profile documents can only reference what is
// registered here.
package componentregistry

import (
	"errors"

	pkgerrors "github.com/c360/netlistener/errors"
	natsinput "github.com/c360/netlistener/input/nats"
	"github.com/c360/netlistener/input/spool"
	"github.com/c360/netlistener/input/sse"
	"github.com/c360/netlistener/input/udp"
	websocketinput "github.com/c360/netlistener/input/websocket"
	"github.com/c360/netlistener/network"
	fileoutput "github.com/c360/netlistener/output/file"
	"github.com/c360/netlistener/output/httppost"
	natsoutput "github.com/c360/netlistener/output/nats"
	redisoutput "github.com/c360/netlistener/output/redis"
	"github.com/c360/netlistener/provider"
	"github.com/c360/netlistener/provider/boot"
	"github.com/c360/netlistener/provider/nodestate"
	"github.com/c360/netlistener/provider/ras"
	"github.com/c360/netlistener/provider/telemetry"
)

// Registries holds the lookup tables the listener resolves profile names
// against.
type Registries struct {
	Sources   *network.SourceRegistry
	Sinks     *network.SinkRegistry
	Providers *provider.Registry
}

// New returns registries with every built-in component registered.
func New() (*Registries, error) {
	r := &Registries{
		Sources:   network.NewSourceRegistry(),
		Sinks:     network.NewSinkRegistry(),
		Providers: provider.NewRegistry(),
	}
	if err := Register(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds the built-in components to r:
//
// Network sources:
//   - sse (server-sent events over HTTP)
//   - websocket
//   - nats (core subjects and JetStream)
//   - spool (replay of captured files)
//   - udp (datagrams)
//
// Publish sinks:
//   - nats
//   - redis (pub/sub)
//   - http (POST per message)
//   - file (one file per topic)
//
// Providers:
//   - telemetry, ras, boot, nodestate
func Register(r *Registries) error {
	if r == nil || r.Sources == nil || r.Sinks == nil || r.Providers == nil {
		return pkgerrors.WrapFatal(
			errors.New("registries cannot be nil"),
			"ComponentRegistry", "Register", "registry validation")
	}

	sources := []struct {
		name     string
		register func(*network.SourceRegistry) error
	}{
		{"SSE", sse.Register},
		{"WebSocket", websocketinput.Register},
		{"NATS", natsinput.Register},
		{"Spool", spool.Register},
		{"UDP", udp.Register},
	}
	for _, s := range sources {
		if err := s.register(r.Sources); err != nil {
			return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", s.name+" source registration")
		}
	}

	sinks := []struct {
		name     string
		register func(*network.SinkRegistry) error
	}{
		{"NATS", natsoutput.Register},
		{"Redis", redisoutput.Register},
		{"HTTP", httppost.Register},
		{"File", fileoutput.Register},
	}
	for _, s := range sinks {
		if err := s.register(r.Sinks); err != nil {
			return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", s.name+" sink registration")
		}
	}

	providers := []struct {
		name     string
		register func(*provider.Registry) error
	}{
		{"Telemetry", telemetry.Register},
		{"RAS", ras.Register},
		{"Boot", boot.Register},
		{"Node state", nodestate.Register},
	}
	for _, p := range providers {
		if err := p.register(r.Providers); err != nil {
			return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", p.name+" provider registration")
		}
	}
	return nil
}
