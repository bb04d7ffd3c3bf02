// Package netlistener is a network listener adapter for HPC cluster
// telemetry and events. It subscribes to external streams, normalizes what
// it receives into typed records and dispatches each record to storage and
// an optional publish bus.
//
// # Architecture
//
// One process runs one adapter instance:
//
//	┌─────────────────────────────────────┐
//	│        Work queue driver            │  Registration, work item
//	│  (claim, restart data, outcome)     │  claim and outcome
//	└─────────────────────────────────────┘
//	           ↓ HandleInputFromExternalComponent
//	┌─────────────────────────────────────┐
//	│          Listener core              │  Profile selection,
//	│  (streams, FIFO drain, dispatch)    │  stream restarts, draining
//	└─────────────────────────────────────┘
//	      ↓ raw messages       ↓ records
//	┌──────────────────┐  ┌──────────────────┐
//	│ Network sources  │  │    Providers     │  telemetry, ras,
//	│ sse, websocket,  │  │ transform + act  │  boot, nodestate
//	│ nats, spool      │  └──────────────────┘
//	└──────────────────┘           ↓
//	                     ┌──────────────────┐
//	                     │  System actions  │  Store, RAS events,
//	                     │  (storage, sink) │  publish to nats/redis
//	                     └──────────────────┘
//
// # Profile Documents
//
// A profile document declares named adapter profiles. Each profile names the
// network streams to open, the subjects it accepts and the provider that
// turns raw messages into records. The document is validated against an
// embedded JSON schema and against the registered sources and providers
// before the adapter starts. See package profile.
//
// # Coordination Store
//
// Adapter registration, work items, RAS events and telemetry land in a
// storage.Factory. Three backends exist:
//
//   - memstore: in-process, for tests and single-node runs
//   - sqlstore: PostgreSQL through database/sql and lib/pq
//   - kvstore: NATS JetStream key-value buckets for work items and adapters
//
// # Packages
//
// Core:
//   - listener: the adapter loop
//   - workqueue: work item lifecycle on top of storage.WorkQueue
//   - profile: profile document loading and lookups
//   - provider: the transform/act contract and the built-in providers
//   - actions: the system actions providers call
//   - network: source and sink contracts and registries
//   - aggregate: moving-average and windowed telemetry aggregation
//   - foreign: xname to location translation and timestamps
//
// Infrastructure:
//   - config: layered JSON/YAML configuration with NETLISTENER_* overrides
//   - errors: classified errors (transient, invalid, fatal)
//   - metric: Prometheus metrics and the metrics/health server
//   - health: component health aggregation
//   - natsclient: NATS connection management with circuit breaking
//   - pkg/retry: exponential backoff
//
// # Binary
//
// cmd/netlistener runs one adapter:
//
//	netlistener --config=/etc/netlistener/config.json \
//	    --profile-file=/etc/netlistener/profiles.json \
//	    nats://bus:4222 R0-CH0 sms01
//
// # Version
//
// Current version: v0.1.0
package netlistener
