// Package storage defines the store interfaces used by the network listener.
//
// A Factory hands out narrow interfaces bound to one adapter identity:
//
//   - WorkQueue: claim, finish and checkpoint work items
//   - AdapterOperations: adapter registration and node state
//   - RasEventLog, BootImageAPI, StoreTelemetry, InventoryAPI: action targets
//
// Three backends are provided. memstore keeps everything in process and is
// used by tests and single-node runs. sqlstore targets PostgreSQL/TimescaleDB
// through lib/pq. kvstore keeps the work queue and adapter registry in
// JetStream key-value buckets and delegates telemetry and events to another
// factory.
//
// All implementations must be safe for concurrent use.
package storage
