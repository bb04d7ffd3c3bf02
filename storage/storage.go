// Package storage defines the coordination and telemetry store interfaces the
// listener depends on. Backends live in subpackages.
package storage

import (
	"context"

	"github.com/c360/netlistener/event"
)

// AdapterIdentity describes this adapter instance to the coordination store.
// Cancellation is carried by the context passed to each call, not by the
// identity.
type AdapterIdentity struct {
	Type           string
	Name           string
	Location       string
	Hostname       string
	BaseWorkItemID int64
}

// WorkItemState is the coordination store's view of a work item.
type WorkItemState string

const (
	WorkItemQueued       WorkItemState = "Q"
	WorkItemWorking      WorkItemState = "W"
	WorkItemFinished     WorkItemState = "F"
	WorkItemFinishedErr  WorkItemState = "E"
	WorkItemAcknowledged WorkItemState = "D"
)

// Finished reports whether the item has a recorded outcome.
func (s WorkItemState) Finished() bool {
	return s == WorkItemFinished || s == WorkItemFinishedErr || s == WorkItemAcknowledged
}

// WorkItem is a unit of work queued for an adapter type.
type WorkItem struct {
	ID           int64             `json:"id"`
	AdapterType  string            `json:"adapterType"`
	Queue        string            `json:"queue"`
	WorkToBeDone string            `json:"workToBeDone"`
	Params       map[string]string `json:"params,omitempty"`
	RestartData  string            `json:"restartData,omitempty"`
	State        WorkItemState     `json:"state"`
	Results      string            `json:"results,omitempty"`
	// Requeued is set when the item was claimed before, for example by an
	// adapter instance that died.
	Requeued bool `json:"requeued,omitempty"`
}

// WorkQueue claims and finishes work items for one adapter.
type WorkQueue interface {
	// ClaimNext claims the oldest claimable item. It returns nil and no
	// error when nothing is queued.
	ClaimNext(ctx context.Context) (*WorkItem, error)
	Enqueue(ctx context.Context, item WorkItem) (int64, error)
	Finish(ctx context.Context, id int64, state WorkItemState, results string) error
	SaveRestartData(ctx context.Context, id int64, data string) error
	Get(ctx context.Context, id int64) (*WorkItem, error)
	// Acknowledge marks a finished item as seen by whoever waited on it.
	Acknowledge(ctx context.Context, id int64) error
}

// AdapterOperations records the adapter's lifecycle and node state changes.
type AdapterOperations interface {
	RegisterAdapter(ctx context.Context) error
	ShutdownAdapter(ctx context.Context, cause error) error
	MarkNodeState(ctx context.Context, state event.BootState, location string, tsNanos int64, informWLM bool) error
}

// RasEvent is one row for the RAS event log.
type RasEvent struct {
	TypeID       string
	InstanceData string
	Location     string
	Timestamp    int64
	AdapterType  string
	WorkItemID   int64
}

// RasEventLog resolves event names and logs RAS events.
type RasEventLog interface {
	RasEventType(ctx context.Context, eventName string) (string, error)
	LogRasEventNoEffectedJob(ctx context.Context, ev RasEvent) error
	LogRasEventCheckForEffectedJob(ctx context.Context, ev RasEvent) error
}

// BootImageAPI maintains boot image profiles and node assignments.
type BootImageAPI interface {
	UpdateComputeNodeBootImageID(ctx context.Context, location, imageID, adapterType string) error
	EditBootImageProfile(ctx context.Context, info map[string]string) error
}

// EnvSample is one normalized telemetry sample.
type EnvSample struct {
	Type        string
	Location    string
	Timestamp   int64
	Value       float64
	AdapterType string
	WorkItemID  int64
}

// EnvAggregate is one aggregated telemetry row.
type EnvAggregate struct {
	Type        string
	Location    string
	Timestamp   int64
	Minimum     float64
	Maximum     float64
	Average     float64
	AdapterType string
	WorkItemID  int64
}

// StoreTelemetry persists environmental telemetry.
type StoreTelemetry interface {
	LogEnvDataNormalized(ctx context.Context, sample EnvSample) error
	LogEnvDataAggregated(ctx context.Context, agg EnvAggregate) error
}

// InventoryAPI maintains the hardware inventory.
type InventoryAPI interface {
	NumberOfLocationsInHWInv(ctx context.Context) (int, error)
	IngestHWInv(ctx context.Context, canonicalJSON string) error
	DeleteHWInv(ctx context.Context, location string) error
}

// Factory creates store handles bound to an adapter identity.
type Factory interface {
	CreateWorkQueue(id AdapterIdentity) WorkQueue
	CreateAdapterOperations(id AdapterIdentity) AdapterOperations
	CreateRasEventLog(id AdapterIdentity) RasEventLog
	CreateBootImageAPI(id AdapterIdentity) BootImageAPI
	CreateStoreTelemetry() StoreTelemetry
	CreateInventoryAPI(id AdapterIdentity) InventoryAPI
}
