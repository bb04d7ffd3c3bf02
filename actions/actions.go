// Package actions is the facade providers use to store and publish what they
// produce. Every method logs its own failures; providers never see storage or
// transport errors.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/netlistener/config"
	"github.com/c360/netlistener/event"
	"github.com/c360/netlistener/foreign"
	"github.com/c360/netlistener/metric"
	"github.com/c360/netlistener/network"
	"github.com/c360/netlistener/storage"
)

// RAS type ids logged for boot image bookkeeping failures.
const (
	FailedToUpdateNodeBootImageID = "1000000084"
	FailedToUpdateBootImageInfo   = "1000000085"
)

// SinkConfigKey is the providerConfigurations entry describing the publish sink.
const SinkConfigKey = "sink"

// SystemActions stores and publishes records. Timestamps are nanoseconds
// since the epoch.
type SystemActions interface {
	StoreNormalizedData(ctx context.Context, dataType, location string, ts int64, value float64)
	StoreAggregatedData(ctx context.Context, dataType, location string, ts int64, minimum, maximum, average float64)
	StoreRasEvent(ctx context.Context, eventName, instanceData, location string, ts int64)

	PublishNormalizedData(ctx context.Context, topic, dataType, location string, ts int64, value float64)
	PublishAggregatedData(ctx context.Context, topic, dataType, location string, ts int64, minimum, maximum, average float64)
	PublishRasEvent(ctx context.Context, topic, eventName, instanceData, location string, ts int64)
	PublishBootEvent(ctx context.Context, topic string, state event.BootState, location string, ts int64)

	ChangeNodeStateTo(ctx context.Context, state event.BootState, location string, ts int64, informWLM bool)
	ChangeNodeBootImageID(ctx context.Context, location, imageID string)
	UpsertBootImages(ctx context.Context, images []map[string]string)
	LogFailedToUpdateNodeBootImageID(ctx context.Context, location, instanceData string)
	LogFailedToUpdateBootImageInfo(ctx context.Context, instanceData string)

	IsHWInventoryEmpty(ctx context.Context) (bool, error)
	UpsertHWInventory(ctx context.Context, canonicalJSON string)
	DeleteHWInventory(ctx context.Context, location string)

	Close() error
}

// Dependencies wire the facade to storage and the publish sink.
type Dependencies struct {
	Logger   *slog.Logger
	Metrics  *metric.MetricsRegistry
	Storage  storage.Factory
	Identity storage.AdapterIdentity
	Sinks    *network.SinkRegistry
	// Network is handed to the sink factory.
	Network network.Dependencies
	// SinkConfig is providerConfigurations["sink"]; nil disables publishing.
	SinkConfig map[string]any
	// Now defaults to time.Now.
	Now func() time.Time
}

// Actions is the storing and publishing SystemActions.
type Actions struct {
	logger   *slog.Logger
	metrics  *metric.Metrics
	identity storage.AdapterIdentity
	now      func() time.Time

	telemetry  storage.StoreTelemetry
	rasLog     storage.RasEventLog
	bootImages storage.BootImageAPI
	operations storage.AdapterOperations
	inventory  storage.InventoryAPI

	sinks      *network.SinkRegistry
	networkDep network.Dependencies
	sinkConfig map[string]any
	sinkOnce   sync.Once
	sinkMu     sync.Mutex
	sink       network.Sink
}

// New creates the facade. Store handles are created immediately; the publish
// sink is created on first publish.
func New(deps Dependencies) *Actions {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var metrics *metric.Metrics
	if deps.Metrics != nil {
		metrics = deps.Metrics.CoreMetrics()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Actions{
		logger:     logger.With("component", "system-actions"),
		metrics:    metrics,
		identity:   deps.Identity,
		now:        now,
		telemetry:  deps.Storage.CreateStoreTelemetry(),
		rasLog:     deps.Storage.CreateRasEventLog(deps.Identity),
		bootImages: deps.Storage.CreateBootImageAPI(deps.Identity),
		operations: deps.Storage.CreateAdapterOperations(deps.Identity),
		inventory:  deps.Storage.CreateInventoryAPI(deps.Identity),
		sinks:      deps.Sinks,
		networkDep: deps.Network,
		sinkConfig: deps.SinkConfig,
	}
}

// StoreNormalizedData implements SystemActions.
func (a *Actions) StoreNormalizedData(ctx context.Context, dataType, location string, ts int64, value float64) {
	err := a.telemetry.LogEnvDataNormalized(ctx, storage.EnvSample{
		Type: dataType, Location: location, Timestamp: ts, Value: value,
		AdapterType: a.identity.Type, WorkItemID: a.identity.BaseWorkItemID,
	})
	if err != nil {
		a.logger.Error("Failed to store normalized data", "metric", dataType, "location", location, "error", err)
		return
	}
	a.metrics.RecordStoreOperation("raw", 1)
}

// StoreAggregatedData implements SystemActions.
func (a *Actions) StoreAggregatedData(ctx context.Context, dataType, location string, ts int64, minimum, maximum, average float64) {
	err := a.telemetry.LogEnvDataAggregated(ctx, storage.EnvAggregate{
		Type: dataType, Location: location, Timestamp: ts,
		Minimum: minimum, Maximum: maximum, Average: average,
		AdapterType: a.identity.Type, WorkItemID: a.identity.BaseWorkItemID,
	})
	if err != nil {
		a.logger.Error("Failed to store aggregated data", "metric", dataType, "location", location, "error", err)
		return
	}
	a.metrics.RecordStoreOperation("aggregate", 1)
}

// StoreRasEvent resolves eventName to its type id and logs the event. Events
// without a location cannot affect a job and skip the job lookup.
func (a *Actions) StoreRasEvent(ctx context.Context, eventName, instanceData, location string, ts int64) {
	typeID, err := a.rasLog.RasEventType(ctx, eventName)
	if err != nil {
		a.logger.Error("Failed to get event type from the event name", "event", eventName, "error", err)
		return
	}
	if a.logRas(ctx, typeID, instanceData, location, ts) {
		a.metrics.RecordStoreOperation("ras", 1)
	}
}

// logRas reports whether the event was stored.
func (a *Actions) logRas(ctx context.Context, typeID, instanceData, location string, ts int64) bool {
	ev := storage.RasEvent{
		TypeID: typeID, InstanceData: instanceData, Location: location, Timestamp: ts,
		AdapterType: a.identity.Type, WorkItemID: a.identity.BaseWorkItemID,
	}
	var err error
	if location == "" {
		err = a.rasLog.LogRasEventNoEffectedJob(ctx, ev)
	} else {
		err = a.rasLog.LogRasEventCheckForEffectedJob(ctx, ev)
	}
	if err != nil {
		a.logger.Error("Failed to log RAS event", "event", typeID, "location", location, "error", err)
		return false
	}
	return true
}

// PublishNormalizedData implements SystemActions.
func (a *Actions) PublishNormalizedData(ctx context.Context, topic, dataType, location string, ts int64, value float64) {
	a.publish(ctx, topic, rawMessage{
		Type: dataType, Location: location, Timestamp: foreign.FormatTimestamp(ts), Value: value,
	})
}

// PublishAggregatedData implements SystemActions.
func (a *Actions) PublishAggregatedData(ctx context.Context, topic, dataType, location string, ts int64, minimum, maximum, average float64) {
	a.publish(ctx, topic, aggregateMessage{
		Type: dataType, Location: location, Timestamp: foreign.FormatTimestamp(ts),
		Minimum: minimum, Maximum: maximum, Average: average,
	})
}

// PublishRasEvent implements SystemActions.
func (a *Actions) PublishRasEvent(ctx context.Context, topic, eventName, instanceData, location string, ts int64) {
	a.publish(ctx, topic, rasMessage{
		Event: eventName, InstanceData: instanceData, Location: location, Timestamp: foreign.FormatTimestamp(ts),
	})
}

// PublishBootEvent implements SystemActions.
func (a *Actions) PublishBootEvent(ctx context.Context, topic string, state event.BootState, location string, ts int64) {
	a.publish(ctx, topic, bootMessage{
		Event: string(state), Location: location, Timestamp: foreign.FormatTimestamp(ts),
	})
}

// ChangeNodeStateTo implements SystemActions.
func (a *Actions) ChangeNodeStateTo(ctx context.Context, state event.BootState, location string, ts int64, informWLM bool) {
	if err := a.operations.MarkNodeState(ctx, state, location, ts, informWLM); err != nil {
		a.logger.Error("Failed to change node state", "location", location, "state", state, "error", err)
		return
	}
	a.metrics.RecordStoreOperation("state", 1)
}

// ChangeNodeBootImageID implements SystemActions.
func (a *Actions) ChangeNodeBootImageID(ctx context.Context, location, imageID string) {
	if err := a.bootImages.UpdateComputeNodeBootImageID(ctx, location, imageID, a.identity.Type); err != nil {
		a.logger.Error("Failed to update the boot image ID", "location", location, "error", err)
	}
}

// UpsertBootImages implements SystemActions.
func (a *Actions) UpsertBootImages(ctx context.Context, images []map[string]string) {
	for _, image := range images {
		if err := a.bootImages.EditBootImageProfile(ctx, image); err != nil {
			a.logger.Error("Failed to update boot image info", "id", image["id"], "error", err)
		}
	}
}

// LogFailedToUpdateNodeBootImageID implements SystemActions.
func (a *Actions) LogFailedToUpdateNodeBootImageID(ctx context.Context, location, instanceData string) {
	a.logRas(ctx, FailedToUpdateNodeBootImageID, instanceData, location, a.now().UnixNano())
}

// LogFailedToUpdateBootImageInfo implements SystemActions.
func (a *Actions) LogFailedToUpdateBootImageInfo(ctx context.Context, instanceData string) {
	a.logRas(ctx, FailedToUpdateBootImageInfo, instanceData, "", a.now().UnixNano())
}

// IsHWInventoryEmpty implements SystemActions.
func (a *Actions) IsHWInventoryEmpty(ctx context.Context) (bool, error) {
	n, err := a.inventory.NumberOfLocationsInHWInv(ctx)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// UpsertHWInventory ingests locations already in canonical form.
func (a *Actions) UpsertHWInventory(ctx context.Context, canonicalJSON string) {
	if canonicalJSON == "" {
		return
	}
	if err := a.inventory.IngestHWInv(ctx, canonicalJSON); err != nil {
		a.logger.Error("Failed to ingest HW inventory", "error", err)
	}
}

// DeleteHWInventory implements SystemActions.
func (a *Actions) DeleteHWInventory(ctx context.Context, location string) {
	if err := a.inventory.DeleteHWInv(ctx, location); err != nil {
		a.logger.Error("Failed to delete HW inventory", "location", location, "error", err)
	}
}

// Close closes the publish sink if one was created.
func (a *Actions) Close() error {
	a.sinkMu.Lock()
	defer a.sinkMu.Unlock()
	if a.sink == nil {
		return nil
	}
	err := a.sink.Close()
	a.sink = nil
	return err
}

func (a *Actions) publish(ctx context.Context, topic string, msg any) {
	sink := a.publisher()
	if sink == nil {
		return
	}
	body, err := json.Marshal(msg)
	if err != nil {
		a.logger.Error("Failed to encode message", "topic", topic, "error", err)
		return
	}
	if !sink.SendMessage(ctx, topic, body) {
		a.logger.Warn("Failed to publish message", "topic", topic)
	}
}

// publisher creates and connects the sink once. A failure disables publishing
// for the life of the facade.
func (a *Actions) publisher() network.Sink {
	a.sinkOnce.Do(func() {
		kind := config.GetString(a.sinkConfig, "sourceType", "")
		if kind == "" || a.sinks == nil {
			return
		}
		args := make(map[string]string, len(a.sinkConfig))
		for k, v := range a.sinkConfig {
			args[k] = argString(v)
		}
		sink, err := a.sinks.Create(kind, args, a.networkDep)
		if err != nil {
			a.logger.Error("Failed to create the publish sink; publishing is disabled", "sink", kind, "error", err)
			return
		}
		if err := sink.Connect(args["url"]); err != nil {
			a.logger.Error("Failed to connect the publish sink; publishing is disabled", "sink", kind, "error", err)
			return
		}
		a.sinkMu.Lock()
		a.sink = sink
		a.sinkMu.Unlock()
	})
	a.sinkMu.Lock()
	defer a.sinkMu.Unlock()
	return a.sink
}

func argString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return config.GetString(map[string]any{"v": v}, "v", fmt.Sprint(v))
	}
}

var _ SystemActions = (*Actions)(nil)
