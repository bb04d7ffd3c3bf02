// Package actionstest provides a recording SystemActions for provider tests.
package actionstest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/c360/netlistener/actions"
	"github.com/c360/netlistener/event"
)

// Call is one recorded SystemActions invocation. Only the fields relevant to
// Method are set.
type Call struct {
	Method       string
	Topic        string
	Type         string
	Location     string
	Timestamp    int64
	Value        float64
	Minimum      float64
	Maximum      float64
	Average      float64
	Event        string
	InstanceData string
	State        event.BootState
	InformWLM    bool
	ImageID      string
}

// Recorder implements actions.SystemActions by recording every call.
type Recorder struct {
	mu     sync.Mutex
	calls  []Call
	images [][]map[string]string

	closed     atomic.Bool
	afterClose atomic.Int32

	// InventoryEmpty is returned by IsHWInventoryEmpty.
	InventoryEmpty bool
}

var _ actions.SystemActions = (*Recorder)(nil)

// New creates an empty recorder.
func New() *Recorder { return &Recorder{} }

func (r *Recorder) add(c Call) {
	if r.closed.Load() {
		r.afterClose.Add(1)
	}
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

// Calls returns every recorded call in order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Named returns the calls to method.
func (r *Recorder) Named(method string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Images returns every batch passed to UpsertBootImages.
func (r *Recorder) Images() [][]map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]map[string]string(nil), r.images...)
}

func (r *Recorder) StoreNormalizedData(_ context.Context, dataType, location string, ts int64, value float64) {
	r.add(Call{Method: "StoreNormalizedData", Type: dataType, Location: location, Timestamp: ts, Value: value})
}

func (r *Recorder) StoreAggregatedData(_ context.Context, dataType, location string, ts int64, minimum, maximum, average float64) {
	r.add(Call{Method: "StoreAggregatedData", Type: dataType, Location: location, Timestamp: ts,
		Minimum: minimum, Maximum: maximum, Average: average})
}

func (r *Recorder) StoreRasEvent(_ context.Context, eventName, instanceData, location string, ts int64) {
	r.add(Call{Method: "StoreRasEvent", Event: eventName, InstanceData: instanceData, Location: location, Timestamp: ts})
}

func (r *Recorder) PublishNormalizedData(_ context.Context, topic, dataType, location string, ts int64, value float64) {
	r.add(Call{Method: "PublishNormalizedData", Topic: topic, Type: dataType, Location: location, Timestamp: ts, Value: value})
}

func (r *Recorder) PublishAggregatedData(_ context.Context, topic, dataType, location string, ts int64, minimum, maximum, average float64) {
	r.add(Call{Method: "PublishAggregatedData", Topic: topic, Type: dataType, Location: location, Timestamp: ts,
		Minimum: minimum, Maximum: maximum, Average: average})
}

func (r *Recorder) PublishRasEvent(_ context.Context, topic, eventName, instanceData, location string, ts int64) {
	r.add(Call{Method: "PublishRasEvent", Topic: topic, Event: eventName, InstanceData: instanceData,
		Location: location, Timestamp: ts})
}

func (r *Recorder) PublishBootEvent(_ context.Context, topic string, state event.BootState, location string, ts int64) {
	r.add(Call{Method: "PublishBootEvent", Topic: topic, State: state, Location: location, Timestamp: ts})
}

func (r *Recorder) ChangeNodeStateTo(_ context.Context, state event.BootState, location string, ts int64, informWLM bool) {
	r.add(Call{Method: "ChangeNodeStateTo", State: state, Location: location, Timestamp: ts, InformWLM: informWLM})
}

func (r *Recorder) ChangeNodeBootImageID(_ context.Context, location, imageID string) {
	r.add(Call{Method: "ChangeNodeBootImageID", Location: location, ImageID: imageID})
}

func (r *Recorder) UpsertBootImages(_ context.Context, images []map[string]string) {
	r.mu.Lock()
	r.images = append(r.images, images)
	r.mu.Unlock()
	r.add(Call{Method: "UpsertBootImages"})
}

func (r *Recorder) LogFailedToUpdateNodeBootImageID(_ context.Context, location, instanceData string) {
	r.add(Call{Method: "LogFailedToUpdateNodeBootImageID", Location: location, InstanceData: instanceData})
}

func (r *Recorder) LogFailedToUpdateBootImageInfo(_ context.Context, instanceData string) {
	r.add(Call{Method: "LogFailedToUpdateBootImageInfo", InstanceData: instanceData})
}

func (r *Recorder) IsHWInventoryEmpty(context.Context) (bool, error) {
	return r.InventoryEmpty, nil
}

func (r *Recorder) UpsertHWInventory(_ context.Context, canonicalJSON string) {
	r.add(Call{Method: "UpsertHWInventory", InstanceData: canonicalJSON})
}

func (r *Recorder) DeleteHWInventory(_ context.Context, location string) {
	r.add(Call{Method: "DeleteHWInventory", Location: location})
}

func (r *Recorder) Close() error {
	r.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool { return r.closed.Load() }

// CallsAfterClose returns the number of calls recorded after Close.
func (r *Recorder) CallsAfterClose() int { return int(r.afterClose.Load()) }
