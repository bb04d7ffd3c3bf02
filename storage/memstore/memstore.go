// Package memstore is an in-process storage backend.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/event"
	"github.com/c360/netlistener/storage"
)

const firstRasTypeID = 2000000000

// Adapter is a registration record.
type Adapter struct {
	Identity storage.AdapterIdentity
	Active   bool
	Cause    string
}

// NodeState is the last state recorded for a location.
type NodeState struct {
	State     event.BootState
	Timestamp int64
	InformWLM bool
}

// Store holds all state in memory. The zero value is not usable; call New.
type Store struct {
	mu sync.Mutex

	nextID     int64
	items      map[int64]*storage.WorkItem
	adapters   map[string]*Adapter
	nodes      map[string]NodeState
	bootImages map[string]map[string]string
	nodeImages map[string]string
	rasTypes   map[string]string
	rasEvents  []storage.RasEvent
	samples    []storage.EnvSample
	aggregates []storage.EnvAggregate
	inventory  map[string]string

	failRegistration error
	failRasLog       error
	logger           *slog.Logger
}

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		nextID:     1,
		items:      make(map[int64]*storage.WorkItem),
		adapters:   make(map[string]*Adapter),
		nodes:      make(map[string]NodeState),
		bootImages: make(map[string]map[string]string),
		nodeImages: make(map[string]string),
		rasTypes:   make(map[string]string),
		inventory:  make(map[string]string),
		logger:     logger.With("component", "memstore"),
	}
}

// FailRegistration makes RegisterAdapter return err until cleared with nil.
func (s *Store) FailRegistration(err error) {
	s.mu.Lock()
	s.failRegistration = err
	s.mu.Unlock()
}

// FailRasLog makes the RAS event log calls return err until cleared with nil.
func (s *Store) FailRasLog(err error) {
	s.mu.Lock()
	s.failRasLog = err
	s.mu.Unlock()
}

// SetRasEventType maps an event name to a type id.
func (s *Store) SetRasEventType(name, typeID string) {
	s.mu.Lock()
	s.rasTypes[name] = typeID
	s.mu.Unlock()
}

// RasEvents returns a copy of the logged RAS events.
func (s *Store) RasEvents() []storage.RasEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.RasEvent(nil), s.rasEvents...)
}

// Samples returns a copy of the logged telemetry samples.
func (s *Store) Samples() []storage.EnvSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.EnvSample(nil), s.samples...)
}

// Aggregates returns a copy of the logged telemetry aggregates.
func (s *Store) Aggregates() []storage.EnvAggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.EnvAggregate(nil), s.aggregates...)
}

// NodeState returns the last state recorded for location.
func (s *Store) NodeState(location string) (NodeState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.nodes[location]
	return st, ok
}

// NodeBootImage returns the boot image recorded for location.
func (s *Store) NodeBootImage(location string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeImages[location]
}

// BootImage returns the stored profile for an image id.
func (s *Store) BootImage(id string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootImages[id]
}

// Adapter returns the registration record for name.
func (s *Store) Adapter(name string) (Adapter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.adapters[name]
	if !ok {
		return Adapter{}, false
	}
	return *a, true
}

// WorkItem returns a copy of a work item.
func (s *Store) WorkItem(id int64) (storage.WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return storage.WorkItem{}, false
	}
	return copyItem(item), true
}

func copyItem(item *storage.WorkItem) storage.WorkItem {
	c := *item
	if item.Params != nil {
		c.Params = make(map[string]string, len(item.Params))
		for k, v := range item.Params {
			c.Params[k] = v
		}
	}
	return c
}

// CreateWorkQueue implements storage.Factory.
func (s *Store) CreateWorkQueue(id storage.AdapterIdentity) storage.WorkQueue {
	return &workQueue{store: s, id: id}
}

// CreateAdapterOperations implements storage.Factory.
func (s *Store) CreateAdapterOperations(id storage.AdapterIdentity) storage.AdapterOperations {
	return &adapterOps{store: s, id: id}
}

// CreateRasEventLog implements storage.Factory.
func (s *Store) CreateRasEventLog(storage.AdapterIdentity) storage.RasEventLog { return s }

// CreateBootImageAPI implements storage.Factory.
func (s *Store) CreateBootImageAPI(storage.AdapterIdentity) storage.BootImageAPI { return s }

// CreateStoreTelemetry implements storage.Factory.
func (s *Store) CreateStoreTelemetry() storage.StoreTelemetry { return s }

// CreateInventoryAPI implements storage.Factory.
func (s *Store) CreateInventoryAPI(storage.AdapterIdentity) storage.InventoryAPI { return s }

type workQueue struct {
	store *Store
	id    storage.AdapterIdentity
}

func (q *workQueue) ClaimNext(ctx context.Context) (*storage.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := q.store
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.items))
	for id, item := range s.items {
		if item.AdapterType == q.id.Type && item.State == storage.WorkItemQueued {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	item := s.items[ids[0]]
	item.State = storage.WorkItemWorking
	c := copyItem(item)
	return &c, nil
}

func (q *workQueue) Enqueue(ctx context.Context, item storage.WorkItem) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := q.store
	s.mu.Lock()
	defer s.mu.Unlock()
	item.ID = s.nextID
	s.nextID++
	if item.AdapterType == "" {
		item.AdapterType = q.id.Type
	}
	item.State = storage.WorkItemQueued
	stored := copyItem(&item)
	s.items[item.ID] = &stored
	return item.ID, nil
}

func (q *workQueue) lookupLocked(method string, id int64) (*storage.WorkItem, error) {
	item, ok := q.store.items[id]
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %d", errors.ErrWorkItemNotFound, id), "memstore", method, "find work item")
	}
	return item, nil
}

func (q *workQueue) Finish(ctx context.Context, id int64, state storage.WorkItemState, results string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	item, err := q.lookupLocked("Finish", id)
	if err != nil {
		return err
	}
	item.State = state
	item.Results = results
	return nil
}

func (q *workQueue) SaveRestartData(ctx context.Context, id int64, data string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	item, err := q.lookupLocked("SaveRestartData", id)
	if err != nil {
		return err
	}
	item.RestartData = data
	return nil
}

func (q *workQueue) Get(ctx context.Context, id int64) (*storage.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	item, err := q.lookupLocked("Get", id)
	if err != nil {
		return nil, err
	}
	c := copyItem(item)
	return &c, nil
}

func (q *workQueue) Acknowledge(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	item, err := q.lookupLocked("Acknowledge", id)
	if err != nil {
		return err
	}
	item.State = storage.WorkItemAcknowledged
	return nil
}

type adapterOps struct {
	store *Store
	id    storage.AdapterIdentity
}

func (a *adapterOps) RegisterAdapter(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := a.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRegistration != nil {
		return errors.WrapTransient(s.failRegistration, "memstore", "RegisterAdapter", "register adapter")
	}
	s.adapters[a.id.Name] = &Adapter{Identity: a.id, Active: true}
	s.logger.Debug("Registered adapter", "adapter", a.id.Name, "type", a.id.Type)
	return nil
}

func (a *adapterOps) ShutdownAdapter(_ context.Context, cause error) error {
	s := a.store
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.adapters[a.id.Name]
	if !ok {
		return errors.WrapInvalid(errors.ErrNotStarted, "memstore", "ShutdownAdapter", "find adapter")
	}
	rec.Active = false
	if cause != nil {
		rec.Cause = cause.Error()
	}
	return nil
}

func (a *adapterOps) MarkNodeState(ctx context.Context, state event.BootState, location string, tsNanos int64, informWLM bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	a.store.nodes[location] = NodeState{State: state, Timestamp: tsNanos, InformWLM: informWLM}
	return nil
}

// RasEventType implements storage.RasEventLog. Unknown names are assigned the
// next free id.
func (s *Store) RasEventType(_ context.Context, eventName string) (string, error) {
	if eventName == "" {
		return "", errors.WrapInvalid(errors.ErrUnknownKey, "memstore", "RasEventType", "resolve event name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.rasTypes[eventName]; ok {
		return id, nil
	}
	id := strconv.Itoa(firstRasTypeID + len(s.rasTypes))
	s.rasTypes[eventName] = id
	return id, nil
}

// LogRasEventNoEffectedJob implements storage.RasEventLog.
func (s *Store) LogRasEventNoEffectedJob(_ context.Context, ev storage.RasEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRasLog != nil {
		return s.failRasLog
	}
	s.rasEvents = append(s.rasEvents, ev)
	return nil
}

// LogRasEventCheckForEffectedJob implements storage.RasEventLog. Jobs are not
// tracked in memory so it behaves like LogRasEventNoEffectedJob.
func (s *Store) LogRasEventCheckForEffectedJob(ctx context.Context, ev storage.RasEvent) error {
	return s.LogRasEventNoEffectedJob(ctx, ev)
}

// UpdateComputeNodeBootImageID implements storage.BootImageAPI.
func (s *Store) UpdateComputeNodeBootImageID(_ context.Context, location, imageID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeImages[location] = imageID
	return nil
}

// EditBootImageProfile implements storage.BootImageAPI.
func (s *Store) EditBootImageProfile(_ context.Context, info map[string]string) error {
	id := info["id"]
	if id == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "memstore", "EditBootImageProfile", "read image id")
	}
	c := make(map[string]string, len(info))
	for k, v := range info {
		c[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bootImages[id] = c
	return nil
}

// LogEnvDataNormalized implements storage.StoreTelemetry.
func (s *Store) LogEnvDataNormalized(_ context.Context, sample storage.EnvSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

// LogEnvDataAggregated implements storage.StoreTelemetry.
func (s *Store) LogEnvDataAggregated(_ context.Context, agg storage.EnvAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggregates = append(s.aggregates, agg)
	return nil
}

// NumberOfLocationsInHWInv implements storage.InventoryAPI.
func (s *Store) NumberOfLocationsInHWInv(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inventory), nil
}

// IngestHWInv implements storage.InventoryAPI. The document is kept whole
// under its "location" field, or under "" when it has none.
func (s *Store) IngestHWInv(_ context.Context, canonicalJSON string) error {
	loc := inventoryLocation(canonicalJSON)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inventory[loc] = canonicalJSON
	return nil
}

// DeleteHWInv implements storage.InventoryAPI.
func (s *Store) DeleteHWInv(_ context.Context, location string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inventory, location)
	return nil
}

var _ storage.Factory = (*Store)(nil)

func inventoryLocation(doc string) string {
	var probe struct {
		Location string `json:"location"`
	}
	if err := json.Unmarshal([]byte(doc), &probe); err != nil {
		return ""
	}
	return probe.Location
}
