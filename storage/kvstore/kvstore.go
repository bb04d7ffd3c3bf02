// Package kvstore keeps the work queue, adapter registry and node states in
// JetStream key-value buckets. Event, telemetry, boot image and inventory
// writes go to a delegate factory.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/event"
	"github.com/c360/netlistener/natsclient"
	"github.com/c360/netlistener/storage"
)

const (
	itemPrefix    = "item."
	adapterPrefix = "adapter."
	nodePrefix    = "node."
	sequenceKey   = "sequence"
)

// Bucket is the subset of natsclient.KVStore used here.
type Bucket interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	UpdateWithRetry(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
	Keys(ctx context.Context) ([]string, error)
}

// Store implements storage.Factory on two buckets.
type Store struct {
	items    Bucket
	adapters Bucket
	delegate storage.Factory
	logger   *slog.Logger
}

// Open creates or opens the "<prefix>_WORK_ITEMS" and "<prefix>_ADAPTERS"
// buckets.
func Open(ctx context.Context, client *natsclient.Client, prefix string, delegate storage.Factory, logger *slog.Logger) (*Store, error) {
	items, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      prefix + "_WORK_ITEMS",
		Description: "network listener work items",
		History:     1,
	})
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err), "kvstore", "Open", "create work item bucket")
	}
	adapters, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      prefix + "_ADAPTERS",
		Description: "network listener adapters and node states",
		History:     1,
	})
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err), "kvstore", "Open", "create adapter bucket")
	}
	return New(client.NewKVStore(items), client.NewKVStore(adapters), delegate, logger), nil
}

// New builds a store on existing buckets.
func New(items, adapters Bucket, delegate storage.Factory, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{items: items, adapters: adapters, delegate: delegate, logger: logger.With("component", "kvstore")}
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
func (s *Store) CreateRasEventLog(id storage.AdapterIdentity) storage.RasEventLog {
	return s.delegate.CreateRasEventLog(id)
}

// CreateBootImageAPI implements storage.Factory.
func (s *Store) CreateBootImageAPI(id storage.AdapterIdentity) storage.BootImageAPI {
	return s.delegate.CreateBootImageAPI(id)
}

// CreateStoreTelemetry implements storage.Factory.
func (s *Store) CreateStoreTelemetry() storage.StoreTelemetry { return s.delegate.CreateStoreTelemetry() }

// CreateInventoryAPI implements storage.Factory.
func (s *Store) CreateInventoryAPI(id storage.AdapterIdentity) storage.InventoryAPI {
	return s.delegate.CreateInventoryAPI(id)
}

func itemKey(id int64) string { return itemPrefix + strconv.FormatInt(id, 10) }

func wrapKV(err error, method, action string) error {
	if natsclient.IsKVNotFoundError(err) {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrWorkItemNotFound, err), "kvstore", method, action)
	}
	return errors.WrapTransient(err, "kvstore", method, action)
}

type workQueue struct {
	store *Store
	id    storage.AdapterIdentity
}

func (q *workQueue) queuedIDs(ctx context.Context) ([]int64, error) {
	keys, err := q.store.items.Keys(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(keys))
	for _, k := range keys {
		if !strings.HasPrefix(k, itemPrefix) {
			continue
		}
		if id, err := strconv.ParseInt(strings.TrimPrefix(k, itemPrefix), 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ClaimNext scans items in id order and claims the first queued one with a
// compare-and-swap. Items claimed concurrently by another adapter are skipped.
func (q *workQueue) ClaimNext(ctx context.Context) (*storage.WorkItem, error) {
	ids, err := q.queuedIDs(ctx)
	if err != nil {
		return nil, wrapKV(err, "ClaimNext", "list work items")
	}
	for _, id := range ids {
		entry, err := q.store.items.Get(ctx, itemKey(id))
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, wrapKV(err, "ClaimNext", "read work item")
		}
		var item storage.WorkItem
		if err := json.Unmarshal(entry.Value, &item); err != nil {
			q.store.logger.Warn("Skipping unreadable work item", "work_item", id, "error", err)
			continue
		}
		if item.AdapterType != q.id.Type || item.State != storage.WorkItemQueued {
			continue
		}
		item.State = storage.WorkItemWorking
		data, err := json.Marshal(item)
		if err != nil {
			return nil, errors.WrapInvalid(err, "kvstore", "ClaimNext", "encode work item")
		}
		if _, err := q.store.items.Update(ctx, itemKey(id), data, entry.Revision); err != nil {
			if natsclient.IsKVConflictError(err) {
				continue
			}
			return nil, wrapKV(err, "ClaimNext", "claim work item")
		}
		return &item, nil
	}
	return nil, nil
}

func (q *workQueue) Enqueue(ctx context.Context, item storage.WorkItem) (int64, error) {
	var id int64
	err := q.store.items.UpdateWithRetry(ctx, sequenceKey, func(current []byte) ([]byte, error) {
		id = 1
		if len(current) > 0 {
			n, err := strconv.ParseInt(string(current), 10, 64)
			if err != nil {
				return nil, err
			}
			id = n + 1
		}
		return []byte(strconv.FormatInt(id, 10)), nil
	})
	if err != nil {
		return 0, wrapKV(err, "Enqueue", "allocate work item id")
	}

	item.ID = id
	if item.AdapterType == "" {
		item.AdapterType = q.id.Type
	}
	item.State = storage.WorkItemQueued
	data, err := json.Marshal(item)
	if err != nil {
		return 0, errors.WrapInvalid(err, "kvstore", "Enqueue", "encode work item")
	}
	if _, err := q.store.items.Create(ctx, itemKey(id), data); err != nil {
		return 0, wrapKV(err, "Enqueue", "store work item")
	}
	return id, nil
}

func (q *workQueue) modify(ctx context.Context, method string, id int64, fn func(*storage.WorkItem)) error {
	err := q.store.items.UpdateWithRetry(ctx, itemKey(id), func(current []byte) ([]byte, error) {
		if len(current) == 0 {
			return nil, natsclient.ErrKVKeyNotFound
		}
		var item storage.WorkItem
		if err := json.Unmarshal(current, &item); err != nil {
			return nil, err
		}
		fn(&item)
		return json.Marshal(item)
	})
	if err != nil {
		return wrapKV(err, method, "update work item")
	}
	return nil
}

func (q *workQueue) Finish(ctx context.Context, id int64, state storage.WorkItemState, results string) error {
	return q.modify(ctx, "Finish", id, func(item *storage.WorkItem) {
		item.State = state
		item.Results = results
	})
}

func (q *workQueue) SaveRestartData(ctx context.Context, id int64, data string) error {
	return q.modify(ctx, "SaveRestartData", id, func(item *storage.WorkItem) { item.RestartData = data })
}

func (q *workQueue) Acknowledge(ctx context.Context, id int64) error {
	return q.modify(ctx, "Acknowledge", id, func(item *storage.WorkItem) { item.State = storage.WorkItemAcknowledged })
}

func (q *workQueue) Get(ctx context.Context, id int64) (*storage.WorkItem, error) {
	entry, err := q.store.items.Get(ctx, itemKey(id))
	if err != nil {
		return nil, wrapKV(err, "Get", "read work item")
	}
	var item storage.WorkItem
	if err := json.Unmarshal(entry.Value, &item); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "kvstore", "Get", "decode work item")
	}
	return &item, nil
}

// AdapterRecord is the registry entry stored for an adapter.
type AdapterRecord struct {
	Identity  storage.AdapterIdentity `json:"identity"`
	Active    bool                    `json:"active"`
	StartedAt time.Time               `json:"startedAt"`
	StoppedAt *time.Time              `json:"stoppedAt,omitempty"`
	Cause     string                  `json:"cause,omitempty"`
}

// NodeRecord is the last state stored for a location.
type NodeRecord struct {
	State     event.BootState `json:"state"`
	Timestamp int64           `json:"timestamp"`
	InformWLM bool            `json:"informWlm"`
}

type adapterOps struct {
	store *Store
	id    storage.AdapterIdentity
}

func (a *adapterOps) RegisterAdapter(ctx context.Context) error {
	data, err := json.Marshal(AdapterRecord{Identity: a.id, Active: true, StartedAt: time.Now().UTC()})
	if err != nil {
		return errors.WrapInvalid(err, "kvstore", "RegisterAdapter", "encode adapter")
	}
	if _, err := a.store.adapters.Put(ctx, adapterPrefix+a.id.Name, data); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrRegistrationFailed, err), "kvstore", "RegisterAdapter", "store adapter")
	}
	return nil
}

func (a *adapterOps) ShutdownAdapter(ctx context.Context, cause error) error {
	err := a.store.adapters.UpdateWithRetry(ctx, adapterPrefix+a.id.Name, func(current []byte) ([]byte, error) {
		rec := AdapterRecord{Identity: a.id}
		if len(current) > 0 {
			if err := json.Unmarshal(current, &rec); err != nil {
				return nil, err
			}
		}
		now := time.Now().UTC()
		rec.Active = false
		rec.StoppedAt = &now
		if cause != nil {
			rec.Cause = cause.Error()
		}
		return json.Marshal(rec)
	})
	if err != nil {
		return errors.WrapTransient(err, "kvstore", "ShutdownAdapter", "mark adapter stopped")
	}
	return nil
}

func (a *adapterOps) MarkNodeState(ctx context.Context, state event.BootState, location string, tsNanos int64, informWLM bool) error {
	data, err := json.Marshal(NodeRecord{State: state, Timestamp: tsNanos, InformWLM: informWLM})
	if err != nil {
		return errors.WrapInvalid(err, "kvstore", "MarkNodeState", "encode node state")
	}
	if _, err := a.store.adapters.Put(ctx, nodePrefix+location, data); err != nil {
		return errors.WrapTransient(err, "kvstore", "MarkNodeState", "store node state")
	}
	return nil
}

var _ storage.Factory = (*Store)(nil)
