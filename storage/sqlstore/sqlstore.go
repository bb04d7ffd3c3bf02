// Package sqlstore is a PostgreSQL/TimescaleDB storage backend.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/event"
	"github.com/c360/netlistener/storage"
)

// Store implements storage.Factory on a *sql.DB.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to PostgreSQL with the lib/pq driver and verifies the
// connection.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "sqlstore", "Open", "open database")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err), "sqlstore", "Open", "ping database")
	}
	return New(db, logger), nil
}

// New wraps an existing database handle.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "sqlstore")}
}

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// classify marks connection and resource errors as transient and everything
// else as invalid.
func classify(err error, method, action string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57", "40":
			return errors.WrapTransient(err, "sqlstore", method, action)
		}
		return errors.WrapInvalid(err, "sqlstore", method, action)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, "sqlstore", method, action)
	}
	return errors.WrapTransient(err, "sqlstore", method, action)
}

func nsToTime(ns int64) time.Time { return time.Unix(0, ns).UTC() }

// CreateWorkQueue implements storage.Factory.
func (s *Store) CreateWorkQueue(id storage.AdapterIdentity) storage.WorkQueue {
	return &workQueue{db: s.db, id: id}
}

// CreateAdapterOperations implements storage.Factory.
func (s *Store) CreateAdapterOperations(id storage.AdapterIdentity) storage.AdapterOperations {
	return &adapterOps{db: s.db, id: id}
}

// CreateRasEventLog implements storage.Factory.
func (s *Store) CreateRasEventLog(storage.AdapterIdentity) storage.RasEventLog {
	return &rasLog{db: s.db}
}

// CreateBootImageAPI implements storage.Factory.
func (s *Store) CreateBootImageAPI(storage.AdapterIdentity) storage.BootImageAPI {
	return &bootImages{db: s.db}
}

// CreateStoreTelemetry implements storage.Factory.
func (s *Store) CreateStoreTelemetry() storage.StoreTelemetry { return &telemetry{db: s.db} }

// CreateInventoryAPI implements storage.Factory.
func (s *Store) CreateInventoryAPI(storage.AdapterIdentity) storage.InventoryAPI {
	return &inventory{db: s.db}
}

const (
	claimWorkItemSQL = `UPDATE work_item SET state = 'W', claimed_at = now()
WHERE id = (SELECT id FROM work_item WHERE adapter_type = $1 AND state = 'Q' ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED)
RETURNING id, queue, work_to_be_done, parameters, restart_data, requeued`
	enqueueWorkItemSQL = `INSERT INTO work_item (adapter_type, queue, work_to_be_done, parameters, restart_data, requeued, state)
VALUES ($1, $2, $3, $4, $5, $6, 'Q') RETURNING id`
	finishWorkItemSQL  = `UPDATE work_item SET state = $2, results = $3, finished_at = now() WHERE id = $1`
	restartDataSQL     = `UPDATE work_item SET restart_data = $2 WHERE id = $1`
	getWorkItemSQL     = `SELECT id, adapter_type, queue, work_to_be_done, parameters, restart_data, requeued, state, results FROM work_item WHERE id = $1`
	acknowledgeItemSQL = `UPDATE work_item SET state = 'D' WHERE id = $1`
)

type workQueue struct {
	db *sql.DB
	id storage.AdapterIdentity
}

func (q *workQueue) ClaimNext(ctx context.Context) (*storage.WorkItem, error) {
	var (
		item   = storage.WorkItem{AdapterType: q.id.Type, State: storage.WorkItemWorking}
		params []byte
	)
	err := q.db.QueryRowContext(ctx, claimWorkItemSQL, q.id.Type).
		Scan(&item.ID, &item.Queue, &item.WorkToBeDone, &params, &item.RestartData, &item.Requeued)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "ClaimNext", "claim work item")
	}
	if err := decodeParams(params, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func decodeParams(raw []byte, item *storage.WorkItem) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &item.Params); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "sqlstore", "ClaimNext", "decode parameters")
	}
	return nil
}

func (q *workQueue) Enqueue(ctx context.Context, item storage.WorkItem) (int64, error) {
	if item.AdapterType == "" {
		item.AdapterType = q.id.Type
	}
	params, err := json.Marshal(item.Params)
	if err != nil {
		return 0, errors.WrapInvalid(err, "sqlstore", "Enqueue", "encode parameters")
	}
	var id int64
	err = q.db.QueryRowContext(ctx, enqueueWorkItemSQL,
		item.AdapterType, item.Queue, item.WorkToBeDone, params, item.RestartData, item.Requeued).Scan(&id)
	return id, classify(err, "Enqueue", "insert work item")
}

func (q *workQueue) exec(ctx context.Context, method, action, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(err, method, action)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrWorkItemNotFound, args[0]), "sqlstore", method, action)
	}
	return nil
}

func (q *workQueue) Finish(ctx context.Context, id int64, state storage.WorkItemState, results string) error {
	return q.exec(ctx, "Finish", "finish work item", finishWorkItemSQL, id, string(state), results)
}

func (q *workQueue) SaveRestartData(ctx context.Context, id int64, data string) error {
	return q.exec(ctx, "SaveRestartData", "save restart data", restartDataSQL, id, data)
}

func (q *workQueue) Acknowledge(ctx context.Context, id int64) error {
	return q.exec(ctx, "Acknowledge", "acknowledge work item", acknowledgeItemSQL, id)
}

func (q *workQueue) Get(ctx context.Context, id int64) (*storage.WorkItem, error) {
	var (
		item   storage.WorkItem
		params []byte
		state  string
	)
	err := q.db.QueryRowContext(ctx, getWorkItemSQL, id).Scan(&item.ID, &item.AdapterType, &item.Queue,
		&item.WorkToBeDone, &params, &item.RestartData, &item.Requeued, &state, &item.Results)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %d", errors.ErrWorkItemNotFound, id), "sqlstore", "Get", "read work item")
	}
	if err != nil {
		return nil, classify(err, "Get", "read work item")
	}
	item.State = storage.WorkItemState(state)
	if err := decodeParams(params, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

const (
	registerAdapterSQL = `INSERT INTO adapter (name, adapter_type, location, hostname, active, started_at)
VALUES ($1, $2, $3, $4, true, now())
ON CONFLICT (name) DO UPDATE SET adapter_type = EXCLUDED.adapter_type, location = EXCLUDED.location,
hostname = EXCLUDED.hostname, active = true, started_at = now(), shutdown_cause = NULL`
	shutdownAdapterSQL = `UPDATE adapter SET active = false, stopped_at = now(), shutdown_cause = $2 WHERE name = $1`
	markNodeStateSQL   = `INSERT INTO node_state (location, state, ts, inform_wlm) VALUES ($1, $2, $3, $4)
ON CONFLICT (location) DO UPDATE SET state = EXCLUDED.state, ts = EXCLUDED.ts, inform_wlm = EXCLUDED.inform_wlm`
)

type adapterOps struct {
	db *sql.DB
	id storage.AdapterIdentity
}

func (a *adapterOps) RegisterAdapter(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, registerAdapterSQL, a.id.Name, a.id.Type, a.id.Location, a.id.Hostname)
	return classify(err, "RegisterAdapter", "register adapter")
}

func (a *adapterOps) ShutdownAdapter(ctx context.Context, cause error) error {
	var reason sql.NullString
	if cause != nil {
		reason = sql.NullString{String: cause.Error(), Valid: true}
	}
	_, err := a.db.ExecContext(ctx, shutdownAdapterSQL, a.id.Name, reason)
	return classify(err, "ShutdownAdapter", "mark adapter stopped")
}

func (a *adapterOps) MarkNodeState(ctx context.Context, state event.BootState, location string, tsNanos int64, informWLM bool) error {
	_, err := a.db.ExecContext(ctx, markNodeStateSQL, location, string(state), nsToTime(tsNanos), informWLM)
	return classify(err, "MarkNodeState", "store node state")
}

const (
	rasTypeSQL     = `SELECT event_type FROM ras_meta_data WHERE descriptive_name = $1`
	rasEventSQL    = `INSERT INTO ras_event (event_type, instance_data, location, ts, adapter_type, work_item_id, check_for_job) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	nodeImageSQL   = `UPDATE compute_node SET boot_image_id = $2, updated_by = $3 WHERE location = $1`
	bootProfileSQL = `INSERT INTO boot_image (id, profile) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET profile = EXCLUDED.profile`
	envRawSQL      = `INSERT INTO tier2_raw_env_data (data_type, location, ts, value, adapter_type, work_item_id) VALUES ($1, $2, $3, $4, $5, $6)`
	envAggSQL      = `INSERT INTO tier2_aggregated_env_data (data_type, location, ts, minimum, maximum, average, adapter_type, work_item_id) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	invCountSQL    = `SELECT count(*) FROM hw_inventory`
	invIngestSQL   = `INSERT INTO hw_inventory (location, document) VALUES ($1, $2) ON CONFLICT (location) DO UPDATE SET document = EXCLUDED.document`
	invDeleteSQL   = `DELETE FROM hw_inventory WHERE location = $1`
)

type rasLog struct{ db *sql.DB }

func (r *rasLog) RasEventType(ctx context.Context, eventName string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, rasTypeSQL, eventName).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownKey, eventName), "sqlstore", "RasEventType", "resolve event name")
	}
	return id, classify(err, "RasEventType", "resolve event name")
}

func (r *rasLog) log(ctx context.Context, ev storage.RasEvent, checkForJob bool) error {
	_, err := r.db.ExecContext(ctx, rasEventSQL, ev.TypeID, ev.InstanceData, ev.Location,
		nsToTime(ev.Timestamp), ev.AdapterType, ev.WorkItemID, checkForJob)
	return classify(err, "LogRasEvent", "insert ras event")
}

func (r *rasLog) LogRasEventNoEffectedJob(ctx context.Context, ev storage.RasEvent) error {
	return r.log(ctx, ev, false)
}

func (r *rasLog) LogRasEventCheckForEffectedJob(ctx context.Context, ev storage.RasEvent) error {
	return r.log(ctx, ev, true)
}

type bootImages struct{ db *sql.DB }

func (b *bootImages) UpdateComputeNodeBootImageID(ctx context.Context, location, imageID, adapterType string) error {
	_, err := b.db.ExecContext(ctx, nodeImageSQL, location, imageID, adapterType)
	return classify(err, "UpdateComputeNodeBootImageID", "update node boot image")
}

func (b *bootImages) EditBootImageProfile(ctx context.Context, info map[string]string) error {
	id := info["id"]
	if id == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "sqlstore", "EditBootImageProfile", "read image id")
	}
	profile, err := json.Marshal(info)
	if err != nil {
		return errors.WrapInvalid(err, "sqlstore", "EditBootImageProfile", "encode profile")
	}
	_, err = b.db.ExecContext(ctx, bootProfileSQL, id, profile)
	return classify(err, "EditBootImageProfile", "upsert boot image")
}

type telemetry struct{ db *sql.DB }

func (t *telemetry) LogEnvDataNormalized(ctx context.Context, s storage.EnvSample) error {
	_, err := t.db.ExecContext(ctx, envRawSQL, s.Type, s.Location, nsToTime(s.Timestamp), s.Value, s.AdapterType, s.WorkItemID)
	return classify(err, "LogEnvDataNormalized", "insert sample")
}

func (t *telemetry) LogEnvDataAggregated(ctx context.Context, a storage.EnvAggregate) error {
	_, err := t.db.ExecContext(ctx, envAggSQL, a.Type, a.Location, nsToTime(a.Timestamp),
		a.Minimum, a.Maximum, a.Average, a.AdapterType, a.WorkItemID)
	return classify(err, "LogEnvDataAggregated", "insert aggregate")
}

type inventory struct{ db *sql.DB }

func (i *inventory) NumberOfLocationsInHWInv(ctx context.Context) (int, error) {
	var n int
	err := i.db.QueryRowContext(ctx, invCountSQL).Scan(&n)
	return n, classify(err, "NumberOfLocationsInHWInv", "count inventory")
}

func (i *inventory) IngestHWInv(ctx context.Context, canonicalJSON string) error {
	var probe struct {
		Location string `json:"location"`
	}
	if err := json.Unmarshal([]byte(canonicalJSON), &probe); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "sqlstore", "IngestHWInv", "decode inventory")
	}
	_, err := i.db.ExecContext(ctx, invIngestSQL, probe.Location, canonicalJSON)
	return classify(err, "IngestHWInv", "upsert inventory")
}

func (i *inventory) DeleteHWInv(ctx context.Context, location string) error {
	_, err := i.db.ExecContext(ctx, invDeleteSQL, location)
	return classify(err, "DeleteHWInv", "delete inventory")
}

var _ storage.Factory = (*Store)(nil)
