package sqlstore

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/event"
	"github.com/c360/netlistener/storage"
)

var identity = storage.AdapterIdentity{Type: "NETWORK_LISTENER", Name: "NetworkListener0", Location: "sms01", Hostname: "sms01"}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return New(db, nil), mock
}

func TestWorkQueue_ClaimNext(t *testing.T) {
	store, mock := newMock(t)
	q := store.CreateWorkQueue(identity)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(claimWorkItemSQL)).
		WithArgs(identity.Type).
		WillReturnRows(sqlmock.NewRows([]string{"id", "queue", "work_to_be_done", "parameters", "restart_data", "requeued"}).
			AddRow(7, "", "HandleInputFromExternalComponent", []byte(`{"Profile":"events"}`), "", true))

	item, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, int64(7), item.ID)
	assert.Equal(t, "events", item.Params["Profile"])
	assert.True(t, item.Requeued)
	assert.Equal(t, storage.WorkItemWorking, item.State)

	mock.ExpectQuery(regexp.QuoteMeta(claimWorkItemSQL)).
		WithArgs(identity.Type).
		WillReturnError(sql.ErrNoRows)
	item, err = q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestWorkQueue_FinishAndRestartData(t *testing.T) {
	store, mock := newMock(t)
	q := store.CreateWorkQueue(identity)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(finishWorkItemSQL)).
		WithArgs(int64(7), "F", "done").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, q.Finish(ctx, 7, storage.WorkItemFinished, "done"))

	mock.ExpectExec(regexp.QuoteMeta(restartDataSQL)).
		WithArgs(int64(8), `{"/v1/stream":"5"}`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := q.SaveRestartData(ctx, 8, `{"/v1/stream":"5"}`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrWorkItemNotFound))

	mock.ExpectExec(regexp.QuoteMeta(acknowledgeItemSQL)).
		WithArgs(int64(7)).
		WillReturnError(&pq.Error{Code: "08006"})
	err = q.Acknowledge(ctx, 7)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestWorkQueue_EnqueueAndGet(t *testing.T) {
	store, mock := newMock(t)
	q := store.CreateWorkQueue(identity)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(enqueueWorkItemSQL)).
		WithArgs(identity.Type, "", "HandleInputFromExternalComponent", []byte(`{"Profile":"default"}`), "", false).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	id, err := q.Enqueue(ctx, storage.WorkItem{WorkToBeDone: "HandleInputFromExternalComponent", Params: map[string]string{"Profile": "default"}})
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)

	mock.ExpectQuery(regexp.QuoteMeta(getWorkItemSQL)).
		WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "adapter_type", "queue", "work_to_be_done", "parameters", "restart_data", "requeued", "state", "results"}).
			AddRow(11, identity.Type, "", "HandleInputFromExternalComponent", nil, "", false, "E", "boom"))
	item, err := q.Get(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, storage.WorkItemFinishedErr, item.State)
	assert.Equal(t, "boom", item.Results)
	assert.Nil(t, item.Params)

	mock.ExpectQuery(regexp.QuoteMeta(getWorkItemSQL)).WithArgs(int64(12)).WillReturnError(sql.ErrNoRows)
	_, err = q.Get(ctx, 12)
	assert.True(t, errors.Is(err, errors.ErrWorkItemNotFound))
}

func TestAdapterOperations(t *testing.T) {
	store, mock := newMock(t)
	ops := store.CreateAdapterOperations(identity)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(registerAdapterSQL)).
		WithArgs(identity.Name, identity.Type, identity.Location, identity.Hostname).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, ops.RegisterAdapter(ctx))

	mock.ExpectExec(regexp.QuoteMeta(registerAdapterSQL)).
		WithArgs(identity.Name, identity.Type, identity.Location, identity.Hostname).
		WillReturnError(&pq.Error{Code: "42P01"})
	err := ops.RegisterAdapter(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err), "undefined table is not retryable")

	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(markNodeStateSQL)).
		WithArgs("R0-CH0-CN1", "NODE_ONLINE", ts, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, ops.MarkNodeState(ctx, event.NodeOnline, "R0-CH0-CN1", ts.UnixNano(), false))

	mock.ExpectExec(regexp.QuoteMeta(shutdownAdapterSQL)).
		WithArgs(identity.Name, sql.NullString{}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, ops.ShutdownAdapter(ctx, nil))
}

func TestRasEventLog(t *testing.T) {
	store, mock := newMock(t)
	log := store.CreateRasEventLog(identity)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(rasTypeSQL)).
		WithArgs("RasMntrForeignNodeFailed").
		WillReturnRows(sqlmock.NewRows([]string{"event_type"}).AddRow("1000000042"))
	id, err := log.RasEventType(ctx, "RasMntrForeignNodeFailed")
	require.NoError(t, err)
	assert.Equal(t, "1000000042", id)

	mock.ExpectQuery(regexp.QuoteMeta(rasTypeSQL)).WithArgs("Nope").WillReturnError(sql.ErrNoRows)
	_, err = log.RasEventType(ctx, "Nope")
	assert.True(t, errors.Is(err, errors.ErrUnknownKey))

	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(rasEventSQL)).
		WithArgs("1000000042", "data", "R0", ts, identity.Type, int64(3), true).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, log.LogRasEventCheckForEffectedJob(ctx, storage.RasEvent{
		TypeID: "1000000042", InstanceData: "data", Location: "R0", Timestamp: ts.UnixNano(),
		AdapterType: identity.Type, WorkItemID: 3,
	}))
}

func TestTelemetryAndBootImages(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(envAggSQL)).
		WithArgs("Power", "R0", ts, 1.0, 3.0, 2.0, identity.Type, int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, store.CreateStoreTelemetry().LogEnvDataAggregated(ctx, storage.EnvAggregate{
		Type: "Power", Location: "R0", Timestamp: ts.UnixNano(), Minimum: 1, Maximum: 3, Average: 2,
		AdapterType: identity.Type, WorkItemID: 1,
	}))

	mock.ExpectExec(regexp.QuoteMeta(bootProfileSQL)).
		WithArgs("img1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	boot := store.CreateBootImageAPI(identity)
	require.NoError(t, boot.EditBootImageProfile(ctx, map[string]string{"id": "img1"}))
	assert.Error(t, boot.EditBootImageProfile(ctx, map[string]string{}))

	mock.ExpectQuery(regexp.QuoteMeta(invCountSQL)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	n, err := store.CreateInventoryAPI(identity).NumberOfLocationsInHWInv(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
