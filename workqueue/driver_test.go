package workqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/metric"
	"github.com/c360/netlistener/pkg/retry"
	"github.com/c360/netlistener/storage"
	"github.com/c360/netlistener/storage/memstore"
)

var identity = storage.AdapterIdentity{
	Type:           "NETWORK_LISTENER",
	Name:           "NetworkListener0",
	Location:       "sms01",
	BaseWorkItemID: 7,
}

// countingQueue counts Finish calls and can fail the first few.
type countingQueue struct {
	storage.WorkQueue

	mu       sync.Mutex
	finishes    int
	failNext    int
	failRestart bool
}

func (q *countingQueue) Finish(ctx context.Context, id int64, state storage.WorkItemState, results string) error {
	q.mu.Lock()
	if q.failNext > 0 {
		q.failNext--
		q.mu.Unlock()
		return errors.WrapTransient(errors.ErrStorageUnavailable, "test", "Finish", "finish")
	}
	q.finishes++
	q.mu.Unlock()
	return q.WorkQueue.Finish(ctx, id, state, results)
}

func (q *countingQueue) SaveRestartData(ctx context.Context, id int64, data string) error {
	q.mu.Lock()
	failing := q.failRestart
	q.mu.Unlock()
	if failing {
		return errors.WrapTransient(errors.ErrStorageUnavailable, "test", "SaveRestartData", "save")
	}
	return q.WorkQueue.SaveRestartData(ctx, id, data)
}

func (q *countingQueue) Finishes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finishes
}

type fixture struct {
	store   *memstore.Store
	queue   *countingQueue
	driver  *Driver
	metrics *metric.Metrics
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := memstore.New(nil)
	queue := &countingQueue{WorkQueue: store.CreateWorkQueue(identity)}
	m := metric.NewMetricsRegistry().CoreMetrics()
	opts = append([]Option{
		WithMetrics(m),
		WithRasEventLog(store.CreateRasEventLog(identity)),
		WithRetry(retry.Config{MaxAttempts: 1}),
	}, opts...)
	return &fixture{store: store, queue: queue, driver: New(queue, identity, opts...), metrics: m}
}

func (f *fixture) enqueue(t *testing.T, item storage.WorkItem) int64 {
	t.Helper()
	id, err := f.queue.Enqueue(context.Background(), item)
	require.NoError(t, err)
	return id
}

func (f *fixture) grab(t *testing.T) {
	t.Helper()
	ok, err := f.driver.GrabNextAvailWorkItem(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
}

func (f *fixture) state(t *testing.T, id int64) storage.WorkItem {
	t.Helper()
	item, ok := f.store.WorkItem(id)
	require.True(t, ok)
	return item
}

func TestGrabNextAvailWorkItem_Empty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, 1, f.driver.AmountOfTimeToWait())
	for want := 2; want <= MaxIdleWait+2; want++ {
		ok, err := f.driver.GrabNextAvailWorkItem(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, min(want, MaxIdleWait), f.driver.AmountOfTimeToWait())
	}

	assert.Nil(t, f.driver.Current())
	assert.Equal(t, "", f.driver.WorkToBeDone())
	assert.Equal(t, "default", f.driver.Param("Profile", "default"))
	assert.Equal(t, identity.BaseWorkItemID, f.driver.WorkItemID())
	assert.False(t, f.driver.IsThisNewWorkItem())

	f.enqueue(t, storage.WorkItem{WorkToBeDone: "HandleInputFromExternalComponent"})
	f.grab(t)
	assert.Equal(t, 1, f.driver.AmountOfTimeToWait(), "claiming resets the idle wait")
}

func TestGrabNextAvailWorkItem_Accessors(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, storage.WorkItem{
		WorkToBeDone: "HandleInputFromExternalComponent",
		Params:       map[string]string{"Profile": "events", "Empty": ""},
	})
	f.grab(t)

	assert.Equal(t, id, f.driver.WorkItemID())
	assert.Equal(t, "HandleInputFromExternalComponent", f.driver.WorkToBeDone())
	assert.True(t, f.driver.IsThisNewWorkItem())
	assert.Equal(t, "events", f.driver.Param("Profile", "default"))
	assert.Equal(t, "fallback", f.driver.Param("Empty", "fallback"))
	assert.Equal(t, "fallback", f.driver.Param("Missing", "fallback"))
}

func TestGrabNextAvailWorkItem_Requeued(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, storage.WorkItem{WorkToBeDone: "HandleInputFromExternalComponent", Requeued: true, RestartData: `{"/events":"12"}`})
	f.grab(t)

	assert.False(t, f.driver.IsThisNewWorkItem())
	assert.Equal(t, `{"/events":"12"}`, f.driver.RestartData())
}

func TestMarkDone_FirstCallWins(t *testing.T) {
	tests := []struct {
		name      string
		first     func(ctx context.Context, d *Driver) error
		second    func(ctx context.Context, d *Driver) error
		wantState storage.WorkItemState
		wantLabel string
	}{
		{
			name:      "done then error",
			first:     func(ctx context.Context, d *Driver) error { return d.MarkDone(ctx) },
			second:    func(ctx context.Context, d *Driver) error { return d.MarkDoneWithError(ctx, "late") },
			wantState: storage.WorkItemFinished,
			wantLabel: OutcomeDone,
		},
		{
			name:      "error then done",
			first:     func(ctx context.Context, d *Driver) error { return d.MarkDoneWithError(ctx, "broken") },
			second:    func(ctx context.Context, d *Driver) error { return d.MarkDone(ctx) },
			wantState: storage.WorkItemFinishedErr,
			wantLabel: OutcomeError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			id := f.enqueue(t, storage.WorkItem{WorkToBeDone: "HandleInputFromExternalComponent"})
			f.grab(t)

			require.NoError(t, tt.first(ctx, f.driver))
			err := tt.second(ctx, f.driver)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrOutcomeAlreadyRecorded))

			assert.Equal(t, 1, f.queue.Finishes(), "the store sees one outcome")
			assert.Equal(t, tt.wantState, f.state(t, id).State)
			assert.True(t, f.driver.Recorded())
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WorkItems.WithLabelValues(tt.wantLabel)))
		})
	}
}

func TestMarkDone_NoItem(t *testing.T) {
	f := newFixture(t)
	err := f.driver.MarkDone(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoWorkItem))
	assert.Zero(t, f.queue.Finishes())
}

func TestMarkDone_StoreFailureLeavesOutcomeOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.enqueue(t, storage.WorkItem{WorkToBeDone: "HandleInputFromExternalComponent"})
	f.grab(t)
	f.queue.failNext = 1

	err := f.driver.MarkDone(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.False(t, f.driver.Recorded())

	require.NoError(t, f.driver.MarkDone(ctx))
	assert.Equal(t, storage.WorkItemFinished, f.state(t, id).State)
}

func TestRun_RecordsExactlyOneOutcome(t *testing.T) {
	tests := []struct {
		name        string
		fn          func(ctx context.Context, d *Driver) error
		wantErr     bool
		wantFatal   bool
		wantState   storage.WorkItemState
		wantResults string
	}{
		{
			name:      "success",
			fn:        func(context.Context, *Driver) error { return nil },
			wantState: storage.WorkItemFinished,
		},
		{
			name:        "error",
			fn:          func(context.Context, *Driver) error { return errors.New("stream setup failed") },
			wantErr:     true,
			wantState:   storage.WorkItemFinishedErr,
			wantResults: "stream setup failed",
		},
		{
			name:      "panic",
			fn:        func(context.Context, *Driver) error { panic("boom") },
			wantErr:   true,
			wantFatal: true,
			wantState: storage.WorkItemFinishedErr,
		},
		{
			name: "outcome recorded by fn",
			fn: func(ctx context.Context, d *Driver) error {
				return d.MarkDoneWithError(ctx, "profile rejected")
			},
			wantState:   storage.WorkItemFinishedErr,
			wantResults: "profile rejected",
		},
		{
			name: "fn records and then panics",
			fn: func(ctx context.Context, d *Driver) error {
				if err := d.MarkDone(ctx); err != nil {
					return err
				}
				panic("after the fact")
			},
			wantErr:   true,
			wantFatal: true,
			wantState: storage.WorkItemFinished,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			id := f.enqueue(t, storage.WorkItem{WorkToBeDone: "HandleInputFromExternalComponent"})
			f.grab(t)

			err := f.driver.Run(ctx, func(ctx context.Context) error { return tt.fn(ctx, f.driver) })
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantFatal, errors.IsFatal(err))
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, 1, f.queue.Finishes())
			item := f.state(t, id)
			assert.Equal(t, tt.wantState, item.State)
			if tt.wantResults != "" {
				assert.Equal(t, tt.wantResults, item.Results)
			}
			if tt.name == "panic" {
				assert.Contains(t, item.Results, "boom")
			}
		})
	}
}

func TestRun_CancelledContextStillRecords(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, storage.WorkItem{WorkToBeDone: "HandleInputFromExternalComponent"})
	f.grab(t)

	ctx, cancel := context.WithCancel(context.Background())
	err := f.driver.Run(ctx, func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, storage.WorkItemFinished, f.state(t, id).State)
}

func TestRun_NoItem(t *testing.T) {
	f := newFixture(t)
	called := false
	err := f.driver.Run(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoWorkItem))
	assert.False(t, called)
}

func TestHandleUnexpectedWorkItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.enqueue(t, storage.WorkItem{WorkToBeDone: "DoSomethingElse"})
	f.grab(t)

	require.NoError(t, f.driver.HandleUnexpectedWorkItem(ctx, identity.Name))

	item := f.state(t, id)
	assert.Equal(t, storage.WorkItemFinishedErr, item.State)
	assert.Contains(t, item.Results, "DoSomethingElse")

	events := f.store.RasEvents()
	require.Len(t, events, 1)
	assert.Contains(t, events[0].InstanceData, "WorkToBeDone=DoSomethingElse")
	assert.Equal(t, identity.Type, events[0].AdapterType)
	assert.Equal(t, id, events[0].WorkItemID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WorkItems.WithLabelValues(OutcomeUnexpected)))
}

func TestSaveRestartData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.driver.SaveRestartData(ctx, "x")
	assert.True(t, errors.Is(err, errors.ErrNoWorkItem))

	id := f.enqueue(t, storage.WorkItem{WorkToBeDone: "HandleInputFromExternalComponent"})
	f.grab(t)
	require.NoError(t, f.driver.SaveRestartData(ctx, `{"/events":"99"}`))

	assert.Equal(t, `{"/events":"99"}`, f.state(t, id).RestartData)
	assert.Equal(t, `{"/events":"99"}`, f.driver.RestartData())
}

func TestSaveRestartData_StoreFailureLogsRasEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.enqueue(t, storage.WorkItem{WorkToBeDone: "HandleInputFromExternalComponent"})
	f.grab(t)
	f.queue.mu.Lock()
	f.queue.failRestart = true
	f.queue.mu.Unlock()

	err := f.driver.SaveRestartData(ctx, `{"/events":"100"}`)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	events := f.store.RasEvents()
	require.Len(t, events, 1)
	assert.Equal(t, fmt.Sprintf(`WorkItem=%d, RestartData={"/events":"100"}`, id), events[0].InstanceData)
	assert.Equal(t, id, events[0].WorkItemID)
	assert.Empty(t, f.state(t, id).RestartData)
}

func TestWaitForWorkItemToFinishAndMarkDone(t *testing.T) {
	tests := []struct {
		name      string
		state     storage.WorkItemState
		results   string
		wantRasEv int
	}{
		{name: "finished", state: storage.WorkItemFinished, results: "ok"},
		{name: "finished with error", state: storage.WorkItemFinishedErr, results: "broken", wantRasEv: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			id := f.enqueue(t, storage.WorkItem{WorkToBeDone: "Other"})

			go func() {
				time.Sleep(20 * time.Millisecond)
				_ = f.queue.WorkQueue.Finish(ctx, id, tt.state, tt.results)
			}()

			state, results, err := f.driver.WaitForWorkItemToFinishAndMarkDone(ctx, id, 5*time.Second)
			require.NoError(t, err)
			assert.Equal(t, tt.state, state)
			assert.Equal(t, tt.results, results)
			assert.Equal(t, storage.WorkItemAcknowledged, f.state(t, id).State)
			assert.Len(t, f.store.RasEvents(), tt.wantRasEv)
		})
	}
}

func TestWaitForWorkItemToFinishAndMarkDone_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.enqueue(t, storage.WorkItem{WorkToBeDone: "Other"})

	start := time.Now()
	_, _, err := f.driver.WaitForWorkItemToFinishAndMarkDone(ctx, id, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrWaitTimeout))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, storage.WorkItemQueued, f.state(t, id).State)

	_, _, err = f.driver.WaitForWorkItemToFinishAndMarkDone(ctx, 4242, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrWorkItemNotFound))
}
