// Package workqueue drives the work item protocol between an adapter and the
// coordination store. A Driver holds at most one claimed item at a time and
// records exactly one outcome for it.
package workqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/metric"
	"github.com/c360/netlistener/pkg/retry"
	"github.com/c360/netlistener/storage"
)

const (
	componentName = "workqueue"

	// MaxIdleWait caps AmountOfTimeToWait.
	MaxIdleWait = 5

	waitFailedEvent        = "RasGenAdapterWaitForWorkItemToFinishAndMarkDoneFailed"
	unexpectedItemEvent    = "RasGenAdapterUnexpectedWorkItem"
	restartDataFailedEvent = "RasGenAdapterFailedToUpdateWorkItemResults"
	initialWaitPollPeriod  = time.Millisecond
	maxWaitPollPeriod      = 100 * time.Millisecond
)

// Outcome labels used for metrics.
const (
	OutcomeDone       = "done"
	OutcomeError      = "error"
	OutcomeUnexpected = "unexpected"
)

// Driver claims and finishes work items for one adapter.
type Driver struct {
	queue    storage.WorkQueue
	ras      storage.RasEventLog
	identity storage.AdapterIdentity
	logger   *slog.Logger
	metrics  *metric.Metrics
	retry    retry.Config
	now      func() time.Time

	mu       sync.Mutex
	item     *storage.WorkItem
	recorded bool
	idle     int
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger.With("component", componentName)
		}
	}
}

// WithMetrics records work item outcomes in m.
func WithMetrics(m *metric.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithRasEventLog enables RAS events for unexpected items, failed waits and
// restart data that could not be saved.
func WithRasEventLog(ras storage.RasEventLog) Option {
	return func(d *Driver) { d.ras = ras }
}

// WithRetry sets the retry policy for store writes.
func WithRetry(cfg retry.Config) Option {
	return func(d *Driver) { d.retry = cfg }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a driver over queue for the adapter described by id.
func New(queue storage.WorkQueue, id storage.AdapterIdentity, opts ...Option) *Driver {
	d := &Driver{
		queue:    queue,
		identity: id,
		logger:   slog.Default().With("component", componentName),
		retry:    retry.DefaultConfig(),
		now:      time.Now,
		idle:     1,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// GrabNextAvailWorkItem claims the next queued item. It returns false when
// nothing is queued. Any item held before is released from the driver
// whether or not its outcome was recorded.
func (d *Driver) GrabNextAvailWorkItem(ctx context.Context) (bool, error) {
	item, err := d.queue.ClaimNext(ctx)
	if err != nil {
		return false, errors.WrapTransient(err, componentName, "GrabNextAvailWorkItem", "claim work item")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if item == nil {
		d.item = nil
		d.recorded = false
		if d.idle < MaxIdleWait {
			d.idle++
		}
		return false, nil
	}
	d.item = item
	d.recorded = false
	d.idle = 1
	if item.Requeued {
		d.logger.Info("Grabbed a requeued work item", "work_item", item.ID, "work", item.WorkToBeDone)
	} else {
		d.logger.Info("Grabbed a new work item", "work_item", item.ID, "work", item.WorkToBeDone)
	}
	return true, nil
}

// AmountOfTimeToWait grows by one after every empty poll, up to MaxIdleWait,
// and resets when an item is claimed.
func (d *Driver) AmountOfTimeToWait() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idle
}

// Current returns a copy of the claimed item, or nil.
func (d *Driver) Current() *storage.WorkItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.item == nil {
		return nil
	}
	c := *d.item
	return &c
}

// WorkItemID returns the claimed item's id, or the adapter's base work item
// id when nothing is claimed.
func (d *Driver) WorkItemID() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.item == nil {
		return d.identity.BaseWorkItemID
	}
	return d.item.ID
}

// IsThisNewWorkItem reports whether the claimed item was never claimed before.
func (d *Driver) IsThisNewWorkItem() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.item != nil && !d.item.Requeued
}

// RestartData returns what a previous owner saved for a requeued item.
func (d *Driver) RestartData() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.item == nil {
		return ""
	}
	return d.item.RestartData
}

// WorkToBeDone returns the claimed item's directive, or "".
func (d *Driver) WorkToBeDone() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.item == nil {
		return ""
	}
	return d.item.WorkToBeDone
}

// Param returns a parameter of the claimed item, or def when it is not set.
func (d *Driver) Param(name, def string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.item == nil {
		return def
	}
	if v, ok := d.item.Params[name]; ok && v != "" {
		return v
	}
	return def
}

// HandleUnexpectedWorkItem finishes an item this adapter has no handler for.
func (d *Driver) HandleUnexpectedWorkItem(ctx context.Context, adapterName string) error {
	work := d.WorkToBeDone()
	id := d.WorkItemID()
	d.logger.Error("Unable to handle work item", "adapter", adapterName, "work", work, "work_item", id)
	d.metrics.RecordWorkItem(OutcomeUnexpected)
	d.logRas(ctx, unexpectedItemEvent, fmt.Sprintf("AdapterName=%s, WorkToBeDone=%s, WorkItem=%d", adapterName, work, id))
	return d.MarkDoneWithError(ctx, fmt.Sprintf("%s does not support work item %s", adapterName, work))
}

// MarkDone records a successful outcome.
func (d *Driver) MarkDone(ctx context.Context) error {
	return d.finish(ctx, "MarkDone", storage.WorkItemFinished, "")
}

// MarkDoneWithError records a failed outcome with reason as results.
func (d *Driver) MarkDoneWithError(ctx context.Context, reason string) error {
	return d.finish(ctx, "MarkDoneWithError", storage.WorkItemFinishedErr, reason)
}

// finish records the outcome once. The first caller wins; if the store
// write fails the outcome stays unrecorded so a later call can retry.
func (d *Driver) finish(ctx context.Context, method string, state storage.WorkItemState, results string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.item == nil {
		return errors.WrapInvalid(errors.ErrNoWorkItem, componentName, method, "check claimed item")
	}
	if d.recorded {
		return errors.WrapInvalid(fmt.Errorf("%w: %d", errors.ErrOutcomeAlreadyRecorded, d.item.ID),
			componentName, method, "record outcome")
	}

	id := d.item.ID
	err := retry.Do(ctx, d.retry, func() error {
		if err := d.queue.Finish(ctx, id, state, results); err != nil {
			if errors.IsInvalid(err) {
				return retry.NonRetryable(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return errors.WrapTransient(err, componentName, method, "finish work item")
	}
	d.recorded = true
	d.item.State = state
	d.item.Results = results

	outcome := OutcomeDone
	if state == storage.WorkItemFinishedErr {
		outcome = OutcomeError
	}
	d.metrics.RecordWorkItem(outcome)
	d.logger.Info("Finished work item", "work_item", id, "state", string(state))
	return nil
}

// Recorded reports whether the claimed item's outcome has been recorded.
func (d *Driver) Recorded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recorded
}

// Run calls fn for the claimed item and records exactly one outcome: done
// when fn returns nil, done-with-error when it fails or panics. Outcomes fn
// recorded itself are left alone. The returned error is fn's, or the
// recovered panic.
func (d *Driver) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if d.Current() == nil {
		return errors.WrapInvalid(errors.ErrNoWorkItem, componentName, "Run", "check claimed item")
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Work item panicked", "work_item", d.WorkItemID(), "panic", r)
			err = errors.WrapFatal(fmt.Errorf("panic: %v", r), componentName, "Run", "run work item")
		}
		if d.Recorded() {
			return
		}
		// Record the outcome even when ctx was cancelled.
		finishCtx := context.WithoutCancel(ctx)
		var ferr error
		if err != nil {
			ferr = d.MarkDoneWithError(finishCtx, err.Error())
		} else {
			ferr = d.MarkDone(finishCtx)
		}
		if ferr != nil {
			d.logger.Error("Failed to record work item outcome", "work_item", d.WorkItemID(), "error", ferr)
			if err == nil {
				err = ferr
			}
		}
	}()

	return fn(ctx)
}

// SaveRestartData stores data on the claimed item so a later owner can
// resume from it.
func (d *Driver) SaveRestartData(ctx context.Context, data string) error {
	d.mu.Lock()
	if d.item == nil {
		d.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNoWorkItem, componentName, "SaveRestartData", "check claimed item")
	}
	id := d.item.ID
	d.item.RestartData = data
	d.mu.Unlock()

	if err := d.queue.SaveRestartData(ctx, id, data); err != nil {
		d.logRas(ctx, restartDataFailedEvent, fmt.Sprintf("WorkItem=%d, RestartData=%s", id, data))
		return errors.WrapTransient(err, componentName, "SaveRestartData", "save restart data")
	}
	return nil
}

// WaitForWorkItemToFinishAndMarkDone polls item id until it has an outcome,
// acknowledges it and returns its state and results. Polling backs off from
// 1ms to 100ms and gives up after timeout.
func (d *Driver) WaitForWorkItemToFinishAndMarkDone(ctx context.Context, id int64, timeout time.Duration) (storage.WorkItemState, string, error) {
	const method = "WaitForWorkItemToFinishAndMarkDone"
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	period := initialWaitPollPeriod
	for {
		item, err := d.queue.Get(ctx, id)
		switch {
		case err != nil && errors.Is(err, errors.ErrWorkItemNotFound):
			return "", "", errors.WrapInvalid(err, componentName, method, "get work item")
		case err != nil && ctx.Err() == nil:
			return "", "", errors.WrapTransient(err, componentName, method, "get work item")
		case err == nil && item.State.Finished():
			if item.State != storage.WorkItemFinished {
				d.logger.Error("Waited-for work item failed", "work_item", id, "results", item.Results)
				d.logRas(ctx, waitFailedEvent, fmt.Sprintf("AdapterName=%s, WorkToBeDone=%s, WorkItem=%d, Results=%s",
					d.identity.Name, item.WorkToBeDone, id, item.Results))
			}
			if err := d.queue.Acknowledge(ctx, id); err != nil {
				return item.State, item.Results, errors.WrapTransient(err, componentName, method, "acknowledge work item")
			}
			return item.State, item.Results, nil
		}

		if !retry.Sleep(ctx, period) {
			return "", "", errors.WrapTransient(fmt.Errorf("%w: %d after %s", errors.ErrWaitTimeout, id, timeout),
				componentName, method, "poll work item")
		}
		if period *= 2; period > maxWaitPollPeriod {
			period = maxWaitPollPeriod
		}
	}
}

func (d *Driver) logRas(ctx context.Context, eventName, instanceData string) {
	if d.ras == nil {
		return
	}
	typeID, err := d.ras.RasEventType(ctx, eventName)
	if err != nil {
		d.logger.Warn("Unknown RAS event name", "event", eventName, "error", err)
		return
	}
	ev := storage.RasEvent{
		TypeID:       typeID,
		InstanceData: instanceData,
		Timestamp:    d.now().UnixNano(),
		AdapterType:  d.identity.Type,
		WorkItemID:   d.WorkItemID(),
	}
	if err := d.ras.LogRasEventNoEffectedJob(ctx, ev); err != nil {
		d.logger.Warn("Failed to log RAS event", "event", eventName, "error", err)
	}
}
