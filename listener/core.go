// Package listener is the adapter's core loop. It registers the adapter,
// waits for the work item that names a profile, subscribes to the profile's
// streams and feeds every received message through the profile's providers
// until its context is cancelled.
//
// Stream callbacks only enqueue. A single drain loop pops messages in FIFO
// order, transforms them and acts on each resulting record, so providers
// never run concurrently with themselves.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/c360/netlistener/actions"
	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/event"
	"github.com/c360/netlistener/health"
	"github.com/c360/netlistener/metric"
	"github.com/c360/netlistener/network"
	"github.com/c360/netlistener/pkg/retry"
	"github.com/c360/netlistener/profile"
	"github.com/c360/netlistener/provider"
	"github.com/c360/netlistener/storage"
	"github.com/c360/netlistener/workqueue"
)

const componentName = "listener"

// HandleInputDirective is the only work this adapter performs.
const HandleInputDirective = "HandleInputFromExternalComponent"

// ProfileParam names the work item parameter selecting the profile.
const ProfileParam = "Profile"

// AllSubjects in a profile's subjects accepts any subject.
const AllSubjects = "*"

const (
	DefaultRestartPeriod = 1500 * time.Millisecond

	minDrainBackoff  = time.Millisecond
	drainBackoffStep = 2 * time.Millisecond
	maxDrainBackoff  = 25 * time.Millisecond

	idlePollUnit     = 100 * time.Millisecond
	storeErrorPause  = 2 * time.Second
	shutdownDeadline = 30 * time.Second
)

// State is the lifecycle state of a Core.
type State int32

const (
	StateStopped State = iota
	StateRegistering
	StateRunning
	StateDraining
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRegistering:
		return "registering"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Config wires a Core. Document, Storage, Sources and Providers are
// required.
type Config struct {
	Identity  storage.AdapterIdentity
	Document  *profile.Document
	Storage   storage.Factory
	Sources   *network.SourceRegistry
	Sinks     *network.SinkRegistry
	Providers *provider.Registry

	Logger  *slog.Logger
	Metrics *metric.MetricsRegistry
	Health  *health.Monitor

	// Network and Provider are handed to source and provider factories.
	// Their Logger and Metrics default to the Core's.
	Network  network.Dependencies
	Provider provider.Dependencies

	// Actions overrides the system actions chosen from the document.
	Actions actions.SystemActions

	// DefaultProfile is used when the work item has no Profile parameter.
	// Empty means profile.DefaultProfile.
	DefaultProfile string

	// RestartPeriod spaces background restarts of streams that failed to
	// start. Zero means DefaultRestartPeriod.
	RestartPeriod time.Duration
	// Registration is the retry policy for adapter registration. The zero
	// value means retry.Registration().
	Registration retry.Config
}

type stream struct {
	name   string
	source network.Source
}

// Core runs one adapter instance.
type Core struct {
	cfg     Config
	doc     *profile.Document
	logger  *slog.Logger
	metrics *metric.Metrics
	health  *health.Monitor

	state atomic.Int32

	sa         actions.SystemActions
	operations storage.AdapterOperations
	driver     *workqueue.Driver

	queue     messageQueue
	subjects  []string
	acceptAll bool

	transformName string
	actorName     string
	transformer   provider.Transformer
	actor         provider.Actor

	providerMu sync.Mutex
	providers  map[string]provider.Provider

	streams []stream
	group   errgroup.Group

	locMu     sync.Mutex
	locations map[string]string
}

// New validates cfg and creates a stopped Core.
func New(cfg Config) (*Core, error) {
	switch {
	case cfg.Document == nil:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: profile document", errors.ErrMissingConfig), componentName, "New", "validate config")
	case cfg.Storage == nil:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: storage factory", errors.ErrMissingConfig), componentName, "New", "validate config")
	case cfg.Sources == nil:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: source registry", errors.ErrMissingConfig), componentName, "New", "validate config")
	case cfg.Providers == nil:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: provider registry", errors.ErrMissingConfig), componentName, "New", "validate config")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Network.Logger == nil {
		cfg.Network.Logger = logger
	}
	if cfg.Network.Metrics == nil {
		cfg.Network.Metrics = cfg.Metrics
	}
	if cfg.Provider.Logger == nil {
		cfg.Provider.Logger = logger
	}
	if cfg.Provider.Metrics == nil {
		cfg.Provider.Metrics = cfg.Metrics
	}
	if cfg.Sinks == nil {
		cfg.Sinks = network.NewSinkRegistry()
	}
	if cfg.DefaultProfile == "" {
		cfg.DefaultProfile = profile.DefaultProfile
	}
	if cfg.RestartPeriod <= 0 {
		cfg.RestartPeriod = DefaultRestartPeriod
	}
	if cfg.Registration == (retry.Config{}) {
		cfg.Registration = retry.Registration()
	}

	var metrics *metric.Metrics
	if cfg.Metrics != nil {
		metrics = cfg.Metrics.CoreMetrics()
	}
	return &Core{
		cfg:       cfg,
		doc:       cfg.Document,
		logger:    logger.With("component", componentName, "adapter", cfg.Identity.Name),
		metrics:   metrics,
		health:    cfg.Health,
		providers: make(map[string]provider.Provider),
		locations: make(map[string]string),
	}, nil
}

// State returns the current lifecycle state.
func (c *Core) State() State { return State(c.state.Load()) }

func (c *Core) setState(s State) {
	c.state.Store(int32(s))
	c.metrics.RecordAdapterState(int(s))
	c.logger.Debug("Adapter state changed", "state", s.String())
}

// QueueLen returns the number of received messages not yet processed.
func (c *Core) QueueLen() int { return c.queue.size() }

// Provider returns the provider created for name, if any.
func (c *Core) Provider(name string) (provider.Provider, bool) {
	c.providerMu.Lock()
	defer c.providerMu.Unlock()
	p, ok := c.providers[name]
	return p, ok
}

// Run registers the adapter and serves work items until ctx is cancelled.
// It returns a process exit code: 0 after a clean shutdown, 1 when the
// adapter could not register or its profile could not be set up.
func (c *Core) Run(ctx context.Context) int {
	c.setState(StateRegistering)
	c.logger.Info("Starting the adapter", "type", c.cfg.Identity.Type, "location", c.cfg.Identity.Location)

	if err := c.setUpAdapter(); err != nil {
		c.logger.Error("Failed to set up the adapter", "error", err)
		c.setState(StateStopped)
		return 1
	}

	c.logger.Info("Registering the adapter")
	err := retry.Do(ctx, c.cfg.Registration, func() error {
		return c.operations.RegisterAdapter(ctx)
	})
	if err != nil {
		err = errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrRegistrationFailed, err), componentName, "Run", "register adapter")
		c.logger.Error("Failed to register the adapter", "error", err)
		c.closeActions()
		c.setState(StateStopped)
		return 1
	}

	code, cause := c.mainLoop(ctx)

	c.setState(StateDraining)
	c.stopStreams()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownDeadline)
	defer cancel()
	if err := c.operations.ShutdownAdapter(shutdownCtx, cause); err != nil {
		c.logger.Error("Problem occurred while attempting to shutdown the adapter", "error", err)
	}
	c.closeProviders()
	c.closeActions()
	c.setState(StateStopped)
	c.logger.Info("Adapter stopped", "exit_code", code)
	return code
}

func (c *Core) setUpAdapter() error {
	id := c.cfg.Identity
	switch {
	case c.cfg.Actions != nil:
		c.sa = c.cfg.Actions
	case c.doc.UseBenchmarkingActions():
		b, err := actions.NewBenchmarking(c.cfg.Metrics)
		if err != nil {
			return errors.Wrap(err, componentName, "setUpAdapter", "create benchmarking actions")
		}
		c.logger.Warn("Using benchmarking system actions")
		c.sa = b
	default:
		c.sa = actions.New(actions.Dependencies{
			Logger:     c.cfg.Logger,
			Metrics:    c.cfg.Metrics,
			Storage:    c.cfg.Storage,
			Identity:   id,
			Sinks:      c.cfg.Sinks,
			Network:    c.cfg.Network,
			SinkConfig: c.doc.ProviderConfiguration(actions.SinkConfigKey),
		})
	}

	c.operations = c.cfg.Storage.CreateAdapterOperations(id)
	c.driver = workqueue.New(c.cfg.Storage.CreateWorkQueue(id), id,
		workqueue.WithLogger(c.cfg.Logger),
		workqueue.WithMetrics(c.metrics),
		workqueue.WithRasEventLog(c.cfg.Storage.CreateRasEventLog(id)),
	)
	return nil
}

// closeProviders stops the background work of every provider so none of it
// reaches the system actions after they are closed.
func (c *Core) closeProviders() {
	c.providerMu.Lock()
	defer c.providerMu.Unlock()
	for name, p := range c.providers {
		closer, ok := p.(provider.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			c.logger.Warn("Failed to close provider", "provider", name, "error", err)
		}
	}
}

func (c *Core) closeActions() {
	if c.sa == nil {
		return
	}
	if err := c.sa.Close(); err != nil {
		c.logger.Warn("Failed to close system actions", "error", err)
	}
}

// mainLoop polls for work items. It returns the exit code and the cause
// recorded with the adapter's shutdown.
func (c *Core) mainLoop(ctx context.Context) (int, error) {
	for ctx.Err() == nil {
		claimed, err := c.driver.GrabNextAvailWorkItem(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Warn("Failed to poll for work items", "error", err)
			retry.Sleep(ctx, storeErrorPause)
			continue
		}

		if claimed {
			if c.driver.WorkToBeDone() == HandleInputDirective {
				if err := c.driver.Run(ctx, c.handleInput); err != nil {
					c.logger.Error("Failed to handle input from external components", "error", err)
					return 1, err
				}
			} else if err := c.driver.HandleUnexpectedWorkItem(ctx, c.cfg.Identity.Name); err != nil {
				c.logger.Warn("Failed to finish unexpected work item", "error", err)
			}
		}

		if wait := c.driver.AmountOfTimeToWait(); wait > 0 {
			retry.Sleep(ctx, time.Duration(min(wait, workqueue.MaxIdleWait))*idlePollUnit)
		}
	}
	return 0, nil
}

// handleInput serves the claimed work item: it selects the profile, starts
// the streams and drains messages until ctx is cancelled, then drains what
// is left.
func (c *Core) handleInput(ctx context.Context) error {
	name := c.driver.Param(ProfileParam, c.cfg.DefaultProfile)
	if !c.driver.IsThisNewWorkItem() {
		c.logger.Info("In a re-queued input flow", "work_item", c.driver.WorkItemID())
	}
	c.logger.Info("Got valid work item", "profile", name, "work_item", c.driver.WorkItemID())

	if err := c.setUpProfile(name); err != nil {
		return err
	}
	if err := c.startStreams(ctx); err != nil {
		return err
	}

	c.setState(StateRunning)
	c.drain(ctx)

	c.setState(StateDraining)
	c.stopStreams()
	drainCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.drainRemaining(drainCtx)
	cancel()
	return nil
}

func (c *Core) setUpProfile(name string) error {
	if current := c.doc.CurrentProfile(); current != "" {
		if current != name {
			return errors.WrapInvalid(fmt.Errorf("%w: profile %q is already active, got %q", errors.ErrInvalidConfig, current, name),
				componentName, "setUpProfile", "select profile")
		}
		return nil
	}
	if err := c.doc.SetCurrentProfile(name); err != nil {
		return err
	}
	c.subjects = c.doc.ProfileSubjects()
	c.acceptAll = slices.Contains(c.subjects, AllSubjects)
	c.logger.Debug("Allowed subjects in this adapter instance", "subjects", c.subjects)

	c.transformName = c.doc.ProviderName()
	c.actorName = c.doc.ActionProviderName()
	transform, err := c.providerFor(c.transformName)
	if err != nil {
		return err
	}
	act, err := c.providerFor(c.actorName)
	if err != nil {
		return err
	}
	c.transformer, c.actor = transform, act
	return nil
}

// providerFor returns the cached provider for name, creating it once.
func (c *Core) providerFor(name string) (provider.Provider, error) {
	c.providerMu.Lock()
	defer c.providerMu.Unlock()
	if p, ok := c.providers[name]; ok {
		return p, nil
	}
	c.logger.Info("Attempting to create provider", "provider", name)
	p, err := c.cfg.Providers.Create(name, c.cfg.Provider)
	if err != nil {
		return nil, errors.Wrap(err, componentName, "providerFor", "create provider "+name)
	}
	c.providers[name] = p
	return p, nil
}

// startStreams creates every stream of the current profile and starts one
// goroutine per stream. A stream that fails to start keeps retrying in the
// background; only a stream that cannot be created is an error.
func (c *Core) startStreams(ctx context.Context) error {
	restart := c.restartLocations()

	for _, name := range c.doc.ProfileStreams() {
		args := c.doc.StreamArguments(name)
		sourceName := c.doc.StreamSourceName(name)
		c.logger.Debug("Creating a network stream", "stream", name, "source", sourceName)

		src, err := c.cfg.Sources.Create(sourceName, args, c.cfg.Network)
		if err != nil {
			return errors.WrapInvalid(err, componentName, "startStreams", "create stream "+name)
		}
		if lr, ok := src.(network.LocationReporter); ok {
			lr.SetStreamLocationCallback(c.streamLocation)
			if path := args["urlPath"]; path != "" {
				if id, ok := restart[path]; ok && id != "" {
					lr.SetLocationID(id)
					c.locMu.Lock()
					c.locations[path] = id
					c.locMu.Unlock()
				}
			}
		}
		streamName := name
		src.SetCallbackDelegate(func(subject, body string) { c.enqueue(streamName, subject, body) })
		c.streams = append(c.streams, stream{name: name, source: src})
	}

	for _, s := range c.streams {
		s := s
		c.group.Go(func() error {
			c.listen(ctx, s)
			return nil
		})
	}
	return nil
}

// restartLocations decodes the restart data of a requeued work item.
func (c *Core) restartLocations() map[string]string {
	data := c.driver.RestartData()
	if data == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		c.logger.Warn("Failed to parse restart data, reading from the tip of the streams", "error", err)
		return nil
	}
	return m
}

func (c *Core) listen(ctx context.Context, s stream) {
	err := s.source.StartListening(ctx)
	if err == nil {
		c.streamHealthy(s.name)
		return
	}
	c.logger.Warn("Stream failed to start, retrying in the background", "stream", s.name, "error", err)
	c.streamUnhealthy(s.name, err)

	limiter := rate.NewLimiter(rate.Every(c.cfg.RestartPeriod), 1)
	limiter.Allow()
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		c.metrics.RecordStreamReconnect(s.name)
		if err := s.source.StartListening(ctx); err != nil {
			c.logger.Debug("Stream restart failed", "stream", s.name, "error", err)
			continue
		}
		c.logger.Info("A lazy connection was established in the background", "stream", s.name)
		c.streamHealthy(s.name)
		return
	}
}

func (c *Core) streamHealthy(name string) {
	if c.health != nil {
		c.health.UpdateHealthy("stream:"+name, "listening")
	}
}

func (c *Core) streamUnhealthy(name string, err error) {
	if c.health != nil {
		c.health.UpdateUnhealthy("stream:"+name, err.Error())
	}
}

// stopStreams stops every stream and waits for their goroutines.
func (c *Core) stopStreams() {
	for _, s := range c.streams {
		if err := s.source.StopListening(); err != nil {
			c.logger.Warn("Failed to stop stream", "stream", s.name, "error", err)
		}
		if c.health != nil {
			c.health.Remove("stream:" + s.name)
		}
	}
	_ = c.group.Wait()
	c.streams = nil
}

func (c *Core) enqueue(streamName, subject, body string) {
	depth := c.queue.push(message{subject: subject, body: body})
	c.metrics.RecordReceived(streamName)
	c.metrics.RecordQueueDepth(depth)
}

// streamLocation saves the latest position of every resumable stream to the
// work item so a later owner can resume.
func (c *Core) streamLocation(location, urlPath, _ string) {
	c.locMu.Lock()
	c.locations[urlPath] = location
	data, err := json.Marshal(c.locations)
	c.locMu.Unlock()
	if err != nil {
		c.logger.Error("Failed to encode stream locations", "error", err)
		return
	}
	if err := c.driver.SaveRestartData(context.Background(), string(data)); err != nil {
		c.logger.Error("Failed to save stream locations", "url_path", urlPath, "error", err)
	}
}

// drain processes messages until ctx is cancelled. When the queue is empty
// it sleeps, backing off from 1ms by 2ms per idle pass up to 25ms.
func (c *Core) drain(ctx context.Context) {
	backoff := minDrainBackoff
	for ctx.Err() == nil {
		m, ok := c.queue.pop()
		if !ok {
			retry.Sleep(ctx, backoff)
			backoff = min(backoff+drainBackoffStep, maxDrainBackoff)
			continue
		}
		c.process(ctx, m)
		backoff = minDrainBackoff
	}
	c.logger.Debug("Ending processing loop")
}

// drainRemaining processes whatever is still queued.
func (c *Core) drainRemaining(ctx context.Context) {
	n := 0
	for {
		m, ok := c.queue.pop()
		if !ok {
			break
		}
		c.process(ctx, m)
		n++
	}
	c.metrics.RecordQueueDepth(0)
	if n > 0 {
		c.logger.Info("Drained queued messages at shutdown", "count", n)
	}
}

func (c *Core) accepts(subject string) bool {
	return c.acceptAll || slices.Contains(c.subjects, subject)
}

func (c *Core) process(ctx context.Context, m message) {
	c.metrics.RecordQueueDepth(c.queue.size())
	if !c.accepts(m.subject) {
		c.logger.Debug("Dropping a message due to the subject filter", "subject", m.subject)
		c.metrics.RecordDropped("subject")
		return
	}

	records, err := c.transformer.ProcessRawStringData(ctx, m.subject, m.body, c.doc)
	if err != nil {
		c.logger.Warn("Dropping a message due to transformation error", "subject", m.subject, "error", err)
		c.logger.Debug("Dropped message", "subject", m.subject, "body", m.body)
		c.metrics.RecordTransformError(c.transformName)
		c.metrics.RecordProcessed(m.subject, "error")
		return
	}

	for _, rec := range records {
		c.act(ctx, rec)
	}
	c.metrics.RecordProcessed(m.subject, "ok")
}

// act runs the action provider on one record. A panic is logged and the
// record dropped.
func (c *Core) act(ctx context.Context, rec *event.Record) {
	start := time.Now()
	defer func() {
		c.metrics.RecordActionDuration(c.actorName, time.Since(start))
		if r := recover(); r != nil {
			c.logger.Error("Action provider panicked", "provider", c.actorName, "location", rec.Location, "panic", r)
			c.metrics.RecordDropped("action_panic")
		}
	}()
	c.actor.ActOnData(ctx, rec, c.doc, c.sa)
}
