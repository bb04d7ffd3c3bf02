package spool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/metric"
	"github.com/c360/netlistener/network"
)

const componentName = "spool-source"

// Source watches a spool directory.
type Source struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	dir     string
	subject string
	settle  time.Duration

	callback atomic.Pointer[network.Callback]

	lifecycleMu sync.Mutex
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	done        chan struct{}
	listening   atomic.Bool
	delivered   atomic.Int64
}

// New creates an unconfigured source.
func New(deps network.Dependencies) (network.Source, error) {
	return &Source{
		logger:  deps.LoggerFor(componentName),
		metrics: deps.CoreMetrics(),
	}, nil
}

// Initialize implements network.Source.
func (s *Source) Initialize(raw map[string]string) error {
	args := network.Args(raw)
	if err := args.Require(componentName, "directory"); err != nil {
		return err
	}
	s.dir = args.String("directory", "")
	s.subject = args.String("subject", "")
	if s.subject == "" {
		if subjects := args.List("subjects"); len(subjects) > 0 {
			s.subject = subjects[0]
		}
	}
	s.settle = args.Duration("settleDelay", 100*time.Millisecond)
	s.logger = s.logger.With("stream", s.dir)
	return nil
}

// SetCallbackDelegate implements network.Source.
func (s *Source) SetCallbackDelegate(cb network.Callback) {
	s.callback.Store(&cb)
}

// Delivered returns the number of files delivered.
func (s *Source) Delivered() int64 { return s.delivered.Load() }

// StartListening creates the directory if needed and starts the watch loop.
func (s *Source) StartListening(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.listening.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, componentName, "StartListening", "check state")
	}
	if s.dir == "" {
		return errors.WrapInvalid(errors.ErrNotStarted, componentName, "StartListening", "check initialized")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.WrapFatal(err, componentName, "StartListening", "create spool directory")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WrapTransient(err, componentName, "StartListening", "create watcher")
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return errors.WrapTransient(err, componentName, "StartListening", fmt.Sprintf("watch %s", s.dir))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.watcher = watcher
	s.cancel = cancel
	s.done = make(chan struct{})
	s.listening.Store(true)
	go s.run(loopCtx)
	return nil
}

// StopListening stops the watch loop. Undelivered files stay in the directory.
func (s *Source) StopListening() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.listening.Store(false)
	return nil
}

// IsListening implements network.Source.
func (s *Source) IsListening() bool { return s.listening.Load() }

func (s *Source) run(ctx context.Context) {
	defer close(s.done)
	defer s.listening.Store(false)
	defer s.watcher.Close()

	// path -> time of the last write seen
	pending := make(map[string]time.Time)
	s.scanExisting(pending)

	ticker := time.NewTicker(s.tick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || ignored(ev.Name) {
				continue
			}
			pending[ev.Name] = time.Now()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Watcher error", "error", err)

		case now := <-ticker.C:
			s.deliverSettled(ctx, pending, now)
		}
	}
}

func (s *Source) tick() time.Duration {
	if d := s.settle / 2; d > time.Millisecond {
		return d
	}
	return time.Millisecond
}

func (s *Source) scanExisting(pending map[string]time.Time) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("Cannot list spool directory", "error", err)
		return
	}
	// zero time marks them settled
	for _, e := range entries {
		if e.Type().IsRegular() && !ignored(e.Name()) {
			pending[filepath.Join(s.dir, e.Name())] = time.Time{}
		}
	}
}

// deliverSettled delivers every pending file quiet for the settle delay, in
// name order.
func (s *Source) deliverSettled(ctx context.Context, pending map[string]time.Time, now time.Time) {
	var ready []string
	for path, last := range pending {
		if now.Sub(last) >= s.settle {
			ready = append(ready, path)
		}
	}
	sort.Strings(ready)

	for _, path := range ready {
		if ctx.Err() != nil {
			return
		}
		delete(pending, path)
		s.deliver(path)
	}
}

func (s *Source) deliver(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Cannot read spool file", "file", path, "error", err)
		}
		return
	}
	if info, err := os.Stat(path); err == nil && !info.Mode().IsRegular() {
		return
	}

	s.metrics.RecordReceived(s.subject)
	if cb := s.callback.Load(); cb != nil {
		(*cb)(s.subject, string(data))
	}
	s.delivered.Add(1)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Cannot remove delivered spool file", "file", path, "error", err)
	}
}

func ignored(path string) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp")
}

// Register adds the source to reg under "spool".
func Register(reg *network.SourceRegistry) error {
	return reg.Register(network.SourceRegistration{
		Info: network.Info{
			Name:        "spool",
			Protocol:    "file",
			Description: "Spool directory watcher delivering each file as one message",
		},
		Factory: New,
	})
}
