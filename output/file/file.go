package file

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/metric"
	"github.com/c360/netlistener/network"
)

const componentName = "file-sink"

// Output formats.
const (
	FormatJSONL = "jsonl"
	FormatJSON  = "json"
	FormatRaw   = "raw"
)

// Sink appends messages to one file per topic.
type Sink struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	prefix        string
	format        string
	appendMode    bool
	flushInterval time.Duration

	mu      sync.Mutex
	dir     string
	writers map[string]*topicFile
	stop    chan struct{}
	done    chan struct{}
}

type topicFile struct {
	f *os.File
	w *bufio.Writer
}

// New creates a sink from its arguments.
func New(raw map[string]string, deps network.Dependencies) (network.Sink, error) {
	args := network.Args(raw)
	format := args.String("format", FormatJSONL)
	switch format {
	case FormatJSONL, FormatJSON, FormatRaw:
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: format %q is not one of jsonl, json, raw", errors.ErrInvalidConfig, format),
			componentName, "New", "validate format")
	}
	return &Sink{
		logger:        deps.LoggerFor(componentName),
		metrics:       deps.CoreMetrics(),
		prefix:        args.String("filePrefix", "netlistener"),
		format:        format,
		appendMode:    args.Bool("append", true),
		flushInterval: args.Duration("flushInterval", time.Second),
		writers:       make(map[string]*topicFile),
	}, nil
}

// Connect creates the output directory named by info, with or without a
// file:// scheme, and starts the periodic flush.
func (s *Sink) Connect(info string) error {
	dir := strings.TrimPrefix(info, "file://")
	if dir == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: output directory", errors.ErrMissingConfig),
			componentName, "Connect", "check directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WrapFatal(err, componentName, "Connect", fmt.Sprintf("create %s", dir))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, componentName, "Connect", "check state")
	}
	s.dir = dir
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.flushLoop(s.stop, s.done)

	s.logger.Info("Publish sink connected", "directory", dir, "format", s.format)
	return nil
}

// Path returns the file a topic is written to.
func (s *Sink) Path(topic string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path(topic)
}

func (s *Sink) path(topic string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, topic)
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.%s", s.prefix, name, s.format))
}

// SendMessage buffers body for the topic's file.
func (s *Sink) SendMessage(_ context.Context, topic string, body []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop == nil {
		s.logger.Warn("Publish before connect", "topic", topic)
		s.metrics.RecordPublish(topic, false)
		return false
	}

	tf, err := s.open(topic)
	if err == nil {
		_, err = tf.w.Write(s.encode(body))
	}
	s.metrics.RecordPublish(topic, err == nil)
	if err != nil {
		s.logger.Warn("Publish failed", "topic", topic, "error", err)
		return false
	}
	return true
}

func (s *Sink) open(topic string) (*topicFile, error) {
	if tf, ok := s.writers[topic]; ok {
		return tf, nil
	}
	flags := os.O_CREATE | os.O_WRONLY
	if s.appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(s.path(topic), flags, 0o644)
	if err != nil {
		return nil, err
	}
	tf := &topicFile{f: f, w: bufio.NewWriter(f)}
	s.writers[topic] = tf
	return tf, nil
}

func (s *Sink) encode(body []byte) []byte {
	var buf bytes.Buffer
	switch s.format {
	case FormatJSONL:
		if json.Compact(&buf, body) != nil {
			buf.Reset()
			buf.Write(body)
		}
	case FormatJSON:
		if json.Indent(&buf, body, "", "  ") != nil {
			buf.Reset()
			buf.Write(body)
		}
	default:
		buf.Write(body)
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

func (s *Sink) flushLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.flushLocked()
			s.mu.Unlock()
		}
	}
}

// Flush writes buffered messages to disk.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Sink) flushLocked() error {
	var errs []error
	for topic, tf := range s.writers {
		if err := tf.w.Flush(); err != nil {
			s.logger.Warn("Flush failed", "topic", topic, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes and closes every file.
func (s *Sink) Close() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop = nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	errs := []error{s.flushLocked()}
	for topic, tf := range s.writers {
		errs = append(errs, tf.f.Close())
		delete(s.writers, topic)
	}
	return errors.Join(errs...)
}

// Register adds the sink to reg under "file".
func Register(reg *network.SinkRegistry) error {
	return reg.Register(network.SinkRegistration{
		Info: network.Info{
			Name:        "file",
			Protocol:    "file",
			Description: "Per-topic file writer",
		},
		Factory: New,
	})
}
