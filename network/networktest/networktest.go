// Package networktest provides in-memory sources and sinks for tests.
package networktest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/c360/netlistener/network"
)

// Source delivers messages pushed with Emit.
type Source struct {
	mu        sync.Mutex
	args      map[string]string
	cb        network.Callback
	locCb     network.LocationCallback
	location  string
	listening atomic.Bool

	// StartErr is returned by StartListening while non-nil.
	StartErr error
	Starts   atomic.Int32
}

// Initialize records args.
func (s *Source) Initialize(args map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.args = args
	return nil
}

// Args returns the arguments passed to Initialize.
func (s *Source) Args() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.args
}

// SetCallbackDelegate implements network.Source.
func (s *Source) SetCallbackDelegate(cb network.Callback) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

// SetStreamLocationCallback implements network.LocationReporter.
func (s *Source) SetStreamLocationCallback(cb network.LocationCallback) {
	s.mu.Lock()
	s.locCb = cb
	s.mu.Unlock()
}

// SetLocationID implements network.LocationReporter.
func (s *Source) SetLocationID(id string) {
	s.mu.Lock()
	s.location = id
	s.mu.Unlock()
}

// LocationID returns the id passed to SetLocationID.
func (s *Source) LocationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

// StartListening implements network.Source.
func (s *Source) StartListening(context.Context) error {
	s.Starts.Add(1)
	s.mu.Lock()
	err := s.StartErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.listening.Store(true)
	return nil
}

// SetStartErr changes the StartListening result.
func (s *Source) SetStartErr(err error) {
	s.mu.Lock()
	s.StartErr = err
	s.mu.Unlock()
}

// StopListening implements network.Source.
func (s *Source) StopListening() error {
	s.listening.Store(false)
	return nil
}

// IsListening implements network.Source.
func (s *Source) IsListening() bool { return s.listening.Load() }

// Emit delivers a message to the registered callback. It reports false when
// the source is not listening.
func (s *Source) Emit(subject, message string) bool {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb == nil || !s.IsListening() {
		return false
	}
	cb(subject, message)
	return true
}

// ReportLocation invokes the stream location callback.
func (s *Source) ReportLocation(location, urlPath, streamID string) {
	s.mu.Lock()
	cb := s.locCb
	s.mu.Unlock()
	if cb != nil {
		cb(location, urlPath, streamID)
	}
}

// Message is one recorded publish.
type Message struct {
	Topic string
	Body  string
}

// Sink records published messages.
type Sink struct {
	mu       sync.Mutex
	Info     string
	messages []Message
	closed   bool
	Fail     bool
}

// Connect implements network.Sink.
func (s *Sink) Connect(info string) error {
	s.mu.Lock()
	s.Info = info
	s.mu.Unlock()
	return nil
}

// SendMessage implements network.Sink.
func (s *Sink) SendMessage(_ context.Context, topic string, body []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail || s.closed {
		return false
	}
	s.messages = append(s.messages, Message{Topic: topic, Body: string(body)})
	return true
}

// Close implements network.Sink.
func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Messages returns the recorded messages.
func (s *Sink) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

var (
	_ network.Source           = (*Source)(nil)
	_ network.LocationReporter = (*Source)(nil)
	_ network.Sink             = (*Sink)(nil)
)
