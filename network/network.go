// Package network defines the stream sources the listener subscribes to and
// the sinks it publishes to, with string-keyed registries for both.
package network

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/c360/netlistener/metric"
	"github.com/c360/netlistener/natsclient"
)

// Callback receives one raw message and the subject it arrived on. It must
// not block.
type Callback func(subject, message string)

// LocationCallback receives the latest position of a resumable stream.
type LocationCallback func(location, urlPath, streamID string)

// Source is an inbound message stream.
type Source interface {
	// Initialize applies the stream's flattened arguments. It does no I/O.
	Initialize(args map[string]string) error
	SetCallbackDelegate(cb Callback)
	// StartListening connects and begins delivering messages in the
	// background until ctx is cancelled or StopListening is called. An
	// error means the first connection attempt failed.
	StartListening(ctx context.Context) error
	StopListening() error
	IsListening() bool
}

// LocationReporter is implemented by sources that can resume from a saved
// position.
type LocationReporter interface {
	SetStreamLocationCallback(cb LocationCallback)
	SetLocationID(id string)
}

// Sink publishes outbound messages.
type Sink interface {
	Connect(info string) error
	SendMessage(ctx context.Context, topic string, body []byte) bool
	Close() error
}

// Dependencies are handed to every factory.
type Dependencies struct {
	Logger     *slog.Logger
	Metrics    *metric.MetricsRegistry
	NATSClient *natsclient.Client
	HTTPClient *http.Client
}

// LoggerFor returns deps.Logger, or the default logger, tagged with component.
func (d Dependencies) LoggerFor(component string) *slog.Logger {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", component)
}

// CoreMetrics returns the listener metrics or nil.
func (d Dependencies) CoreMetrics() *metric.Metrics {
	if d.Metrics == nil {
		return nil
	}
	return d.Metrics.CoreMetrics()
}
