package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"sync"

	"github.com/c360/netlistener/actions"
	"github.com/c360/netlistener/aggregate"
	"github.com/c360/netlistener/config"
	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/event"
	"github.com/c360/netlistener/foreign"
	"github.com/c360/netlistener/metric"
	"github.com/c360/netlistener/profile"
	"github.com/c360/netlistener/provider"
)

const (
	componentName = "telemetry-provider"

	// Name is the registered provider name.
	Name = "telemetry"

	DefaultRawTopic       = "ucs_raw_data"
	DefaultAggregateTopic = "ucs_aggregate_data"
)

var (
	sensorForm  = []string{"sensor", "value", "timestamp", "location"}
	foreignForm = []string{"__FullName__", "Value", "Timestamp", "Location"}
)

// Provider converts environmental telemetry and stores it.
type Provider struct {
	name      string
	logger    *slog.Logger
	registry  *metric.MetricsRegistry
	converter *foreign.Converter
	sensors   *SensorTable

	transformOnce sync.Once
	accumulator   *aggregate.Accumulator

	actOnce        sync.Once
	publish        bool
	rawTopic       string
	aggregateTopic string
}

// New creates a telemetry provider. A missing converter is loaded from the
// search path.
func New(name string, deps provider.Dependencies) (provider.Provider, error) {
	return newProvider(name, deps)
}

func newProvider(name string, deps provider.Dependencies) (*Provider, error) {
	sensors, err := LoadSensorTable(bytes.NewReader(embeddedSensors))
	if err != nil {
		return nil, err
	}
	conv := deps.Converter
	if conv == nil {
		if conv, err = foreign.LoadConverter(deps.Logger); err != nil {
			return nil, errors.Wrap(err, componentName, "New", "load location converter")
		}
	}
	return &Provider{
		name:      name,
		logger:    deps.LoggerFor(componentName),
		registry:  deps.Metrics,
		converter: conv,
		sensors:   sensors,
	}, nil
}

func (p *Provider) configureTransform(doc *profile.Document) {
	p.transformOnce.Do(func() {
		cfg := provider.Configuration(doc, p.name)
		if !config.GetBool(cfg, "useAggregation", true) {
			return
		}
		acfg := aggregate.AccumulatorConfig{
			UseTime:    config.GetBool(cfg, "useTimeWindow", false),
			WindowSize: config.GetInt(cfg, "windowSize", 25),
			Window:     config.GetSeconds(cfg, "timeWindowSeconds", 0),
			Moving:     config.GetBool(cfg, "useMovingAverage", false),
		}
		opts := []aggregate.Option{
			aggregate.WithLogger(p.logger),
			aggregate.WithMaxKeys(config.GetInt(cfg, "maxKeys", 0)),
			aggregate.WithIdleExpiry(config.GetSeconds(cfg, "idleExpirySeconds", 0)),
		}
		acc, err := aggregate.NewAccumulator(acfg, append(opts, aggregate.WithMetrics(p.registry, p.name+"_accumulator"))...)
		if err != nil {
			p.logger.Debug("Accumulator metrics unavailable", "error", err)
			acc, err = aggregate.NewAccumulator(acfg, opts...)
		}
		if err != nil {
			p.logger.Error("Aggregation disabled", "error", err)
			return
		}
		p.accumulator = acc
	})
}

// Accumulator returns the accumulator in use, or nil when aggregation is off
// or no message has been processed yet.
func (p *Provider) Accumulator() *aggregate.Accumulator { return p.accumulator }

// ProcessRawStringData converts a telemetry payload. Items that cannot be
// converted are logged and skipped; only an unparseable payload is an error.
func (p *Provider) ProcessRawStringData(_ context.Context, subject, raw string, doc *profile.Document) ([]*event.Record, error) {
	p.configureTransform(doc)

	docs, err := provider.DecodeDocuments(raw)
	if err != nil {
		p.logger.Debug("Failed to parse telemetry", "subject", subject, "data", raw)
		return nil, provider.TransformError(componentName, "decode payload", err)
	}

	var records []*event.Record
	for _, d := range docs {
		for _, item := range p.items(d) {
			for _, rec := range p.convert(item) {
				if p.accumulator != nil {
					p.accumulator.AddValue(rec.Location+":"+rec.TelemetryType, rec)
				}
				records = append(records, rec)
			}
		}
	}
	return records, nil
}

func (p *Provider) items(d any) []map[string]any {
	m, ok := d.(map[string]any)
	if !ok {
		p.logger.Warn("Telemetry item is not an object", "item", d)
		return nil
	}
	messages, wrapped := provider.MetricsMessages(m)
	if !wrapped {
		return []map[string]any{m}
	}
	if messages == nil {
		p.logger.Warn("Telemetry is missing 'metrics.messages'")
	}
	items := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		if item, ok := msg.(map[string]any); ok {
			items = append(items, item)
		} else {
			p.logger.Warn("Telemetry message is not an object", "item", msg)
		}
	}
	return items
}

func (p *Provider) convert(item map[string]any) []*event.Record {
	if _, ok := item["sensor"]; ok {
		return p.convertSensor(item)
	}
	return p.convertForeign(item)
}

// convertSensor handles items keyed by a sensor id from the metadata table.
// One record is produced per location in the comma separated list.
func (p *Provider) convertSensor(item map[string]any) []*event.Record {
	if missing := provider.MissingKeys(item, sensorForm...); len(missing) > 0 {
		p.logger.Warn("Telemetry item is missing keys", "missing", missing)
		return nil
	}
	id := config.GetString(item, "sensor", "")
	sensor, ok := p.sensors.Lookup(id)
	if !ok {
		p.logger.Warn("Dropping telemetry for unknown sensor", "metric", id)
		return nil
	}
	ts, err := foreign.ParseTimestamp(config.GetString(item, "timestamp", ""))
	if err != nil {
		p.logger.Warn("Telemetry timestamp was not valid", "metric", id, "error", err)
		return nil
	}
	value, err := provider.Number(item["value"])
	if err != nil {
		p.logger.Warn("Telemetry value was not valid", "metric", id, "error", err)
		return nil
	}

	var records []*event.Record
	for _, xname := range provider.SplitLocations(config.GetString(item, "location", "")) {
		location, err := p.converter.ToLocation(xname, sensor.Description)
		if err != nil {
			p.logger.Warn("Skipping telemetry location", "location", xname, "error", err)
			continue
		}
		rec := event.New(ts, sensor.NormalizeLocation(location), event.EnvironmentalData)
		rec.Description = sensor.Description
		rec.SetValueAndUnits(sensor.NormalizeValue(value), sensor.Units, sensor.Type)
		records = append(records, rec)
	}
	return records
}

// convertForeign handles items named by __FullName__, which carry no
// metadata; the name doubles as the telemetry type.
func (p *Provider) convertForeign(item map[string]any) []*event.Record {
	if missing := provider.MissingKeys(item, foreignForm...); len(missing) > 0 {
		p.logger.Warn("Telemetry item is missing keys", "missing", missing)
		return nil
	}
	name := config.GetString(item, "__FullName__", "")
	ts, err := foreign.ParseTimestamp(config.GetString(item, "Timestamp", ""))
	if err != nil {
		p.logger.Warn("Telemetry timestamp was not valid", "metric", name, "error", err)
		return nil
	}
	value, err := provider.Number(item["Value"])
	if err != nil {
		p.logger.Warn("Telemetry value was not valid", "metric", name, "error", err)
		return nil
	}
	xname := config.GetString(item, "Location", "")
	location, err := p.converter.ToLocation(xname)
	if err != nil {
		p.logger.Warn("Telemetry location was not valid", "location", xname, "error", err)
		return nil
	}
	rec := event.New(ts, location, event.EnvironmentalData)
	rec.Description = name
	rec.SetValueAndUnits(value, "", name)
	return []*event.Record{rec}
}

func (p *Provider) configureActions(doc *profile.Document) {
	p.actOnce.Do(func() {
		cfg := provider.Configuration(doc, p.name)
		p.publish = config.GetBool(cfg, "publish", false)
		p.rawTopic = config.GetString(cfg, "publishRawTopic", DefaultRawTopic)
		p.aggregateTopic = config.GetString(cfg, "publishAggregatedTopic", DefaultAggregateTopic)
	})
}

// ActOnData stores the normalized sample and, when the accumulator attached
// one, the aggregate.
func (p *Provider) ActOnData(ctx context.Context, rec *event.Record, doc *profile.Document, sa actions.SystemActions) {
	p.configureActions(doc)

	sa.StoreNormalizedData(ctx, rec.TelemetryType, rec.Location, rec.Timestamp, rec.Value)
	if p.publish {
		sa.PublishNormalizedData(ctx, p.rawTopic, rec.TelemetryType, rec.Location, rec.Timestamp, rec.Value)
	}

	agg, ok := rec.Aggregate()
	if !ok {
		return
	}
	p.logger.Debug("Storing aggregate", "metric", rec.TelemetryType, "location", rec.Location,
		"min", agg.Minimum, "max", agg.Maximum, "avg", agg.Average)
	sa.StoreAggregatedData(ctx, rec.TelemetryType, rec.Location, rec.Timestamp, agg.Minimum, agg.Maximum, agg.Average)
	if p.publish {
		sa.PublishAggregatedData(ctx, p.aggregateTopic, rec.TelemetryType, rec.Location, rec.Timestamp,
			agg.Minimum, agg.Maximum, agg.Average)
	}
}

// Register adds the telemetry provider to reg.
func Register(reg *provider.Registry) error {
	return reg.Register(provider.Registration{
		Name:        Name,
		Description: "Environmental telemetry with windowed aggregation",
		Factory:     New,
	})
}
