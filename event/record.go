// Package event defines the normalized record every transform provider
// produces and every action provider consumes.
package event

import "fmt"

// DataType classifies a Record.
type DataType int

const (
	EnvironmentalData DataType = iota
	RasEvent
	StateChangeEvent
	InitialNodeStateData
	InventoryChangeEvent
	LogData
)

var dataTypeNames = map[DataType]string{
	EnvironmentalData:    "EnvironmentalData",
	RasEvent:             "RasEvent",
	StateChangeEvent:     "StateChangeEvent",
	InitialNodeStateData: "InitialNodeStateData",
	InventoryChangeEvent: "InventoryChangeEvent",
	LogData:              "LogData",
}

func (d DataType) String() string {
	if name, ok := dataTypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

// ParseDataType maps the names used in a profile's subjectMap.
func ParseDataType(s string) (DataType, error) {
	for d, name := range dataTypeNames {
		if name == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

// BootState is the node state carried by state change records.
type BootState string

const (
	NodeOffline BootState = "NODE_OFFLINE"
	NodeOnline  BootState = "NODE_ONLINE"
	NodeBooting BootState = "NODE_BOOTING"
	NodeEmpty   BootState = "EMPTY"
)

// Aggregate holds the min/max/average computed by an accumulator flush.
type Aggregate struct {
	Minimum float64
	Maximum float64
	Average float64
}

// Record is one normalized event. It is created by a transform provider and
// handed to exactly one action call; it is not shared afterwards.
type Record struct {
	Timestamp int64 // nanoseconds since the epoch
	Location  string
	Type      DataType

	Description string

	// Telemetry payload.
	Value         float64
	Units         string
	TelemetryType string

	// RAS payload.
	Event        string
	InstanceData string

	State          BootState
	InventoryEvent string
	LogLine        string

	aggregate *Aggregate
	extras    map[string]string
}

// New creates a record for the given time, location and kind.
func New(tsNanos int64, location string, kind DataType) *Record {
	return &Record{Timestamp: tsNanos, Location: location, Type: kind}
}

// SetValueAndUnits fills the telemetry payload.
func (r *Record) SetValueAndUnits(value float64, units, telemetryType string) {
	r.Value = value
	r.Units = units
	r.TelemetryType = telemetryType
}

// SetRasEvent fills the RAS payload.
func (r *Record) SetRasEvent(name, instanceData string) {
	r.Event = name
	r.InstanceData = instanceData
}

// SetAggregate attaches flush results.
func (r *Record) SetAggregate(min, max, avg float64) {
	r.aggregate = &Aggregate{Minimum: min, Maximum: max, Average: avg}
}

// Aggregate returns the flush results and whether they were set. A set
// aggregate of zeros is distinct from no aggregate.
func (r *Record) Aggregate() (Aggregate, bool) {
	if r.aggregate == nil {
		return Aggregate{}, false
	}
	return *r.aggregate, true
}

// HasAggregate reports whether an accumulator flush landed on this record.
func (r *Record) HasAggregate() bool { return r.aggregate != nil }

// StoreExtra records provider-specific side data.
func (r *Record) StoreExtra(key, value string) {
	if r.extras == nil {
		r.extras = make(map[string]string)
	}
	r.extras[key] = value
}

// Extra returns a stored extra or "".
func (r *Record) Extra(key string) string {
	return r.extras[key]
}

func (r *Record) String() string {
	return fmt.Sprintf("%s@%s[%d]", r.Type, r.Location, r.Timestamp)
}
