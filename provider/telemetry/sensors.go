package telemetry

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/c360/netlistener/errors"
)

//go:embed sensor_metadata.json
var embeddedSensors []byte

// Sensor is one entry of the sensor metadata table.
type Sensor struct {
	ID          string
	Description string
	Units       string
	Type        string
	Factor      float64
	Specific    string
}

// NormalizeValue scales a raw reading. Factors within 1% of one are treated
// as one.
func (s Sensor) NormalizeValue(raw float64) float64 {
	if s.Factor > 0.99 && s.Factor < 1.01 {
		return raw
	}
	return raw * s.Factor
}

// NormalizeLocation appends the sensor's location suffix, if any.
func (s Sensor) NormalizeLocation(location string) string {
	if s.Specific == "" {
		return location
	}
	return location + "-" + s.Specific
}

type sensorEntry struct {
	Description string `json:"description"`
	Unit        string `json:"unit"`
	Type        string `json:"type"`
	Factor      any    `json:"factor"`
	Specific    string `json:"specific"`
}

// SensorTable maps sensor ids to their metadata. It is read-only after load.
type SensorTable struct {
	sensors map[string]Sensor
}

// LoadSensorTable parses a metadata document keyed by sensor id.
func LoadSensorTable(r io.Reader) (*SensorTable, error) {
	var raw map[string]sensorEntry
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrMetadataLoad, err),
			"SensorTable", "LoadSensorTable", "decode sensor metadata")
	}

	t := &SensorTable{sensors: make(map[string]Sensor, len(raw))}
	for id, e := range raw {
		factor, err := parseFactor(e.Factor)
		if err != nil {
			return nil, errors.WrapFatal(fmt.Errorf("%w: sensor %s: %v", errors.ErrMetadataLoad, id, err),
				"SensorTable", "LoadSensorTable", "parse factor")
		}
		kind := e.Type
		if kind == "" {
			kind = "unknown"
		}
		t.sensors[id] = Sensor{
			ID:          id,
			Description: e.Description,
			Units:       e.Unit,
			Type:        kind,
			Factor:      factor,
			Specific:    strings.TrimSpace(e.Specific),
		}
	}
	return t, nil
}

func parseFactor(v any) (float64, error) {
	switch f := v.(type) {
	case nil:
		return 1.0, nil
	case float64:
		return f, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(f), 64)
	default:
		return 0, fmt.Errorf("factor %v is not a number", v)
	}
}

// Lookup returns the metadata for a sensor id.
func (t *SensorTable) Lookup(id string) (Sensor, bool) {
	s, ok := t.sensors[id]
	return s, ok
}

// Len returns the number of sensors.
func (t *SensorTable) Len() int { return len(t.sensors) }
