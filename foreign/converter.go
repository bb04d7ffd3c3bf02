package foreign

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/c360/netlistener/errors"
)

// TranslationMapFile is the file name searched for on the configuration path.
const TranslationMapFile = "LocationTranslationMap.json"

// AllLocations passes through conversion in both directions.
const AllLocations = "all"

//go:embed location_translation_map.json
var embeddedTranslationMap []byte

var nodeLocationPattern = regexp.MustCompile(`^R[0-9]+-CH[0-9]+-CN[0-9]+-.*`)

type translationMap struct {
	NodeMap        map[string]string `json:"conversion_node_map"`
	CPUPattern     string            `json:"sensor_embedded_cpu_pattern"`
	DIMMPattern    string            `json:"sensor_embedded_dimm_pattern"`
	ChannelPattern string            `json:"sensor_embedded_channel_pattern"`
}

// Converter translates foreign xnames to cluster locations and back.
// It is immutable after construction and safe for concurrent use.
type Converter struct {
	toLocation map[string]string
	toXName    map[string]string
	cpu        *regexp.Regexp
	dimm       *regexp.Regexp
	channel    *regexp.Regexp
}

// NewConverter parses a translation map document.
func NewConverter(r io.Reader) (*Converter, error) {
	var doc translationMap
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrMetadataLoad, err),
			"Converter", "NewConverter", "decode translation map")
	}
	if len(doc.NodeMap) == 0 {
		return nil, errors.WrapFatal(fmt.Errorf("%w: empty conversion_node_map", errors.ErrMetadataLoad),
			"Converter", "NewConverter", "validate translation map")
	}

	c := &Converter{
		toLocation: make(map[string]string, len(doc.NodeMap)),
		toXName:    make(map[string]string, len(doc.NodeMap)),
	}
	for xname, location := range doc.NodeMap {
		location = strings.ToUpper(location)
		c.toLocation[xname] = location
		c.toXName[location] = xname
	}

	var err error
	if c.cpu, err = compilePattern(doc.CPUPattern); err != nil {
		return nil, err
	}
	if c.dimm, err = compilePattern(doc.DIMMPattern); err != nil {
		return nil, err
	}
	if c.channel, err = compilePattern(doc.ChannelPattern); err != nil {
		return nil, err
	}
	return c, nil
}

func compilePattern(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: pattern %q: %v", errors.ErrMetadataLoad, expr, err),
			"Converter", "NewConverter", "compile sensor pattern")
	}
	return re, nil
}

// SearchPath returns the directories checked for an override translation map,
// most specific first.
func SearchPath() []string {
	var dirs []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		dirs = append(dirs, filepath.Join(xdg, "ucs"))
	} else if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "ucs"))
	}
	return append(dirs, "/etc/ucs")
}

// LoadConverter loads the first translation map found on SearchPath and falls
// back to the built-in map.
func LoadConverter(logger *slog.Logger) (*Converter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range SearchPath() {
		path := filepath.Join(dir, TranslationMapFile)
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		c, err := NewConverter(f)
		f.Close()
		if err != nil {
			logger.Warn("Ignoring unreadable location translation map", "path", path, "error", err)
			continue
		}
		logger.Debug("Loaded location translation map", "path", path)
		return c, nil
	}
	return NewConverter(bytes.NewReader(embeddedTranslationMap))
}

// ToLocation converts an xname to a location. An optional sensor name appends
// any CPU and channel/DIMM components it embeds followed by the sensor name
// itself; any further parts are appended verbatim.
func (c *Converter) ToLocation(xname string, parts ...string) (string, error) {
	if xname == AllLocations {
		return xname, nil
	}
	location, ok := c.toLocation[xname]
	if !ok {
		return "", errors.WrapInvalid(fmt.Errorf("%w: unknown xname %q", errors.ErrConversion, xname),
			"Converter", "ToLocation", "look up xname")
	}

	var b strings.Builder
	b.WriteString(location)
	for i, part := range parts {
		if part == "" {
			continue
		}
		if i == 0 {
			c.appendSensorComponents(&b, part)
		}
		b.WriteByte('-')
		b.WriteString(part)
	}
	return b.String(), nil
}

func (c *Converter) appendSensorComponents(b *strings.Builder, sensor string) {
	if cpu := firstGroup(c.cpu, sensor); cpu != "" {
		b.WriteString("-CPU")
		b.WriteString(cpu)
	}
	dimm := firstGroup(c.dimm, sensor)
	channel := firstGroup(c.channel, sensor)
	if dimm != "" && channel != "" {
		b.WriteString("-CH")
		b.WriteString(channel)
		b.WriteString("-DIMM")
		b.WriteString(dimm)
	}
}

func firstGroup(re *regexp.Regexp, s string) string {
	if re == nil {
		return ""
	}
	m := re.FindStringSubmatch(s)
	switch {
	case m == nil:
		return ""
	case len(m) > 1:
		return m[1]
	default:
		return m[0]
	}
}

// ToXName converts a location back to its xname. Node locations with sensor
// suffixes are reduced to the node before lookup.
func (c *Converter) ToXName(location string) (string, error) {
	if location == AllLocations {
		return location, nil
	}
	key := location
	if nodeLocationPattern.MatchString(location) {
		key = strings.Join(strings.SplitN(location, "-", 4)[:3], "-")
	}
	xname, ok := c.toXName[key]
	if !ok {
		return "", errors.WrapInvalid(fmt.Errorf("%w: unknown location %q", errors.ErrConversion, location),
			"Converter", "ToXName", "look up location")
	}
	return xname, nil
}
