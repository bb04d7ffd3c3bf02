package profile

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/event"
)

//go:embed schema.json
var schemaJSON []byte

var schemaLoader = gojsonschema.NewBytesLoader(schemaJSON)

// DefaultProfile is used when a work item does not name a profile.
const DefaultProfile = "default"

// ProviderLookup reports whether a provider name is registered.
type ProviderLookup interface {
	HasProvider(name string) bool
}

// SourceLookup reports whether a network source name is registered.
type SourceLookup interface {
	HasSource(name string) bool
}

// AdapterProfile is one entry of adapterProfiles.
type AdapterProfile struct {
	NetworkStreamsRef []string `json:"networkStreamsRef"`
	Subjects          []string `json:"subjects"`
	AdapterProvider   string   `json:"adapterProvider"`
	ActionProvider    string   `json:"actionProvider,omitempty"`
}

// NetworkStream is one entry of networkStreams.
type NetworkStream struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type rawDocument struct {
	AdapterProfiles        map[string]AdapterProfile `json:"adapterProfiles"`
	NetworkStreams         map[string]NetworkStream  `json:"networkStreams"`
	ProviderClassMap       map[string]string         `json:"providerClassMap"`
	SubjectMap             map[string]string         `json:"subjectMap"`
	ProviderConfigurations map[string]map[string]any `json:"providerConfigurations"`
	UseBenchmarkingActions bool                      `json:"useBenchmarkingActions"`
	LogProvider            string                    `json:"logProvider"`
}

// Document is a validated profile document. It is immutable apart from the
// current profile selection and safe for concurrent reads.
type Document struct {
	raw rawDocument

	mu      sync.RWMutex
	current string
}

// Load reads and validates a JSON profile document. Nil lookups skip the
// corresponding registration checks.
func Load(r io.Reader, providers ProviderLookup, sources SourceLookup) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"profile", "Load", "read document")
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, invalid("parse document", err.Error())
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(generic))
	if err != nil {
		return nil, invalid("validate schema", err.Error())
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return nil, invalid("validate schema", problems...)
	}

	doc := &Document{}
	if err := json.Unmarshal(data, &doc.raw); err != nil {
		return nil, invalid("decode document", err.Error())
	}
	if problems := doc.validateReferences(providers, sources); len(problems) > 0 {
		return nil, invalid("validate references", problems...)
	}
	return doc, nil
}

// LoadFile loads a document from disk. Files ending in .yaml or .yml are
// parsed as YAML, everything else as JSON.
func LoadFile(path string, providers ProviderLookup, sources SourceLookup) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrMissingConfig, err),
			"profile", "LoadFile", "read profile file")
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var generic any
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, invalid("parse yaml", err.Error())
		}
		if data, err = json.Marshal(generic); err != nil {
			return nil, invalid("convert yaml", err.Error())
		}
	}
	return Load(bytes.NewReader(data), providers, sources)
}

func invalid(action string, problems ...string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
		"profile", "Load", action)
}

func (d *Document) validateReferences(providers ProviderLookup, sources SourceLookup) []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for key, name := range d.raw.ProviderClassMap {
		if providers != nil && !providers.HasProvider(name) {
			add("providerClassMap.%s: provider %q is not registered", key, name)
		}
	}
	for subject, kind := range d.raw.SubjectMap {
		if _, err := event.ParseDataType(kind); err != nil {
			add("subjectMap.%s: %v", subject, err)
		}
	}
	for streamName, stream := range d.raw.NetworkStreams {
		if sources != nil && !sources.HasSource(stream.Name) {
			add("networkStreams.%s: source %q is not registered", streamName, stream.Name)
		}
		if rb, ok := stream.Arguments["requestBuilder"]; ok {
			if s, _ := rb.(string); s == "" || !d.hasProviderKey(s) {
				add("networkStreams.%s: requestBuilder %v is not in providerClassMap", streamName, rb)
			}
		}
	}
	for name, p := range d.raw.AdapterProfiles {
		if !d.hasProviderKey(p.AdapterProvider) {
			add("adapterProfiles.%s: adapterProvider %q is not in providerClassMap", name, p.AdapterProvider)
		}
		if p.ActionProvider != "" && !d.hasProviderKey(p.ActionProvider) {
			add("adapterProfiles.%s: actionProvider %q is not in providerClassMap", name, p.ActionProvider)
		}
		for _, ref := range p.NetworkStreamsRef {
			if _, ok := d.raw.NetworkStreams[ref]; !ok {
				add("adapterProfiles.%s: network stream %q is not declared", name, ref)
			}
		}
		for _, subject := range p.Subjects {
			if _, ok := d.raw.SubjectMap[subject]; !ok && subject != "*" {
				add("adapterProfiles.%s: subject %q is not in subjectMap", name, subject)
			}
		}
	}
	sort.Strings(problems)
	return problems
}

func (d *Document) hasProviderKey(key string) bool {
	_, ok := d.raw.ProviderClassMap[key]
	return ok
}

// Profiles returns the declared profile names, sorted.
func (d *Document) Profiles() []string {
	names := make([]string, 0, len(d.raw.AdapterProfiles))
	for name := range d.raw.AdapterProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SourceNames returns the distinct network source keys used by any declared
// stream, sorted.
func (d *Document) SourceNames() []string {
	seen := make(map[string]struct{}, len(d.raw.NetworkStreams))
	names := make([]string, 0, len(d.raw.NetworkStreams))
	for _, s := range d.raw.NetworkStreams {
		if _, ok := seen[s.Name]; ok {
			continue
		}
		seen[s.Name] = struct{}{}
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// SetCurrentProfile selects the profile used by the profile accessors.
func (d *Document) SetCurrentProfile(name string) error {
	if _, ok := d.raw.AdapterProfiles[name]; !ok || name == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnknownProfile, name),
			"profile", "SetCurrentProfile", "select profile")
	}
	d.mu.Lock()
	d.current = name
	d.mu.Unlock()
	return nil
}

// CurrentProfile returns the selected profile name or "".
func (d *Document) CurrentProfile() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

func (d *Document) profile() AdapterProfile {
	return d.raw.AdapterProfiles[d.CurrentProfile()]
}

// ProfileStreams returns the stream names referenced by the current profile.
func (d *Document) ProfileStreams() []string {
	return append([]string(nil), d.profile().NetworkStreamsRef...)
}

// ProfileSubjects returns the subjects accepted by the current profile.
func (d *Document) ProfileSubjects() []string {
	return append([]string(nil), d.profile().Subjects...)
}

// ProviderName returns the registered provider bound to the current
// profile's adapterProvider.
func (d *Document) ProviderName() string {
	return d.raw.ProviderClassMap[d.profile().AdapterProvider]
}

// ActionProviderName returns the provider acting on records. It defaults to
// the transform provider.
func (d *Document) ActionProviderName() string {
	p := d.profile()
	if p.ActionProvider == "" {
		return d.raw.ProviderClassMap[p.AdapterProvider]
	}
	return d.raw.ProviderClassMap[p.ActionProvider]
}

// StreamSourceName returns the network source key of a stream.
func (d *Document) StreamSourceName(stream string) string {
	return d.raw.NetworkStreams[stream].Name
}

// StreamArguments returns the flattened string arguments for a stream. The
// current profile's subjects are passed as a comma separated "subjects"
// argument, requestBuilderSelectors entries become
// "requestBuilderSelectors.<key>", and the provider configuration named by
// tokenAuthProvider is merged in.
func (d *Document) StreamArguments(stream string) map[string]string {
	s, ok := d.raw.NetworkStreams[stream]
	if !ok {
		return nil
	}
	result := make(map[string]string, len(s.Arguments)+1)
	for key, value := range s.Arguments {
		switch key {
		case "requestBuilderSelectors":
			selectors, _ := value.(map[string]any)
			for k, v := range selectors {
				if _, nested := v.(map[string]any); nested {
					continue
				}
				result["requestBuilderSelectors."+k] = stringify(v)
			}
		case "tokenAuthProvider":
			name := stringify(value)
			result[key] = name
			for k, v := range d.raw.ProviderConfigurations[name] {
				result[k] = stringify(v)
			}
		default:
			result[key] = stringify(value)
		}
	}
	if subjects := d.ProfileSubjects(); len(subjects) > 0 {
		result["subjects"] = strings.Join(subjects, ",")
	}
	return result
}

// SubjectDataType returns the record type declared for a subject.
func (d *Document) SubjectDataType(subject string) (event.DataType, bool) {
	kind, ok := d.raw.SubjectMap[subject]
	if !ok {
		return 0, false
	}
	dt, err := event.ParseDataType(kind)
	return dt, err == nil
}

// ProviderConfiguration returns the providerConfigurations entry for name, or
// nil when the provider should use its defaults. The map must not be modified.
func (d *Document) ProviderConfiguration(name string) map[string]any {
	return d.raw.ProviderConfigurations[name]
}

// FirstStreamBaseURL builds scheme://connectAddress:connectPort from the first
// stream of the current profile.
func (d *Document) FirstStreamBaseURL(useTLS bool) (string, error) {
	streams := d.ProfileStreams()
	if len(streams) == 0 {
		return "", errors.WrapInvalid(errors.ErrNotStarted, "profile", "FirstStreamBaseURL", "select profile")
	}
	args := d.raw.NetworkStreams[streams[0]].Arguments
	address, _ := args["connectAddress"].(string)
	port, ok := args["connectPort"].(float64)
	if address == "" || !ok {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: stream %q lacks connectAddress/connectPort", errors.ErrMissingConfig, streams[0]),
			"profile", "FirstStreamBaseURL", "build base url")
	}
	scheme := "http"
	if useTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, address, int(port)), nil
}

// UseBenchmarkingActions reports whether actions should be counted instead of
// stored.
func (d *Document) UseBenchmarkingActions() bool { return d.raw.UseBenchmarkingActions }

// LogProvider returns the configured log provider name, "console" by default.
func (d *Document) LogProvider() string {
	if d.raw.LogProvider == "" {
		return "console"
	}
	return d.raw.LogProvider
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = stringify(item)
		}
		return strings.Join(parts, ",")
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
