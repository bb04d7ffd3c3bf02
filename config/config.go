// Package config loads the listener's process configuration from layered
// JSON/YAML files and NETLISTENER_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/netlistener/errors"
)

// Storage backends for the coordination store.
const (
	StorageMemory = "memory"
	StorageSQL    = "sql"
	StorageNATSKV = "nats-kv"
)

// Duration is a time.Duration that (un)marshals as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case float64:
		*d = Duration(time.Duration(t))
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// Config is the complete process configuration.
type Config struct {
	Adapter         AdapterConfig `json:"adapter"`
	NATS            NATSConfig    `json:"nats"`
	Storage         StorageConfig `json:"storage"`
	Profile         ProfileConfig `json:"profile"`
	Metrics         MetricsConfig `json:"metrics"`
	Log             LogConfig     `json:"log"`
	ShutdownTimeout Duration      `json:"shutdown_timeout"`
}

// AdapterConfig identifies this listener instance to the coordination store.
type AdapterConfig struct {
	Type           string `json:"type"`
	Name           string `json:"name"`
	Location       string `json:"location"`
	Hostname       string `json:"hostname"`
	BaseWorkItemID int64  `json:"base_work_item_id"`
}

// NATSConfig describes the bus used by the nats-kv backend and NATS sources/sinks.
type NATSConfig struct {
	URLs          []string `json:"urls"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Token         string   `json:"token,omitempty"`
	MaxReconnects int      `json:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait"`
}

// StorageConfig selects the coordination store backend.
type StorageConfig struct {
	Backend      string `json:"backend"`
	DSN          string `json:"dsn,omitempty"`
	BucketPrefix string `json:"bucket_prefix,omitempty"`
}

// ProfileConfig points at the profile document and the profile to select.
type ProfileConfig struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns the configuration used when no layer overrides a field.
func Default() *Config {
	return &Config{
		Adapter: AdapterConfig{
			Type:     "NETWORK_LISTENER",
			Name:     "NetworkListener",
			Location: "UNKNOWN",
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		Storage: StorageConfig{Backend: StorageMemory, BucketPrefix: "NETLISTENER"},
		Profile: ProfileConfig{Name: "default"},
		Metrics: MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
		Log:     LogConfig{Level: "info", Format: "json"},

		ShutdownTimeout: Duration(30 * time.Second),
	}
}

// Validate checks the configuration for values the listener cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Adapter.Type == "" {
		problems = append(problems, "adapter.type is required")
	}
	if c.Adapter.Name == "" {
		problems = append(problems, "adapter.name is required")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageSQL:
		if c.Storage.DSN == "" {
			problems = append(problems, "storage.dsn is required for the sql backend")
		}
	case StorageNATSKV:
		if len(c.NATS.URLs) == 0 {
			problems = append(problems, "nats.urls is required for the nats-kv backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.backend %q is not one of memory, sql, nats-kv", c.Storage.Backend))
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		problems = append(problems, fmt.Sprintf("metrics.port %d is out of range", c.Metrics.Port))
	}
	if c.ShutdownTimeout < 0 {
		problems = append(problems, "shutdown_timeout must be non-negative")
	}
	if len(problems) > 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Config", "Validate", "validate configuration")
	}
	return nil
}

// String renders the configuration with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	if masked.Storage.DSN != "" {
		masked.Storage.DSN = "***"
	}
	data, _ := json.Marshal(masked)
	return string(data)
}

// Loader merges configuration layers over the defaults.
type Loader struct {
	layers    []string
	envPrefix string
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a loader reading NETLISTENER_* variables.
func NewLoader() *Loader {
	return &Loader{envPrefix: "NETLISTENER", lookupEnv: os.LookupEnv}
}

// AddLayer appends a file. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// Load applies defaults, file layers, environment overrides, then validates.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		layer, err := readLayer(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("read %s", path))
		}
		merged = deepMerge(merged, layer)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "encode merged layers")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "Load", "decode configuration")
	}

	if err := l.applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile is a convenience for a single layer.
func LoadFile(path string) (*Config, error) {
	l := NewLoader()
	if path != "" {
		l.AddLayer(path)
	}
	return l.Load()
}

func readLayer(path string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	default:
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	}
	return out, nil
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	return out, json.Unmarshal(data, &out)
}

func deepMerge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = deepMerge(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func (l *Loader) env(name string) (string, bool) {
	v, ok := l.lookupEnv(l.envPrefix + "_" + name)
	return v, ok && v != ""
}

func (l *Loader) applyEnv(cfg *Config) error {
	if v, ok := l.env("ADAPTER_NAME"); ok {
		cfg.Adapter.Name = v
	}
	if v, ok := l.env("ADAPTER_LOCATION"); ok {
		cfg.Adapter.Location = v
	}
	if v, ok := l.env("ADAPTER_HOSTNAME"); ok {
		cfg.Adapter.Hostname = v
	}
	if v, ok := l.env("NATS_URLS"); ok {
		cfg.NATS.URLs = strings.Split(v, ",")
	}
	if v, ok := l.env("NATS_TOKEN"); ok {
		cfg.NATS.Token = v
	}
	if v, ok := l.env("STORAGE_BACKEND"); ok {
		cfg.Storage.Backend = v
	}
	if v, ok := l.env("STORAGE_DSN"); ok {
		cfg.Storage.DSN = v
	}
	if v, ok := l.env("PROFILE_PATH"); ok {
		cfg.Profile.Path = v
	}
	if v, ok := l.env("PROFILE"); ok {
		cfg.Profile.Name = v
	}
	if v, ok := l.env("METRICS_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnv", l.envPrefix+"_METRICS_PORT")
		}
		cfg.Metrics.Port = port
	}
	if v, ok := l.env("SHUTDOWN_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnv", l.envPrefix+"_SHUTDOWN_TIMEOUT")
		}
		cfg.ShutdownTimeout = Duration(d)
	}
	return nil
}
