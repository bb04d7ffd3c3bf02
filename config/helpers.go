package config

import (
	"strconv"
	"time"
)

// Helpers for reading provider configuration maps decoded from JSON or YAML.
// Each returns def when the key is missing or holds an incompatible type.

// GetString returns a string value. Numbers and booleans are formatted.
func GetString(cfg map[string]any, key, def string) string {
	switch v := cfg[key].(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	}
	return def
}

// GetInt accepts any numeric type and numeric strings.
func GetInt(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// GetFloat64 accepts any numeric type and numeric strings.
func GetFloat64(cfg map[string]any, key string, def float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// GetBool accepts booleans and "true"/"false" strings.
func GetBool(cfg map[string]any, key string, def bool) bool {
	switch v := cfg[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// GetSeconds reads a number of seconds as a duration.
func GetSeconds(cfg map[string]any, key string, def time.Duration) time.Duration {
	if _, ok := cfg[key]; !ok {
		return def
	}
	secs := GetFloat64(cfg, key, -1)
	if secs < 0 {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}

// GetStringSlice accepts []string or []any of strings.
func GetStringSlice(cfg map[string]any, key string, def []string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return def
			}
			out = append(out, s)
		}
		return out
	}
	return def
}

// GetMap returns a nested object or nil.
func GetMap(cfg map[string]any, key string) map[string]any {
	if m, ok := cfg[key].(map[string]any); ok {
		return m
	}
	return nil
}
