package network

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c360/netlistener/errors"
)

// Args are the flattened string arguments of a stream or sink.
type Args map[string]string

// String returns the value for key or def when absent or blank.
func (a Args) String(key, def string) string {
	if v := strings.TrimSpace(a[key]); v != "" {
		return v
	}
	return def
}

// Int returns key parsed as an integer or def.
func (a Args) Int(key string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(a[key])); err == nil {
		return n
	}
	return def
}

// Bool returns key parsed as a boolean or def.
func (a Args) Bool(key string, def bool) bool {
	if b, err := strconv.ParseBool(strings.TrimSpace(a[key])); err == nil {
		return b
	}
	return def
}

// Duration accepts Go duration syntax or a number of seconds.
func (a Args) Duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(a[key])
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}

// List splits a comma separated value, dropping blanks.
func (a Args) List(key string) []string {
	var out []string
	for _, part := range strings.Split(a[key], ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Require fails with ErrMissingConfig naming the first absent key.
func (a Args) Require(component string, keys ...string) error {
	for _, k := range keys {
		if strings.TrimSpace(a[k]) == "" {
			return errors.WrapInvalid(fmt.Errorf("%w: argument %q", errors.ErrMissingConfig, k), component, "Initialize", "check arguments")
		}
	}
	return nil
}
