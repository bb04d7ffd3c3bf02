package provider

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/netlistener/foreign"
)

// DecodeDocuments splits a payload of one or more concatenated JSON values
// and decodes each. Top level arrays contribute their elements.
func DecodeDocuments(raw string) ([]any, error) {
	parts, err := foreign.SplitStreamedJSON(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	docs := make([]any, 0, len(parts))
	for _, part := range parts {
		var v any
		if err := json.Unmarshal([]byte(part), &v); err != nil {
			return nil, err
		}
		if arr, ok := v.([]any); ok {
			docs = append(docs, arr...)
			continue
		}
		docs = append(docs, v)
	}
	return docs, nil
}

// MetricsMessages returns doc["metrics"]["messages"] and whether doc carries
// a "metrics" key at all.
func MetricsMessages(doc map[string]any) ([]any, bool) {
	metrics, ok := doc["metrics"]
	if !ok {
		return nil, false
	}
	m, _ := metrics.(map[string]any)
	messages, _ := m["messages"].([]any)
	return messages, true
}

// MissingKeys returns the keys that are absent or null in item.
func MissingKeys(item map[string]any, keys ...string) []string {
	var missing []string
	for _, k := range keys {
		if v, ok := item[k]; !ok || v == nil {
			missing = append(missing, k)
		}
	}
	return missing
}

// Number converts a JSON number or numeric string.
func Number(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("value %v is not a number or a numeric string", v)
	}
}

// SplitLocations splits a comma separated location list, dropping blanks.
func SplitLocations(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
