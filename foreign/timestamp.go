package foreign

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/netlistener/errors"
)

var timestampLayouts = []string{
	"2006-01-02 15:04:05.000Z07:00",
	"2006-01-02 15:04:05.000Z0700",
	"2006-01-02 15:04:05.000Z07",
	time.RFC3339Nano,
}

// ParseTimestamp converts a foreign ISO-8601 timestamp to nanoseconds since the
// epoch.
func ParseTimestamp(s string) (int64, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixNano(), nil
		}
	}
	return 0, errors.WrapInvalid(fmt.Errorf("%w: timestamp %q", errors.ErrParsingFailed, s),
		"foreign", "ParseTimestamp", "parse timestamp")
}

// FormatTimestamp renders nanoseconds as UTC ISO-8601 with a space between
// date and time, the form used on outbound messages.
func FormatTimestamp(ns int64) string {
	return strings.Replace(time.Unix(0, ns).UTC().Format(time.RFC3339Nano), "T", " ", 1)
}
