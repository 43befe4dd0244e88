package event

import (
	"fmt"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
}

// ResolveTimestamp computes the effective event time. With both an explicit
// timestamp and a sentAt, now is shifted by (timestamp - sentAt) so client
// clock skew cancels out while relative ordering survives. A timestamp that
// fails to parse falls back to now with a non-fatal error for the caller to
// capture. A numeric offset is milliseconds since capture, subtracted from
// now.
func ResolveTimestamp(data map[string]interface{}, now time.Time, sentAt *time.Time) (time.Time, error) {
	if raw, ok := data["timestamp"]; ok {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return now, err
		}
		if sentAt != nil {
			return now.Add(ts.Sub(*sentAt)), nil
		}
		return ts, nil
	}

	if raw, ok := data["offset"]; ok {
		if offset, ok := toMillis(raw); ok {
			return now.Add(-time.Duration(offset) * time.Millisecond), nil
		}
		return now, fmt.Errorf("offset %v is not numeric", raw)
	}

	return now, nil
}

func parseTimestamp(raw interface{}) (time.Time, error) {
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("timestamp %v is not a string", raw)
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

func toMillis(raw interface{}) (int64, bool) {
	switch n := raw.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}
