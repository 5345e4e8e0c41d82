package backend

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimestampFields are the document fields checked, in order, for an event time.
var TimestampFields = []string{"@timestamp", "timestamp", "time"}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp reads an event time leniently: numbers are epoch seconds (fractions
// allowed), strings are ISO-8601 with or without a zone suffix. Zone-less strings are
// taken as UTC.
func ParseTimestamp(v interface{}) (time.Time, bool) {
	switch x := v.(type) {
	case float64:
		return fromEpochSeconds(x)
	case float32:
		return fromEpochSeconds(float64(x))
	case int:
		return time.Unix(int64(x), 0).UTC(), true
	case int64:
		return time.Unix(x, 0).UTC(), true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpochSeconds(f)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpochSeconds(f)
		}
	}
	return time.Time{}, false
}

func fromEpochSeconds(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return time.Time{}, false
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC(), true
}

// EventTime returns the first parseable timestamp field of doc, or now.
func EventTime(doc Document, now time.Time) time.Time {
	for _, field := range TimestampFields {
		if v, ok := doc[field]; ok {
			if t, ok := ParseTimestamp(v); ok {
				return t
			}
			return now
		}
	}
	return now
}

// HasTimestamp reports whether doc carries any of the TimestampFields.
func HasTimestamp(doc Document) bool {
	for _, field := range TimestampFields {
		if _, ok := doc[field]; ok {
			return true
		}
	}
	return false
}
