// Package timestamp handles the unix millisecond timestamps carried in
// message headers (MQTimestamp) and channel meta data.
//
// A value of 0 means "not set". Header values arrive in whatever numeric
// form the codec produced, so Parse accepts integers, floats, json.Number
// and strings holding either digits or RFC3339 text.
//
//	hdr.Set("MQTimestamp", timestamp.Now())
//	age := timestamp.Since(timestamp.Parse(hdr["MQTimestamp"]))
package timestamp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// secondsThreshold separates second from millisecond inputs. Millisecond
// stamps after 2001-09-09 exceed it.
const secondsThreshold = 1e12

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time.
// Returns zero time if timestamp is 0.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Format renders ms as RFC3339 with millisecond precision, or "" for 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// Parse converts a header value to Unix milliseconds. Numbers below 1e12
// are taken as seconds. Unparseable input yields 0.
func Parse(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case int64:
		return normalize(x)
	case int:
		return normalize(int64(x))
	case int32:
		return normalize(int64(x))
	case uint64:
		return normalize(int64(x))
	case float64:
		if x < secondsThreshold {
			return int64(x * 1000)
		}
		return int64(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return normalize(n)
		}
		if f, err := x.Float64(); err == nil {
			return Parse(f)
		}
		return 0
	case time.Time:
		return ToUnixMs(x)
	case string:
		return parseString(x)
	default:
		return 0
	}
}

func normalize(n int64) int64 {
	if n > 0 && n < secondsThreshold {
		return n * 1000
	}
	return n
}

func parseString(s string) int64 {
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return normalize(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Parse(f)
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

// Since returns the time elapsed since ms, or 0 when ms is unset.
func Since(ms int64) time.Duration {
	if ms == 0 {
		return 0
	}
	return time.Since(time.UnixMilli(ms))
}

// Validate rejects negative timestamps and ones more than a day ahead.
func Validate(ms int64) error {
	if ms < 0 {
		return fmt.Errorf("timestamp %d is negative", ms)
	}
	if ms > Now()+int64(24*time.Hour/time.Millisecond) {
		return fmt.Errorf("timestamp %s is in the future", Format(ms))
	}
	return nil
}
