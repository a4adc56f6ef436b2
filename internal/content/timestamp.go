package content

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timestamps cross the store boundary as UTC unix milliseconds.

func ToMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func FromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// DecodeMillis converts a raw column value into a UTC time.
// It accepts integer columns and decimal strings, nothing else.
func DecodeMillis(v any) (time.Time, error) {
	switch x := v.(type) {
	case int64:
		return FromMillis(x), nil
	case int:
		return FromMillis(int64(x)), nil
	case float64:
		return FromMillis(int64(x)), nil
	case []byte:
		return decodeMillisString(string(x))
	case string:
		return decodeMillisString(x)
	case time.Time:
		return x.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported type %T", ErrMalformedSchedule, v)
	}
}

func decodeMillisString(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedSchedule, s)
	}
	return FromMillis(ms), nil
}
