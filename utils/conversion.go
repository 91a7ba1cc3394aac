package utils

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ToInt64 converts the numeric shapes a JSON decoder or normalizer may produce.
func ToInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", val)
		}
		return int64(val), nil
	case float64:
		if val != math.Trunc(val) {
			return 0, fmt.Errorf("value %v is not an integer", val)
		}
		return int64(val), nil
	case json.Number:
		return val.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(val), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported integer type %T", v)
	}
}

// ToTime accepts time.Time, RFC3339 strings, and epoch microseconds.
func ToTime(v interface{}) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", val, err)
		}
		return t.UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("timestamp is null")
	default:
		micros, err := ToInt64(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
		}
		return time.UnixMicro(micros).UTC(), nil
	}
}

// ToStringSlice converts []string and decoded JSON arrays of strings.
func ToStringSlice(v interface{}) ([]string, error) {
	switch val := v.(type) {
	case []string:
		return val, nil
	case []interface{}:
		out := make([]string, len(val))
		for i, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("list element %d has type %T, want string", i, item)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported list type %T", v)
	}
}

// ToText returns strings unchanged and renders any other value as JSON text.
func ToText(v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case json.RawMessage:
		return string(val), nil
	case []byte:
		return string(val), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to render value as JSON text: %w", err)
	}
	return string(b), nil
}
