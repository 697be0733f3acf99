package persistence

import (
	"encoding/json"
	"time"
)

// EncodeVariables serializes a variable scope as JSON. A nil or empty scope
// encodes to the empty string.
func EncodeVariables(vars map[string]any) (string, error) {
	if len(vars) == 0 {
		return "", nil
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeVariables is the inverse of EncodeVariables. Numbers come back as
// float64, exactly as after a round trip through any SQL backend.
func DecodeVariables(data string) (map[string]any, error) {
	if data == "" {
		return nil, nil
	}
	var vars map[string]any
	if err := json.Unmarshal([]byte(data), &vars); err != nil {
		return nil, err
	}
	return vars, nil
}

// normalizeVariables round-trips vars through the codec so every backend
// hands out the same value shapes.
func normalizeVariables(vars map[string]any) (map[string]any, error) {
	enc, err := EncodeVariables(vars)
	if err != nil {
		return nil, err
	}
	return DecodeVariables(enc)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func toNanosPtr(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return toNanos(*t)
}

func fromNanosPtr(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n)
	return &t
}
