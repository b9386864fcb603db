package dbtypes

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSON stores V as JSON text. The local store keeps cart lines and queued
// payloads this way so they round-trip through sqlite TEXT columns.
type JSON[V any] struct {
	Val V
}

// NewJSON wraps v for persistence.
func NewJSON[V any](v V) JSON[V] {
	return JSON[V]{Val: v}
}

// Scan implements sql.Scanner.
func (j *JSON[V]) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		var zero V
		j.Val = zero
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("JSON: unsupported Scan type %T", src)
	}
	if len(raw) == 0 {
		var zero V
		j.Val = zero
		return nil
	}
	return json.Unmarshal(raw, &j.Val)
}

// Value implements driver.Valuer.
func (j JSON[V]) Value() (driver.Value, error) {
	raw, err := json.Marshal(j.Val)
	if err != nil {
		return nil, fmt.Errorf("JSON: marshal: %w", err)
	}
	return string(raw), nil
}

// MarshalJSON keeps the wrapper transparent in API responses.
func (j JSON[V]) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.Val)
}

// UnmarshalJSON keeps the wrapper transparent in API requests.
func (j *JSON[V]) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &j.Val)
}
