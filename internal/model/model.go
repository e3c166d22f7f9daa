package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// Snapshot is one complete fetch result from the device. It is never mutated
// after construction; a new fetch produces a new Snapshot.
type Snapshot struct {
	doc map[string]any
}

// NewSnapshot takes a private copy of a decoded JSON object. A nil doc is
// the absent snapshot.
func NewSnapshot(doc map[string]any) Snapshot {
	if doc == nil {
		return Snapshot{}
	}
	return Snapshot{doc: cloneValue(doc).(map[string]any)}
}

// IsZero reports whether the snapshot is absent.
func (s Snapshot) IsZero() bool {
	return s.doc == nil
}

// Lookup walks nested objects along path. Missing keys, non-object
// intermediates and an absent snapshot all return ok=false. Objects and
// arrays are returned as copies.
func (s Snapshot) Lookup(path ...string) (any, bool) {
	if s.doc == nil {
		return nil, false
	}
	var cur any = s.doc
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cloneValue(cur), true
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// String returns the value at path as text. Numbers are rendered in their
// original JSON form.
func (s Snapshot) String(path ...string) (string, bool) {
	v, ok := s.Lookup(path...)
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// Float returns the numeric value at path.
func (s Snapshot) Float(path ...string) (float64, bool) {
	v, ok := s.Lookup(path...)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// MarshalJSON renders the underlying document; an absent snapshot is null.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s.doc == nil {
		return []byte("null"), nil
	}
	return json.Marshal(s.doc)
}

// ErrorKind classifies a failed refresh attempt.
type ErrorKind string

const (
	ErrorKindFetchTimeout      ErrorKind = "fetch_timeout"
	ErrorKindFetchTransport    ErrorKind = "fetch_transport"
	ErrorKindMalformedResponse ErrorKind = "malformed_response"
)

// ErrorInfo records the most recent refresh failure.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// RefreshState is the coordinator's view of one device. Values are handed
// out by copy; Snapshot is immutable so sharing it is safe.
type RefreshState struct {
	Snapshot    Snapshot   `json:"snapshot"`
	LastSuccess time.Time  `json:"last_success,omitzero"`
	LastAttempt time.Time  `json:"last_attempt,omitzero"`
	LastError   *ErrorInfo `json:"last_error,omitempty"`
	InFlight    bool       `json:"in_flight"`
}

// HasSnapshot reports whether at least one fetch has succeeded.
func (s RefreshState) HasSnapshot() bool {
	return !s.Snapshot.IsZero()
}
