// Package cloud translates records to and from the cloud wire protocol and performs the
// HTTP requests with retry.
package cloud

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tankwise/tanksync/internal/merge"
	"github.com/tankwise/tanksync/internal/record"
)

// Record names used to wrap fields on the wire
const (
	deviceConfigKey   = "deviceConfig"
	controlDataKey    = "controlData"
	configUpdatesKey  = "configUpdates"
	controlUpdatesKey = "controlUpdates"
	sensorDataKey     = "sensorData"
)

// ErrMissingRecord is returned when a response carries no record object
var ErrMissingRecord = errors.New("record not found in response")

// WireField is one field as transmitted
type WireField struct {
	Key          record.Field `json:"key"`
	Label        string       `json:"label"`
	Type         string       `json:"type"`
	Value        any          `json:"value"`
	LastModified *uint64      `json:"lastModified,omitempty"`
	Options      []string     `json:"options,omitempty"`
	Description  string       `json:"description,omitempty"`
	System       bool         `json:"system,omitempty"`
}

// Fields is a record keyed by field name
type Fields map[record.Field]WireField

func newWireField(info record.FieldInfo, value any, lastModified uint64) WireField {
	ts := lastModified
	return WireField{
		Key:          info.Key,
		Label:        info.Label,
		Type:         info.Type,
		Value:        value,
		LastModified: &ts,
		Options:      info.Options,
		Description:  info.Description,
		System:       info.System,
	}
}

// add appends a present field; priority replaces its timestamp with the priority flag
func add[T any](out Fields, info record.FieldInfo, s *merge.Stamped[T], priority bool) {
	if s == nil {
		return
	}
	ts := s.LastModified
	if priority {
		ts = 0
	}
	out[info.Key] = newWireField(info, s.Value, ts)
}

// nested is the strict field shape {value, lastModified}
type nested struct {
	Value        json.RawMessage `json:"value"`
	LastModified *uint64         `json:"lastModified"`
}

// decodeField parses a field first as {value, lastModified}, then as a direct value.
// A missing lastModified is the priority flag 0.
func decodeField[T any](raw json.RawMessage) (*merge.Stamped[T], error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var n nested
		if err := json.Unmarshal(trimmed, &n); err == nil && n.Value != nil {
			var v T
			if err := json.Unmarshal(n.Value, &v); err != nil {
				return nil, fmt.Errorf("failed to decode nested value: %w", err)
			}
			s := &merge.Stamped[T]{Value: v}
			if n.LastModified != nil {
				s.LastModified = *n.LastModified
			}
			return s, nil
		}
	}

	var v T
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, fmt.Errorf("failed to decode direct value: %w", err)
	}
	return &merge.Stamped[T]{Value: v}, nil
}

// take decodes one field of obj into dst. Absent or malformed fields are reported in missing.
func take[T any](obj map[string]json.RawMessage, key record.Field, dst **merge.Stamped[T], missing *[]record.Field) {
	raw, ok := obj[string(key)]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		*missing = append(*missing, key)
		return
	}
	s, err := decodeField[T](raw)
	if err != nil {
		*missing = append(*missing, key)
		return
	}
	*dst = s
}

// findRecord looks for name at the root, then under data and device
func findRecord(body []byte, name string) (map[string]json.RawMessage, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if obj, ok := object(root[name]); ok {
		return obj, nil
	}
	for _, wrapper := range []string{"data", "device"} {
		inner, ok := object(root[wrapper])
		if !ok {
			continue
		}
		if obj, ok := object(inner[name]); ok {
			return obj, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrMissingRecord, name)
}

func object(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// fill replaces an absent field with its compiled-in default carrying the priority flag
func fill[T any](dst **merge.Stamped[T], def T) {
	if *dst == nil {
		*dst = merge.Stamp(def, 0)
	}
}
