package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID represents a JSON-RPC ID that can be either a string or a number.
// Numbers are kept as their original literal so they echo byte for byte.
type RequestID struct {
	value any // nil, string or json.Number
}

// NewRequestID creates a RequestID from a string, json.Number or Go integer.
// Other types produce an id that encodes as null.
func NewRequestID(value any) *RequestID {
	switch v := value.(type) {
	case string, json.Number:
		return &RequestID{value: v}
	case int:
		return &RequestID{value: json.Number(strconv.Itoa(v))}
	case int64:
		return &RequestID{value: json.Number(strconv.FormatInt(v, 10))}
	case uint64:
		return &RequestID{value: json.Number(strconv.FormatUint(v, 10))}
	default:
		return &RequestID{value: nil}
	}
}

// String returns the string representation of the ID
func (id *RequestID) String() string {
	if id == nil {
		return ""
	}
	switch v := id.value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// MarshalJSON implements json.Marshaler. A nil id encodes as null.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id == nil || id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		id.value = nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		id.value = s
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", string(data))
		}
		id.value = n
	}
	return nil
}
