package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

var (
	// ErrParse reports a body that is not valid JSON.
	ErrParse = errors.New("parse error")
	// ErrInvalidRequest reports valid JSON that is not a JSON-RPC request.
	ErrInvalidRequest = errors.New("invalid request")
)

// Request represents a JSON-RPC request (with an ID) or notification (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response represents a JSON-RPC response. ID is always serialized so that a
// request without an id is answered with "id": null.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ParseRequest decodes a single JSON-RPC request. On failure the returned ID
// is whatever id could be recovered from the body (possibly nil) so that the
// caller can still echo it.
func ParseRequest(data []byte) (*Request, *RequestID, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%w: empty body", ErrInvalidRequest)
	}
	if !json.Valid(data) {
		return nil, nil, ErrParse
	}
	if data[0] != '{' {
		return nil, nil, fmt.Errorf("%w: expected a single request object", ErrInvalidRequest)
	}

	var raw struct {
		JSONRPCVersion string          `json:"jsonrpc"`
		Method         *string         `json:"method"`
		Params         json.RawMessage `json:"params,omitempty"`
		Result         json.RawMessage `json:"result,omitempty"`
		Error          json.RawMessage `json:"error,omitempty"`
		ID             json.RawMessage `json:"id,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	// An explicit null id is kept as a non-nil RequestID so the request is
	// answered rather than treated as a notification.
	var id *RequestID
	switch {
	case len(raw.ID) == 0:
	case bytes.Equal(raw.ID, []byte("null")):
		id = NewRequestID(nil)
	default:
		id = new(RequestID)
		if err := id.UnmarshalJSON(raw.ID); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	if raw.JSONRPCVersion != ProtocolVersion {
		return nil, id, fmt.Errorf("%w: invalid JSON-RPC version: expected %q, got %q", ErrInvalidRequest, ProtocolVersion, raw.JSONRPCVersion)
	}
	if raw.Method == nil || *raw.Method == "" {
		return nil, id, fmt.Errorf("%w: missing method", ErrInvalidRequest)
	}
	if len(raw.Result) > 0 || len(raw.Error) > 0 {
		return nil, id, fmt.Errorf("%w: request message cannot have result or error fields", ErrInvalidRequest)
	}
	if len(raw.Params) > 0 && raw.Params[0] != '{' && raw.Params[0] != '[' && !bytes.Equal(raw.Params, []byte("null")) {
		return nil, id, fmt.Errorf("%w: params must be an object or array", ErrInvalidRequest)
	}

	return &Request{
		JSONRPCVersion: raw.JSONRPCVersion,
		Method:         *raw.Method,
		Params:         raw.Params,
		ID:             id,
	}, id, nil
}
