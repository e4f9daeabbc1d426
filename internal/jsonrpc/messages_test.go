package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
		wantID  string
	}{
		{name: "string id", body: `{"jsonrpc":"2.0","id":"abc","method":"ping"}`, wantID: `"abc"`},
		{name: "number id", body: `{"jsonrpc":"2.0","id":7,"method":"ping"}`, wantID: `7`},
		{name: "id beyond float precision", body: `{"jsonrpc":"2.0","id":9007199254740993,"method":"ping"}`, wantID: `9007199254740993`},
		{name: "id beyond int64", body: `{"jsonrpc":"2.0","id":12345678901234567890,"method":"ping"}`, wantID: `12345678901234567890`},
		{name: "decimal id keeps literal", body: `{"jsonrpc":"2.0","id":1.0,"method":"ping"}`, wantID: `1.0`},
		{name: "exponent id keeps literal", body: `{"jsonrpc":"2.0","id":1e3,"method":"ping"}`, wantID: `1e3`},
		{name: "boolean id", body: `{"jsonrpc":"2.0","id":true,"method":"ping"}`, wantErr: ErrInvalidRequest, wantID: `null`},
		{name: "explicit null id", body: `{"jsonrpc":"2.0","id":null,"method":"ping"}`, wantID: `null`},
		{name: "notification", body: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, wantID: `null`},
		{name: "not json", body: `{"jsonrpc":`, wantErr: ErrParse, wantID: `null`},
		{name: "empty", body: ``, wantErr: ErrInvalidRequest, wantID: `null`},
		{name: "batch", body: `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, wantErr: ErrInvalidRequest, wantID: `null`},
		{name: "wrong version keeps id", body: `{"jsonrpc":"1.0","id":3,"method":"ping"}`, wantErr: ErrInvalidRequest, wantID: `3`},
		{name: "missing method", body: `{"jsonrpc":"2.0","id":"x"}`, wantErr: ErrInvalidRequest, wantID: `"x"`},
		{name: "response shaped", body: `{"jsonrpc":"2.0","id":1,"method":"m","result":{}}`, wantErr: ErrInvalidRequest, wantID: `1`},
		{name: "scalar params", body: `{"jsonrpc":"2.0","id":1,"method":"m","params":3}`, wantErr: ErrInvalidRequest, wantID: `1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, id, err := ParseRequest([]byte(tt.body))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			} else if req.ID != id {
				t.Fatalf("request id and returned id differ")
			} else if req.IsNotification() != (tt.name == "notification") {
				t.Fatalf("IsNotification = %v", req.IsNotification())
			}
			got, err := json.Marshal(NewErrorResponse(id, ErrorCodeInternalError, "x", nil))
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var env struct {
				ID json.RawMessage `json:"id"`
			}
			if err := json.Unmarshal(got, &env); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if string(env.ID) != tt.wantID {
				t.Fatalf("echoed id = %s, want %s", env.ID, tt.wantID)
			}
		})
	}
}

func TestRequestIDString(t *testing.T) {
	tests := []struct {
		id   *RequestID
		want string
	}{
		{NewRequestID("abc"), "abc"},
		{NewRequestID(42), "42"},
		{NewRequestID(json.Number("9007199254740993")), "9007199254740993"},
		{NewRequestID(nil), ""},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := tt.id.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
