package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request
	// object, or that the session it refers to is invalid.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method, tool, or instance does not exist.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal error, including downstream
	// connection failures.
	ErrorCodeInternalError ErrorCode = -32603

	// Implementation-defined server errors (-32000 to -32099).

	// ErrorCodeUnauthenticated indicates a missing or invalid credential.
	ErrorCodeUnauthenticated ErrorCode = -32000
	// ErrorCodeForbidden indicates a valid credential lacking permission.
	ErrorCodeForbidden ErrorCode = -32001
	// ErrorCodeInstanceMismatch indicates the credential is bound to a
	// different instance than the one addressed.
	ErrorCodeInstanceMismatch ErrorCode = -32002
)

// ErrorData is the optional structured payload attached to gateway errors.
type ErrorData struct {
	Message string `json:"message,omitempty"`
}
