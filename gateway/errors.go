package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/directory"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/pool"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/toolname"
)

var (
	// ErrForbidden indicates the caller is authenticated but not permitted.
	ErrForbidden = errors.New("permission denied")
	// ErrMethodNotFound indicates an unsupported JSON-RPC method.
	ErrMethodNotFound = errors.New("method not found")
	// ErrToolNotFound indicates a tool whose namespace the instance does not
	// serve.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidParams indicates malformed method parameters.
	ErrInvalidParams = errors.New("invalid params")
	// ErrSessionRequired indicates a session-mode request without a session
	// id.
	ErrSessionRequired = errors.New("session id required")
	// ErrDownstream wraps errors returned by a downstream server.
	ErrDownstream = errors.New("downstream error")
)

// Category is the error class a failure maps to on the wire.
type Category int

const (
	CategoryInternal Category = iota
	CategoryParse
	CategoryInvalidRequest
	CategoryAuthentication
	CategoryAuthorization
	CategoryInstanceMismatch
	CategorySession
	CategorySessionRequired
	CategorySessionCapacity
	CategoryInstanceNotFound
	CategoryMethodNotFound
	CategoryInvalidParams
	CategoryConnection
)

var categoryInfo = map[Category]struct {
	name    string
	code    jsonrpc.ErrorCode
	status  int
	message string
}{
	CategoryInternal:         {"internal", jsonrpc.ErrorCodeInternalError, http.StatusOK, "Internal error"},
	CategoryParse:            {"parse", jsonrpc.ErrorCodeParseError, http.StatusBadRequest, "Parse error"},
	CategoryInvalidRequest:   {"invalid_request", jsonrpc.ErrorCodeInvalidRequest, http.StatusBadRequest, "Invalid request"},
	CategoryAuthentication:   {"unauthenticated", jsonrpc.ErrorCodeUnauthenticated, http.StatusUnauthorized, "Authentication required"},
	CategoryAuthorization:    {"forbidden", jsonrpc.ErrorCodeForbidden, http.StatusForbidden, "Forbidden"},
	CategoryInstanceMismatch: {"instance_mismatch", jsonrpc.ErrorCodeInstanceMismatch, http.StatusForbidden, "Instance mismatch"},
	CategorySession:          {"session", jsonrpc.ErrorCodeInvalidRequest, http.StatusNotFound, "Invalid session"},
	CategorySessionRequired:  {"session_required", jsonrpc.ErrorCodeInvalidRequest, http.StatusBadRequest, "Invalid session"},
	CategorySessionCapacity:  {"session_capacity", jsonrpc.ErrorCodeInvalidRequest, http.StatusServiceUnavailable, "Session capacity exceeded"},
	CategoryInstanceNotFound: {"instance_not_found", jsonrpc.ErrorCodeMethodNotFound, http.StatusNotFound, "Instance not found"},
	CategoryMethodNotFound:   {"method_not_found", jsonrpc.ErrorCodeMethodNotFound, http.StatusOK, "Method not found"},
	CategoryInvalidParams:    {"invalid_params", jsonrpc.ErrorCodeInvalidParams, http.StatusOK, "Invalid params"},
	CategoryConnection:       {"connection", jsonrpc.ErrorCodeInternalError, http.StatusOK, "Downstream connection error"},
}

func (c Category) String() string { return categoryInfo[c].name }

// Code is the JSON-RPC error code.
func (c Category) Code() jsonrpc.ErrorCode { return categoryInfo[c].code }

// Status is the HTTP status for transports that carry one.
func (c Category) Status() int { return categoryInfo[c].status }

// Message is the fixed JSON-RPC error message.
func (c Category) Message() string { return categoryInfo[c].message }

// Classify maps err to its category. Unrecognized errors are internal.
func Classify(err error) Category {
	var connErr *pool.ConnectionError
	switch {
	case errors.Is(err, jsonrpc.ErrParse):
		return CategoryParse
	case errors.Is(err, jsonrpc.ErrInvalidRequest):
		return CategoryInvalidRequest
	case errors.Is(err, auth.ErrInstanceMismatch):
		return CategoryInstanceMismatch
	case errors.Is(err, auth.ErrInsufficientScope), errors.Is(err, ErrForbidden):
		return CategoryAuthorization
	case auth.IsAuthenticationError(err):
		return CategoryAuthentication
	case errors.Is(err, sessions.ErrCapacityExceeded):
		return CategorySessionCapacity
	case errors.Is(err, ErrSessionRequired):
		return CategorySessionRequired
	case errors.Is(err, sessions.ErrSessionNotFound),
		errors.Is(err, sessions.ErrSessionInvalid),
		errors.Is(err, sessions.ErrSessionExists):
		return CategorySession
	case errors.Is(err, directory.ErrInstanceNotFound):
		return CategoryInstanceNotFound
	case errors.Is(err, ErrMethodNotFound), errors.Is(err, ErrToolNotFound):
		return CategoryMethodNotFound
	case errors.Is(err, toolname.ErrInvalidToolName), errors.Is(err, ErrInvalidParams):
		return CategoryInvalidParams
	case errors.As(err, &connErr),
		errors.Is(err, pool.ErrConfigNotFound),
		errors.Is(err, pool.ErrReconnectExhausted),
		errors.Is(err, ErrDownstream),
		errors.Is(err, context.DeadlineExceeded):
		return CategoryConnection
	default:
		return CategoryInternal
	}
}

// detail is the data.message for err. Credential failures get a fixed
// reason so responses cannot be used as a verification oracle.
func detail(cat Category, err error) string {
	switch cat {
	case CategoryAuthentication, CategoryInstanceMismatch:
		return auth.PublicReason(err)
	case CategoryAuthorization:
		if errors.Is(err, auth.ErrInsufficientScope) {
			return auth.PublicReason(err)
		}
		return ErrForbidden.Error()
	default:
		return err.Error()
	}
}

// ErrorResponse builds the JSON-RPC error for err.
func ErrorResponse(id *jsonrpc.RequestID, err error) *jsonrpc.Response {
	cat := Classify(err)
	return jsonrpc.NewErrorResponse(id, cat.Code(), cat.Message(), &jsonrpc.ErrorData{Message: detail(cat, err)})
}
