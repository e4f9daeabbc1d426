package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-gateway/gateway"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/internal/wellknown"
	"github.com/google/uuid"
	"github.com/rs/cors"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	responseMediaTypes   = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

const (
	mcpSessionIDHeader    = "Mcp-Session-Id"
	wwwAuthenticateHeader = "WWW-Authenticate"

	defaultMaxBodyBytes = 4 << 20
)

// Gateway is the request pipeline behind the handler. *gateway.Gateway
// satisfies it.
type Gateway interface {
	Handle(ctx context.Context, req *gateway.Request) *gateway.Result
	TerminateSession(ctx context.Context, header http.Header, instanceID, sessionID string) *gateway.Result
}

// Config describes the public face of the handler.
type Config struct {
	// PublicURL is the externally visible base URL. When empty it is derived
	// from each request.
	PublicURL string
	// AuthorizationServers are advertised in protected resource metadata.
	AuthorizationServers []string
	// ScopesSupported are advertised in protected resource metadata.
	ScopesSupported []string
	// AllowedOrigins for CORS. Defaults to any origin.
	AllowedOrigins []string
	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. Records are enriched from the request context.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithReadiness sets the probe consulted by /healthz.
func WithReadiness(fn func(ctx context.Context) error) Option {
	return func(h *Handler) { h.ready = fn }
}

// Handler serves the gateway over HTTP.
type Handler struct {
	cfg     Config
	gw      Gateway
	log     *slog.Logger
	ready   func(ctx context.Context) error
	handler http.Handler
}

// New returns a Handler mounting every gateway route.
func New(gw Gateway, cfg Config, opts ...Option) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	h := &Handler{cfg: cfg, gw: gw, log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Wrap(h.log.Handler()))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /instances/{instanceID}/mcp", h.handlePost(gateway.ModeSession))
	mux.HandleFunc("POST /instances/{instanceID}/mcp/stateless", h.handlePost(gateway.ModeStateless))
	mux.HandleFunc("DELETE /instances/{instanceID}/mcp", h.handleDelete)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource/instances/{instanceID}/mcp", h.handleMetadata)
	mux.HandleFunc("GET /healthz", h.handleHealth)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Accept", "X-API-Key", mcpSessionIDHeader, "Mcp-Protocol-Version", "Last-Event-ID"},
		ExposedHeaders: []string{mcpSessionIDHeader, wwwAuthenticateHeader},
		MaxAge:         600,
	})
	h.handler = c.Handler(mux)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// writeRPCError emits a JSON-RPC error envelope with a null id for requests
// rejected before their body could be parsed.
func writeRPCError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(nil, code, msg, nil))
}

func (h *Handler) handlePost(mode gateway.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		instanceID := r.PathValue("instanceID")
		h.log.DebugContext(ctx, "http.post.start", slog.String("instance", instanceID))

		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			h.log.WarnContext(ctx, "content_type.unsupported")
			writeRPCError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeInvalidRequest, "content-type must be application/json")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				h.log.WarnContext(ctx, "body.too_large", slog.Int64("limit", tooLarge.Limit))
				writeRPCError(w, http.StatusRequestEntityTooLarge, jsonrpc.ErrorCodeInvalidRequest, "request body too large")
				return
			}
			h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
			writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "failed to read request body")
			return
		}

		req := &gateway.Request{
			Header:     r.Header,
			InstanceID: instanceID,
			Mode:       mode,
			Body:       body,
		}
		if mode == gateway.ModeSession {
			req.SessionID = r.Header.Get(mcpSessionIDHeader)
		}
		h.writeResult(ctx, w, r, h.gw.Handle(ctx, req))
		h.log.InfoContext(ctx, "http.post.done", slog.Duration("dur", time.Since(start)))
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := h.gw.TerminateSession(ctx, r.Header, r.PathValue("instanceID"), r.Header.Get(mcpSessionIDHeader))
	h.writeResult(ctx, w, r, res)
}

func (h *Handler) writeResult(ctx context.Context, w http.ResponseWriter, r *http.Request, res *gateway.Result) {
	if res.SessionID != "" {
		w.Header().Set(mcpSessionIDHeader, res.SessionID)
	}
	if res.Challenge != "" {
		w.Header().Add(wwwAuthenticateHeader, res.Challenge)
	}
	if res.Response == nil {
		w.WriteHeader(res.Status)
		return
	}

	payload, err := json.Marshal(res.Response)
	if err != nil {
		h.log.ErrorContext(ctx, "response.encode.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to encode response")
		return
	}

	mt, _, err := contenttype.GetAcceptableMediaType(r, responseMediaTypes)
	if err == nil && mt.Matches(eventStreamMediaType) {
		w.Header().Set("Content-Type", eventStreamMediaType.String())
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(res.Status)
		if err := writeSSEEvent(w, payload); err != nil {
			h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		}
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(res.Status)
	if _, err := w.Write(payload); err != nil {
		h.log.ErrorContext(ctx, "response.write.fail", slog.String("err", err.Error()))
	}
}

// writeSSEEvent writes payload as a single "message" event and flushes.
func writeSSEEvent(w http.ResponseWriter, payload []byte) error {
	if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	doc := wellknown.ForInstance(h.publicURL(r), r.PathValue("instanceID"), h.cfg.AuthorizationServers, h.cfg.ScopesSupported)
	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		h.log.ErrorContext(r.Context(), "metadata.encode.fail", slog.String("err", err.Error()))
	}
}

// publicURL is the configured base URL, or one derived from r.
func (h *Handler) publicURL(r *http.Request) string {
	if h.cfg.PublicURL != "" {
		return h.cfg.PublicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, body := http.StatusOK, map[string]string{"status": "ok"}
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			h.log.WarnContext(ctx, "health.fail", slog.String("err", err.Error()))
			status, body = http.StatusServiceUnavailable, map[string]string{"status": "unavailable"}
		}
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
