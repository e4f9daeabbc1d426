// Package streaminghttp exposes the gateway over HTTP. It mounts as a
// standard net/http handler.
//
// Routes
//
//	POST   /instances/{instanceID}/mcp            session mode
//	DELETE /instances/{instanceID}/mcp            terminate a session
//	POST   /instances/{instanceID}/mcp/stateless  stateless mode
//	GET    /.well-known/oauth-protected-resource/instances/{instanceID}/mcp
//	GET    /healthz
//
// In session mode the Mcp-Session-Id header is returned on initialize and
// must be sent on every later request.
//
// Every request carries exactly one JSON-RPC message. The response is plain
// JSON, or a single SSE "message" event when the client's Accept header
// prefers text/event-stream. Credential failures add a WWW-Authenticate
// challenge pointing at the instance's protected resource metadata.
package streaminghttp
