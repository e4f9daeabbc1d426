// Package auth turns the credential on an inbound gateway request into an
// AuthContext.
//
// Three credential types are accepted:
//
//   - Keycloak-issued JWTs (Authorization: Bearer eyJ...) verified against
//     the realm's JWKS found through OIDC discovery.
//   - API keys (Authorization: Bearer mcpgw_... or X-API-Key) looked up by
//     their SHA-256 digest.
//   - OAuth access tokens issued by the gateway or an upstream authorization
//     server, bound to a single instance through a claim.
//
// Classify inspects the request headers once and returns one of a closed set
// of Credential variants. Resolver.Resolve dispatches on the variant; it never
// moves to a different strategy because verification failed, with the single
// exception of the opt-in API key to OAuth fallback.
//
// # Errors
//
// Each failure mode has its own sentinel (ErrTokenExpired,
// ErrInvalidSignature, ErrMissingClaim, ErrInsufficientScope,
// ErrInstanceMismatch, ...). All API key failures collapse to
// ErrInvalidCredential so callers cannot probe which keys exist. Error strings
// may carry verification detail for logs; transports must map the sentinel to
// a fixed public message instead of echoing Error().
package auth
