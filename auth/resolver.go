package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/ggoodman/mcp-gateway/internal/jwtauth"
	"github.com/jellydator/ttlcache/v3"
)

const (
	DefaultAPIKeyPrefix   = "mcpgw_"
	DefaultAPIKeyHeader   = "X-API-Key"
	DefaultAPIKeyCacheTTL = 30 * time.Second
	DefaultOrgClaim       = "organization_id"
	DefaultInstanceClaim  = "instance_id"
	DefaultRequiredScope  = "mcp:gateway"
)

// TokenVerifier verifies bearer JWTs for one issuer. *jwtauth.Verifier
// satisfies it.
type TokenVerifier interface {
	Issuer() string
	Verify(ctx context.Context, tok string) (*jwtauth.Claims, error)
}

// Config configures a Resolver.
type Config struct {
	// Keycloak verifies first-party user JWTs. Nil disables the strategy.
	Keycloak TokenVerifier
	// OAuth verifiers are selected by the token's iss claim.
	OAuth []TokenVerifier
	// APIKeys resolves API keys. Nil rejects every API key.
	APIKeys APIKeyStore

	APIKeyPrefix   string
	APIKeyHeader   string
	APIKeyCacheTTL time.Duration
	OrgClaim       string
	InstanceClaim  string
	// RequiredScope must be granted to Keycloak JWTs.
	RequiredScope string

	// AllowAPIKeyOAuthFallback lets a request that carries both an API key
	// header and a bearer token retry with the bearer token when the key is
	// rejected.
	AllowAPIKeyOAuthFallback bool

	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.APIKeyPrefix == "" {
		c.APIKeyPrefix = DefaultAPIKeyPrefix
	}
	if c.APIKeyHeader == "" {
		c.APIKeyHeader = DefaultAPIKeyHeader
	}
	if c.APIKeyCacheTTL <= 0 {
		c.APIKeyCacheTTL = DefaultAPIKeyCacheTTL
	}
	if c.OrgClaim == "" {
		c.OrgClaim = DefaultOrgClaim
	}
	if c.InstanceClaim == "" {
		c.InstanceClaim = DefaultInstanceClaim
	}
	if c.RequiredScope == "" {
		c.RequiredScope = DefaultRequiredScope
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used for lookup failures and fallbacks.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// Request is the part of an inbound request the resolver needs.
type Request struct {
	Header http.Header
	// InstanceID is the instance addressed by the request URL.
	InstanceID string
}

// Resolver authenticates requests.
type Resolver struct {
	cfg      Config
	classify ClassifyOptions
	keyCache *ttlcache.Cache[string, *APIKeyRecord]
	log      *slog.Logger
}

// New returns a Resolver. Close must be called to stop the API key cache's
// expiry loop.
func New(cfg Config, opts ...Option) *Resolver {
	cfg.applyDefaults()
	r := &Resolver{
		cfg: cfg,
		classify: ClassifyOptions{
			APIKeyPrefix: cfg.APIKeyPrefix,
			APIKeyHeader: cfg.APIKeyHeader,
		},
		keyCache: ttlcache.New[string, *APIKeyRecord](
			ttlcache.WithTTL[string, *APIKeyRecord](cfg.APIKeyCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, *APIKeyRecord](),
		),
		log: slog.Default(),
	}
	if cfg.Keycloak != nil {
		r.classify.KeycloakIssuer = cfg.Keycloak.Issuer()
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.keyCache.Start()
	return r
}

// Close stops background work.
func (r *Resolver) Close() {
	r.keyCache.Stop()
}

// RequiredScope is the scope advertised in insufficient_scope challenges.
func (r *Resolver) RequiredScope() string { return r.cfg.RequiredScope }

// Resolve authenticates req. Failures wrap exactly one of the package's
// sentinel errors.
func (r *Resolver) Resolve(ctx context.Context, req Request) (AuthContext, error) {
	switch cred := Classify(req.Header, r.classify).(type) {
	case NoCredential:
		if cred.Malformed {
			return AuthContext{}, ErrMalformedCredential
		}
		return AuthContext{}, ErrNoCredential
	case JWTCredential:
		return r.resolveJWT(ctx, cred, req.InstanceID)
	case OAuthCredential:
		return r.resolveOAuth(ctx, cred, req.InstanceID)
	case APIKeyCredential:
		ac, err := r.resolveAPIKey(ctx, cred)
		if err == nil || cred.Fallback == nil || !r.cfg.AllowAPIKeyOAuthFallback {
			return ac, err
		}
		r.log.DebugContext(ctx, "auth.apikey.fallback", slog.String("issuer", cred.Fallback.Issuer))
		if r.classify.KeycloakIssuer != "" && cred.Fallback.Issuer == r.classify.KeycloakIssuer {
			return r.resolveJWT(ctx, JWTCredential{Token: cred.Fallback.Token}, req.InstanceID)
		}
		return r.resolveOAuth(ctx, *cred.Fallback, req.InstanceID)
	default:
		return AuthContext{}, fmt.Errorf("%w: unsupported credential %T", ErrInvalidCredential, cred)
	}
}

func (r *Resolver) resolveJWT(ctx context.Context, cred JWTCredential, instanceID string) (AuthContext, error) {
	if r.cfg.Keycloak == nil {
		return AuthContext{}, ErrInvalidCredential
	}
	claims, err := r.cfg.Keycloak.Verify(ctx, cred.Token)
	if err != nil {
		return AuthContext{}, verifyError(err)
	}
	org, ok := claims.String(r.cfg.OrgClaim)
	if !ok {
		return AuthContext{}, errorf(ErrMissingClaim, "claim %q", r.cfg.OrgClaim)
	}
	scopes := claims.Scopes()
	if !slices.Contains(scopes, r.cfg.RequiredScope) {
		return AuthContext{}, errorf(ErrInsufficientScope, "scope %q not granted", r.cfg.RequiredScope)
	}
	if bound, ok := claims.String(r.cfg.InstanceClaim); ok && instanceID != "" && bound != instanceID {
		return AuthContext{}, errorf(ErrInstanceMismatch, "token bound to %q", bound)
	}
	clientID, _ := claims.String("azp")
	return NewAuthContext(Params{
		Method:         MethodJWT,
		OrganizationID: org,
		UserID:         claims.Subject(),
		ClientID:       clientID,
		InstanceID:     instanceID,
		Scopes:         scopes,
	}), nil
}

func (r *Resolver) resolveOAuth(ctx context.Context, cred OAuthCredential, instanceID string) (AuthContext, error) {
	var v TokenVerifier
	for _, candidate := range r.cfg.OAuth {
		if candidate.Issuer() == cred.Issuer {
			v = candidate
			break
		}
	}
	if v == nil {
		return AuthContext{}, errorf(ErrInvalidCredential, "unknown issuer %q", cred.Issuer)
	}
	claims, err := v.Verify(ctx, cred.Token)
	if err != nil {
		return AuthContext{}, verifyError(err)
	}
	bound, ok := claims.String(r.cfg.InstanceClaim)
	if !ok {
		return AuthContext{}, errorf(ErrMissingClaim, "claim %q", r.cfg.InstanceClaim)
	}
	if bound != instanceID {
		return AuthContext{}, errorf(ErrInstanceMismatch, "token bound to %q", bound)
	}
	org, ok := claims.String(r.cfg.OrgClaim)
	if !ok {
		return AuthContext{}, errorf(ErrMissingClaim, "claim %q", r.cfg.OrgClaim)
	}
	clientID, ok := claims.String("client_id")
	if !ok {
		if clientID, ok = claims.String("azp"); !ok {
			clientID = claims.Subject()
		}
	}
	// A subject distinct from the client is a user the token was issued for.
	var userID string
	if sub := claims.Subject(); sub != clientID {
		userID = sub
	}
	return NewAuthContext(Params{
		Method:         MethodOAuth,
		OrganizationID: org,
		UserID:         userID,
		ClientID:       clientID,
		InstanceID:     bound,
		Scopes:         claims.Scopes(),
	}), nil
}

// verifyError maps a jwtauth failure onto this package's sentinels, keeping
// the detail for logs.
func verifyError(err error) error {
	switch {
	case errors.Is(err, jwtauth.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, jwtauth.ErrInvalidSignature):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwtauth.ErrInsufficientScope):
		return fmt.Errorf("%w: %v", ErrInsufficientScope, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
}

func errorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
