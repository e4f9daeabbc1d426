// Package jwtauth verifies JWT bearer tokens against a JWKS, either
// discovered through OIDC metadata or configured directly.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation behavior for bearer tokens.
type Config struct {
	Issuer string
	// ExpectedAudiences, when non-empty, requires the aud claim to contain at
	// least one of the entries.
	ExpectedAudiences []string
	RequiredScopes    []string
	ScopeModeAny      bool // if true, any of RequiredScopes is sufficient; else all are required
	AllowedAlgs       []string
	Leeway            time.Duration
	// RequireAccessTokenType enforces the RFC 9068 "at+jwt" typ header.
	RequireAccessTokenType bool
	// JWKSURL skips discovery when set (see NewStatic).
	JWKSURL string
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

var (
	// ErrUnauthorized indicates that the token failed validation. Every
	// verification failure wraps it; the errors below refine the reason.
	ErrUnauthorized = errors.New("jwtauth: unauthorized")
	// ErrTokenExpired indicates the exp claim (plus leeway) has passed.
	ErrTokenExpired = errors.New("jwtauth: token expired")
	// ErrInvalidSignature indicates the signature did not verify or no key
	// matched the token.
	ErrInvalidSignature = errors.New("jwtauth: invalid signature")
	// ErrInsufficientScope indicates the token was valid but did not satisfy the
	// required scopes policy; callers should respond with HTTP 403 where relevant.
	ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")
)

// Verifier validates tokens for a single issuer.
type Verifier struct {
	cfg     Config
	issuer  string
	keyfunc jwt.Keyfunc
}

// NewFromDiscovery performs OIDC discovery to obtain the issuer and jwks_uri
// and returns a Verifier whose JWKS is refreshed in the background for the
// lifetime of ctx.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	return newVerifier(ctx, cfg, meta.Issuer, meta.JwksURI)
}

// NewStatic returns a Verifier for cfg.Issuer using cfg.JWKSURL directly.
func NewStatic(ctx context.Context, cfg *Config) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.JWKSURL == "" {
		return nil, errors.New("jwks uri required")
	}
	return newVerifier(ctx, cfg, cfg.Issuer, cfg.JWKSURL)
}

func newVerifier(ctx context.Context, cfg *Config, issuer, jwksURI string) (*Verifier, error) {
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway < 0 {
		c.Leeway = 0
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &Verifier{
		cfg:    c,
		issuer: issuer,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(c.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

// Issuer returns the issuer tokens must carry.
func (v *Verifier) Issuer() string { return v.issuer }

// Verify checks signature, issuer, expiry (with leeway), audience and scope
// policy, returning the token's claims.
func (v *Verifier) Verify(ctx context.Context, tok string) (*Claims, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithIssuedAt(),
	)

	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, ErrTokenExpired)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, fmt.Errorf("%w: %w: %v", ErrUnauthorized, ErrInvalidSignature, err)
		default:
			return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
		}
	}

	if v.cfg.RequireAccessTokenType {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	claims := &Claims{raw: mc}

	if len(v.cfg.ExpectedAudiences) > 0 && !audIntersects(mc["aud"], v.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	if len(v.cfg.RequiredScopes) > 0 && !scopesSatisfied(claims.Scopes(), v.cfg.RequiredScopes, v.cfg.ScopeModeAny) {
		return claims, ErrInsufficientScope
	}

	if claims.Subject() == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	return claims, nil
}

// UnverifiedIssuer returns the iss claim of tok without verifying anything.
// It is only suitable for routing a token to the verifier that will check it.
func UnverifiedIssuer(tok string) (string, error) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, mc); err != nil {
		return "", err
	}
	iss, _ := mc["iss"].(string)
	return iss, nil
}

// Claims wraps a verified token's claims.
type Claims struct {
	raw jwt.MapClaims
}

// Subject returns the sub claim.
func (c *Claims) Subject() string {
	s, _ := c.raw["sub"].(string)
	return s
}

// String returns a string-valued claim.
func (c *Claims) String(name string) (string, bool) {
	s, ok := c.raw[name].(string)
	return s, ok && s != ""
}

// Scopes returns the space-delimited scope claim, falling back to the scp
// array used by some providers.
func (c *Claims) Scopes() []string {
	if s, ok := c.raw["scope"].(string); ok {
		return strings.Fields(s)
	}
	if arr, ok := c.raw["scp"].([]any); ok {
		out := make([]string, 0, len(arr))
		for _, e := range arr {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func scopesSatisfied(have, want []string, anyOf bool) bool {
	if anyOf {
		for _, w := range want {
			if slices.Contains(have, w) {
				return true
			}
		}
		return false
	}
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
