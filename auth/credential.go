package auth

import (
	"net/http"
	"strings"

	"github.com/ggoodman/mcp-gateway/internal/jwtauth"
)

// Credential is the classified credential of a request. It is one of
// JWTCredential, APIKeyCredential, OAuthCredential or NoCredential.
type Credential interface {
	credential()
}

// JWTCredential is a bearer JWT issued by the Keycloak realm.
type JWTCredential struct {
	Token string
}

// APIKeySource records where an API key was presented.
type APIKeySource int

const (
	APIKeyFromBearer APIKeySource = iota
	APIKeyFromHeader
)

// APIKeyCredential is an opaque API key.
type APIKeyCredential struct {
	Key    string
	Source APIKeySource
	// Fallback is set when a bearer token accompanied a header API key.
	Fallback *OAuthCredential
}

// OAuthCredential is a bearer JWT from any issuer other than the Keycloak
// realm.
type OAuthCredential struct {
	Token  string
	Issuer string
}

// NoCredential means no usable credential was found.
type NoCredential struct {
	// Malformed is true when an Authorization header was present but unusable.
	Malformed bool
}

func (JWTCredential) credential()    {}
func (APIKeyCredential) credential() {}
func (OAuthCredential) credential()  {}
func (NoCredential) credential()     {}

// ClassifyOptions parameterizes Classify.
type ClassifyOptions struct {
	// KeycloakIssuer routes JWTs with this iss to JWTCredential.
	KeycloakIssuer string
	// APIKeyPrefix marks bearer tokens that are API keys.
	APIKeyPrefix string
	// APIKeyHeader is the dedicated API key header.
	APIKeyHeader string
}

// Classify inspects h and returns the request's credential.
func Classify(h http.Header, opts ClassifyOptions) Credential {
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = DefaultAPIKeyHeader
	}

	bearer, hasAuthz, malformed := bearerToken(h)

	if key := strings.TrimSpace(h.Get(opts.APIKeyHeader)); key != "" {
		cred := APIKeyCredential{Key: key, Source: APIKeyFromHeader}
		if hasAuthz && !malformed && looksLikeJWT(bearer) {
			iss, _ := jwtauth.UnverifiedIssuer(bearer)
			cred.Fallback = &OAuthCredential{Token: bearer, Issuer: iss}
		}
		return cred
	}

	if !hasAuthz {
		return NoCredential{}
	}
	if malformed {
		return NoCredential{Malformed: true}
	}

	if opts.APIKeyPrefix != "" && strings.HasPrefix(bearer, opts.APIKeyPrefix) {
		return APIKeyCredential{Key: bearer, Source: APIKeyFromBearer}
	}
	if looksLikeJWT(bearer) {
		iss, err := jwtauth.UnverifiedIssuer(bearer)
		if err != nil {
			return NoCredential{Malformed: true}
		}
		if opts.KeycloakIssuer != "" && iss == opts.KeycloakIssuer {
			return JWTCredential{Token: bearer}
		}
		return OAuthCredential{Token: bearer, Issuer: iss}
	}
	return APIKeyCredential{Key: bearer, Source: APIKeyFromBearer}
}

// bearerToken extracts the bearer token. hasAuthz reports whether an
// Authorization header was present at all.
func bearerToken(h http.Header) (tok string, hasAuthz, malformed bool) {
	v := h.Get("Authorization")
	if v == "" {
		return "", false, false
	}
	scheme, rest, ok := strings.Cut(v, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", true, true
	}
	tok = strings.TrimSpace(rest)
	if tok == "" || strings.ContainsAny(tok, " \t") {
		return "", true, true
	}
	return tok, true, false
}

// looksLikeJWT reports whether tok has the compact JWS shape with a JSON
// header ("eyJ" is base64url for `{"`).
func looksLikeJWT(tok string) bool {
	return strings.HasPrefix(tok, "eyJ") && strings.Count(tok, ".") == 2
}
