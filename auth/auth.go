package auth

import (
	"errors"
	"slices"
)

var (
	// ErrNoCredential indicates the request carried no credential.
	ErrNoCredential = errors.New("no credential")
	// ErrMalformedCredential indicates an Authorization header that is not a
	// usable bearer credential.
	ErrMalformedCredential = errors.New("malformed credential")
	// ErrInvalidCredential is the uniform failure for API keys and for tokens
	// from unknown issuers.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrTokenExpired indicates an expired token.
	ErrTokenExpired = errors.New("token expired")
	// ErrInvalidSignature indicates a token whose signature did not verify.
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrMissingClaim indicates a verified token without a required claim.
	ErrMissingClaim = errors.New("missing required claim")
	// ErrInsufficientScope indicates the caller authenticated but lacks the
	// gateway scope.
	ErrInsufficientScope = errors.New("insufficient scope")
	// ErrInstanceMismatch indicates the credential is bound to a different
	// instance than the one addressed by the request.
	ErrInstanceMismatch = errors.New("instance mismatch")
)

// IsAuthenticationError reports whether err is one of the authentication
// failures above, excluding the authorization-class failures
// ErrInsufficientScope and ErrInstanceMismatch.
func IsAuthenticationError(err error) bool {
	for _, target := range []error{
		ErrNoCredential, ErrMalformedCredential, ErrInvalidCredential,
		ErrTokenExpired, ErrInvalidSignature, ErrMissingClaim,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Method identifies how a request authenticated.
type Method string

const (
	MethodJWT    Method = "jwt"
	MethodAPIKey Method = "api_key"
	MethodOAuth  Method = "oauth"
)

// AuthContext is the normalized, immutable identity of one request.
type AuthContext struct {
	method         Method
	organizationID string
	userID         string
	clientID       string
	instanceID     string
	scopes         []string
}

// Params carries the fields of an AuthContext.
type Params struct {
	Method         Method
	OrganizationID string
	UserID         string
	ClientID       string
	InstanceID     string
	Scopes         []string
}

// NewAuthContext builds an AuthContext, copying p.Scopes.
func NewAuthContext(p Params) AuthContext {
	return AuthContext{
		method:         p.Method,
		organizationID: p.OrganizationID,
		userID:         p.UserID,
		clientID:       p.ClientID,
		instanceID:     p.InstanceID,
		scopes:         slices.Clone(p.Scopes),
	}
}

func (a AuthContext) Method() Method         { return a.method }
func (a AuthContext) OrganizationID() string { return a.organizationID }
func (a AuthContext) UserID() string         { return a.userID }
func (a AuthContext) ClientID() string       { return a.clientID }

// InstanceID is the instance the credential is bound to. For Keycloak JWTs
// it is the instance from the request URL.
func (a AuthContext) InstanceID() string { return a.instanceID }

// Scopes returns a copy of the granted scopes.
func (a AuthContext) Scopes() []string { return slices.Clone(a.scopes) }

// HasScope reports whether scope was granted.
func (a AuthContext) HasScope(scope string) bool { return slices.Contains(a.scopes, scope) }

// Principal returns the user id, or the client id when no user is involved.
func (a AuthContext) Principal() string {
	if a.userID != "" {
		return a.userID
	}
	return a.clientID
}

// Params returns the fields of a as a Params value.
func (a AuthContext) Params() Params {
	return Params{
		Method:         a.method,
		OrganizationID: a.organizationID,
		UserID:         a.userID,
		ClientID:       a.clientID,
		InstanceID:     a.instanceID,
		Scopes:         slices.Clone(a.scopes),
	}
}
