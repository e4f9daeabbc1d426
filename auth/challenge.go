package auth

import (
	"errors"
	"strings"
)

// PublicReason returns a fixed, non-sensitive description of an
// authentication or authorization failure, suitable for wire responses.
func PublicReason(err error) string {
	switch {
	case errors.Is(err, ErrNoCredential):
		return "authentication required"
	case errors.Is(err, ErrMalformedCredential):
		return "malformed authorization header"
	case errors.Is(err, ErrTokenExpired):
		return "token expired"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid token signature"
	case errors.Is(err, ErrMissingClaim):
		return "token is missing a required claim"
	case errors.Is(err, ErrInsufficientScope):
		return "insufficient scope"
	case errors.Is(err, ErrInstanceMismatch):
		return "credential is not valid for this instance"
	default:
		return "invalid credential"
	}
}

// BearerChallenge builds the WWW-Authenticate value for err. It returns ""
// for errors that do not warrant a challenge.
func BearerChallenge(err error, resourceMetadataURL, scope string) string {
	var params []string
	switch {
	case errors.Is(err, ErrNoCredential):
	case errors.Is(err, ErrMalformedCredential):
		params = append(params,
			param("error", "invalid_request"),
			param("error_description", PublicReason(err)))
	case errors.Is(err, ErrInsufficientScope):
		params = append(params, param("error", "insufficient_scope"))
		if scope != "" {
			params = append(params, param("scope", scope))
		}
	case IsAuthenticationError(err):
		params = append(params,
			param("error", "invalid_token"),
			param("error_description", PublicReason(err)))
	default:
		return ""
	}
	if resourceMetadataURL != "" {
		params = append(params, param("resource_metadata", resourceMetadataURL))
	}
	if len(params) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(params, ", ")
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func param(k, v string) string {
	return k + `="` + quoteEscaper.Replace(v) + `"`
}
