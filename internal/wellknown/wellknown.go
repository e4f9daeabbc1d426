// Package wellknown builds the OAuth protected resource metadata (RFC 9728)
// advertised for each instance endpoint.
package wellknown

import (
	"net/url"
	"strings"
)

// ProtectedResourceMetadata is the RFC 9728 document.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

const metadataPrefix = "/.well-known/oauth-protected-resource"

// ResourcePath is the MCP endpoint path of an instance.
func ResourcePath(instanceID string) string {
	return "/instances/" + url.PathEscape(instanceID) + "/mcp"
}

// ResourceURL is the absolute MCP endpoint URL of an instance.
func ResourceURL(publicURL, instanceID string) string {
	return strings.TrimRight(publicURL, "/") + ResourcePath(instanceID)
}

// MetadataPath is where the metadata for an instance is served. The
// well-known segment is inserted before the resource path.
func MetadataPath(instanceID string) string {
	return metadataPrefix + ResourcePath(instanceID)
}

// MetadataURL is the absolute metadata URL of an instance, or "" when
// publicURL is unknown.
func MetadataURL(publicURL, instanceID string) string {
	if publicURL == "" {
		return ""
	}
	return strings.TrimRight(publicURL, "/") + MetadataPath(instanceID)
}

// ForInstance returns the metadata document for an instance.
func ForInstance(publicURL, instanceID string, authorizationServers, scopes []string) ProtectedResourceMetadata {
	return ProtectedResourceMetadata{
		Resource:               ResourceURL(publicURL, instanceID),
		AuthorizationServers:   authorizationServers,
		ScopesSupported:        scopes,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           "MCP instance " + instanceID,
	}
}
