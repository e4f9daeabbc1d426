package sessions

import (
	"slices"
	"time"
)

// TransportType names the transport that created a session.
type TransportType string

const (
	TransportStreamableHTTP TransportType = "streamable-http"
	TransportStateless      TransportType = "stateless"
)

// AuthInfo is the persisted snapshot of the credential that created a
// session. It never changes after creation.
type AuthInfo struct {
	Method         string   `json:"method"`
	OrganizationID string   `json:"organization_id"`
	UserID         string   `json:"user_id,omitempty"`
	ClientID       string   `json:"client_id,omitempty"`
	InstanceID     string   `json:"instance_id"`
	Scopes         []string `json:"scopes,omitempty"`
}

// Principal returns the user id, or the client id for client credentials.
func (a AuthInfo) Principal() string {
	if a.UserID != "" {
		return a.UserID
	}
	return a.ClientID
}

// Equal reports whether a and b describe the same credential binding.
func (a AuthInfo) Equal(b AuthInfo) bool {
	return a.Method == b.Method &&
		a.OrganizationID == b.OrganizationID &&
		a.UserID == b.UserID &&
		a.ClientID == b.ClientID &&
		a.InstanceID == b.InstanceID &&
		slices.Equal(a.Scopes, b.Scopes)
}

// Session is a gateway session record.
type Session struct {
	ID            string        `json:"id"`
	TransportType TransportType `json:"transport_type"`
	ClientID      string        `json:"client_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	LastActivity  time.Time     `json:"last_activity"`
	ErrorCount    int           `json:"error_count"`
	AuthInfo      AuthInfo      `json:"auth_info"`
}
