// Package directory defines the read-mostly records the gateway consumes
// from the platform's system of record: organization membership with roles,
// groups and resource ACLs; instances and the downstream servers behind
// them; and API keys.
//
// Implementations live in subpackages: postgres reads the relational schema,
// filesource serves a YAML document for development and tests.
package directory

import (
	"context"
	"errors"
	"slices"
)

var (
	// ErrNotMember is returned when a user does not belong to an organization.
	ErrNotMember = errors.New("not a member of the organization")
	// ErrInstanceNotFound is returned for unknown instance ids.
	ErrInstanceNotFound = errors.New("instance not found")
	// ErrServerNotFound is returned when a namespace has no server config.
	ErrServerNotFound = errors.New("server config not found")
)

// ResourceType names a class of protected resource.
type ResourceType string

const (
	ResourceMCPServerInstance ResourceType = "MCP_SERVER_INSTANCE"
	ResourceMCPServer         ResourceType = "MCP_SERVER"
	ResourceOrganization      ResourceType = "ORGANIZATION"
	ResourceAPIKey            ResourceType = "API_KEY"
	ResourceAgent             ResourceType = "AGENT"
)

// Action is an operation on a resource. ActionManage implies every other
// action on the same resource type.
type Action string

const (
	ActionRead    Action = "READ"
	ActionCreate  Action = "CREATE"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionExecute Action = "EXECUTE"
	ActionManage  Action = "MANAGE"
)

// Covers reports whether holding a implies b.
func (a Action) Covers(b Action) bool {
	return a == b || a == ActionManage
}

// Effect is the outcome an ACL entry asserts.
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

// OrgRole is a member's built-in organization role.
type OrgRole string

const (
	OrgRoleOwner  OrgRole = "OWNER"
	OrgRoleAdmin  OrgRole = "ADMIN"
	OrgRoleMember OrgRole = "MEMBER"
)

// Permission is a role-level grant on a resource type.
type Permission struct {
	ResourceType ResourceType `yaml:"resourceType" json:"resourceType"`
	Action       Action       `yaml:"action" json:"action"`
}

// Role is a named set of permissions.
type Role struct {
	Name        string       `yaml:"name" json:"name"`
	Permissions []Permission `yaml:"permissions" json:"permissions"`
}

// ACL is a resource-level entry.
type ACL struct {
	ResourceType ResourceType `yaml:"resourceType" json:"resourceType"`
	ResourceID   string       `yaml:"resourceId" json:"resourceId"`
	Action       Action       `yaml:"action" json:"action"`
	Effect       Effect       `yaml:"effect" json:"effect"`
}

// Group is a set of members sharing ACL entries.
type Group struct {
	Name string `yaml:"name" json:"name"`
	ACLs []ACL  `yaml:"acls" json:"acls"`
}

// Member is everything needed to evaluate one user's permissions within an
// organization.
type Member struct {
	OrganizationID string
	UserID         string
	OrgRole        OrgRole
	Roles          []Role
	Groups         []Group
	ACLs           []ACL
}

// Instance is a logical MCP server exposed by the gateway. Each namespace
// names one downstream server; tools are exposed as "<namespace>__<tool>".
type Instance struct {
	ID             string   `yaml:"id"`
	OrganizationID string   `yaml:"organizationId"`
	Namespaces     []string `yaml:"namespaces"`
}

// HasNamespace reports whether ns is served by the instance.
func (i *Instance) HasNamespace(ns string) bool {
	return slices.Contains(i.Namespaces, ns)
}

// Transport names how the gateway reaches a downstream server.
type Transport string

const (
	TransportStreamableHTTP Transport = "streamable-http"
	TransportSSE            Transport = "sse"
	TransportStdio          Transport = "stdio"
)

// ServerConfig describes how to connect to one namespace of an instance.
type ServerConfig struct {
	Namespace string            `yaml:"namespace"`
	Transport Transport         `yaml:"transport"`
	URL       string            `yaml:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       []string          `yaml:"env,omitempty"`
}

// MemberSource loads membership data.
type MemberSource interface {
	// LoadMember returns ErrNotMember when userID is not in orgID.
	LoadMember(ctx context.Context, orgID, userID string) (*Member, error)
}

// InstanceSource resolves instances.
type InstanceSource interface {
	Instance(ctx context.Context, instanceID string) (*Instance, error)
}

// ServerConfigSource resolves downstream connection settings.
type ServerConfigSource interface {
	ServerConfig(ctx context.Context, instanceID, namespace string) (*ServerConfig, error)
}
