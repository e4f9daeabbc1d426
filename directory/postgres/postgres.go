// Package postgres reads directory records from the platform database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/directory"
	"github.com/lib/pq"
)

var (
	_ directory.MemberSource       = (*Store)(nil)
	_ directory.InstanceSource     = (*Store)(nil)
	_ directory.ServerConfigSource = (*Store)(nil)
	_ auth.APIKeyStore             = (*Store)(nil)
)

// Schema creates the tables the gateway reads. The platform owns the real
// schema; this is the subset the queries below depend on.
const Schema = `
CREATE TABLE IF NOT EXISTS organization_members (
	organization_id TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	org_role        TEXT NOT NULL DEFAULT 'MEMBER',
	PRIMARY KEY (organization_id, user_id)
);
CREATE TABLE IF NOT EXISTS roles (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	name            TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS role_permissions (
	role_id       TEXT NOT NULL REFERENCES roles (id) ON DELETE CASCADE,
	resource_type TEXT NOT NULL,
	action        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS member_roles (
	organization_id TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	role_id         TEXT NOT NULL REFERENCES roles (id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS groups (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	name            TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS group_members (
	group_id TEXT NOT NULL REFERENCES groups (id) ON DELETE CASCADE,
	user_id  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS acls (
	organization_id TEXT NOT NULL,
	subject_type    TEXT NOT NULL CHECK (subject_type IN ('user', 'group')),
	subject_id      TEXT NOT NULL,
	resource_type   TEXT NOT NULL,
	resource_id     TEXT NOT NULL,
	action          TEXT NOT NULL,
	effect          TEXT NOT NULL CHECK (effect IN ('ALLOW', 'DENY'))
);
CREATE TABLE IF NOT EXISTS mcp_server_instances (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS mcp_servers (
	instance_id TEXT NOT NULL REFERENCES mcp_server_instances (id) ON DELETE CASCADE,
	namespace   TEXT NOT NULL,
	transport   TEXT NOT NULL,
	url         TEXT NOT NULL DEFAULT '',
	headers     JSONB NOT NULL DEFAULT '{}',
	command     TEXT NOT NULL DEFAULT '',
	args        TEXT[] NOT NULL DEFAULT '{}',
	env         TEXT[] NOT NULL DEFAULT '{}',
	PRIMARY KEY (instance_id, namespace)
);
CREATE TABLE IF NOT EXISTS api_keys (
	id              TEXT PRIMARY KEY,
	key_hash        TEXT NOT NULL UNIQUE,
	organization_id TEXT NOT NULL,
	instance_id     TEXT NOT NULL,
	user_id         TEXT NOT NULL DEFAULT '',
	active          BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at      TIMESTAMPTZ,
	scopes          TEXT[] NOT NULL DEFAULT '{}'
);
`

const memberQuery = `
SELECT m.org_role,
	COALESCE((
		SELECT json_agg(json_build_object(
			'name', r.name,
			'permissions', COALESCE((
				SELECT json_agg(json_build_object('resourceType', rp.resource_type, 'action', rp.action))
				FROM role_permissions rp WHERE rp.role_id = r.id
			), '[]'::json)))
		FROM member_roles mr JOIN roles r ON r.id = mr.role_id
		WHERE mr.organization_id = m.organization_id AND mr.user_id = m.user_id
	), '[]'::json) AS roles,
	COALESCE((
		SELECT json_agg(json_build_object(
			'name', g.name,
			'acls', COALESCE((
				SELECT json_agg(json_build_object('resourceType', a.resource_type, 'resourceId', a.resource_id, 'action', a.action, 'effect', a.effect))
				FROM acls a
				WHERE a.organization_id = g.organization_id AND a.subject_type = 'group' AND a.subject_id = g.id
			), '[]'::json)))
		FROM group_members gm JOIN groups g ON g.id = gm.group_id
		WHERE g.organization_id = m.organization_id AND gm.user_id = m.user_id
	), '[]'::json) AS groups,
	COALESCE((
		SELECT json_agg(json_build_object('resourceType', a.resource_type, 'resourceId', a.resource_id, 'action', a.action, 'effect', a.effect))
		FROM acls a
		WHERE a.organization_id = m.organization_id AND a.subject_type = 'user' AND a.subject_id = m.user_id
	), '[]'::json) AS acls
FROM organization_members m
WHERE m.organization_id = $1 AND m.user_id = $2`

const instanceQuery = `
SELECT i.organization_id,
	COALESCE(array_agg(s.namespace ORDER BY s.namespace) FILTER (WHERE s.namespace IS NOT NULL), '{}')
FROM mcp_server_instances i
LEFT JOIN mcp_servers s ON s.instance_id = i.id
WHERE i.id = $1
GROUP BY i.organization_id`

const serverQuery = `
SELECT transport, url, headers, command, args, env
FROM mcp_servers
WHERE instance_id = $1 AND namespace = $2`

const apiKeyQuery = `
SELECT id, organization_id, instance_id, user_id, active, expires_at, scopes
FROM api_keys
WHERE key_hash = $1`

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Store implements the directory sources and auth.APIKeyStore over
// database/sql.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// New wraps an open database handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to dsn with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return New(db, opts...), nil
}

// Migrate creates any missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

// LoadMember loads a member with roles, groups and ACLs in one round trip.
func (s *Store) LoadMember(ctx context.Context, orgID, userID string) (*directory.Member, error) {
	var (
		role                string
		roles, groups, acls []byte
	)
	err := s.db.QueryRowContext(ctx, memberQuery, orgID, userID).Scan(&role, &roles, &groups, &acls)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, directory.ErrNotMember
	}
	if err != nil {
		return nil, fmt.Errorf("load member: %w", err)
	}

	m := &directory.Member{OrganizationID: orgID, UserID: userID, OrgRole: directory.OrgRole(role)}
	if err := json.Unmarshal(roles, &m.Roles); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	if err := json.Unmarshal(groups, &m.Groups); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	if err := json.Unmarshal(acls, &m.ACLs); err != nil {
		return nil, fmt.Errorf("decode acls: %w", err)
	}
	return m, nil
}

func (s *Store) Instance(ctx context.Context, instanceID string) (*directory.Instance, error) {
	inst := &directory.Instance{ID: instanceID}
	err := s.db.QueryRowContext(ctx, instanceQuery, instanceID).Scan(&inst.OrganizationID, pq.Array(&inst.Namespaces))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, directory.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load instance: %w", err)
	}
	return inst, nil
}

func (s *Store) ServerConfig(ctx context.Context, instanceID, namespace string) (*directory.ServerConfig, error) {
	cfg := &directory.ServerConfig{Namespace: namespace}
	var (
		transport string
		headers   []byte
	)
	err := s.db.QueryRowContext(ctx, serverQuery, instanceID, namespace).
		Scan(&transport, &cfg.URL, &headers, &cfg.Command, pq.Array(&cfg.Args), pq.Array(&cfg.Env))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, directory.ErrServerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load server config: %w", err)
	}
	cfg.Transport = directory.Transport(transport)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &cfg.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}
	return cfg, nil
}

// LookupAPIKey finds a key by the hex SHA-256 of its secret.
func (s *Store) LookupAPIKey(ctx context.Context, hash string) (*auth.APIKeyRecord, error) {
	rec := &auth.APIKeyRecord{}
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, apiKeyQuery, hash).
		Scan(&rec.ID, &rec.OrganizationID, &rec.InstanceID, &rec.UserID, &rec.Active, &expires, pq.Array(&rec.Scopes))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load api key: %w", err)
	}
	if expires.Valid {
		t := expires.Time
		rec.ExpiresAt = &t
	}
	return rec, nil
}
