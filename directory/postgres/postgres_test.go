package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/directory"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return New(db), mock
}

func TestLoadMember(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery("FROM organization_members m").
		WithArgs("org-1", "alice").
		WillReturnRows(sqlmock.NewRows([]string{"org_role", "roles", "groups", "acls"}).AddRow(
			"MEMBER",
			[]byte(`[{"name":"viewer","permissions":[{"resourceType":"MCP_SERVER_INSTANCE","action":"READ"}]}]`),
			[]byte(`[{"name":"ops","acls":[{"resourceType":"MCP_SERVER_INSTANCE","resourceId":"inst-2","action":"EXECUTE","effect":"DENY"}]}]`),
			[]byte(`[]`),
		))

	m, err := s.LoadMember(context.Background(), "org-1", "alice")
	if err != nil {
		t.Fatalf("LoadMember: %v", err)
	}
	if m.OrgRole != directory.OrgRoleMember || m.UserID != "alice" || m.OrganizationID != "org-1" {
		t.Fatalf("unexpected member %+v", m)
	}
	if len(m.Roles) != 1 || m.Roles[0].Permissions[0].Action != directory.ActionRead {
		t.Fatalf("roles = %+v", m.Roles)
	}
	if len(m.Groups) != 1 || m.Groups[0].ACLs[0].Effect != directory.EffectDeny {
		t.Fatalf("groups = %+v", m.Groups)
	}
	if len(m.ACLs) != 0 {
		t.Fatalf("acls = %+v", m.ACLs)
	}
}

func TestLoadMemberNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("FROM organization_members m").
		WithArgs("org-1", "mallory").
		WillReturnRows(sqlmock.NewRows([]string{"org_role", "roles", "groups", "acls"}))

	if _, err := s.LoadMember(context.Background(), "org-1", "mallory"); !errors.Is(err, directory.ErrNotMember) {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadMemberQueryError(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("FROM organization_members m").WillReturnError(errors.New("connection reset"))

	_, err := s.LoadMember(context.Background(), "org-1", "alice")
	if err == nil || errors.Is(err, directory.ErrNotMember) {
		t.Fatalf("err = %v", err)
	}
}

func TestInstance(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("FROM mcp_server_instances i").
		WithArgs("inst-1").
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "namespaces"}).AddRow("org-1", "{github,jira}"))
	mock.ExpectQuery("FROM mcp_server_instances i").
		WithArgs("inst-9").
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "namespaces"}))

	inst, err := s.Instance(context.Background(), "inst-1")
	if err != nil {
		t.Fatalf("Instance: %v", err)
	}
	if inst.OrganizationID != "org-1" || !inst.HasNamespace("jira") || len(inst.Namespaces) != 2 {
		t.Fatalf("unexpected instance %+v", inst)
	}
	if _, err := s.Instance(context.Background(), "inst-9"); !errors.Is(err, directory.ErrInstanceNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestServerConfig(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("FROM mcp_servers").
		WithArgs("inst-1", "github").
		WillReturnRows(sqlmock.NewRows([]string{"transport", "url", "headers", "command", "args", "env"}).
			AddRow("streamable-http", "https://github-mcp.internal/mcp", []byte(`{"X-Tenant":"org-1"}`), "", "{}", "{}"))
	mock.ExpectQuery("FROM mcp_servers").
		WithArgs("inst-1", "local").
		WillReturnRows(sqlmock.NewRows([]string{"transport", "url", "headers", "command", "args", "env"}).
			AddRow("stdio", "", []byte(`{}`), "mcp-fs", "{--root,/srv}", "{DEBUG=1}"))
	mock.ExpectQuery("FROM mcp_servers").
		WithArgs("inst-1", "nope").
		WillReturnRows(sqlmock.NewRows([]string{"transport", "url", "headers", "command", "args", "env"}))

	cfg, err := s.ServerConfig(context.Background(), "inst-1", "github")
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if cfg.Transport != directory.TransportStreamableHTTP || cfg.Headers["X-Tenant"] != "org-1" || cfg.Namespace != "github" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	cfg, err = s.ServerConfig(context.Background(), "inst-1", "local")
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if cfg.Transport != directory.TransportStdio || cfg.Command != "mcp-fs" || len(cfg.Args) != 2 || cfg.Env[0] != "DEBUG=1" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	if _, err := s.ServerConfig(context.Background(), "inst-1", "nope"); !errors.Is(err, directory.ErrServerNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestLookupAPIKey(t *testing.T) {
	s, mock := newMock(t)
	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	hash := auth.HashAPIKey("mcpgw_secret")
	cols := []string{"id", "organization_id", "instance_id", "user_id", "active", "expires_at", "scopes"}

	mock.ExpectQuery("FROM api_keys").
		WithArgs(hash).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("key-1", "org-1", "inst-1", "alice", true, expires, "{mcp:gateway}"))
	mock.ExpectQuery("FROM api_keys").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))

	rec, err := s.LookupAPIKey(context.Background(), hash)
	if err != nil {
		t.Fatalf("LookupAPIKey: %v", err)
	}
	if rec.ID != "key-1" || rec.InstanceID != "inst-1" || !rec.Active || rec.ExpiresAt == nil || !rec.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(rec.Scopes) != 1 || rec.Scopes[0] != "mcp:gateway" {
		t.Fatalf("scopes = %v", rec.Scopes)
	}

	if _, err := s.LookupAPIKey(context.Background(), "missing"); !errors.Is(err, auth.ErrAPIKeyNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestLookupAPIKeyWithoutExpiry(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("FROM api_keys").
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "instance_id", "user_id", "active", "expires_at", "scopes"}).
			AddRow("key-2", "org-1", "inst-1", "", false, nil, "{}"))

	rec, err := s.LookupAPIKey(context.Background(), "h")
	if err != nil {
		t.Fatalf("LookupAPIKey: %v", err)
	}
	if rec.ExpiresAt != nil || rec.Active {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestMigrate(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS organization_members").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
}
