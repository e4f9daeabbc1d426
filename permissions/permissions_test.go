package permissions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ggoodman/mcp-gateway/directory"
	"github.com/ggoodman/mcp-gateway/storage"
	"github.com/ggoodman/mcp-gateway/storage/memory"
)

type fakeMembers struct {
	mu      sync.Mutex
	members map[string]*directory.Member
	loads   int
	err     error
}

func (f *fakeMembers) LoadMember(_ context.Context, orgID, userID string) (*directory.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	m, ok := f.members[orgID+"/"+userID]
	if !ok {
		return nil, directory.ErrNotMember
	}
	return m, nil
}

func (f *fakeMembers) set(m *directory.Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[m.OrganizationID+"/"+m.UserID] = m
}

func (f *fakeMembers) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

type brokenStorage struct{}

var errBroken = errors.New("storage down")

func (brokenStorage) Get(context.Context, string, ...storage.Option) (*storage.StorageItem, error) {
	return nil, errBroken
}
func (brokenStorage) Set(context.Context, string, []byte, ...storage.Option) error { return errBroken }
func (brokenStorage) Delete(context.Context, ...storage.Option) error           { return errBroken }
func (brokenStorage) Close() error                                            { return nil }

func readInstance(id string) CheckRequest {
	return CheckRequest{
		UserID:         "u1",
		OrganizationID: "org1",
		ResourceType:   directory.ResourceMCPServerInstance,
		Action:         directory.ActionRead,
		ResourceID:     id,
	}
}

func TestEvaluate(t *testing.T) {
	viewer := directory.Role{Name: "viewer", Permissions: []directory.Permission{
		{ResourceType: directory.ResourceMCPServerInstance, Action: directory.ActionRead},
	}}
	manager := directory.Role{Name: "manager", Permissions: []directory.Permission{
		{ResourceType: directory.ResourceMCPServerInstance, Action: directory.ActionManage},
	}}
	denyI1 := directory.ACL{ResourceType: directory.ResourceMCPServerInstance, ResourceID: "i1", Action: directory.ActionRead, Effect: directory.EffectDeny}
	allowI1 := directory.ACL{ResourceType: directory.ResourceMCPServerInstance, ResourceID: "i1", Action: directory.ActionRead, Effect: directory.EffectAllow}
	manageI1 := directory.ACL{ResourceType: directory.ResourceMCPServerInstance, ResourceID: "i1", Action: directory.ActionManage, Effect: directory.EffectAllow}

	tests := []struct {
		name   string
		member *directory.Member
		req    CheckRequest
		want   bool
	}{
		{"non member", nil, readInstance("i1"), false},
		{"no grants", &directory.Member{OrgRole: directory.OrgRoleMember}, readInstance("i1"), false},
		{"owner", &directory.Member{OrgRole: directory.OrgRoleOwner}, readInstance("i1"), true},
		{"admin beats deny", &directory.Member{OrgRole: directory.OrgRoleAdmin, ACLs: []directory.ACL{denyI1}}, readInstance("i1"), true},
		{"role read", &directory.Member{Roles: []directory.Role{viewer}}, readInstance("i1"), true},
		{"role without resource id", &directory.Member{Roles: []directory.Role{viewer}}, readInstance(""), true},
		{"role manage implies read", &directory.Member{Roles: []directory.Role{manager}}, readInstance("i1"), true},
		{"role read does not imply update", &directory.Member{Roles: []directory.Role{viewer}},
			CheckRequest{ResourceType: directory.ResourceMCPServerInstance, Action: directory.ActionUpdate, ResourceID: "i1"}, false},
		{"member deny beats role", &directory.Member{Roles: []directory.Role{viewer}, ACLs: []directory.ACL{denyI1}}, readInstance("i1"), false},
		{"group deny beats member allow", &directory.Member{
			ACLs:   []directory.ACL{allowI1},
			Groups: []directory.Group{{Name: "contractors", ACLs: []directory.ACL{denyI1}}},
		}, readInstance("i1"), false},
		{"deny on other resource ignored", &directory.Member{Roles: []directory.Role{viewer}, ACLs: []directory.ACL{denyI1}}, readInstance("i2"), true},
		{"member allow without role", &directory.Member{ACLs: []directory.ACL{allowI1}}, readInstance("i1"), true},
		{"group allow without role", &directory.Member{Groups: []directory.Group{{ACLs: []directory.ACL{allowI1}}}}, readInstance("i1"), true},
		{"acl manage implies read", &directory.Member{ACLs: []directory.ACL{manageI1}}, readInstance("i1"), true},
		{"resource allow needs resource id", &directory.Member{ACLs: []directory.ACL{allowI1}}, readInstance(""), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.member, tt.req); got != tt.want {
				t.Fatalf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func newCache(t *testing.T) storage.Storage {
	t.Helper()
	s, err := memory.New(1000)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCheckCachesDecisions(t *testing.T) {
	members := &fakeMembers{members: map[string]*directory.Member{}}
	members.set(&directory.Member{OrganizationID: "org1", UserID: "u1", OrgRole: directory.OrgRoleMember})
	svc := NewService(members, WithCache(newCache(t)))
	ctx := context.Background()

	for range 2 {
		ok, err := svc.Check(ctx, readInstance("i1"))
		if err != nil || ok {
			t.Fatalf("Check() = %v, %v; want false, nil", ok, err)
		}
	}
	if got := members.loadCount(); got != 1 {
		t.Fatalf("loads = %d, want 1", got)
	}

	// Granting access is invisible until the member is invalidated.
	members.set(&directory.Member{OrganizationID: "org1", UserID: "u1", ACLs: []directory.ACL{{
		ResourceType: directory.ResourceMCPServerInstance, ResourceID: "i1", Action: directory.ActionRead, Effect: directory.EffectAllow,
	}}})
	if ok, _ := svc.Check(ctx, readInstance("i1")); ok {
		t.Fatal("expected cached deny")
	}
	if err := svc.InvalidateUser(ctx, "org1", "u1"); err != nil {
		t.Fatalf("InvalidateUser: %v", err)
	}
	ok, err := svc.Check(ctx, readInstance("i1"))
	if err != nil || !ok {
		t.Fatalf("Check() after invalidate = %v, %v; want true, nil", ok, err)
	}
	if got := members.loadCount(); got != 2 {
		t.Fatalf("loads = %d, want 2", got)
	}
}

func TestInvalidateOrganization(t *testing.T) {
	members := &fakeMembers{members: map[string]*directory.Member{}}
	members.set(&directory.Member{OrganizationID: "org1", UserID: "u1", OrgRole: directory.OrgRoleOwner})
	members.set(&directory.Member{OrganizationID: "org1", UserID: "u2", OrgRole: directory.OrgRoleOwner})
	members.set(&directory.Member{OrganizationID: "org2", UserID: "u1", OrgRole: directory.OrgRoleOwner})
	svc := NewService(members, WithCache(newCache(t)))
	ctx := context.Background()

	check := func(org, user string) {
		t.Helper()
		req := readInstance("i1")
		req.OrganizationID, req.UserID = org, user
		if ok, err := svc.Check(ctx, req); err != nil || !ok {
			t.Fatalf("Check(%s/%s) = %v, %v", org, user, ok, err)
		}
	}
	check("org1", "u1")
	check("org1", "u2")
	check("org2", "u1")
	if got := members.loadCount(); got != 3 {
		t.Fatalf("loads = %d, want 3", got)
	}

	if err := svc.InvalidateOrganization(ctx, "org1"); err != nil {
		t.Fatalf("InvalidateOrganization: %v", err)
	}
	check("org1", "u1")
	check("org1", "u2")
	check("org2", "u1")
	if got := members.loadCount(); got != 5 {
		t.Fatalf("loads = %d, want 5 (org2 stays cached)", got)
	}
}

func TestCheckFailsOpenOnCache(t *testing.T) {
	members := &fakeMembers{members: map[string]*directory.Member{}}
	members.set(&directory.Member{OrganizationID: "org1", UserID: "u1", OrgRole: directory.OrgRoleAdmin})
	svc := NewService(members, WithCache(brokenStorage{}))

	ok, err := svc.Check(context.Background(), readInstance("i1"))
	if err != nil || !ok {
		t.Fatalf("Check() = %v, %v; want true, nil", ok, err)
	}
	if err := svc.InvalidateUser(context.Background(), "org1", "u1"); !errors.Is(err, errBroken) {
		t.Fatalf("InvalidateUser error = %v, want storage error", err)
	}
}

func TestCheckFailsClosedOnDirectory(t *testing.T) {
	boom := errors.New("db down")
	svc := NewService(&fakeMembers{err: boom}, WithCache(newCache(t)))

	ok, err := svc.Check(context.Background(), readInstance("i1"))
	if ok || !errors.Is(err, boom) {
		t.Fatalf("Check() = %v, %v; want false, db error", ok, err)
	}
}

func TestCheckRequiresIdentity(t *testing.T) {
	members := &fakeMembers{members: map[string]*directory.Member{}}
	svc := NewService(members)
	if ok, err := svc.Check(context.Background(), CheckRequest{OrganizationID: "org1"}); ok || err != nil {
		t.Fatalf("Check() = %v, %v", ok, err)
	}
	if members.loadCount() != 0 {
		t.Fatal("directory should not be consulted without a user")
	}
}
