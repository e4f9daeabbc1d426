// Package permissions evaluates whether an organization member may perform
// an action, combining organization roles, role permissions, and group and
// member resource ACLs. Decisions are cached in a storage.Storage under the
// member's namespace so they can be invalidated per user or per
// organization.
package permissions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-gateway/directory"
	"github.com/ggoodman/mcp-gateway/storage"
)

// CacheTTL bounds how long a decision may be served after the underlying
// records change without an explicit invalidation.
const CacheTTL = 300 * time.Second

// CheckRequest identifies one permission decision.
type CheckRequest struct {
	UserID         string
	OrganizationID string
	ResourceType   directory.ResourceType
	Action         directory.Action
	// ResourceID is optional; without it only role-level grants apply.
	ResourceID string
}

func (r CheckRequest) cacheKey() string {
	return fmt.Sprintf("perm:%s:%s:%s", r.ResourceType, r.ResourceID, r.Action)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithCache sets the decision cache. Without one every check is evaluated
// against the directory.
func WithCache(c storage.Storage) Option {
	return func(s *Service) { s.cache = c }
}

// Service answers permission checks.
type Service struct {
	members directory.MemberSource
	cache   storage.Storage
	log     *slog.Logger
}

// NewService returns a Service reading membership from members.
func NewService(members directory.MemberSource, opts ...Option) *Service {
	s := &Service{members: members, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check reports whether the request is allowed. Cache failures are logged
// and the decision is computed directly; directory failures deny and return
// the error.
func (s *Service) Check(ctx context.Context, req CheckRequest) (bool, error) {
	if req.UserID == "" || req.OrganizationID == "" {
		return false, nil
	}
	key := req.cacheKey()
	ns := storage.WithMember(req.OrganizationID, req.UserID)

	if s.cache != nil {
		item, err := s.cache.Get(ctx, key, ns)
		switch {
		case err != nil:
			s.log.WarnContext(ctx, "perm.cache.get.fail", slog.String("err", err.Error()))
		case item != nil && len(item.Data) == 1:
			return item.Data[0] == '1', nil
		}
	}

	member, err := s.members.LoadMember(ctx, req.OrganizationID, req.UserID)
	if errors.Is(err, directory.ErrNotMember) {
		member, err = nil, nil
	}
	if err != nil {
		return false, fmt.Errorf("load member: %w", err)
	}

	allowed := Evaluate(member, req)

	if s.cache != nil {
		v := []byte{'0'}
		if allowed {
			v[0] = '1'
		}
		if err := s.cache.Set(ctx, key, v, ns, storage.WithTTL(CacheTTL)); err != nil {
			s.log.WarnContext(ctx, "perm.cache.set.fail", slog.String("err", err.Error()))
		}
	}
	s.log.DebugContext(ctx, "perm.check",
		slog.String("resource_type", string(req.ResourceType)),
		slog.String("resource_id", req.ResourceID),
		slog.String("action", string(req.Action)),
		slog.Bool("allowed", allowed))
	return allowed, nil
}

// InvalidateUser drops every cached decision for one member. Call it after
// any change to the member's roles, groups or ACLs.
func (s *Service) InvalidateUser(ctx context.Context, orgID, userID string) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Delete(ctx, storage.WithMember(orgID, userID)); err != nil {
		return fmt.Errorf("invalidate member %s/%s: %w", orgID, userID, err)
	}
	return nil
}

// InvalidateOrganization drops every cached decision in an organization.
// Call it after role definitions or group ACLs change.
func (s *Service) InvalidateOrganization(ctx context.Context, orgID string) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Delete(ctx, storage.WithOrganization(orgID)); err != nil {
		return fmt.Errorf("invalidate organization %s: %w", orgID, err)
	}
	return nil
}

// Evaluate applies the decision rules to a loaded member. A nil member is
// denied.
//
// Organization owners and admins are allowed everything. With a ResourceID,
// a matching DENY entry on the member or any of its groups wins over any
// ALLOW, and a matching ALLOW wins over role permissions. Otherwise a role
// granting the action (or MANAGE) on the resource type allows.
func Evaluate(m *directory.Member, req CheckRequest) bool {
	if m == nil {
		return false
	}
	if m.OrgRole == directory.OrgRoleOwner || m.OrgRole == directory.OrgRoleAdmin {
		return true
	}

	if req.ResourceID != "" {
		allow, deny := false, false
		visit := func(acls []directory.ACL) {
			for _, acl := range acls {
				if acl.ResourceType != req.ResourceType || acl.ResourceID != req.ResourceID || !acl.Action.Covers(req.Action) {
					continue
				}
				switch acl.Effect {
				case directory.EffectDeny:
					deny = true
				case directory.EffectAllow:
					allow = true
				}
			}
		}
		visit(m.ACLs)
		for _, g := range m.Groups {
			visit(g.ACLs)
		}
		if deny {
			return false
		}
		if allow {
			return true
		}
	}

	for _, role := range m.Roles {
		for _, p := range role.Permissions {
			if p.ResourceType == req.ResourceType && p.Action.Covers(req.Action) {
				return true
			}
		}
	}
	return false
}
