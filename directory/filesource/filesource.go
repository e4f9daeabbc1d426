// Package filesource serves directory records from a YAML document and
// reloads it when the file changes. It is meant for development, tests and
// small single-tenant deployments.
package filesource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/directory"
	"gopkg.in/yaml.v3"
)

var (
	_ directory.MemberSource       = (*Source)(nil)
	_ directory.InstanceSource     = (*Source)(nil)
	_ directory.ServerConfigSource = (*Source)(nil)
	_ auth.APIKeyStore             = (*Source)(nil)
)

// Document is the YAML layout.
type Document struct {
	Organizations []Organization `yaml:"organizations"`
	Instances     []Instance     `yaml:"instances"`
	APIKeys       []APIKey       `yaml:"apiKeys"`
}

type Organization struct {
	ID      string           `yaml:"id"`
	Roles   []directory.Role `yaml:"roles"`
	Groups  []Group          `yaml:"groups"`
	Members []Member         `yaml:"members"`
}

type Group struct {
	Name    string          `yaml:"name"`
	Members []string        `yaml:"members"`
	ACLs    []directory.ACL `yaml:"acls"`
}

type Member struct {
	UserID  string            `yaml:"userId"`
	OrgRole directory.OrgRole `yaml:"orgRole"`
	// Roles names entries of the organization's roles.
	Roles []string        `yaml:"roles"`
	ACLs  []directory.ACL `yaml:"acls"`
}

type Instance struct {
	ID             string                   `yaml:"id"`
	OrganizationID string                   `yaml:"organizationId"`
	Servers        []directory.ServerConfig `yaml:"servers"`
}

// APIKey is either a plaintext Key, hashed on load, or a precomputed
// KeyHash.
type APIKey struct {
	ID             string     `yaml:"id"`
	Key            string     `yaml:"key,omitempty"`
	KeyHash        string     `yaml:"keyHash,omitempty"`
	OrganizationID string     `yaml:"organizationId"`
	InstanceID     string     `yaml:"instanceId"`
	UserID         string     `yaml:"userId,omitempty"`
	Active         *bool      `yaml:"active,omitempty"`
	ExpiresAt      *time.Time `yaml:"expiresAt,omitempty"`
	Scopes         []string   `yaml:"scopes,omitempty"`
}

type memberKey struct{ org, user string }

type serverKey struct{ instance, namespace string }

// snapshot is an indexed, immutable view of a Document.
type snapshot struct {
	orgs      []string
	members   map[memberKey]*directory.Member
	instances map[string]*directory.Instance
	servers   map[serverKey]*directory.ServerConfig
	keys      map[string]*auth.APIKeyRecord
}

// Parse decodes and validates a document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse directory document: %w", err)
	}
	return &doc, nil
}

func index(doc *Document) (*snapshot, error) {
	s := &snapshot{
		members:   make(map[memberKey]*directory.Member),
		instances: make(map[string]*directory.Instance),
		servers:   make(map[serverKey]*directory.ServerConfig),
		keys:      make(map[string]*auth.APIKeyRecord),
	}

	for _, org := range doc.Organizations {
		if org.ID == "" {
			return nil, errors.New("organization without id")
		}
		s.orgs = append(s.orgs, org.ID)
		roles := make(map[string]directory.Role, len(org.Roles))
		for _, r := range org.Roles {
			roles[r.Name] = r
		}
		for _, m := range org.Members {
			mem := &directory.Member{OrganizationID: org.ID, UserID: m.UserID, OrgRole: m.OrgRole, ACLs: m.ACLs}
			if mem.OrgRole == "" {
				mem.OrgRole = directory.OrgRoleMember
			}
			for _, name := range m.Roles {
				r, ok := roles[name]
				if !ok {
					return nil, fmt.Errorf("organization %s: member %s references unknown role %q", org.ID, m.UserID, name)
				}
				mem.Roles = append(mem.Roles, r)
			}
			s.members[memberKey{org.ID, m.UserID}] = mem
		}
		for _, g := range org.Groups {
			for _, uid := range g.Members {
				mem, ok := s.members[memberKey{org.ID, uid}]
				if !ok {
					return nil, fmt.Errorf("organization %s: group %s references unknown member %q", org.ID, g.Name, uid)
				}
				mem.Groups = append(mem.Groups, directory.Group{Name: g.Name, ACLs: g.ACLs})
			}
		}
	}

	for _, in := range doc.Instances {
		if in.ID == "" {
			return nil, errors.New("instance without id")
		}
		inst := &directory.Instance{ID: in.ID, OrganizationID: in.OrganizationID}
		for _, srv := range in.Servers {
			if srv.Namespace == "" {
				return nil, fmt.Errorf("instance %s: server without namespace", in.ID)
			}
			cfg := srv
			inst.Namespaces = append(inst.Namespaces, srv.Namespace)
			s.servers[serverKey{in.ID, srv.Namespace}] = &cfg
		}
		s.instances[in.ID] = inst
	}

	for _, k := range doc.APIKeys {
		if k.Key == "" && k.KeyHash == "" {
			return nil, fmt.Errorf("api key %s: key or keyHash is required", k.ID)
		}
		hash := k.KeyHash
		if hash == "" {
			hash = auth.HashAPIKey(k.Key)
		}
		active := k.Active == nil || *k.Active
		s.keys[hash] = &auth.APIKeyRecord{
			ID:             k.ID,
			OrganizationID: k.OrganizationID,
			InstanceID:     k.InstanceID,
			UserID:         k.UserID,
			Active:         active,
			ExpiresAt:      k.ExpiresAt,
			Scopes:         k.Scopes,
		}
	}
	return s, nil
}

// Option configures a Source.
type Option func(*Source)

func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.log = l }
}

// WithReloadHook registers fn to run after every successful reload with the
// organizations present in the new document.
func WithReloadHook(fn func(ctx context.Context, orgs []string)) Option {
	return func(s *Source) { s.hooks = append(s.hooks, fn) }
}

// Source serves the most recently loaded document.
type Source struct {
	path  string
	log   *slog.Logger
	hooks []func(ctx context.Context, orgs []string)

	mu   sync.RWMutex
	snap *snapshot

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// Open loads the document at path.
func Open(path string, opts ...Option) (*Source, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	s := &Source{path: abs, log: slog.Default(), done: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	s.snap = snap
	return s, nil
}

func (s *Source) load() (*snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return index(doc)
}

// Reload re-reads the file. On failure the previous document stays in
// effect.
func (s *Source) Reload(ctx context.Context) error {
	snap, err := s.load()
	if err != nil {
		s.log.WarnContext(ctx, "directory.reload.fail", slog.String("path", s.path), slog.String("err", err.Error()))
		return err
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	s.log.InfoContext(ctx, "directory.reload.ok", slog.String("path", s.path), slog.Int("instances", len(snap.instances)))
	for _, fn := range s.hooks {
		fn(ctx, snap.orgs)
	}
	return nil
}

// Watch reloads the document whenever the file is written, created or
// renamed into place. The parent directory is watched so editors that save
// atomically are handled. Watch returns once the watcher is running.
func (s *Source) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	s.watcher = w

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, w)
	}()
	return nil
}

const debounce = 50 * time.Millisecond

func (s *Source) run(ctx context.Context, w *fsnotify.Watcher) {
	var (
		timer   *time.Timer
		trigger <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			trigger = timer.C
		case <-trigger:
			trigger = nil
			_ = s.Reload(ctx)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.WarnContext(ctx, "directory.watch.fail", slog.String("err", err.Error()))
		}
	}
}

// Close stops watching.
func (s *Source) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	var err error
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Source) current() *snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Source) LoadMember(_ context.Context, orgID, userID string) (*directory.Member, error) {
	m, ok := s.current().members[memberKey{orgID, userID}]
	if !ok {
		return nil, directory.ErrNotMember
	}
	return m, nil
}

func (s *Source) Instance(_ context.Context, instanceID string) (*directory.Instance, error) {
	inst, ok := s.current().instances[instanceID]
	if !ok {
		return nil, directory.ErrInstanceNotFound
	}
	return inst, nil
}

func (s *Source) ServerConfig(_ context.Context, instanceID, namespace string) (*directory.ServerConfig, error) {
	cfg, ok := s.current().servers[serverKey{instanceID, namespace}]
	if !ok {
		return nil, directory.ErrServerNotFound
	}
	return cfg, nil
}

func (s *Source) LookupAPIKey(_ context.Context, hash string) (*auth.APIKeyRecord, error) {
	rec, ok := s.current().keys[hash]
	if !ok {
		return nil, auth.ErrAPIKeyNotFound
	}
	return rec, nil
}
