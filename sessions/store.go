package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultTimeout       = 30 * time.Minute
	DefaultMaxSessions   = 1000
	DefaultMaxErrorCount = 10
)

// Config controls session lifetime and capacity.
type Config struct {
	// Timeout is the sliding idle timeout applied on every write.
	Timeout time.Duration
	// MaxSessions is the global ceiling on live sessions.
	MaxSessions int
	// MaxErrorCount is the error budget; a session whose ErrorCount reaches
	// it is invalid and deleted.
	MaxErrorCount int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.MaxErrorCount <= 0 {
		c.MaxErrorCount = DefaultMaxErrorCount
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for store events.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// Store is the session registry used by the gateway.
type Store struct {
	host Host
	cfg  Config
	log  *slog.Logger
}

// NewStore returns a Store backed by host.
func NewStore(host Host, cfg Config, opts ...Option) *Store {
	cfg.applyDefaults()
	s := &Store{
		host: host,
		cfg:  cfg,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Timeout returns the configured sliding timeout.
func (s *Store) Timeout() time.Duration { return s.cfg.Timeout }

// Create registers a new session. It fails with ErrCapacityExceeded when the
// ceiling is reached and ErrSessionExists when id is taken.
func (s *Store) Create(ctx context.Context, id string, transport TransportType, authInfo AuthInfo) (*Session, error) {
	if id == "" {
		return nil, errors.New("session id is required")
	}
	if !s.CanCreate(ctx) {
		return nil, ErrCapacityExceeded
	}

	now := s.cfg.Now()
	sess := &Session{
		ID:            id,
		TransportType: transport,
		CreatedAt:     now,
		LastActivity:  now,
		AuthInfo:      authInfo,
	}
	if len(authInfo.Scopes) > 0 {
		sess.AuthInfo.Scopes = append([]string(nil), authInfo.Scopes...)
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := s.host.Insert(ctx, id, data, s.cfg.Timeout, s.cfg.MaxSessions); err != nil {
		if errors.Is(err, ErrSessionExists) || errors.Is(err, ErrCapacityExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}

	s.log.DebugContext(ctx, "session.create", slog.String("session_id", id), slog.String("transport", string(transport)))
	return sess, nil
}

// Get returns the stored session or ErrSessionNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.host.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

// Touch records activity on the session, setting its client id when one is
// given, and slides its expiry.
func (s *Store) Touch(ctx context.Context, id string, clientID string) error {
	return s.mutate(ctx, id, func(sess *Session) {
		sess.LastActivity = s.cfg.Now()
		if clientID != "" {
			sess.ClientID = clientID
		}
	})
}

// RecordError increments the session's error count. A session that reaches
// MaxErrorCount is deleted and ErrSessionInvalid is returned.
func (s *Store) RecordError(ctx context.Context, id string) error {
	var exhausted bool
	err := s.mutate(ctx, id, func(sess *Session) {
		sess.ErrorCount++
		exhausted = sess.ErrorCount >= s.cfg.MaxErrorCount
	})
	if err != nil {
		return err
	}
	if exhausted {
		s.log.InfoContext(ctx, "session.error_budget_exhausted", slog.String("session_id", id))
		if err := s.Delete(ctx, id); err != nil {
			return err
		}
		return ErrSessionInvalid
	}
	return nil
}

func (s *Store) mutate(ctx context.Context, id string, fn func(*Session)) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	fn(sess)
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.host.Replace(ctx, id, data, s.cfg.Timeout)
}

// Validate returns the session if it is live, within its idle timeout, and
// below its error budget.
func (s *Store) Validate(ctx context.Context, id string) (*Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cfg.Now().Sub(sess.LastActivity) > s.cfg.Timeout {
		return nil, fmt.Errorf("%w: idle timeout", ErrSessionInvalid)
	}
	if sess.ErrorCount >= s.cfg.MaxErrorCount {
		return nil, fmt.Errorf("%w: error budget exhausted", ErrSessionInvalid)
	}
	return sess, nil
}

// IsValid reports whether Validate would succeed.
func (s *Store) IsValid(ctx context.Context, id string) bool {
	_, err := s.Validate(ctx, id)
	return err == nil
}

// Delete removes the session. Deleting an absent session is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	removed, err := s.host.Remove(ctx, id)
	if err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	if removed {
		s.log.DebugContext(ctx, "session.delete", slog.String("session_id", id))
	}
	return nil
}

// CanCreate reports whether another session fits under MaxSessions. It
// reports false when the host cannot be reached.
func (s *Store) CanCreate(ctx context.Context) bool {
	n, err := s.host.Count(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "session.count.fail", slog.String("err", err.Error()))
		return false
	}
	return n < s.cfg.MaxSessions
}

// Count returns the number of live sessions.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.host.Count(ctx)
}

// Close closes the underlying host.
func (s *Store) Close() error {
	return s.host.Close()
}
