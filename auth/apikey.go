package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrAPIKeyNotFound is returned by APIKeyStore implementations when no record
// matches a hash.
var ErrAPIKeyNotFound = errors.New("api key not found")

// APIKeyRecord is the stored form of an API key.
type APIKeyRecord struct {
	ID             string
	OrganizationID string
	InstanceID     string
	UserID         string
	Active         bool
	ExpiresAt      *time.Time
	Scopes         []string
}

// APIKeyStore looks up API keys by the hex SHA-256 of the presented key.
type APIKeyStore interface {
	LookupAPIKey(ctx context.Context, hash string) (*APIKeyRecord, error)
}

// HashAPIKey returns the lookup hash for key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (r *Resolver) lookupAPIKey(ctx context.Context, hash string) (*APIKeyRecord, error) {
	if item := r.keyCache.Get(hash); item != nil {
		return item.Value(), nil
	}
	rec, err := r.cfg.APIKeys.LookupAPIKey(ctx, hash)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrAPIKeyNotFound
	}
	r.keyCache.Set(hash, rec, r.cfg.APIKeyCacheTTL)
	return rec, nil
}

// InvalidateAPIKey drops the cached record for the key with the given hash,
// so a revocation takes effect before the cache TTL elapses on this replica.
func (r *Resolver) InvalidateAPIKey(hash string) {
	r.keyCache.Delete(hash)
}

func (r *Resolver) resolveAPIKey(ctx context.Context, cred APIKeyCredential) (AuthContext, error) {
	if r.cfg.APIKeys == nil {
		return AuthContext{}, ErrInvalidCredential
	}
	rec, err := r.lookupAPIKey(ctx, HashAPIKey(cred.Key))
	if err != nil {
		if !errors.Is(err, ErrAPIKeyNotFound) {
			r.log.WarnContext(ctx, "auth.apikey.lookup.fail", "err", err.Error())
		}
		return AuthContext{}, ErrInvalidCredential
	}
	switch {
	case !rec.Active:
		return AuthContext{}, errorf(ErrInvalidCredential, "api key %s inactive", rec.ID)
	case rec.ExpiresAt != nil && !r.cfg.Now().Before(*rec.ExpiresAt):
		return AuthContext{}, errorf(ErrInvalidCredential, "api key %s expired", rec.ID)
	case rec.OrganizationID == "" || rec.InstanceID == "":
		return AuthContext{}, errorf(ErrInvalidCredential, "api key %s has no binding", rec.ID)
	}
	return NewAuthContext(Params{
		Method:         MethodAPIKey,
		OrganizationID: rec.OrganizationID,
		UserID:         rec.UserID,
		ClientID:       rec.ID,
		InstanceID:     rec.InstanceID,
		Scopes:         rec.Scopes,
	}), nil
}
