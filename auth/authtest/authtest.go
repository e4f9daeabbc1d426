// Package authtest provides an in-process OIDC issuer and an in-memory API
// key store for tests that exercise authentication end to end.
package authtest

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/auth"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const keyID = "authtest-key"

// Issuer is an OIDC issuer serving discovery metadata and a JWKS from an
// httptest server.
type Issuer struct {
	URL string

	srv *httptest.Server
	key *rsa.PrivateKey
}

// NewIssuer starts an issuer that is shut down when t completes.
func NewIssuer(t testing.TB) *Issuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	iss := &Issuer{key: key}

	jwks, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key: &key.PublicKey, KeyID: keyID, Algorithm: "RS256", Use: "sig",
	}}})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   iss.URL,
			"jwks_uri":                 iss.JWKSURL(),
			"authorization_endpoint":   iss.URL + "/authorize",
			"token_endpoint":           iss.URL + "/token",
			"response_types_supported": []string{"code"},
		})
	})
	mux.HandleFunc("GET /keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	})
	iss.srv = httptest.NewServer(mux)
	iss.URL = iss.srv.URL
	t.Cleanup(iss.srv.Close)
	return iss
}

// JWKSURL returns the issuer's key set endpoint.
func (i *Issuer) JWKSURL() string { return i.URL + "/keys" }

// Sign signs claims with the issuer's key. iss, iat and exp are filled in
// when absent.
func (i *Issuer) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	c := jwt.MapClaims{
		"iss": i.URL,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	maps.Copy(c, claims)
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	tok.Header["kid"] = keyID
	s, err := tok.SignedString(i.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// APIKeys is an in-memory auth.APIKeyStore keyed by plaintext key.
type APIKeys struct {
	mu      sync.Mutex
	records map[string]*auth.APIKeyRecord
	lookups atomic.Int64
}

var _ auth.APIKeyStore = (*APIKeys)(nil)

// NewAPIKeys returns an empty store.
func NewAPIKeys() *APIKeys {
	return &APIKeys{records: make(map[string]*auth.APIKeyRecord)}
}

// Add registers rec under key.
func (s *APIKeys) Add(key string, rec auth.APIKeyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[auth.HashAPIKey(key)] = &rec
}

// Lookups returns how many times LookupAPIKey was called.
func (s *APIKeys) Lookups() int { return int(s.lookups.Load()) }

func (s *APIKeys) LookupAPIKey(_ context.Context, hash string) (*auth.APIKeyRecord, error) {
	s.lookups.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[hash]
	if !ok {
		return nil, auth.ErrAPIKeyNotFound
	}
	cp := *rec
	return &cp, nil
}
