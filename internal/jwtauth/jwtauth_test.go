package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockOIDC struct {
	srv       *httptest.Server
	issuer    string
	jwksPath  string
	metaExtra map[string]any
}

func newMockOIDC(t *testing.T, keysJSON []byte, metaExtra map[string]any) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/keys", metaExtra: metaExtra}
	handler := http.NewServeMux()
	handler.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"issuer":                   m.issuer,
			"jwks_uri":                 m.issuer + m.jwksPath,
			"authorization_endpoint":   m.issuer + "/oauth2/auth",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"response_types_supported": []string{"code"},
		}
		for k, v := range m.metaExtra {
			meta[k] = v
		}
		_ = json.NewEncoder(w).Encode(meta)
	})
	handler.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set issuer lazily to current server URL
		if m.issuer == "" {
			m.issuer = m.srv.URL
		}
		handler.ServeHTTP(w, r)
	}))
	m.issuer = m.srv.URL
	return m
}

func (m *mockOIDC) Close() { m.srv.Close() }

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, headerTyp string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	if headerTyp != "" {
		tok.Header["typ"] = headerTyp
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseConfig(issuer string) *Config {
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.Leeway = 0
	return cfg
}

func validClaims(issuer string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":             issuer,
		"sub":             "user-123",
		"aud":             "mcp-gateway",
		"exp":             now.Add(time.Hour).Unix(),
		"iat":             now.Unix(),
		"scope":           "openid mcp:gateway",
		"organization_id": "org-1",
	}
}

func newDiscovery(t *testing.T, cfg *Config) *Verifier {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	v, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("NewFromDiscovery: %v", err)
	}
	return v
}

func TestVerifier_HappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	cfg := baseConfig(oidc.issuer)
	cfg.ExpectedAudiences = []string{"mcp-gateway"}
	cfg.RequiredScopes = []string{"mcp:gateway"}
	v := newDiscovery(t, cfg)

	tok := signToken(t, pk, kid, "JWT", validClaims(oidc.issuer))
	claims, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject() != "user-123" {
		t.Fatalf("Subject = %q", claims.Subject())
	}
	if org, ok := claims.String("organization_id"); !ok || org != "org-1" {
		t.Fatalf("organization_id = %q, %v", org, ok)
	}
	if got := claims.Scopes(); len(got) != 2 || got[1] != "mcp:gateway" {
		t.Fatalf("Scopes = %v", got)
	}
	if v.Issuer() != oidc.issuer {
		t.Fatalf("Issuer = %q", v.Issuer())
	}
}

func TestVerifier_Failures(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	otherPK, _, _ := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	cfg := baseConfig(oidc.issuer)
	cfg.ExpectedAudiences = []string{"mcp-gateway"}
	cfg.RequiredScopes = []string{"mcp:gateway"}
	v := newDiscovery(t, cfg)

	tests := []struct {
		name    string
		token   func() string
		wantErr error
	}{
		{
			name: "expired",
			token: func() string {
				c := validClaims(oidc.issuer)
				c["exp"] = time.Now().Add(-time.Hour).Unix()
				c["iat"] = time.Now().Add(-2 * time.Hour).Unix()
				return signToken(t, pk, kid, "JWT", c)
			},
			wantErr: ErrTokenExpired,
		},
		{
			name: "bad signature",
			token: func() string {
				return signToken(t, otherPK, kid, "JWT", validClaims(oidc.issuer))
			},
			wantErr: ErrInvalidSignature,
		},
		{
			name: "unknown kid",
			token: func() string {
				return signToken(t, pk, "nope", "JWT", validClaims(oidc.issuer))
			},
			wantErr: ErrUnauthorized,
		},
		{
			name: "issuer mismatch",
			token: func() string {
				c := validClaims(oidc.issuer)
				c["iss"] = "https://evil.example.com"
				return signToken(t, pk, kid, "JWT", c)
			},
			wantErr: ErrUnauthorized,
		},
		{
			name: "audience mismatch",
			token: func() string {
				c := validClaims(oidc.issuer)
				c["aud"] = []string{"someone-else"}
				return signToken(t, pk, kid, "JWT", c)
			},
			wantErr: ErrUnauthorized,
		},
		{
			name: "missing exp",
			token: func() string {
				c := validClaims(oidc.issuer)
				delete(c, "exp")
				return signToken(t, pk, kid, "JWT", c)
			},
			wantErr: ErrUnauthorized,
		},
		{
			name: "insufficient scope",
			token: func() string {
				c := validClaims(oidc.issuer)
				c["scope"] = "openid"
				return signToken(t, pk, kid, "JWT", c)
			},
			wantErr: ErrInsufficientScope,
		},
		{
			name:    "garbage",
			token:   func() string { return "not.a.jwt" },
			wantErr: ErrUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.token())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Verify err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifier_Leeway(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	cfg := baseConfig(oidc.issuer)
	cfg.Leeway = 60 * time.Second
	v := newDiscovery(t, cfg)

	c := validClaims(oidc.issuer)
	c["exp"] = time.Now().Add(-30 * time.Second).Unix()
	if _, err := v.Verify(context.Background(), signToken(t, pk, kid, "JWT", c)); err != nil {
		t.Fatalf("token within leeway rejected: %v", err)
	}

	c["exp"] = time.Now().Add(-2 * time.Minute).Unix()
	if _, err := v.Verify(context.Background(), signToken(t, pk, kid, "JWT", c)); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("token beyond leeway err = %v", err)
	}
}

func TestVerifier_ScopeModeAny(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	cfg := baseConfig(oidc.issuer)
	cfg.RequiredScopes = []string{"mcp:gateway", "mcp:admin"}
	cfg.ScopeModeAny = true
	v := newDiscovery(t, cfg)

	if _, err := v.Verify(context.Background(), signToken(t, pk, kid, "JWT", validClaims(oidc.issuer))); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	cfg2 := baseConfig(oidc.issuer)
	cfg2.RequiredScopes = []string{"mcp:gateway", "mcp:admin"}
	v2 := newDiscovery(t, cfg2)
	if _, err := v2.Verify(context.Background(), signToken(t, pk, kid, "JWT", validClaims(oidc.issuer))); !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("all-mode err = %v", err)
	}
}

func TestVerifier_AccessTokenType(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	cfg := baseConfig(oidc.issuer)
	cfg.RequireAccessTokenType = true
	v := newDiscovery(t, cfg)

	if _, err := v.Verify(context.Background(), signToken(t, pk, kid, "JWT", validClaims(oidc.issuer))); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("typ JWT err = %v", err)
	}
	if _, err := v.Verify(context.Background(), signToken(t, pk, kid, "at+jwt", validClaims(oidc.issuer))); err != nil {
		t.Fatalf("typ at+jwt: %v", err)
	}
}

func TestDiscoveryMissingJWKS(t *testing.T) {
	_, _, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, map[string]any{"jwks_uri": ""})
	defer oidc.Close()

	if _, err := NewFromDiscovery(context.Background(), baseConfig(oidc.issuer)); err == nil {
		t.Fatal("expected discovery error without jwks_uri")
	}
}

func TestStaticVerifier(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := DefaultConfig()
	cfg.Issuer = "https://gateway.example.com"
	cfg.JWKSURL = oidc.issuer + oidc.jwksPath
	v, err := NewStatic(ctx, cfg)
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}

	tok := signToken(t, pk, kid, "at+jwt", validClaims("https://gateway.example.com"))
	if _, err := v.Verify(ctx, tok); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if _, err := NewStatic(ctx, &Config{Issuer: "x"}); err == nil {
		t.Fatal("expected error without jwks url")
	}
}

func TestUnverifiedIssuer(t *testing.T) {
	pk, kid, _ := genRSA(t)
	tok := signToken(t, pk, kid, "JWT", jwt.MapClaims{"iss": "https://idp.example.com/realms/acme"})
	iss, err := UnverifiedIssuer(tok)
	if err != nil {
		t.Fatalf("UnverifiedIssuer: %v", err)
	}
	if iss != "https://idp.example.com/realms/acme" {
		t.Fatalf("iss = %q", iss)
	}
	if _, err := UnverifiedIssuer("opaque-token"); err == nil {
		t.Fatal("expected error for non-JWT")
	}
}
