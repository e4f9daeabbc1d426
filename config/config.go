// Package config loads gateway settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is every setting the gateway binary reads.
type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR,default=:8080"`
	MetricsAddr string `env:"METRICS_ADDR,default=:9090"`
	// PublicURL is the externally visible base URL, used in challenges and
	// protected resource metadata.
	PublicURL string `env:"PUBLIC_URL"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
	// CORSOrigins is a comma separated list; empty allows any origin.
	CORSOrigins string `env:"CORS_ALLOWED_ORIGINS"`

	// StateBackend selects where sessions and cached permission decisions
	// live: redis, or memory for a single replica.
	StateBackend   string `env:"STATE_BACKEND,default=redis"`
	MemoryMaxItems int    `env:"MEMORY_MAX_ITEMS,default=10000"`

	RedisAddr      string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB,default=0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX,default=mcpgw:"`

	// DatabaseURL selects the Postgres directory. When empty DirectoryFile
	// is served instead.
	DatabaseURL     string `env:"DATABASE_URL"`
	DatabaseMigrate bool   `env:"DATABASE_MIGRATE,default=false"`
	DirectoryFile   string `env:"DIRECTORY_FILE,default=directory.yaml"`

	KeycloakIssuer   string        `env:"KEYCLOAK_ISSUER"`
	KeycloakAudience string        `env:"KEYCLOAK_AUDIENCE"`
	OrgClaim         string        `env:"AUTH_ORG_CLAIM,default=organization_id"`
	InstanceClaim    string        `env:"AUTH_INSTANCE_CLAIM,default=instance_id"`
	RequiredScope    string        `env:"AUTH_REQUIRED_SCOPE,default=mcp:gateway"`
	AuthLeeway       time.Duration `env:"AUTH_LEEWAY,default=60s"`
	// OAuthIssuer and OAuthJWKSURL describe the gateway's own authorization
	// server. OAuthUpstreamIssuers is a comma separated list of further
	// issuers verified through discovery.
	OAuthIssuer          string `env:"OAUTH_ISSUER"`
	OAuthJWKSURL         string `env:"OAUTH_JWKS_URL"`
	OAuthUpstreamIssuers string `env:"OAUTH_UPSTREAM_ISSUERS"`

	APIKeyPrefix             string        `env:"API_KEY_PREFIX,default=mcpgw_"`
	APIKeyCacheTTL           time.Duration `env:"API_KEY_CACHE_TTL,default=30s"`
	AllowAPIKeyOAuthFallback bool          `env:"AUTH_ALLOW_APIKEY_OAUTH_FALLBACK,default=false"`

	MaxIdleTime          time.Duration `env:"MAX_IDLE_TIME,default=5m"`
	ConnectionTimeout    time.Duration `env:"CONNECTION_TIMEOUT,default=30s"`
	HealthCheckInterval  time.Duration `env:"HEALTH_CHECK_INTERVAL,default=1m"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS,default=5"`
	ReconnectStep        time.Duration `env:"RECONNECT_STEP,default=500ms"`
	ReconnectMaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY,default=5s"`

	// SessionTimeoutMS is the sliding session idle timeout in milliseconds.
	SessionTimeoutMS int `env:"CONNECTION_TIMEOUT_MS,default=1800000"`
	MaxSessions      int `env:"MAX_SESSIONS,default=1000"`
	MaxErrorCount    int `env:"MAX_ERROR_COUNT,default=10"`

	ToolCallTimeout  time.Duration `env:"TOOL_CALL_TIMEOUT,default=60s"`
	ListToolsTimeout time.Duration `env:"LIST_TOOLS_TIMEOUT,default=15s"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=30s"`
}

// Load decodes the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.PublicURL != "" {
		if u, err := url.Parse(c.PublicURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("PUBLIC_URL must be an absolute http(s) URL, got %q", c.PublicURL))
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	if c.StateBackend != "redis" && c.StateBackend != "memory" {
		errs = append(errs, fmt.Errorf("STATE_BACKEND must be redis or memory, got %q", c.StateBackend))
	}
	if c.StateBackend == "memory" && c.MemoryMaxItems <= 0 {
		errs = append(errs, fmt.Errorf("MEMORY_MAX_ITEMS must be positive, got %d", c.MemoryMaxItems))
	}
	if c.KeycloakIssuer == "" && c.OAuthIssuer == "" && len(c.UpstreamIssuers()) == 0 && c.APIKeyPrefix == "" {
		errs = append(errs, errors.New("no credential type is configured"))
	}
	if (c.OAuthIssuer == "") != (c.OAuthJWKSURL == "") {
		errs = append(errs, errors.New("OAUTH_ISSUER and OAUTH_JWKS_URL must be set together"))
	}
	if c.ReconnectMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be at least 1, got %d", c.ReconnectMaxAttempts))
	}
	if c.SessionTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("CONNECTION_TIMEOUT_MS must be positive, got %d", c.SessionTimeoutMS))
	}
	if c.MaxSessions <= 0 || c.MaxErrorCount <= 0 {
		errs = append(errs, errors.New("MAX_SESSIONS and MAX_ERROR_COUNT must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"MAX_IDLE_TIME":         c.MaxIdleTime,
		"CONNECTION_TIMEOUT":    c.ConnectionTimeout,
		"HEALTH_CHECK_INTERVAL": c.HealthCheckInterval,
		"TOOL_CALL_TIMEOUT":     c.ToolCallTimeout,
		"LIST_TOOLS_TIMEOUT":    c.ListToolsTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}

// SessionTimeout is SessionTimeoutMS as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMS) * time.Millisecond
}

// UpstreamIssuers splits OAuthUpstreamIssuers.
func (c *Config) UpstreamIssuers() []string { return splitList(c.OAuthUpstreamIssuers) }

// AllowedOrigins splits CORSOrigins.
func (c *Config) AllowedOrigins() []string { return splitList(c.CORSOrigins) }

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
