// Command mcp-gateway serves the multi-tenant MCP gateway over streamable
// HTTP. All settings come from the environment; see package config.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/config"
	"github.com/ggoodman/mcp-gateway/directory"
	"github.com/ggoodman/mcp-gateway/directory/filesource"
	"github.com/ggoodman/mcp-gateway/directory/postgres"
	"github.com/ggoodman/mcp-gateway/gateway"
	"github.com/ggoodman/mcp-gateway/hooks"
	"github.com/ggoodman/mcp-gateway/internal/jwtauth"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/internal/metrics"
	"github.com/ggoodman/mcp-gateway/permissions"
	"github.com/ggoodman/mcp-gateway/pool"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/sessions/memoryhost"
	"github.com/ggoodman/mcp-gateway/sessions/redishost"
	"github.com/ggoodman/mcp-gateway/storage"
	"github.com/ggoodman/mcp-gateway/storage/memory"
	"github.com/ggoodman/mcp-gateway/storage/redis"
	"github.com/ggoodman/mcp-gateway/streaminghttp"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	goredis "github.com/redis/go-redis/v9"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mcp-gateway: %v\n", err)
		os.Exit(1)
	}
}

// store is the union of directory lookups a backend provides.
type store interface {
	directory.MemberSource
	directory.InstanceSource
	directory.ServerConfigSource
	auth.APIKeyStore
	io.Closer
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	st, err := openState(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	var perms *permissions.Service
	dir, err := openDirectory(ctx, cfg, log, func(ctx context.Context, orgs []string) {
		for _, org := range orgs {
			if err := perms.InvalidateOrganization(ctx, org); err != nil {
				log.WarnContext(ctx, "permissions.invalidate.fail", slog.String("org", org), slog.String("err", err.Error()))
			}
		}
	})
	if err != nil {
		return err
	}
	defer dir.Close()
	perms = permissions.NewService(dir, permissions.WithCache(st.cache), permissions.WithLogger(log))
	if src, ok := dir.(*filesource.Source); ok {
		if err := src.Watch(ctx); err != nil {
			return err
		}
	}

	authCfg, err := buildAuthConfig(ctx, cfg, dir)
	if err != nil {
		return err
	}
	resolver := auth.New(authCfg, auth.WithLogger(log))
	defer resolver.Close()

	impl := &mcp.Implementation{Name: "mcp-gateway", Version: version}
	connPool := pool.New(dir, &pool.SDKDialer{Implementation: impl}, pool.Config{
		MaxIdleTime:          cfg.MaxIdleTime,
		ConnectionTimeout:    cfg.ConnectionTimeout,
		HealthCheckInterval:  cfg.HealthCheckInterval,
		ReconnectStep:        cfg.ReconnectStep,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
	}, pool.WithLogger(log), pool.WithMetrics(m))

	runner := hooks.NewRunner(
		hooks.WithLogger(log),
		hooks.WithMetrics(m),
		hooks.WithAuditSink(&hooks.LogSink{Logger: log}),
	)

	gw, err := gateway.New(gateway.Deps{
		Auth:        resolver,
		Permissions: perms,
		Instances:   dir,
		Sessions:    st.sessions,
		Pool:        connPool,
		Hooks:       runner,
	}, gateway.Config{
		ToolCallTimeout:  cfg.ToolCallTimeout,
		ListToolsTimeout: cfg.ListToolsTimeout,
		PublicURL:        cfg.PublicURL,
		ServerInfo:       *impl,
	}, gateway.WithLogger(log), gateway.WithMetrics(m))
	if err != nil {
		return err
	}

	var authServers []string
	for _, iss := range append([]string{cfg.KeycloakIssuer, cfg.OAuthIssuer}, cfg.UpstreamIssuers()...) {
		if iss != "" {
			authServers = append(authServers, iss)
		}
	}
	handler := streaminghttp.New(gw, streaminghttp.Config{
		PublicURL:            cfg.PublicURL,
		AuthorizationServers: authServers,
		ScopesSupported:      []string{cfg.RequiredScope},
		AllowedOrigins:       cfg.AllowedOrigins(),
	},
		streaminghttp.WithLogger(log),
		streaminghttp.WithReadiness(st.ready),
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	for _, s := range []*http.Server{srv, metricsSrv} {
		go func() {
			log.InfoContext(ctx, "http.listen", slog.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", s.Addr, err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown.start")
	case serveErr = <-errCh:
		log.Error("shutdown.start", slog.String("err", serveErr.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := connPool.Shutdown(shutdownCtx); err != nil {
		log.Warn("pool.shutdown.fail", slog.String("err", err.Error()))
	}
	if err := runner.Wait(shutdownCtx); err != nil {
		log.Warn("hooks.drain.fail", slog.String("err", err.Error()))
	}
	log.Info("shutdown.done")
	return serveErr
}

// state holds the shared session registry and permission cache.
type state struct {
	sessions *sessions.Store
	cache    storage.Storage
	ready    func(ctx context.Context) error
}

func (s *state) close() {
	_ = s.sessions.Close()
	_ = s.cache.Close()
}

func openState(ctx context.Context, cfg *config.Config, log *slog.Logger) (*state, error) {
	sessCfg := sessions.Config{
		Timeout:       cfg.SessionTimeout(),
		MaxSessions:   cfg.MaxSessions,
		MaxErrorCount: cfg.MaxErrorCount,
	}
	if cfg.StateBackend == "memory" {
		cache, err := memory.New(cfg.MemoryMaxItems)
		if err != nil {
			return nil, err
		}
		return &state{
			sessions: sessions.NewStore(memoryhost.New(), sessCfg, sessions.WithLogger(log)),
			cache:    cache,
			ready:    func(context.Context) error { return nil },
		}, nil
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	cache, err := redis.New(redis.Config{Client: rdb, KeyPrefix: cfg.RedisKeyPrefix + "perm:"})
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	host, err := redishost.New(ctx, redishost.Config{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		KeyPrefix:     cfg.RedisKeyPrefix + "sessions:",
	})
	if err != nil {
		_ = cache.Close()
		return nil, err
	}
	return &state{
		sessions: sessions.NewStore(host, sessCfg, sessions.WithLogger(log)),
		cache:    cache,
		ready:    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}, nil
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(logctx.Wrap(h)), nil
}

func openDirectory(ctx context.Context, cfg *config.Config, log *slog.Logger, onReload func(context.Context, []string)) (store, error) {
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.WithLogger(log))
		if err != nil {
			return nil, err
		}
		if cfg.DatabaseMigrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, err
			}
		}
		return pg, nil
	}
	src, err := filesource.Open(cfg.DirectoryFile, filesource.WithLogger(log), filesource.WithReloadHook(onReload))
	if err != nil {
		return nil, err
	}
	return src, nil
}

func buildAuthConfig(ctx context.Context, cfg *config.Config, keys auth.APIKeyStore) (auth.Config, error) {
	out := auth.Config{
		APIKeys:                  keys,
		APIKeyPrefix:             cfg.APIKeyPrefix,
		APIKeyCacheTTL:           cfg.APIKeyCacheTTL,
		OrgClaim:                 cfg.OrgClaim,
		InstanceClaim:            cfg.InstanceClaim,
		RequiredScope:            cfg.RequiredScope,
		AllowAPIKeyOAuthFallback: cfg.AllowAPIKeyOAuthFallback,
	}
	if cfg.KeycloakIssuer != "" {
		jc := jwtauth.DefaultConfig()
		jc.Issuer = cfg.KeycloakIssuer
		jc.Leeway = cfg.AuthLeeway
		if cfg.KeycloakAudience != "" {
			jc.ExpectedAudiences = []string{cfg.KeycloakAudience}
		}
		v, err := jwtauth.NewFromDiscovery(ctx, jc)
		if err != nil {
			return auth.Config{}, fmt.Errorf("keycloak verifier: %w", err)
		}
		out.Keycloak = v
	}
	if cfg.OAuthIssuer != "" {
		jc := jwtauth.DefaultConfig()
		jc.Issuer = cfg.OAuthIssuer
		jc.JWKSURL = cfg.OAuthJWKSURL
		jc.Leeway = cfg.AuthLeeway
		v, err := jwtauth.NewStatic(ctx, jc)
		if err != nil {
			return auth.Config{}, fmt.Errorf("oauth verifier: %w", err)
		}
		out.OAuth = append(out.OAuth, v)
	}
	for _, iss := range cfg.UpstreamIssuers() {
		jc := jwtauth.DefaultConfig()
		jc.Issuer = iss
		jc.Leeway = cfg.AuthLeeway
		v, err := jwtauth.NewFromDiscovery(ctx, jc)
		if err != nil {
			return auth.Config{}, fmt.Errorf("upstream verifier %s: %w", iss, err)
		}
		out.OAuth = append(out.OAuth, v)
	}
	return out, nil
}
