package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/joeshaw/envdecode"
)

// Config is the process configuration, read from the environment. List
// values are semicolon-separated.
type Config struct {
	HTTP struct {
		Addr            string        `env:"GATEWAY_ADDR,default=:8080"`
		BaseURL         string        `env:"GATEWAY_BASE_URL,default=http://localhost:8080"`
		ShutdownTimeout time.Duration `env:"GATEWAY_SHUTDOWN_TIMEOUT,default=15s"`
	}
	Servers struct {
		File  string `env:"GATEWAY_SERVERS_FILE,default=servers.yaml"`
		Watch bool   `env:"GATEWAY_SERVERS_WATCH,default=true"`
	}
	Storage struct {
		// Backend is "memory" or "redis".
		Backend  string `env:"GATEWAY_STORAGE,default=memory"`
		MaxItems int    `env:"GATEWAY_MEMORY_MAX_ITEMS,default=10000"`
	}
	Redis struct {
		Addr      string `env:"REDIS_ADDR,default=localhost:6379"`
		Password  string `env:"REDIS_PASSWORD"`
		DB        int    `env:"REDIS_DB,default=0"`
		KeyPrefix string `env:"REDIS_KEY_PREFIX,default=mcpgw:"`
	}
	Session struct {
		MaxAge        time.Duration `env:"SESSION_MAX_AGE,default=24h"`
		IdleTimeout   time.Duration `env:"SESSION_IDLE_TIMEOUT,default=30m"`
		SweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL,default=1m"`
		InitTimeout   time.Duration `env:"SESSION_INIT_TIMEOUT,default=30s"`
	}
	OAuth struct {
		Enabled bool `env:"OAUTH_ENABLED,default=true"`
		// RequireAuth demands a gateway bearer token on the MCP endpoints.
		RequireAuth     bool          `env:"OAUTH_REQUIRE_AUTH,default=false"`
		Issuer          string        `env:"OAUTH_ISSUER"`
		AccessTokenTTL  time.Duration `env:"OAUTH_ACCESS_TOKEN_TTL,default=1h"`
		RefreshTokenTTL time.Duration `env:"OAUTH_REFRESH_TOKEN_TTL,default=720h"`
		AllowPKCEPlain  bool          `env:"OAUTH_ALLOW_PKCE_PLAIN,default=false"`
		EncryptionKey   string        `env:"OAUTH_ENCRYPTION_KEY"`
		UserHeader      string        `env:"OAUTH_USER_HEADER,default=X-Gateway-User"`
	}
	ControlPlane struct {
		Issuer         string        `env:"CONTROL_PLANE_ISSUER"`
		Audiences      []string      `env:"CONTROL_PLANE_AUDIENCES"`
		JWKSURL        string        `env:"CONTROL_PLANE_JWKS_URL"`
		RequiredScopes []string      `env:"CONTROL_PLANE_REQUIRED_SCOPES"`
		Leeway         time.Duration `env:"CONTROL_PLANE_LEEWAY,default=60s"`
	}
	Log struct {
		Level  string `env:"LOG_LEVEL,default=info"`
		Format string `env:"LOG_FORMAT,default=json"`
	}
}

func loadConfig() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.OAuth.RequireAuth && !c.OAuth.Enabled {
		return errors.New("OAUTH_REQUIRE_AUTH needs OAUTH_ENABLED")
	}
	if c.ControlPlane.Issuer != "" && len(c.ControlPlane.Audiences) == 0 {
		return errors.New("CONTROL_PLANE_AUDIENCES is required with CONTROL_PLANE_ISSUER")
	}
	return nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}
