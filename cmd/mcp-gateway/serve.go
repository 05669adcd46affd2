package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-gateway/config"
	"github.com/ggoodman/mcp-gateway/gateway"
	"github.com/ggoodman/mcp-gateway/internal/telemetry"
	"github.com/ggoodman/mcp-gateway/oauth"
	"github.com/ggoodman/mcp-gateway/oauth/controlplane"
	"github.com/ggoodman/mcp-gateway/session"
	"github.com/ggoodman/mcp-gateway/storage"
	"github.com/ggoodman/mcp-gateway/storage/memory"
	redisstore "github.com/ggoodman/mcp-gateway/storage/redis"
	"github.com/ggoodman/mcp-gateway/upstream"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var addr, serversFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			if serversFile != "" {
				cfg.Servers.File = serversFile
			}
			if flagLogLevel != "" {
				cfg.Log.Level = flagLogLevel
			}
			if flagLogFormat != "" {
				cfg.Log.Format = flagLogFormat
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			log, err := newLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			slog.SetDefault(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides GATEWAY_ADDR)")
	cmd.Flags().StringVar(&serversFile, "servers", "", "servers file (overrides GATEWAY_SERVERS_FILE)")
	return cmd
}

func serve(ctx context.Context, cfg *Config, log *slog.Logger) error {
	tel := telemetry.Global()

	cache, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()

	resolver, err := config.NewFileResolver(cfg.Servers.File, log)
	if err != nil {
		return err
	}
	if cfg.Servers.Watch {
		if err := resolver.Watch(ctx); err != nil {
			return err
		}
	}
	log.InfoContext(ctx, "config.servers.loaded", slog.String("path", cfg.Servers.File), slog.Int("servers", resolver.Len()))

	var gw *oauth.Gateway
	if cfg.OAuth.Enabled {
		gw, err = newOAuthGateway(ctx, cfg, cache, resolver, log, tel)
		if err != nil {
			return err
		}
		gw.Start(ctx)
		defer gw.Stop()
	}

	sessionOpts := []session.Option{
		session.WithLogger(log),
		session.WithTelemetry(tel),
		session.WithInitTimeout(cfg.Session.InitTimeout),
		session.WithUpstreamFactory(gateway.UpstreamFactory(gw, upstream.WithLogger(log), upstream.WithTelemetry(tel))),
	}
	store := session.NewStore(cache,
		session.WithMaxAge(cfg.Session.MaxAge),
		session.WithIdleTimeout(cfg.Session.IdleTimeout),
		session.WithSweepInterval(cfg.Session.SweepInterval),
		session.WithStoreLogger(log),
		session.WithResolver(resolver),
		session.WithSessionOptions(sessionOpts...),
	)
	store.Start(ctx)
	defer store.Stop()

	opts := []gateway.Option{
		gateway.WithLogger(log),
		gateway.WithTelemetry(tel),
		gateway.WithBaseURL(cfg.HTTP.BaseURL),
		gateway.WithSessionOptions(sessionOpts...),
	}
	if gw != nil {
		opts = append(opts, gateway.WithOAuth(gw))
		if cfg.OAuth.RequireAuth {
			opts = append(opts, gateway.WithAuthenticator(gw))
		}
	}
	handler := gateway.New(store, resolver, cache, opts...)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "http.listen", slog.String("addr", cfg.HTTP.Addr), slog.String("base_url", cfg.HTTP.BaseURL))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("http.shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http.shutdown.fail", slog.String("err", err.Error()))
	}
	return nil
}

func openCache(ctx context.Context, cfg *Config) (storage.Cache, error) {
	if cfg.Storage.Backend != "redis" {
		return memory.New(cfg.Storage.MaxItems)
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return redisstore.New(redisstore.Config{Client: client, KeyPrefix: cfg.Redis.KeyPrefix})
}

func newOAuthGateway(ctx context.Context, cfg *Config, cache storage.Cache, resolver config.Resolver, log *slog.Logger, tel *telemetry.Instruments) (*oauth.Gateway, error) {
	issuer := cfg.OAuth.Issuer
	if issuer == "" {
		issuer = cfg.HTTP.BaseURL
	}
	opts := []oauth.Option{
		oauth.WithLogger(log),
		oauth.WithTelemetry(tel),
		oauth.WithResolver(resolver),
	}
	if cp := cfg.ControlPlane; cp.Issuer != "" {
		intro, err := controlplane.New(ctx, controlplane.Config{
			Issuer:         cp.Issuer,
			Audiences:      cp.Audiences,
			RequiredScopes: cp.RequiredScopes,
			JWKSURL:        cp.JWKSURL,
			Leeway:         cp.Leeway,
		}, controlplane.WithLogger(log))
		if err != nil {
			return nil, err
		}
		opts = append(opts, oauth.WithControlPlane(intro))
	}
	return oauth.New(oauth.Config{
		Issuer:          issuer,
		AccessTokenTTL:  cfg.OAuth.AccessTokenTTL,
		RefreshTokenTTL: cfg.OAuth.RefreshTokenTTL,
		AllowPKCEPlain:  cfg.OAuth.AllowPKCEPlain,
		EncryptionKey:   cfg.OAuth.EncryptionKey,
		UserHeader:      cfg.OAuth.UserHeader,
	}, cache, opts...)
}
