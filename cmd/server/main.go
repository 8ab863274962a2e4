package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"suncochat/internal/app"
	"suncochat/internal/auth"
	"suncochat/internal/config"
	"suncochat/internal/ratelimit"
	"suncochat/internal/server"
	"suncochat/internal/util"
	"suncochat/pkg/ai"
	"suncochat/pkg/storage"
	"suncochat/pkg/store"
)

func main() {
	configPath := flag.String("config", config.ConfigPath, "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	st, err := newStore(cfg)
	if err != nil {
		util.Fatal("failed to init store", "error", err)
	}
	sessions, err := newSessionStore(cfg, sessionTTL)
	if err != nil {
		util.Fatal("failed to init session store", "error", err)
	}

	gateway, err := auth.NewGateway(st)
	if err != nil {
		util.Fatal("failed to init auth gateway", "error", err)
	}

	assistant, err := newAssistant(cfg)
	if err != nil {
		util.Fatal("failed to init assistant", "error", err)
	}

	var objects storage.ObjectStore
	if cfg.Storage.Endpoint != "" {
		objects, err = storage.NewMinioStore(
			cfg.Storage.Endpoint,
			cfg.Storage.AccessKey,
			cfg.Storage.SecretKey,
			cfg.Storage.Bucket,
			cfg.Storage.UseSSL,
		)
		if err != nil {
			util.Fatal("failed to init object storage", "error", err)
		}
	}

	appCore, err := app.New(app.Config{
		Store:     st,
		Auth:      gateway,
		Assistant: assistant,
		Objects:   objects,
	})
	if err != nil {
		util.Fatal("failed to init app", "error", err)
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RedisAddr != "" && cfg.AuthRateLimit > 0 {
		window, err := config.ParseRateLimitWindow(cfg.AuthRateLimitWindow)
		if err != nil {
			util.Fatal("failed to parse rate-limit window", "error", err)
		}
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "auth", cfg.AuthRateLimit, window)
		if err != nil {
			util.Fatal("failed to init rate limiter", "error", err)
		}
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "error", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		Auth:           gateway,
		Store:          st,
		Sessions:       sessions,
		AuthLimiter:    limiter,
		TrustedProxies: trusted,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: replies stream over SSE for as long as the
		// model keeps producing tokens.
		IdleTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

func newStore(cfg config.FileConfig) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		return store.NewGormStore(cfg.DatabaseURL)
	}
	return store.NewFileStore(cfg.DataDir)
}

func newSessionStore(cfg config.FileConfig, ttl time.Duration) (store.SessionStore, error) {
	if cfg.JWTSecret != "" {
		var revoker store.TokenRevoker
		if cfg.RedisAddr != "" {
			revoker = store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
		} else {
			revoker = store.NewMemoryTokenRevoker()
		}
		return store.NewJWTSessionStore(cfg.JWTSecret, ttl, revoker)
	}
	if cfg.RedisAddr != "" {
		return store.NewRedisSessionStore(cfg.RedisAddr, cfg.RedisPassword, ttl), nil
	}
	return store.NewMemorySessionStore(), nil
}

func newAssistant(cfg config.FileConfig) (ai.Assistant, error) {
	opts := []ai.GeminiOption{}
	if cfg.ChatModel != "" || cfg.ImageModel != "" || cfg.ImageEditModel != "" {
		opts = append(opts, ai.WithModels(cfg.ChatModel, cfg.ImageModel, cfg.ImageEditModel))
	}
	return ai.NewGeminiClient(cfg.GeminiAPIKey, opts...)
}
