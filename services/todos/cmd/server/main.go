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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/todolane/todolane/pkg/authn"
	"github.com/todolane/todolane/pkg/db"
	"github.com/todolane/todolane/pkg/httpx"
	"github.com/todolane/todolane/pkg/identity"
	"github.com/todolane/todolane/services/todos/internal/config"
	"github.com/todolane/todolane/services/todos/internal/store"
	"github.com/todolane/todolane/services/todos/internal/todos"
)

// todoStore is what the server needs from either store implementation.
type todoStore interface {
	todos.Store
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		return err
	}
	logger.Info("auth configured", "mode", cfg.Auth.Mode)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           newRouter(cfg, st, verifier, logger),
		ReadTimeout:       cfg.Server.ReadTimeout.Duration,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout.Duration,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (todoStore, func(), error) {
	if cfg.Driver == config.DriverMemory {
		logger.Warn("using in-memory store; data is lost on restart")
		return store.NewMemory(), func() {}, nil
	}
	opts := db.DefaultOptions()
	opts.MaxConns = cfg.MaxConns
	pool, err := db.Connect(ctx, cfg.URL, opts)
	if err != nil {
		return nil, nil, err
	}
	st := store.New(pool)
	if cfg.AutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("schema applied")
	}
	return st, pool.Close, nil
}

func newVerifier(cfg config.AuthConfig) (authn.Verifier, error) {
	switch cfg.Mode {
	case config.AuthModeRemote:
		client := identity.New(cfg.IdentityURL, cfg.IdentityAPIKey)
		client.HTTP.Timeout = cfg.IdentityTimeout.Duration
		return authn.NewRemoteVerifier(client), nil
	case config.AuthModeLocal:
		v, err := authn.NewLocalVerifier(cfg.JWTSecret, authn.LocalOptions{
			Audience: cfg.JWTAudience,
			Issuer:   cfg.JWTIssuer,
			Leeway:   cfg.JWTLeeway.Duration,
		})
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
}

func newRouter(cfg config.Config, st todoStore, verifier authn.Verifier, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.NotFound(httpx.NotFound)
	r.MethodNotAllowed(httpx.MethodNotAllowed)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			logger.WarnContext(ctx, "readiness check failed", "error", err)
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "NOT_READY", "store unavailable")
			return
		}
		w.WriteHeader(200)
	})

	h := todos.NewHandler(todos.NewService(st, logger), logger)
	h.Routes(r, authn.Middleware(verifier, logger))
	return r
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.InfoContext(r.Context(), "request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
					"remote_addr", r.RemoteAddr,
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
