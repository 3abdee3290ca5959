// Command devapi is the reference REST backend: JWT login/refresh/me plus a
// role-gated sample resource. It exists so the web and CLI clients can be run
// end to end without the production backend.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"riskwatch/internal/auth"
	"riskwatch/internal/config"
	"riskwatch/internal/httpapi"
	"riskwatch/internal/users"
	"riskwatch/pkg/logger"
	"riskwatch/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.ProcessDevAPI)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	accounts, closeRepo, err := openAccounts(rootCtx, cfg, log)
	if err != nil {
		log.Error("users init failed", "err", err)
		os.Exit(1)
	}
	defer closeRepo()

	r := httpapi.NewRouter(httpapi.Handlers{
		Auth:     authManager,
		Accounts: accounts,
		Paises:   httpapi.DefaultCatalog(),
	}, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("devapi listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

// openAccounts uses Postgres when DB_HOST is set, otherwise seeded in-memory users.
func openAccounts(ctx context.Context, cfg config.Config, log *slog.Logger) (*users.Service, func(), error) {
	if !cfg.UsesDatabase() {
		svc := users.NewService(users.NewMemoryRepo())
		if err := svc.Seed(ctx, cfg.Auth.SeedPassword); err != nil {
			return nil, nil, err
		}
		log.Info("using in-memory users", "accounts", "viewer, analista, admin, root")
		return svc, func() {}, nil
	}

	db, err := utils.OpenPostgres(ctx, utils.PostgresDriver, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, nil, err
	}
	if err := users.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	repo, err := users.NewPostgresRepo(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	svc := users.NewService(repo)
	if cfg.Auth.SeedPassword != "" {
		if err := svc.Seed(ctx, cfg.Auth.SeedPassword); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	}
	return svc, func() { _ = db.Close() }, nil
}
