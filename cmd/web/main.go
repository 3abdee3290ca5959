// Command web is the browser-facing BFF. Each browser session owns a session
// store backed by server-side storage; protected views go through the access
// guard and are proxied to the REST backend with the request authenticator.
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

	"riskwatch/internal/audit"
	"riskwatch/internal/config"
	"riskwatch/internal/riskclient"
	"riskwatch/internal/session"
	"riskwatch/internal/webapp"
	"riskwatch/pkg/logger"
	"riskwatch/pkg/utils"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.ProcessWeb)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	be, err := openBackend(rootCtx, cfg, log)
	if err != nil {
		log.Error("session backend init failed", "backend", cfg.Session.Backend, "err", err)
		os.Exit(1)
	}
	defer be.close()

	auditSvc := audit.NewService(be.audit, log)
	registry, err := webapp.NewRegistry(cfg.Session.CacheSize, cfg.Session.TTL, be.storage,
		func(ctx context.Context, sid string, st session.Storage) (*riskclient.Client, error) {
			return riskclient.Open(ctx, st, riskclient.Options{
				BaseURL:        cfg.API.BaseURL,
				Timeout:        cfg.API.Timeout,
				RefreshTimeout: cfg.API.RefreshTimeout,
				Logger:         log.With("sid", logger.RedactToken(sid)),
				Auditor:        auditSvc.Scope(sid, ""),
			})
		})
	if err != nil {
		log.Error("session registry init failed", "err", err)
		os.Exit(1)
	}

	r := webapp.NewRouter(webapp.Handlers{
		Sessions: registry,
		Audit:    auditSvc,
		Throttle: be.throttle,
		Cookie:   webapp.CookieConfig{Secure: cfg.Session.CookieSecure, MaxAge: cfg.Session.TTL},
		Drop:     be.drop,
	}, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.API.Timeout + cfg.API.RefreshTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if be.purge != nil {
		go purgeIdleSessions(rootCtx, be.purge, log)
	}

	go func() {
		log.Info("web listening", "addr", srv.Addr, "env", cfg.App.Env, "backend", cfg.Session.Backend, "api", cfg.API.BaseURL)
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

// backend bundles what the configured session backend provides. purge is nil
// when the backend expires sessions itself (redis key TTL).
type backend struct {
	storage  webapp.StorageFactory
	audit    audit.Repository
	throttle webapp.Throttle
	drop     func(sid string)
	purge    func(ctx context.Context, now time.Time) (int64, error)
	close    func()
}

func openBackend(ctx context.Context, cfg config.Config, log *slog.Logger) (*backend, error) {
	switch cfg.Session.Backend {
	case config.BackendRedis:
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			return nil, err
		}
		log.Info("sessions in redis", "addr", cfg.RedisAddr(), "ttl", cfg.Session.TTL.String())
		return &backend{
			storage: func(sid string, _ bool) (session.Storage, error) {
				return session.NewRedisStorage(rdb, "", sid, cfg.Session.TTL)
			},
			audit:    audit.NewMemoryRepo(),
			throttle: webapp.RedisThrottle{RDB: rdb, Limit: 10, Window: 15 * time.Minute},
			close:    func() { _ = rdb.Close() },
		}, nil

	case config.BackendPostgres:
		db, err := utils.OpenPostgres(ctx, utils.PostgresDriver, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			return nil, err
		}
		fail := func(err error) (*backend, error) {
			_ = db.Close()
			return nil, err
		}
		if err := session.EnsureSessionSchema(ctx, db); err != nil {
			return fail(err)
		}
		if err := audit.EnsureSchema(ctx, db); err != nil {
			return fail(err)
		}
		repo, err := audit.NewPostgresRepo(db)
		if err != nil {
			return fail(err)
		}
		log.Info("sessions in postgres", "host", cfg.DB.Host, "db", cfg.DB.Name)
		return &backend{
			storage: func(sid string, _ bool) (session.Storage, error) {
				return session.NewPostgresStorage(db, sid)
			},
			audit: repo,
			purge: func(ctx context.Context, now time.Time) (int64, error) {
				return session.PurgeIdle(ctx, db, cfg.Session.TTL, now)
			},
			close: func() { _ = db.Close() },
		}, nil

	default:
		stores := webapp.NewMemoryStorages(cfg.Session.TTL)
		log.Warn("sessions in memory; they do not survive a restart")
		return &backend{
			storage: stores.For,
			audit:   audit.NewMemoryRepo(),
			drop:    stores.Drop,
			purge: func(_ context.Context, now time.Time) (int64, error) {
				return int64(stores.PurgeIdle(now)), nil
			},
			close: func() {},
		}, nil
	}
}

// purgeIdleSessions periodically drops sessions nobody touched within the session ttl.
func purgeIdleSessions(ctx context.Context, purge func(context.Context, time.Time) (int64, error), log *slog.Logger) {
	t := time.NewTicker(10 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := purge(ctx, now)
			if err != nil {
				log.Warn("session purge failed", "err", err)
				continue
			}
			if n > 0 {
				log.Info("idle sessions purged", "rows", n)
			}
		}
	}
}
