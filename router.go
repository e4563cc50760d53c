package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"IRIS-lending/api"
	"IRIS-lending/internal/asset_mgmt/borrows"
	"IRIS-lending/internal/asset_mgmt/inventory"
	"IRIS-lending/internal/asset_mgmt/lendstore"
	"IRIS-lending/internal/asset_mgmt/overdue"
	"IRIS-lending/internal/asset_mgmt/returns"
	"IRIS-lending/internal/borrowers"
	"IRIS-lending/internal/notify"
	"IRIS-lending/internal/platform/apierr"
	"IRIS-lending/internal/platform/auth"
	"IRIS-lending/internal/platform/config"
	"IRIS-lending/internal/platform/logger"
	"IRIS-lending/internal/platform/ratelimit"
)

type app struct {
	catalog *inventory.Catalog
	engine  *borrows.Engine
	wf      *returns.Workflow
	poller  *returns.Poller
	monitor *overdue.Monitor
	limiter *ratelimit.Limiter
}

func newApp(cfg *config.Config, log *zap.Logger, store lendstore.Store, dir borrowers.Directory, events notify.Enqueuer, ledger overdue.Ledger) *app {
	loc := cfg.Location()
	catalog := inventory.NewCatalog(store, log.Named("inventory"))
	return &app{
		catalog: catalog,
		engine:  borrows.NewEngine(store, catalog, dir, log.Named("borrows"), borrows.WithLocation(loc)),
		wf:      returns.NewWorkflow(store, catalog, events, log.Named("returns")),
		poller:  returns.NewPoller(store, cfg.Poll.MaxIDs, cfg.Poll.Interval),
		monitor: overdue.NewMonitor(store, ledger, events, log.Named("overdue"),
			overdue.WithLocation(loc),
			overdue.WithInterval(cfg.Monitor.Interval),
			overdue.WithReminderInterval(cfg.Monitor.ReminderInterval),
		),
		limiter: ratelimit.New(cfg.Poll.RatePerSecond, cfg.Poll.Burst),
	}
}

func (a *app) pruneLimiter(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.limiter.Prune()
		}
	}
}

func newRouter(cfg *config.Config, log *zap.Logger, a *app) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(logger.GinMiddleware(log), logger.Recovery(log))
	_ = r.SetTrustedProxies(nil)

	if cfg.Mode == "dev" {
		// CORS（開発中のみ必要）
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:3000"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Content-Length", "Retry-After"},
			AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowCredentials: true,
		}))
	}

	// ヘルス
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	api.RegisterRoutes(r)

	// /api/v2
	pub := r.Group("/api/v2")
	admin := pub.Group("", auth.RequireAuth([]byte(cfg.Auth.JWTSecret)), auth.RequireRole(auth.RoleAdmin, auth.RoleStaff))

	inventory.RegisterRoutes(pub, admin, a.catalog)
	borrows.RegisterRoutes(pub, admin, a.engine)
	returns.RegisterRoutes(pub, admin, a.wf, a.poller, a.limiter.Middleware(ratelimit.ByClient))
	overdue.RegisterRoutes(admin, a.monitor)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, apierr.ErrorBody(apierr.CodeNotFound, "no such route"))
	})
	return r
}
