// Package httpapi wires the console's JSON API: middleware order, CORS,
// documentation and the dispatch, vendor and session routes.
//
// Middleware order:
//
//	otelgin → RequestID → Logger → Recovery → body limit → gzip → Metrics →
//	Operator → Idempotency → RateLimit → CORS → SecurityHeaders
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	_ "github.com/tbourn/ops-console-sync/docs"
	"github.com/tbourn/ops-console-sync/internal/config"
	"github.com/tbourn/ops-console-sync/internal/http/handlers"
	"github.com/tbourn/ops-console-sync/internal/http/middleware"
)

// Deps are the services behind the routes. DB backs idempotency records.
type Deps struct {
	DB       *gorm.DB
	Services handlers.Deps
	// Operator is the session user the console runs as; requests without
	// credentials act as this operator.
	Operator string
	// ParseOperator validates a bearer token and returns its subject.
	ParseOperator middleware.OperatorParser
}

var corsHeaders = []string{
	"Origin", "Content-Type", "Accept", "Authorization", "X-Operator-ID",
	middleware.HeaderIdempotencyKey,
}

// RegisterRoutes installs middleware and mounts every route under
// cfg.APIBasePath, plus /health, /metrics and (when enabled) /swagger.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(middleware.RedactOptions{
		MaskHeaders: []string{"X-Api-Key"},
		LogHeaders:  cfg.LogLevel == "debug",
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.Operator(deps.Operator, deps.ParseOperator))

	idem := deps.Services.Idempotency
	if idem == nil && deps.DB != nil {
		idem = handlers.NewRepoIdempotency(deps.DB, cfg.IdempotencyTTL)
	}
	var lookup middleware.IdempotencyLookup
	if idem != nil {
		lookup = func(ctx context.Context, operatorID, scope, key string, now time.Time) (bool, error) {
			rec, err := idem.Get(ctx, operatorID, scope, key, now)
			return rec != nil, err
		}
	}
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, lookup))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientIP())
	r.Use(rl.Handler())

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins))

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	svc := deps.Services
	svc.Idempotency = idem
	h := handlers.New(svc)

	api := groupWithPrefix(r, cfg.APIBasePath)
	if svc.Dispatch != nil {
		api.GET("/dispatch/queue", h.GetQueue)
		api.PUT("/dispatch/queue/sort", h.SetSort)
		api.POST("/dispatch/refresh", h.Refresh)
		api.GET("/dispatch/riders", h.ListRiders)
		api.POST("/dispatch/batch-assign", h.BatchAssign)
		api.POST("/dispatch/auto-assign", h.AutoAssign)
		api.POST("/orders/:id/assign", h.AssignOrder)
	}
	if svc.Vendors != nil {
		api.GET("/vendors", h.ListVendors)
		api.POST("/vendors", h.InviteVendor)
		api.PUT("/vendors/:id/status", h.UpdateVendorStatus)
	}
	if svc.Alerts != nil {
		api.GET("/alerts", h.ListAlerts)
	}
	api.GET("/realtime/status", h.RealtimeStatus)
	if svc.Realtime != nil {
		api.POST("/realtime/reconnect", h.ReconnectRealtime)
	}
	if svc.Poller != nil {
		api.POST("/session/visibility", h.SetVisibility)
	}
}

// corsMiddleware allows any origin (without credentials) when no origins are
// configured, otherwise exactly the configured ones.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     corsHeaders,
		ExposeHeaders:    []string{"X-Request-ID", "Idempotency-Replayed", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	return cors.New(cc)
}

// limitBody caps request bodies at maxBytes.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
