package router

import (
	"net/http"

	"medinotify/internal/common"
	"medinotify/internal/config"
	"medinotify/internal/domain/notification"
	"medinotify/internal/middleware"
	"medinotify/internal/observability/metrics"

	"github.com/gin-gonic/gin"
)

// New builds the gin engine: global middleware, the public health and
// metrics routes, then the API-key protected notification routes under /api/v1.
func New(cfg *config.Config, notificationHandler *notification.Handler) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	r.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.Logger(),
		middleware.CORS(cfg.CORS.AllowedOrigins, cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders),
		limiter.Middleware(),
	)

	r.GET("/health", health(cfg))
	r.GET("/metrics", gin.WrapH(metrics.MetricsHandler()))

	api := r.Group("/api/v1", middleware.Auth(cfg.Auth.APIKeys))
	notificationHandler.RegisterRoutes(api)

	r.NoRoute(func(c *gin.Context) {
		common.Error(c, http.StatusNotFound, "route not found: "+c.Request.Method+" "+c.Request.URL.Path)
	})

	return r
}

// health reports liveness plus the configured backends. It never touches
// the transport or the stores.
func health(cfg *config.Config) gin.HandlerFunc {
	info := gin.H{
		"status":   "ok",
		"service":  "medinotify",
		"store":    cfg.Store.Backend,
		"queue":    cfg.Queue.Backend,
		"provider": cfg.Email.Provider,
	}
	return func(c *gin.Context) {
		common.Success(c, http.StatusOK, info)
	}
}
