// Package handlers contains the gin HTTP adapters over the audit, storage
// and snapshot services, plus the router wiring them together.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trustlock/storage-audit/internal/middleware"
)

// RouterConfig holds the cross-cutting settings the router needs.
type RouterConfig struct {
	Tokens            []string
	CORSOrigin        string
	RequestsPerMinute int // 0 means default
	Burst             int // 0 means default
}

// NewRouter assembles the HTTP surface. /health and /metrics are public;
// everything else requires a valid service token.
func NewRouter(cfg RouterConfig, store *StoreHandler, audit *AuditHandler, merkle *MerkleHandler, events *EventsHandler) *gin.Engine {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 600
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 60
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORSMiddleware(cfg.CORSOrigin))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("")
	protected.Use(middleware.RateLimitMiddleware(cfg.RequestsPerMinute, cfg.Burst))
	protected.Use(middleware.ServiceTokenAuth(cfg.Tokens))

	storeRoutes := protected.Group("/store")
	storeRoutes.POST("/upload", store.Upload)
	storeRoutes.GET("/object/:sha256", store.Download)
	storeRoutes.GET("/objects", store.List)

	auditRoutes := protected.Group("/audit")
	auditRoutes.POST("/append", audit.Append)
	auditRoutes.GET("/read/:audit_id", audit.Read)
	auditRoutes.GET("/verify/:audit_id", audit.Verify)

	merkleRoutes := protected.Group("/merkle")
	merkleRoutes.POST("/snapshot", merkle.Snapshot)
	merkleRoutes.GET("/latest", merkle.Latest)

	protected.POST("/events", events.Ingest)

	return router
}
