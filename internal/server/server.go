package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/antigravity/keypool/internal/config"
	"github.com/antigravity/keypool/internal/logger"
	"github.com/antigravity/keypool/internal/metrics"
	"github.com/antigravity/keypool/internal/quota"
	"github.com/antigravity/keypool/internal/storage"
)

// Deps are the services the HTTP layer fronts.
type Deps struct {
	Pool    *quota.Pool
	Usage   *storage.UsageStore
	Metrics *metrics.Recorder
	Logs    *logger.LogBuffer
}

// Server represents the API server
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	router    *gin.Engine
	pool      *quota.Pool
	usage     *storage.UsageStore
	metrics   *metrics.Recorder
	logs      *logger.LogBuffer
	catalog   []quota.ModelSpec
	startedAt time.Time
}

// New creates a new server instance
func New(cfg *config.Config, logger *zap.Logger, deps Deps) *Server {
	gin.SetMode(cfg.Server.Mode)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    gin.New(),
		pool:      deps.Pool,
		usage:     deps.Usage,
		metrics:   deps.Metrics,
		logs:      deps.Logs,
		catalog:   quota.CatalogOrDefault(cfg.ModelSpecs()),
		startedAt: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Router returns the gin engine
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggerMiddleware())

	if s.cfg.Security.EnableCORS {
		s.router.Use(s.corsMiddleware())
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/", func(c *gin.Context) {
		c.String(200, "ok")
	})

	s.router.GET("/health", s.healthCheck)
	s.router.GET("/ping", s.ping)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	// Admission API
	api := s.router.Group("/v1")
	api.Use(s.apiKeyAuthMiddleware())
	{
		api.POST("/acquire", s.acquire)
		api.POST("/report", s.report)
		api.GET("/models", s.listModels)
	}

	admin := s.router.Group("/admin")
	{
		admin.POST("/login", s.adminLogin)
		admin.POST("/logout", s.adminLogout)
		admin.GET("/verify", s.adminVerify)

		auth := admin.Group("/")
		auth.Use(s.adminAuthMiddleware())
		{
			// Keys
			auth.GET("/keys", s.listKeys)
			auth.POST("/keys", s.createKey)
			auth.GET("/keys/:id", s.getKey)
			auth.PATCH("/keys/:id", s.updateKey)
			auth.DELETE("/keys/:id", s.deleteKey)

			// Models under a key
			auth.POST("/keys/:id/models", s.createModel)
			auth.POST("/keys/:id/models/seed", s.seedModels)
			auth.PATCH("/keys/:id/models/:model", s.updateModel)
			auth.DELETE("/keys/:id/models/:model", s.deleteModel)

			// Tenants
			auth.POST("/tenants/:tenant/disable", s.disableTenant)
			auth.POST("/tenants/:tenant/enable", s.enableTenant)

			auth.GET("/pool/stats", s.getStats)
			auth.GET("/usage/history", s.getUsageHistory)
			auth.POST("/flush", s.flush)

			auth.GET("/logs", s.getLogs)
			auth.DELETE("/logs", s.clearLogs)

			auth.GET("/status", s.getSystemStatus)
			auth.GET("/settings", s.getSettings)
		}
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	st := s.pool.Stats(c.Request.Context(), quota.Central())
	c.JSON(200, gin.H{
		"status":       "ok",
		"keys":         st.Keys,
		"invalid_keys": st.InvalidKeys,
	})
}

func (s *Server) ping(c *gin.Context) {
	c.JSON(200, gin.H{"message": "pong"})
}
