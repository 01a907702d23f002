package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nivara-ai/museflow/internal/config"
	"github.com/nivara-ai/museflow/internal/ledger"
	"github.com/nivara-ai/museflow/internal/logging"
	"github.com/nivara-ai/museflow/internal/middleware"
	"github.com/nivara-ai/museflow/internal/monitoring"
	"github.com/nivara-ai/museflow/internal/orchestrator"
	"github.com/nivara-ai/museflow/internal/search"
	"github.com/redis/go-redis/v9"
)

// APIServer represents the main API server
type APIServer struct {
	config       *config.Config
	router       *gin.Engine
	ledger       *ledger.Service
	orchestrator *orchestrator.Orchestrator
	searcher     search.Searcher
	redisClient  *redis.Client
}

// NewAPIServer creates a new API server instance
func NewAPIServer(
	cfg *config.Config,
	ledgerSvc *ledger.Service,
	orch *orchestrator.Orchestrator,
	searcher search.Searcher,
	redisClient *redis.Client,
) *APIServer {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	srv := &APIServer{
		config:       cfg,
		router:       router,
		ledger:       ledgerSvc,
		orchestrator: orch,
		searcher:     searcher,
		redisClient:  redisClient,
	}
	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *APIServer) Router() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// Account routes (identity required)
		account := v1.Group("")
		account.Use(middleware.Identity())
		{
			account.POST("/license/redeem", s.handleRedeemLicense)
			account.GET("/account", s.handleAccount)

			generations := account.Group("/generations")
			generations.Use(middleware.RateLimit(s.redisClient, s.config.RateLimit.RequestsPerMinute))
			{
				generations.POST("", s.handleGenerate)
			}
			account.GET("/generations/:id", s.handleGetGeneration)

			account.POST("/search", s.handleSearch)
		}

		// Admin routes (shared-secret header)
		admin := v1.Group("/admin")
		admin.Use(middleware.AdminAuth(s.config.Admin.Secret))
		{
			admin.POST("/keys", s.handleCreateKeys)
			admin.GET("/keys", s.handleListKeys)
			admin.GET("/plans", s.handleListPlans)
		}
	}
}

// Health check handler
func (s *APIServer) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "api",
	})
}
