package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"logsentry/internal/config"
	"logsentry/internal/handler"
	"logsentry/internal/middleware"
	"logsentry/internal/orchestrator"
	"logsentry/internal/repository"
	"logsentry/internal/service"
)

type Server struct {
	router *gin.Engine
	db     *sqlx.DB
	cfg    *config.Config
	orch   *orchestrator.Orchestrator
	log    *zap.Logger
}

// NewServer wires repositories, services, and handlers onto a gin router.
// The orchestrator is built by the caller so shutdown can wait on its
// background runs.
func NewServer(db *sqlx.DB, cfg *config.Config, orch *orchestrator.Orchestrator, log *zap.Logger) *Server {
	router := gin.Default()

	s := &Server{
		router: router,
		db:     db,
		cfg:    cfg,
		orch:   orch,
		log:    log,
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	authRepo := repository.NewAuthRepository(s.db, s.log)
	datasetRepo := repository.NewDatasetRepository(s.db, s.log)
	anomalyRepo := repository.NewAnomalyRepository(s.db, s.log)
	reportRepo := repository.NewReportRepository(s.db, s.log)

	tokenTTL := time.Duration(s.cfg.Auth.TokenTTLHrs) * time.Hour
	authService := service.NewAuthService(authRepo, s.cfg.Auth.JWTSecret, tokenTTL, s.log)

	authHandler := handler.NewAuthHandler(authService, s.log)
	datasetHandler := handler.NewDatasetHandler(datasetRepo, s.log)
	analysisHandler := handler.NewAnalysisHandler(s.orch, datasetRepo, s.log)
	anomalyHandler := handler.NewAnomalyHandler(anomalyRepo, datasetRepo, s.log)
	reportHandler := handler.NewReportHandler(reportRepo, s.log)

	// Ping route for health check
	s.router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Authentication routes
	authGroup := s.router.Group("/api/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)

	// Authenticated routes
	authRequired := s.router.Group("/api")
	authRequired.Use(middleware.AuthMiddleware(authService, s.log))
	{
		authRequired.POST("/datasets", datasetHandler.Upload)
		authRequired.GET("/datasets", datasetHandler.List)
		authRequired.GET("/datasets/:id", datasetHandler.Get)
		authRequired.POST("/datasets/:id/analyze", analysisHandler.Start)
		authRequired.GET("/datasets/:id/status", analysisHandler.Status)
		authRequired.GET("/datasets/:id/anomalies", anomalyHandler.List)

		authRequired.GET("/anomalies/:id", anomalyHandler.Get)
		authRequired.GET("/anomalies/:id/report", reportHandler.GetByAnomaly)

		authRequired.GET("/reports/:id", reportHandler.Get)
		authRequired.PUT("/reports/:id", reportHandler.Review)
		authRequired.GET("/reports/:id/export", reportHandler.Export)
	}
}

func (s *Server) Run(addr string) error {
	s.log.Info("Server starting", zap.String("addr", addr))
	return s.router.Run(addr)
}
