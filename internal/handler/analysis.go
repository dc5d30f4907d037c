package handler

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"logsentry/internal/middleware"
	"logsentry/internal/orchestrator"
	"logsentry/internal/repository"
)

type AnalysisHandler interface {
	Start(c *gin.Context)
	Status(c *gin.Context)
}

type analysisHandler struct {
	orch     *orchestrator.Orchestrator
	datasets repository.DatasetRepository
	logger   *zap.Logger
}

func NewAnalysisHandler(orch *orchestrator.Orchestrator, datasets repository.DatasetRepository, logger *zap.Logger) AnalysisHandler {
	return &analysisHandler{orch: orch, datasets: datasets, logger: logger}
}

// Start handles POST /api/datasets/:id/analyze. The call is idempotent: a
// second trigger while a session is active returns the same session with
// reused=true.
func (h *analysisHandler) Start(c *gin.Context) {
	datasetID := c.Param("id")
	ownerID := middleware.UserID(c)

	ds, err := h.datasets.GetByID(datasetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Dataset not found"})
			return
		}
		h.logger.Error("Failed to get dataset", zap.String("id", datasetID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve dataset"})
		return
	}
	if ds.OwnerID != ownerID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Dataset not found"})
		return
	}

	session, reused, err := h.orch.StartOrResume(c.Request.Context(), datasetID, ownerID)
	if err != nil {
		h.logger.Error("Failed to start analysis", zap.String("dataset_id", datasetID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start analysis"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"session_id": session.ID, "reused": reused})
}

// Status handles GET /api/datasets/:id/status. Designed for client-side
// polling until a terminal status is observed.
func (h *analysisHandler) Status(c *gin.Context) {
	datasetID := c.Param("id")

	ds, err := h.datasets.GetByID(datasetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Dataset not found"})
			return
		}
		h.logger.Error("Failed to get dataset", zap.String("id", datasetID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve dataset"})
		return
	}
	if ds.OwnerID != middleware.UserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Dataset not found"})
		return
	}

	resp := gin.H{
		"status":        ds.Status,
		"progress":      0,
		"error":         ds.LastError,
		"anomaly_count": ds.AnomalyCount,
	}
	if session, err := h.orch.SessionForDataset(datasetID); err == nil {
		resp["progress"] = session.Progress
		resp["session_id"] = session.ID
		resp["current_step"] = session.CurrentStep
	}

	c.JSON(http.StatusOK, resp)
}
