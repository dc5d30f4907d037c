package handler

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"logsentry/internal/middleware"
	"logsentry/internal/models"
	"logsentry/internal/repository"
)

type AnomalyHandler interface {
	List(c *gin.Context)
	Get(c *gin.Context)
}

type anomalyHandler struct {
	anomalies repository.AnomalyRepository
	datasets  repository.DatasetRepository
	logger    *zap.Logger
}

func NewAnomalyHandler(anomalies repository.AnomalyRepository, datasets repository.DatasetRepository, logger *zap.Logger) AnomalyHandler {
	return &anomalyHandler{anomalies: anomalies, datasets: datasets, logger: logger}
}

// List handles GET /api/datasets/:id/anomalies. Results are ordered by
// score descending and can be narrowed with ?status= and ?min_score=.
func (h *anomalyHandler) List(c *gin.Context) {
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

	var filter repository.AnomalyFilter
	if status := c.Query("status"); status != "" {
		s := models.AnomalyStatus(status)
		if !s.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown anomaly status: " + status})
			return
		}
		filter.Status = s
	}
	if raw := c.Query("min_score"); raw != "" {
		minScore, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "min_score must be a number"})
			return
		}
		filter.MinScore = minScore
	}

	anomalies, err := h.anomalies.ListByDataset(datasetID, filter)
	if err != nil {
		h.logger.Error("Failed to list anomalies", zap.String("dataset_id", datasetID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve anomalies"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"anomalies": anomalies, "total": len(anomalies)})
}

// Get handles GET /api/anomalies/:id
func (h *anomalyHandler) Get(c *gin.Context) {
	anomaly, err := h.anomalies.GetByID(c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Anomaly not found"})
			return
		}
		h.logger.Error("Failed to get anomaly", zap.String("id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve anomaly"})
		return
	}
	if anomaly.OwnerID != middleware.UserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Anomaly not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"anomaly": anomaly})
}
