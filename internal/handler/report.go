package handler

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"logsentry/internal/middleware"
	"logsentry/internal/models"
	"logsentry/internal/repository"
)

type ReportHandler interface {
	Get(c *gin.Context)
	GetByAnomaly(c *gin.Context)
	Review(c *gin.Context)
	Export(c *gin.Context)
}

type reportHandler struct {
	reports repository.ReportRepository
	logger  *zap.Logger
}

func NewReportHandler(reports repository.ReportRepository, logger *zap.Logger) ReportHandler {
	return &reportHandler{reports: reports, logger: logger}
}

type reviewRequest struct {
	Status          *string `json:"status"`
	AssignedTo      *string `json:"assigned_to"`
	ResolutionNotes *string `json:"resolution_notes"`
	UserFeedback    *string `json:"user_feedback"`
}

// Get handles GET /api/reports/:id
func (h *reportHandler) Get(c *gin.Context) {
	report, ok := h.ownedReport(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// GetByAnomaly handles GET /api/anomalies/:id/report
func (h *reportHandler) GetByAnomaly(c *gin.Context) {
	report, err := h.reports.GetByAnomalyID(c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
			return
		}
		h.logger.Error("Failed to get report", zap.String("anomaly_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve report"})
		return
	}
	if report.OwnerID != middleware.UserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// Review handles PUT /api/reports/:id/review. Only the fields present in
// the request body are changed.
func (h *reportHandler) Review(c *gin.Context) {
	report, ok := h.ownedReport(c, c.Param("id"))
	if !ok {
		return
	}

	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	var review repository.ReportReview
	if req.Status != nil {
		status := models.ReportStatus(*req.Status)
		if !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown report status: " + *req.Status})
			return
		}
		review.Status = &status
	}
	review.AssignedTo = req.AssignedTo
	review.ResolutionNotes = req.ResolutionNotes
	review.UserFeedback = req.UserFeedback

	if err := h.reports.Review(report.ID, review); err != nil {
		h.logger.Error("Failed to review report", zap.String("id", report.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update report"})
		return
	}

	updated, err := h.reports.GetByID(report.ID)
	if err != nil {
		h.logger.Error("Failed to reload report", zap.String("id", report.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve report"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": updated})
}

// Export handles GET /api/reports/:id/export. The report is served as a
// JSON attachment for offline hand-off.
func (h *reportHandler) Export(c *gin.Context) {
	report, ok := h.ownedReport(c, c.Param("id"))
	if !ok {
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=triage-report-%s.json", report.ID))
	c.JSON(http.StatusOK, report)
}

func (h *reportHandler) ownedReport(c *gin.Context, id string) (*models.TriageReport, bool) {
	report, err := h.reports.GetByID(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
			return nil, false
		}
		h.logger.Error("Failed to get report", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve report"})
		return nil, false
	}
	if report.OwnerID != middleware.UserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
		return nil, false
	}
	return report, true
}
