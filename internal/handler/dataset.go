package handler

import (
	"database/sql"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"logsentry/internal/middleware"
	"logsentry/internal/models"
	"logsentry/internal/repository"
	"logsentry/internal/tabular"
)

type DatasetHandler interface {
	Upload(c *gin.Context)
	List(c *gin.Context)
	Get(c *gin.Context)
}

type datasetHandler struct {
	datasets repository.DatasetRepository
	logger   *zap.Logger
}

func NewDatasetHandler(datasets repository.DatasetRepository, logger *zap.Logger) DatasetHandler {
	return &datasetHandler{datasets: datasets, logger: logger}
}

// Upload handles POST /api/datasets. It accepts a CSV file, parses it into
// normalized rows, and stores the dataset with status "uploaded".
func (h *datasetHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A CSV file is required in the 'file' form field"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.logger.Error("Failed to open uploaded file", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read uploaded file"})
		return
	}
	defer file.Close()

	name := c.PostForm("name")
	if name == "" {
		name = strings.TrimSuffix(fileHeader.Filename, filepath.Ext(fileHeader.Filename))
	}
	sheet := strings.TrimSuffix(fileHeader.Filename, filepath.Ext(fileHeader.Filename))

	rows, err := tabular.ParseCSV(file, sheet)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to parse CSV: " + err.Error()})
		return
	}

	columns := make(map[string]struct{})
	for _, row := range rows {
		for col := range row.Values {
			columns[col] = struct{}{}
		}
	}

	ds := &models.Dataset{
		ID:          uuid.NewString(),
		OwnerID:     middleware.UserID(c),
		Name:        name,
		Filename:    fileHeader.Filename,
		RowCount:    len(rows),
		ColumnCount: len(columns),
		Status:      models.DatasetUploaded,
	}

	if err := h.datasets.Create(ds, rows); err != nil {
		h.logger.Error("Failed to create dataset", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store dataset"})
		return
	}

	h.logger.Info("Dataset uploaded",
		zap.String("dataset_id", ds.ID),
		zap.Int("rows", ds.RowCount),
		zap.Int("columns", ds.ColumnCount))
	c.JSON(http.StatusCreated, gin.H{"dataset": ds})
}

// List handles GET /api/datasets
func (h *datasetHandler) List(c *gin.Context) {
	datasets, err := h.datasets.ListByOwner(middleware.UserID(c))
	if err != nil {
		h.logger.Error("Failed to list datasets", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve datasets"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"datasets": datasets})
}

// Get handles GET /api/datasets/:id
func (h *datasetHandler) Get(c *gin.Context) {
	ds, ok := h.ownedDataset(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"dataset": ds})
}

// ownedDataset loads the dataset in the path and enforces owner scoping.
// A dataset owned by someone else is reported as not found.
func (h *datasetHandler) ownedDataset(c *gin.Context) (*models.Dataset, bool) {
	ds, err := h.datasets.GetByID(c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Dataset not found"})
			return nil, false
		}
		h.logger.Error("Failed to get dataset", zap.String("id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve dataset"})
		return nil, false
	}
	if ds.OwnerID != middleware.UserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Dataset not found"})
		return nil, false
	}
	return ds, true
}
