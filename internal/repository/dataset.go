package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"logsentry/internal/models"
	"logsentry/internal/tabular"
)

// DatasetRepository handles database operations for datasets and their rows.
type DatasetRepository interface {
	Create(ds *models.Dataset, rows []tabular.Row) error
	GetByID(id string) (*models.Dataset, error)
	ListByOwner(ownerID int64) ([]*models.Dataset, error)
	UpdateStatus(id string, status models.DatasetStatus, lastError string) error
	SetAnomalyCount(id string, count int) error
	Rows(id string) ([]tabular.Row, error)
}

type datasetRepository struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewDatasetRepository creates a new dataset repository.
func NewDatasetRepository(db *sqlx.DB, log *zap.Logger) DatasetRepository {
	return &datasetRepository{db: db, log: log}
}

func (r *datasetRepository) Create(ds *models.Dataset, rows []tabular.Row) error {
	if !ds.Status.Valid() {
		return fmt.Errorf("invalid dataset status %q", ds.Status)
	}

	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO datasets (id, owner_id, name, filename, row_count, column_count, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err = tx.QueryRowx(query, ds.ID, ds.OwnerID, ds.Name, ds.Filename,
		ds.RowCount, ds.ColumnCount, ds.Status).Scan(&ds.CreatedAt, &ds.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dataset: %w", err)
	}

	stmt, err := tx.Preparex(`INSERT INTO dataset_rows (dataset_id, row_index, sheet_name, row_values) VALUES ($1, $2, $3, $4)`)
	if err != nil {
		return fmt.Errorf("failed to prepare row insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		values, err := json.Marshal(row.Values)
		if err != nil {
			return fmt.Errorf("failed to marshal row %d: %w", row.Index, err)
		}
		if _, err := stmt.Exec(ds.ID, row.Index, row.Sheet, values); err != nil {
			return fmt.Errorf("failed to insert row %d: %w", row.Index, err)
		}
	}

	return tx.Commit()
}

func (r *datasetRepository) GetByID(id string) (*models.Dataset, error) {
	var ds models.Dataset
	query := `
		SELECT id, owner_id, name, filename, row_count, column_count,
		       status, anomaly_count, last_error, created_at, updated_at
		FROM datasets WHERE id = $1
	`
	if err := r.db.Get(&ds, query, id); err != nil {
		return nil, err
	}
	return &ds, nil
}

func (r *datasetRepository) ListByOwner(ownerID int64) ([]*models.Dataset, error) {
	var datasets []*models.Dataset
	query := `
		SELECT id, owner_id, name, filename, row_count, column_count,
		       status, anomaly_count, last_error, created_at, updated_at
		FROM datasets WHERE owner_id = $1
		ORDER BY created_at DESC
	`
	if err := r.db.Select(&datasets, query, ownerID); err != nil {
		return nil, err
	}
	return datasets, nil
}

func (r *datasetRepository) UpdateStatus(id string, status models.DatasetStatus, lastError string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid dataset status %q", status)
	}
	query := `UPDATE datasets SET status = $1, last_error = $2, updated_at = NOW() WHERE id = $3`
	_, err := r.db.Exec(query, status, lastError, id)
	return err
}

func (r *datasetRepository) SetAnomalyCount(id string, count int) error {
	query := `UPDATE datasets SET anomaly_count = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.Exec(query, count, id)
	return err
}

func (r *datasetRepository) Rows(id string) ([]tabular.Row, error) {
	type rowRecord struct {
		RowIndex  int    `db:"row_index"`
		SheetName string `db:"sheet_name"`
		RowValues []byte `db:"row_values"`
	}

	var records []rowRecord
	query := `SELECT row_index, sheet_name, row_values FROM dataset_rows WHERE dataset_id = $1 ORDER BY row_index`
	if err := r.db.Select(&records, query, id); err != nil {
		return nil, err
	}

	rows := make([]tabular.Row, 0, len(records))
	for _, rec := range records {
		values := make(map[string]string)
		if err := json.Unmarshal(rec.RowValues, &values); err != nil {
			return nil, fmt.Errorf("failed to unmarshal row %d: %w", rec.RowIndex, err)
		}
		rows = append(rows, tabular.Row{Index: rec.RowIndex, Sheet: rec.SheetName, Values: values})
	}
	return rows, nil
}

// StoreSource adapts the dataset repository to the tabular.Source interface
// consumed by the analysis pipeline.
type StoreSource struct {
	Datasets DatasetRepository
}

// Rows returns the persisted rows of the dataset.
func (s *StoreSource) Rows(_ context.Context, datasetID string) ([]tabular.Row, error) {
	return s.Datasets.Rows(datasetID)
}
