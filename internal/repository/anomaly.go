package repository

import (
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"logsentry/internal/models"
)

// AnomalyFilter narrows anomaly listings. Zero values mean "no filter".
type AnomalyFilter struct {
	Status   models.AnomalyStatus
	MinScore float64
}

// AnomalyRepository handles database operations for flagged rows.
type AnomalyRepository interface {
	CreateBatch(anomalies []*models.Anomaly) error
	GetByID(id string) (*models.Anomaly, error)
	ListByDataset(datasetID string, filter AnomalyFilter) ([]*models.Anomaly, error)
	UpdateStatus(id string, status models.AnomalyStatus) error
}

type anomalyRepository struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewAnomalyRepository creates a new anomaly repository.
func NewAnomalyRepository(db *sqlx.DB, log *zap.Logger) AnomalyRepository {
	return &anomalyRepository{db: db, log: log}
}

type anomalyRecord struct {
	models.Anomaly
	RawRowData      []byte `db:"row_data"`
	RawAttributions []byte `db:"attributions"`
}

func (rec *anomalyRecord) toModel() (*models.Anomaly, error) {
	a := rec.Anomaly
	if len(rec.RawRowData) > 0 {
		if err := json.Unmarshal(rec.RawRowData, &a.RowData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal row data for anomaly %s: %w", a.ID, err)
		}
	}
	if len(rec.RawAttributions) > 0 {
		if err := json.Unmarshal(rec.RawAttributions, &a.Attributions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributions for anomaly %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

func (r *anomalyRepository) CreateBatch(anomalies []*models.Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}

	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Preparex(`
		INSERT INTO anomalies (id, dataset_id, session_id, owner_id, score,
		                       row_index, sheet_name, row_data, attributions, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare anomaly insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range anomalies {
		if !a.Status.Valid() {
			return fmt.Errorf("invalid anomaly status %q", a.Status)
		}
		rowData, err := json.Marshal(a.RowData)
		if err != nil {
			return fmt.Errorf("failed to marshal row data: %w", err)
		}
		attrs, err := json.Marshal(a.Attributions)
		if err != nil {
			return fmt.Errorf("failed to marshal attributions: %w", err)
		}
		err = stmt.QueryRow(a.ID, a.DatasetID, a.SessionID, a.OwnerID, a.Score,
			a.RowIndex, a.SheetName, rowData, attrs, a.Status).Scan(&a.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert anomaly for row %d: %w", a.RowIndex, err)
		}
	}

	return tx.Commit()
}

const anomalyColumns = `
	id, dataset_id, session_id, owner_id, score, row_index,
	sheet_name, row_data, attributions, status, created_at
`

func (r *anomalyRepository) GetByID(id string) (*models.Anomaly, error) {
	var rec anomalyRecord
	query := `SELECT ` + anomalyColumns + ` FROM anomalies WHERE id = $1`
	if err := r.db.Get(&rec, query, id); err != nil {
		return nil, err
	}
	return rec.toModel()
}

func (r *anomalyRepository) ListByDataset(datasetID string, filter AnomalyFilter) ([]*models.Anomaly, error) {
	query := `SELECT ` + anomalyColumns + ` FROM anomalies WHERE dataset_id = $1`
	args := []interface{}{datasetID}

	if filter.Status != "" {
		if !filter.Status.Valid() {
			return nil, fmt.Errorf("invalid anomaly status %q", filter.Status)
		}
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.MinScore > 0 {
		args = append(args, filter.MinScore)
		query += fmt.Sprintf(" AND score >= $%d", len(args))
	}
	query += " ORDER BY score DESC"

	var records []anomalyRecord
	if err := r.db.Select(&records, query, args...); err != nil {
		return nil, err
	}

	anomalies := make([]*models.Anomaly, 0, len(records))
	for i := range records {
		a, err := records[i].toModel()
		if err != nil {
			return nil, err
		}
		anomalies = append(anomalies, a)
	}
	return anomalies, nil
}

func (r *anomalyRepository) UpdateStatus(id string, status models.AnomalyStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid anomaly status %q", status)
	}
	query := `UPDATE anomalies SET status = $1 WHERE id = $2`
	_, err := r.db.Exec(query, status, id)
	return err
}
