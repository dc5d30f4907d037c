package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"logsentry/internal/models"
)

// ReportReview carries the user-facing mutations allowed on a report.
// Nil fields are left untouched.
type ReportReview struct {
	Status          *models.ReportStatus
	AssignedTo      *string
	ResolutionNotes *string
	UserFeedback    *string
}

// ReportRepository handles database operations for triage reports. The 1:1
// anomaly-report invariant is backed by a unique index on anomaly_id.
type ReportRepository interface {
	CreateBatch(reports []*models.TriageReport) error
	GetByID(id string) (*models.TriageReport, error)
	GetByAnomalyID(anomalyID string) (*models.TriageReport, error)
	SetResult(id string, payload *models.TriagePayload, model string, generatedAt time.Time, processingMS int64) error
	SetFailure(id string, message string) error
	Review(id string, review ReportReview) error
}

type reportRepository struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewReportRepository creates a new triage report repository.
func NewReportRepository(db *sqlx.DB, log *zap.Logger) ReportRepository {
	return &reportRepository{db: db, log: log}
}

type reportRecord struct {
	models.TriageReport
	RawPayload []byte `db:"payload"`
}

func (rec *reportRecord) toModel() (*models.TriageReport, error) {
	rep := rec.TriageReport
	if len(rec.RawPayload) > 0 {
		var payload models.TriagePayload
		if err := json.Unmarshal(rec.RawPayload, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload for report %s: %w", rep.ID, err)
		}
		rep.Payload = &payload
	}
	return &rep, nil
}

func (r *reportRepository) CreateBatch(reports []*models.TriageReport) error {
	if len(reports) == 0 {
		return nil
	}

	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Preparex(`
		INSERT INTO triage_reports (id, anomaly_id, dataset_id, owner_id, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare report insert: %w", err)
	}
	defer stmt.Close()

	for _, rep := range reports {
		if !rep.Status.Valid() {
			return fmt.Errorf("invalid report status %q", rep.Status)
		}
		err = stmt.QueryRow(rep.ID, rep.AnomalyID, rep.DatasetID, rep.OwnerID, rep.Status).
			Scan(&rep.CreatedAt, &rep.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert report for anomaly %s: %w", rep.AnomalyID, err)
		}
	}

	return tx.Commit()
}

const reportColumns = `
	id, anomaly_id, dataset_id, owner_id, payload, model, generated_at,
	processing_ms, triage_error, status, assigned_to, resolution_notes,
	user_feedback, created_at, updated_at
`

func (r *reportRepository) GetByID(id string) (*models.TriageReport, error) {
	var rec reportRecord
	query := `SELECT ` + reportColumns + ` FROM triage_reports WHERE id = $1`
	if err := r.db.Get(&rec, query, id); err != nil {
		return nil, err
	}
	return rec.toModel()
}

func (r *reportRepository) GetByAnomalyID(anomalyID string) (*models.TriageReport, error) {
	var rec reportRecord
	query := `SELECT ` + reportColumns + ` FROM triage_reports WHERE anomaly_id = $1`
	if err := r.db.Get(&rec, query, anomalyID); err != nil {
		return nil, err
	}
	return rec.toModel()
}

func (r *reportRepository) SetResult(id string, payload *models.TriagePayload, model string, generatedAt time.Time, processingMS int64) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	query := `
		UPDATE triage_reports
		SET payload = $1, model = $2, generated_at = $3, processing_ms = $4,
		    triage_error = '', status = $5, updated_at = NOW()
		WHERE id = $6
	`
	_, err = r.db.Exec(query, raw, model, generatedAt, processingMS, models.ReportTriaged, id)
	return err
}

func (r *reportRepository) SetFailure(id string, message string) error {
	query := `UPDATE triage_reports SET triage_error = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.Exec(query, message, id)
	return err
}

func (r *reportRepository) Review(id string, review ReportReview) error {
	if review.Status != nil && !review.Status.Valid() {
		return fmt.Errorf("invalid report status %q", *review.Status)
	}

	query := `
		UPDATE triage_reports
		SET status = COALESCE($1, status),
		    assigned_to = COALESCE($2, assigned_to),
		    resolution_notes = COALESCE($3, resolution_notes),
		    user_feedback = COALESCE($4, user_feedback),
		    updated_at = NOW()
		WHERE id = $5
	`
	_, err := r.db.Exec(query, review.Status, review.AssignedTo, review.ResolutionNotes, review.UserFeedback, id)
	return err
}
