package repository

import (
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"logsentry/internal/models"
)

// ErrActiveSessionExists is returned when a session insert lost to an
// already-active session for the same dataset. Callers resolve it by
// re-reading and reusing the winner.
var ErrActiveSessionExists = errors.New("an active analysis session already exists for this dataset")

// SessionRepository handles database operations for analysis sessions.
// The one-active-session-per-dataset invariant is enforced here, at the
// store layer, so it holds across process restarts and multiple workers.
type SessionRepository interface {
	CreateIfNoneActive(s *models.AnalysisSession) error
	GetActiveByDataset(datasetID string) (*models.AnalysisSession, error)
	GetLatestByDataset(datasetID string) (*models.AnalysisSession, error)
	GetByID(id string) (*models.AnalysisSession, error)
	Update(s *models.AnalysisSession) error
}

type sessionRepository struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewSessionRepository creates a new session repository.
func NewSessionRepository(db *sqlx.DB, log *zap.Logger) SessionRepository {
	return &sessionRepository{db: db, log: log}
}

const sessionColumns = `
	id, dataset_id, owner_id, status, progress, current_step,
	rows_analyzed, anomalies_detected, reports_generated,
	error_message, started_at, completed_at, processing_seconds
`

// CreateIfNoneActive atomically inserts the session only when no active
// session exists for the dataset. A concurrent winner surfaces either as
// zero rows affected or as a unique violation on the partial index; both
// map to ErrActiveSessionExists.
func (r *sessionRepository) CreateIfNoneActive(s *models.AnalysisSession) error {
	if !s.Status.Valid() {
		return fmt.Errorf("invalid session status %q", s.Status)
	}

	query := `
		INSERT INTO analysis_sessions (id, dataset_id, owner_id, status, progress, current_step, started_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE NOT EXISTS (
			SELECT 1 FROM analysis_sessions
			WHERE dataset_id = $2
			  AND status IN ('initializing', 'parsing', 'detecting', 'triaging')
		)
	`
	res, err := r.db.Exec(query, s.ID, s.DatasetID, s.OwnerID, s.Status, s.Progress, s.CurrentStep, s.StartedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrActiveSessionExists
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrActiveSessionExists
	}
	return nil
}

func (r *sessionRepository) GetActiveByDataset(datasetID string) (*models.AnalysisSession, error) {
	var s models.AnalysisSession
	query := `
		SELECT ` + sessionColumns + `
		FROM analysis_sessions
		WHERE dataset_id = $1
		  AND status IN ('initializing', 'parsing', 'detecting', 'triaging')
		ORDER BY started_at DESC
		LIMIT 1
	`
	if err := r.db.Get(&s, query, datasetID); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepository) GetLatestByDataset(datasetID string) (*models.AnalysisSession, error) {
	var s models.AnalysisSession
	query := `
		SELECT ` + sessionColumns + `
		FROM analysis_sessions
		WHERE dataset_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`
	if err := r.db.Get(&s, query, datasetID); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepository) GetByID(id string) (*models.AnalysisSession, error) {
	var s models.AnalysisSession
	query := `SELECT ` + sessionColumns + ` FROM analysis_sessions WHERE id = $1`
	if err := r.db.Get(&s, query, id); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepository) Update(s *models.AnalysisSession) error {
	if !s.Status.Valid() {
		return fmt.Errorf("invalid session status %q", s.Status)
	}
	query := `
		UPDATE analysis_sessions
		SET status = $1, progress = $2, current_step = $3,
		    rows_analyzed = $4, anomalies_detected = $5, reports_generated = $6,
		    error_message = $7, completed_at = $8, processing_seconds = $9
		WHERE id = $10
	`
	_, err := r.db.Exec(query, s.Status, s.Progress, s.CurrentStep,
		s.RowsAnalyzed, s.AnomaliesDetected, s.ReportsGenerated,
		s.ErrorMessage, s.CompletedAt, s.ProcessingSeconds, s.ID)
	return err
}
