package models

import "time"

// SessionStatus is the status of one analysis run. Closed set.
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionParsing      SessionStatus = "parsing"
	SessionDetecting    SessionStatus = "detecting"
	SessionTriaging     SessionStatus = "triaging"
	SessionCompleted    SessionStatus = "completed"
	SessionError        SessionStatus = "error"
)

// Valid reports whether s is a member of the closed status set.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionInitializing, SessionParsing, SessionDetecting,
		SessionTriaging, SessionCompleted, SessionError:
		return true
	}
	return false
}

// Active reports whether a session in this status still occupies the
// per-dataset run slot. At most one active session may exist per dataset.
func (s SessionStatus) Active() bool {
	switch s {
	case SessionInitializing, SessionParsing, SessionDetecting, SessionTriaging:
		return true
	}
	return false
}

// Terminal reports whether the session has finished, successfully or not.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionError
}

// AnalysisSession is one orchestration run against a dataset. The
// orchestrator is its only writer; the dashboard observes it by polling.
type AnalysisSession struct {
	ID                string        `db:"id" json:"id"`
	DatasetID         string        `db:"dataset_id" json:"dataset_id"`
	OwnerID           int64         `db:"owner_id" json:"owner_id"`
	Status            SessionStatus `db:"status" json:"status"`
	Progress          int           `db:"progress" json:"progress"`
	CurrentStep       string        `db:"current_step" json:"current_step"`
	RowsAnalyzed      int           `db:"rows_analyzed" json:"rows_analyzed"`
	AnomaliesDetected int           `db:"anomalies_detected" json:"anomalies_detected"`
	ReportsGenerated  int           `db:"reports_generated" json:"reports_generated"`
	ErrorMessage      string        `db:"error_message" json:"error_message,omitempty"`
	StartedAt         time.Time     `db:"started_at" json:"started_at"`
	CompletedAt       *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
	ProcessingSeconds float64       `db:"processing_seconds" json:"processing_time_seconds"`
}
