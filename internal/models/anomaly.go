package models

import "time"

// AnomalyStatus is the review lifecycle of a flagged row. Closed set.
type AnomalyStatus string

const (
	AnomalyDetected      AnomalyStatus = "detected"
	AnomalyTriaging      AnomalyStatus = "triaging"
	AnomalyTriaged       AnomalyStatus = "triaged"
	AnomalyReviewing     AnomalyStatus = "reviewing"
	AnomalyResolved      AnomalyStatus = "resolved"
	AnomalyFalsePositive AnomalyStatus = "false_positive"
)

// Valid reports whether s is a member of the closed status set.
func (s AnomalyStatus) Valid() bool {
	switch s {
	case AnomalyDetected, AnomalyTriaging, AnomalyTriaged,
		AnomalyReviewing, AnomalyResolved, AnomalyFalsePositive:
		return true
	}
	return false
}

// FeatureAttribution explains one feature's contribution to a row's
// reconstruction error. Attributions are stored ordered, highest
// contribution first, at most three per anomaly.
type FeatureAttribution struct {
	Feature      string  `json:"feature"`
	Actual       string  `json:"actual"`
	Expected     string  `json:"expected,omitempty"`
	Contribution float64 `json:"contribution"`
	Deviation    string  `json:"deviation,omitempty"`
}

// Anomaly is one row flagged by the detection engine. Scores are plain
// reconstruction errors and are only comparable within a single session.
type Anomaly struct {
	ID           string               `db:"id" json:"id"`
	DatasetID    string               `db:"dataset_id" json:"dataset_id"`
	SessionID    string               `db:"session_id" json:"session_id"`
	OwnerID      int64                `db:"owner_id" json:"owner_id"`
	Score        float64              `db:"score" json:"anomaly_score"`
	RowIndex     int                  `db:"row_index" json:"row_index"`
	SheetName    string               `db:"sheet_name" json:"sheet_name"`
	RowData      map[string]string    `db:"-" json:"row_data"`
	Attributions []FeatureAttribution `db:"-" json:"attributions"`
	Status       AnomalyStatus        `db:"status" json:"status"`
	CreatedAt    time.Time            `db:"created_at" json:"created_at"`
}
