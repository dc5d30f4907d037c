package models

import "time"

// DatasetStatus is the lifecycle status of an uploaded dataset.
// The set is closed: values outside it are rejected at every write boundary.
type DatasetStatus string

const (
	DatasetUploaded  DatasetStatus = "uploaded"
	DatasetParsing   DatasetStatus = "parsing"
	DatasetParsed    DatasetStatus = "parsed"
	DatasetAnalyzing DatasetStatus = "analyzing"
	DatasetAnalyzed  DatasetStatus = "analyzed"
	DatasetTriaging  DatasetStatus = "triaging"
	DatasetCompleted DatasetStatus = "completed"
	DatasetError     DatasetStatus = "error"
)

// Valid reports whether s is a member of the closed status set.
func (s DatasetStatus) Valid() bool {
	switch s {
	case DatasetUploaded, DatasetParsing, DatasetParsed, DatasetAnalyzing,
		DatasetAnalyzed, DatasetTriaging, DatasetCompleted, DatasetError:
		return true
	}
	return false
}

// Dataset represents one uploaded tabular security-log dataset.
// It is mutated only by the session orchestrator after upload.
type Dataset struct {
	ID           string        `db:"id" json:"id"`
	OwnerID      int64         `db:"owner_id" json:"owner_id"`
	Name         string        `db:"name" json:"name"`
	Filename     string        `db:"filename" json:"filename"`
	RowCount     int           `db:"row_count" json:"row_count"`
	ColumnCount  int           `db:"column_count" json:"column_count"`
	Status       DatasetStatus `db:"status" json:"status"`
	AnomalyCount int           `db:"anomaly_count" json:"anomaly_count"`
	LastError    string        `db:"last_error" json:"last_error,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}
