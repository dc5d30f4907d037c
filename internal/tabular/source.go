package tabular

import "context"

// Row is one normalized record from a tabular dataset. Values keep their
// original textual form; typing happens in the preprocessor.
type Row struct {
	Index  int               `json:"index"`
	Sheet  string            `json:"sheet"`
	Values map[string]string `json:"values"`
}

// Source provides the normalized rows of a dataset to the analysis
// pipeline. Implementations may read from durable storage or from a file
// that was just uploaded.
type Source interface {
	Rows(ctx context.Context, datasetID string) ([]Row, error)
}
