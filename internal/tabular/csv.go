package tabular

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// ParseCSV reads a CSV stream into normalized rows. The first record is the
// header; later records shorter than the header leave the missing columns
// absent rather than empty. sheet names the logical table the rows came from.
func ParseCSV(r io.Reader, sheet string) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("csv is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []Row
	index := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv record %d: %w", index, err)
		}

		values := make(map[string]string, len(header))
		for i, col := range header {
			if col == "" || i >= len(record) {
				continue
			}
			v := strings.TrimSpace(record[i])
			if v == "" {
				continue
			}
			values[col] = v
		}
		rows = append(rows, Row{Index: index, Sheet: sheet, Values: values})
		index++
	}

	return rows, nil
}
