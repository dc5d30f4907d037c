package preprocess

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"logsentry/internal/tabular"
)

// DataShapeError reports tabular input the preprocessor cannot work with:
// zero rows, or zero usable columns after cleaning.
type DataShapeError struct {
	Reason string
}

func (e *DataShapeError) Error() string {
	return "data shape error: " + e.Reason
}

// Kind classifies a column as numeric or categorical.
type Kind int

const (
	Numeric Kind = iota
	Categorical
)

// numericRatio is the share of non-null values that must parse as numbers
// for a column to be treated as numeric.
const numericRatio = 0.9

const missingCategory = "__missing__"

// Feature holds per-column metadata learned during Fit. Mean/Std are set
// for numeric columns, Mode and the label vocabulary for categorical ones.
type Feature struct {
	Name string
	Kind Kind
	Mean float64
	Std  float64
	Mode string

	vocab map[string]int
}

// Baseline returns the training-set expected value for the column: the
// mean for numeric features, the mode for categorical ones.
func (f *Feature) Baseline() string {
	if f.Kind == Numeric {
		return strconv.FormatFloat(f.Mean, 'g', 6, 64)
	}
	return f.Mode
}

// Describe explains how an observed value deviates from the baseline.
func (f *Feature) Describe(actual string) string {
	if f.Kind == Numeric {
		v, err := parseNumber(actual)
		if err != nil {
			return fmt.Sprintf("non-numeric value %q in numeric column", actual)
		}
		if f.Std > 0 {
			z := (v - f.Mean) / f.Std
			return fmt.Sprintf("value %.4g is %.1f standard deviations from the mean %.4g", v, z, f.Mean)
		}
		return fmt.Sprintf("value %.4g differs from the constant training value %.4g", v, f.Mean)
	}
	if _, known := f.vocab[actual]; !known {
		return fmt.Sprintf("category %q was not seen during training", actual)
	}
	if actual != f.Mode {
		return fmt.Sprintf("category %q differs from the typical value %q", actual, f.Mode)
	}
	return fmt.Sprintf("category %q is rare for this column", actual)
}

// Transformer converts rows into a numeric feature matrix using statistics
// and vocabularies learned from the training rows only.
type Transformer struct {
	features []Feature
}

// Features returns the learned per-column metadata in matrix column order.
func (t *Transformer) Features() []Feature {
	return t.features
}

// Fit learns column types, imputation statistics, and label vocabularies
// from the given rows.
func Fit(rows []tabular.Row) (*Transformer, error) {
	if len(rows) == 0 {
		return nil, &DataShapeError{Reason: "dataset has no rows"}
	}

	columns := collectColumns(rows)
	if len(columns) == 0 {
		return nil, &DataShapeError{Reason: "dataset has no usable columns"}
	}

	features := make([]Feature, 0, len(columns))
	for _, col := range columns {
		var nonNull []string
		numericCount := 0
		for _, row := range rows {
			v, ok := cellValue(row, col)
			if !ok {
				continue
			}
			nonNull = append(nonNull, v)
			if _, err := parseNumber(v); err == nil {
				numericCount++
			}
		}
		if len(nonNull) == 0 {
			continue
		}

		if float64(numericCount) >= numericRatio*float64(len(nonNull)) {
			features = append(features, fitNumeric(col, nonNull))
		} else {
			features = append(features, fitCategorical(col, nonNull))
		}
	}

	if len(features) == 0 {
		return nil, &DataShapeError{Reason: "dataset has no usable columns"}
	}
	return &Transformer{features: features}, nil
}

// Transform encodes rows into the learned feature space. Numeric columns
// are mean-imputed and standardized; categorical ones are label-encoded
// with unseen labels mapped to a dedicated unknown code.
func (t *Transformer) Transform(rows []tabular.Row) [][]float64 {
	matrix := make([][]float64, len(rows))
	for i, row := range rows {
		vec := make([]float64, len(t.features))
		for j := range t.features {
			f := &t.features[j]
			raw, ok := cellValue(row, f.Name)
			if f.Kind == Numeric {
				vec[j] = f.encodeNumeric(raw, ok)
			} else {
				vec[j] = f.encodeCategorical(raw, ok)
			}
		}
		matrix[i] = vec
	}
	return matrix
}

func (f *Feature) encodeNumeric(raw string, present bool) float64 {
	if !present {
		return 0 // mean-imputed, standardized
	}
	v, err := parseNumber(raw)
	if err != nil {
		return 0
	}
	if f.Std == 0 {
		return 0
	}
	return (v - f.Mean) / f.Std
}

func (f *Feature) encodeCategorical(raw string, present bool) float64 {
	if !present {
		raw = missingCategory
	}
	code, ok := f.vocab[raw]
	if !ok {
		code = len(f.vocab) // unknown label code
	}
	return float64(code) / float64(len(f.vocab))
}

func fitNumeric(name string, values []string) Feature {
	var sum float64
	var parsed []float64
	for _, v := range values {
		x, err := parseNumber(v)
		if err != nil {
			continue
		}
		parsed = append(parsed, x)
		sum += x
	}
	mean := sum / float64(len(parsed))
	var variance float64
	for _, x := range parsed {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(parsed))

	return Feature{
		Name: name,
		Kind: Numeric,
		Mean: mean,
		Std:  math.Sqrt(variance),
	}
}

func fitCategorical(name string, values []string) Feature {
	counts := make(map[string]int)
	for _, v := range values {
		counts[v]++
	}

	labels := make([]string, 0, len(counts)+1)
	for v := range counts {
		labels = append(labels, v)
	}
	sort.Strings(labels)
	labels = append(labels, missingCategory)

	vocab := make(map[string]int, len(labels))
	for i, v := range labels {
		vocab[v] = i
	}

	mode := ""
	best := -1
	for _, v := range labels[:len(labels)-1] {
		if counts[v] > best {
			best = counts[v]
			mode = v
		}
	}

	return Feature{
		Name:  name,
		Kind:  Categorical,
		Mode:  mode,
		vocab: vocab,
	}
}

// collectColumns returns the sorted union of column names across all rows.
func collectColumns(rows []tabular.Row) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for col := range row.Values {
			if col == "" {
				continue
			}
			seen[col] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for col := range seen {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	return columns
}

// cellValue fetches a cell, treating textual null markers as missing.
func cellValue(row tabular.Row, col string) (string, bool) {
	v, ok := row.Values[col]
	if !ok {
		return "", false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "null", "nan", "na", "n/a", "none":
		return "", false
	}
	return v, true
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
