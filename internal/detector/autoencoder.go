// Package detector provides the unsupervised reconstruction-based anomaly
// detection engine. A small autoencoder is trained per dataset; the per-row
// mean squared reconstruction error is the anomaly score.
package detector

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// State tracks the engine lifecycle for a single trained instance.
type State int

const (
	Untrained State = iota
	Training
	Trained
	Scoring
	Scored
	Failed
)

func (s State) String() string {
	switch s {
	case Untrained:
		return "untrained"
	case Training:
		return "training"
	case Trained:
		return "trained"
	case Scoring:
		return "scoring"
	case Scored:
		return "scored"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// InsufficientDataError reports a training matrix too small for variance
// estimates and threshold selection to be reliable.
type InsufficientDataError struct {
	Rows int
	Min  int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: %d rows, need at least %d", e.Rows, e.Min)
}

// Config holds the engine hyperparameters.
type Config struct {
	// MinRows is the minimum number of training rows.
	MinRows int
	// ThresholdPercentile is the population quantile of training scores
	// at or above which a row is classified anomalous.
	ThresholdPercentile float64
	Epochs              int
	LearningRate        float64
	Seed                int64
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MinRows:             20,
		ThresholdPercentile: 95,
		Epochs:              200,
		LearningRate:        0.01,
		Seed:                1,
	}
}

// Contribution is one feature's share of a row's reconstruction error.
type Contribution struct {
	Index int
	Err   float64
}

// Autoencoder is an input -> tanh bottleneck -> linear output network
// trained with per-sample SGD on mean squared reconstruction error.
// Scores are comparable only within one trained instance.
type Autoencoder struct {
	cfg   Config
	state State

	inputDim  int
	hiddenDim int
	w1        [][]float64 // hiddenDim x inputDim
	b1        []float64
	w2        [][]float64 // inputDim x hiddenDim
	b2        []float64

	threshold float64
	rng       *rand.Rand
}

// New creates an untrained engine.
func New(cfg Config) *Autoencoder {
	if cfg.MinRows <= 0 {
		cfg.MinRows = DefaultConfig().MinRows
	}
	if cfg.ThresholdPercentile <= 0 || cfg.ThresholdPercentile >= 100 {
		cfg.ThresholdPercentile = DefaultConfig().ThresholdPercentile
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = DefaultConfig().Epochs
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = DefaultConfig().LearningRate
	}
	return &Autoencoder{
		cfg:   cfg,
		state: Untrained,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
}

// State returns the current engine state.
func (a *Autoencoder) State() State {
	return a.state
}

// Threshold returns the anomaly threshold selected during Fit.
func (a *Autoencoder) Threshold() float64 {
	return a.threshold
}

// Fit trains the reconstruction model on the matrix and selects the anomaly
// threshold as the configured percentile of training reconstruction errors.
func (a *Autoencoder) Fit(matrix [][]float64) error {
	if len(matrix) < a.cfg.MinRows {
		return &InsufficientDataError{Rows: len(matrix), Min: a.cfg.MinRows}
	}
	if len(matrix[0]) == 0 {
		a.state = Failed
		return fmt.Errorf("training matrix has no columns")
	}

	a.state = Training
	a.inputDim = len(matrix[0])
	a.hiddenDim = (a.inputDim + 1) / 2
	if a.hiddenDim < 1 {
		a.hiddenDim = 1
	}
	a.initWeights()

	order := make([]int, len(matrix))
	for i := range order {
		order[i] = i
	}

	for epoch := 0; epoch < a.cfg.Epochs; epoch++ {
		a.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
		for _, idx := range order {
			a.step(matrix[idx])
		}
	}

	scores := make([]float64, len(matrix))
	for i, row := range matrix {
		s, err := a.rowScore(row)
		if err != nil {
			a.state = Failed
			return err
		}
		scores[i] = s
	}
	a.threshold = percentile(scores, a.cfg.ThresholdPercentile)

	a.state = Trained
	return nil
}

// Score returns the non-negative reconstruction error of every row.
func (a *Autoencoder) Score(matrix [][]float64) ([]float64, error) {
	if a.state != Trained && a.state != Scored {
		return nil, fmt.Errorf("cannot score in state %s", a.state)
	}
	a.state = Scoring

	scores := make([]float64, len(matrix))
	for i, row := range matrix {
		s, err := a.rowScore(row)
		if err != nil {
			a.state = Failed
			return nil, err
		}
		scores[i] = s
	}

	a.state = Scored
	return scores, nil
}

// Attribute returns the topK features by squared reconstruction error for
// a single row, descending, ties broken by original column order.
func (a *Autoencoder) Attribute(row []float64, topK int) ([]Contribution, error) {
	if a.state != Trained && a.state != Scoring && a.state != Scored {
		return nil, fmt.Errorf("cannot attribute in state %s", a.state)
	}
	if len(row) != a.inputDim {
		return nil, fmt.Errorf("row has %d features, model expects %d", len(row), a.inputDim)
	}

	recon := a.reconstruct(row)
	contribs := make([]Contribution, a.inputDim)
	for j := range row {
		d := row[j] - recon[j]
		contribs[j] = Contribution{Index: j, Err: d * d}
	}
	sort.SliceStable(contribs, func(i, j int) bool {
		return contribs[i].Err > contribs[j].Err
	})

	if topK > len(contribs) {
		topK = len(contribs)
	}
	return contribs[:topK], nil
}

func (a *Autoencoder) initWeights() {
	scaleIn := math.Sqrt(1.0 / float64(a.inputDim))
	scaleHid := math.Sqrt(1.0 / float64(a.hiddenDim))

	a.w1 = make([][]float64, a.hiddenDim)
	for i := range a.w1 {
		a.w1[i] = make([]float64, a.inputDim)
		for j := range a.w1[i] {
			a.w1[i][j] = a.rng.NormFloat64() * scaleIn
		}
	}
	a.b1 = make([]float64, a.hiddenDim)

	a.w2 = make([][]float64, a.inputDim)
	for i := range a.w2 {
		a.w2[i] = make([]float64, a.hiddenDim)
		for j := range a.w2[i] {
			a.w2[i][j] = a.rng.NormFloat64() * scaleHid
		}
	}
	a.b2 = make([]float64, a.inputDim)
}

// step runs one forward/backward pass for a single sample.
func (a *Autoencoder) step(x []float64) {
	hidden := make([]float64, a.hiddenDim)
	for i := 0; i < a.hiddenDim; i++ {
		sum := a.b1[i]
		for j := 0; j < a.inputDim; j++ {
			sum += a.w1[i][j] * x[j]
		}
		hidden[i] = math.Tanh(sum)
	}

	recon := make([]float64, a.inputDim)
	for i := 0; i < a.inputDim; i++ {
		sum := a.b2[i]
		for j := 0; j < a.hiddenDim; j++ {
			sum += a.w2[i][j] * hidden[j]
		}
		recon[i] = sum
	}

	// Output error signal, capped so extreme rows cannot destabilize the
	// weights they are supposed to stand out against.
	delta := make([]float64, a.inputDim)
	for i := 0; i < a.inputDim; i++ {
		d := 2 * (recon[i] - x[i]) / float64(a.inputDim)
		delta[i] = clamp(d, -4, 4)
	}

	lr := a.cfg.LearningRate

	hiddenDelta := make([]float64, a.hiddenDim)
	for j := 0; j < a.hiddenDim; j++ {
		var sum float64
		for i := 0; i < a.inputDim; i++ {
			sum += a.w2[i][j] * delta[i]
		}
		hiddenDelta[j] = sum * (1 - hidden[j]*hidden[j])
	}

	for i := 0; i < a.inputDim; i++ {
		for j := 0; j < a.hiddenDim; j++ {
			a.w2[i][j] -= lr * delta[i] * hidden[j]
		}
		a.b2[i] -= lr * delta[i]
	}
	for i := 0; i < a.hiddenDim; i++ {
		for j := 0; j < a.inputDim; j++ {
			a.w1[i][j] -= lr * hiddenDelta[i] * clamp(x[j], -10, 10)
		}
		a.b1[i] -= lr * hiddenDelta[i]
	}
}

func (a *Autoencoder) reconstruct(x []float64) []float64 {
	hidden := make([]float64, a.hiddenDim)
	for i := 0; i < a.hiddenDim; i++ {
		sum := a.b1[i]
		for j := 0; j < a.inputDim; j++ {
			sum += a.w1[i][j] * x[j]
		}
		hidden[i] = math.Tanh(sum)
	}
	recon := make([]float64, a.inputDim)
	for i := 0; i < a.inputDim; i++ {
		sum := a.b2[i]
		for j := 0; j < a.hiddenDim; j++ {
			sum += a.w2[i][j] * hidden[j]
		}
		recon[i] = sum
	}
	return recon
}

func (a *Autoencoder) rowScore(x []float64) (float64, error) {
	if len(x) != a.inputDim {
		return 0, fmt.Errorf("row has %d features, model expects %d", len(x), a.inputDim)
	}
	recon := a.reconstruct(x)
	var mse float64
	for j := range x {
		d := x[j] - recon[j]
		mse += d * d
	}
	mse /= float64(a.inputDim)
	if math.IsNaN(mse) || math.IsInf(mse, 0) {
		return 0, fmt.Errorf("reconstruction error is not finite")
	}
	return mse, nil
}

// percentile returns the p-th percentile of values such that roughly
// (100-p)% of the population scores at or above the returned threshold.
func percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)) * p / 100)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
