package detector

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testMatrix generates rows of small standardized-looking values.
func testMatrix(n, dim int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	matrix := make([][]float64, n)
	for i := range matrix {
		row := make([]float64, dim)
		for j := range row {
			row[j] = rng.NormFloat64() * 0.5
		}
		matrix[i] = row
	}
	return matrix
}

func TestFitInsufficientData(t *testing.T) {
	engine := New(DefaultConfig())
	err := engine.Fit(testMatrix(5, 4, 1))

	var insufficient *InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 5, insufficient.Rows)
	assert.Equal(t, 20, insufficient.Min)
	assert.Equal(t, Untrained, engine.State())
}

func TestStateTransitions(t *testing.T) {
	engine := New(Config{Epochs: 50, Seed: 1})
	assert.Equal(t, Untrained, engine.State())

	matrix := testMatrix(40, 4, 2)
	require.NoError(t, engine.Fit(matrix))
	assert.Equal(t, Trained, engine.State())

	_, err := engine.Score(matrix)
	require.NoError(t, err)
	assert.Equal(t, Scored, engine.State())
}

func TestScoreBeforeFit(t *testing.T) {
	engine := New(DefaultConfig())
	_, err := engine.Score(testMatrix(10, 4, 3))
	require.Error(t, err)
}

func TestThresholdFraction(t *testing.T) {
	engine := New(Config{Epochs: 100, ThresholdPercentile: 95, Seed: 7})
	matrix := testMatrix(100, 6, 7)
	require.NoError(t, engine.Fit(matrix))

	scores, err := engine.Score(matrix)
	require.NoError(t, err)
	require.Len(t, scores, 100)

	flagged := 0
	for _, s := range scores {
		assert.GreaterOrEqual(t, s, 0.0)
		if s >= engine.Threshold() {
			flagged++
		}
	}
	// The 95th percentile of 100 training scores leaves exactly the top
	// 5 at or above the threshold.
	assert.Equal(t, 5, flagged)
}

func TestAttributionFindsExtremeFeature(t *testing.T) {
	engine := New(Config{Epochs: 200, Seed: 11})
	matrix := testMatrix(60, 5, 11)
	require.NoError(t, engine.Fit(matrix))

	outlier := []float64{0.1, -0.2, 8.0, 0.05, -0.1}
	scores, err := engine.Score([][]float64{outlier})
	require.NoError(t, err)
	assert.Greater(t, scores[0], engine.Threshold())

	contribs, err := engine.Attribute(outlier, 3)
	require.NoError(t, err)
	require.Len(t, contribs, 3)
	assert.Equal(t, 2, contribs[0].Index)
	assert.GreaterOrEqual(t, contribs[0].Err, contribs[1].Err)
	assert.GreaterOrEqual(t, contribs[1].Err, contribs[2].Err)
}

func TestAttributeDimensionMismatch(t *testing.T) {
	engine := New(Config{Epochs: 50, Seed: 1})
	require.NoError(t, engine.Fit(testMatrix(30, 4, 5)))

	_, err := engine.Attribute([]float64{1, 2}, 3)
	require.Error(t, err)
}

func TestFitDeterministicForSeed(t *testing.T) {
	matrix := testMatrix(40, 4, 9)

	a := New(Config{Epochs: 50, Seed: 42})
	require.NoError(t, a.Fit(matrix))
	b := New(Config{Epochs: 50, Seed: 42})
	require.NoError(t, b.Fit(matrix))

	assert.Equal(t, a.Threshold(), b.Threshold())
}
