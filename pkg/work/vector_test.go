package work

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/cyw0ng95/descent/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sumOfSquares(params []float64) float64 {
	var s float64
	for _, p := range params {
		s += p * p
	}
	return s
}

func TestNewVector_Validation(t *testing.T) {
	_, err := NewVector(nil, -1, 1, sumOfSquares)
	assert.ErrorIs(t, err, common.ErrInvalidConfiguration)

	_, err = NewVector([]float64{1}, 1, 1, sumOfSquares)
	assert.ErrorIs(t, err, common.ErrInvalidConfiguration)

	_, err = NewVector([]float64{1}, -1, 1, nil)
	assert.ErrorIs(t, err, common.ErrInvalidConfiguration)

	_, err = NewBoundedVector([]float64{1, 2}, []float64{-1}, []float64{1}, sumOfSquares)
	assert.ErrorIs(t, err, common.ErrInvalidConfiguration)
}

func TestVector_FitnessLifecycle(t *testing.T) {
	v, err := NewVector([]float64{3, 4}, -10, 10, sumOfSquares)
	require.NoError(t, err)
	require.True(t, v.IsDirty())

	// Dirty item must not serve a stored fitness
	_, err = v.Fitness(RawFitness, PreventReevaluation)
	assert.ErrorIs(t, err, common.ErrStaleFitness)

	// Evaluation clears the dirty flag
	f, err := v.Fitness(RawFitness, AllowReevaluation)
	require.NoError(t, err)
	assert.Equal(t, 25.0, f)
	assert.False(t, v.IsDirty())

	// Clean reads are idempotent
	f2, err := v.Fitness(RawFitness, PreventReevaluation)
	require.NoError(t, err)
	assert.Equal(t, f, f2)

	// Assigning new parameters invalidates the fitness
	require.NoError(t, v.AssignActiveDoubles([]float64{0, 0}))
	assert.True(t, v.IsDirty())
	f3, err := v.Fitness(RawFitness, AllowReevaluation)
	require.NoError(t, err)
	assert.Equal(t, 0.0, f3)
}

func TestVector_TransformedFitness(t *testing.T) {
	v, err := NewVector([]float64{2}, -10, 10, sumOfSquares)
	require.NoError(t, err)
	v.SetTransform(func(raw float64) float64 { return -raw })

	raw, err := v.Fitness(RawFitness, AllowReevaluation)
	require.NoError(t, err)
	tr, err := v.Fitness(TransformedFitness, PreventReevaluation)
	require.NoError(t, err)

	assert.Equal(t, 4.0, raw)
	assert.Equal(t, -4.0, tr)
}

func TestVector_AssignDimensionMismatch(t *testing.T) {
	v, err := NewVector([]float64{1, 2}, -10, 10, sumOfSquares)
	require.NoError(t, err)

	err = v.AssignActiveDoubles([]float64{1})
	assert.True(t, errors.Is(err, common.ErrDimensionMismatch))
}

func TestVector_CloneIsIndependent(t *testing.T) {
	v, err := NewVector([]float64{1, 2}, -10, 10, sumOfSquares)
	require.NoError(t, err)
	v.SetCourtierID(ID{Submission: 3, Position: 7})

	cp := v.Clone().(*Vector)
	assert.Equal(t, ID{Submission: 3, Position: 7}, cp.CourtierID())

	require.NoError(t, cp.AssignActiveDoubles([]float64{9, 9}))

	var orig, cloned []float64
	v.StreamlineActiveDoubles(&orig)
	cp.StreamlineActiveDoubles(&cloned)
	assert.Equal(t, []float64{1, 2}, orig)
	assert.Equal(t, []float64{9, 9}, cloned)
}

func TestVector_CopyFrom(t *testing.T) {
	a, err := NewVector([]float64{1, 2}, -10, 10, sumOfSquares)
	require.NoError(t, err)
	b, err := NewVector([]float64{5, 6}, -10, 10, sumOfSquares)
	require.NoError(t, err)

	_, err = b.Fitness(RawFitness, AllowReevaluation)
	require.NoError(t, err)

	require.NoError(t, a.CopyFrom(b))
	assert.False(t, a.IsDirty())

	var got []float64
	a.StreamlineActiveDoubles(&got)
	assert.Equal(t, []float64{5, 6}, got)

	c, err := NewVector([]float64{1}, -10, 10, sumOfSquares)
	require.NoError(t, err)
	assert.Error(t, a.CopyFrom(c))
}

func TestVector_RandomInitWithinBounds(t *testing.T) {
	v, err := NewVector([]float64{0, 0, 0}, -2, 2, sumOfSquares)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(42))
	v.RandomInit(r)
	assert.True(t, v.IsDirty())

	var params []float64
	v.StreamlineActiveDoubles(&params)
	for i, p := range params {
		if p < -2 || p > 2 {
			t.Fatalf("parameter %d out of bounds: %g", i, p)
		}
	}
}

func TestVector_SetFitnessClearsDirty(t *testing.T) {
	v, err := NewVector([]float64{1}, -10, 10, sumOfSquares)
	require.NoError(t, err)

	v.SetFitness(10, -10)
	assert.False(t, v.IsDirty())

	raw, err := v.Fitness(RawFitness, PreventReevaluation)
	require.NoError(t, err)
	tr, err := v.Fitness(TransformedFitness, PreventReevaluation)
	require.NoError(t, err)
	assert.Equal(t, 10.0, raw)
	assert.Equal(t, -10.0, tr)
}
