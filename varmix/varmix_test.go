package varmix

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// twoClusters generates n samples per cluster around the given 2-D centers.
func twoClusters(n int, seed int64, centers [][2]float64, stddev float64) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	X := mat.NewDense(n*len(centers), 2, nil)
	row := 0
	for _, c := range centers {
		for i := 0; i < n; i++ {
			X.Set(row, 0, c[0]+stddev*rng.NormFloat64())
			X.Set(row, 1, c[1]+stddev*rng.NormFloat64())
			row++
		}
	}
	return X
}

func TestResponsibilityInvariant(t *testing.T) {
	X := twoClusters(100, 42, [][2]float64{{-3, -3}, {3, 3}}, 0.5)

	s, err := New(2, WithIterations(50), WithRandomSeed(1))
	require.NoError(t, err)
	require.NoError(t, s.Fit(X, nil, false, 0))

	r := s.Responsibilities()
	n, k := r.Dims()
	assert.Equal(t, 200, n)
	assert.Equal(t, 2, k)
	for i := 0; i < n; i++ {
		rowSum := 0.0
		for j := 0; j < k; j++ {
			v := r.At(i, j)
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
			rowSum += v
		}
		assert.InDelta(t, 1.0, rowSum, 1e-9)
	}
}

func TestClusterSeparation(t *testing.T) {
	X := twoClusters(100, 7, [][2]float64{{-4, -4}, {4, 4}}, 0.5)

	// Breaking the symmetry of a random start takes a few hundred rounds;
	// the separated fixed point itself is stable.
	s, err := New(2, WithIterations(500), WithRandomSeed(3))
	require.NoError(t, err)
	require.NoError(t, s.Fit(X, nil, false, 0))

	// Each fitted mean should sit near one of the true centers.
	m0 := s.Mean(0)
	m1 := s.Mean(1)
	d00 := math.Hypot(m0.AtVec(0)+4, m0.AtVec(1)+4)
	d01 := math.Hypot(m0.AtVec(0)-4, m0.AtVec(1)-4)
	d10 := math.Hypot(m1.AtVec(0)+4, m1.AtVec(1)+4)
	d11 := math.Hypot(m1.AtVec(0)-4, m1.AtVec(1)-4)
	assert.Less(t, math.Min(d00, d01), 0.5)
	assert.Less(t, math.Min(d10, d11), 0.5)
	// And they should claim different centers.
	assert.NotEqual(t, d00 < d01, d10 < d11)
}

func TestPruningInvariant(t *testing.T) {
	X := twoClusters(100, 42, [][2]float64{{-4, -4}, {4, 4}}, 0.5)

	s, err := New(10, WithIterations(50), WithRandomSeed(5))
	require.NoError(t, err)
	require.NoError(t, s.Fit(X, nil, true, 0.01))

	k := s.K()
	assert.Less(t, k, 10)
	assert.GreaterOrEqual(t, k, 1)

	// All K-indexed arrays shrink together.
	assert.Len(t, s.Alpha(), k)
	assert.Len(t, s.Beta(), k)
	assert.Len(t, s.Nu(), k)
	_, rc := s.Responsibilities().Dims()
	assert.Equal(t, k, rc)
	for j := 0; j < k; j++ {
		assert.NotNil(t, s.Mean(j))
		assert.NotNil(t, s.Scale(j))
	}
}

func TestInitialResponsibility(t *testing.T) {
	X := twoClusters(20, 42, [][2]float64{{-3, -3}, {3, 3}}, 0.5)

	// Seed each sample fully on its true component.
	init := mat.NewDense(40, 2, nil)
	for i := 0; i < 20; i++ {
		init.Set(i, 0, 1)
	}
	for i := 20; i < 40; i++ {
		init.Set(i, 1, 1)
	}

	s, err := New(2, WithIterations(20))
	require.NoError(t, err)
	require.NoError(t, s.Fit(X, init, false, 0))

	r := s.Responsibilities()
	for i := 0; i < 20; i++ {
		assert.Greater(t, r.At(i, 0), 0.99)
	}
	for i := 20; i < 40; i++ {
		assert.Greater(t, r.At(i, 1), 0.99)
	}
}

func TestProbDensityNormalization(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	X := mat.NewDense(200, 1, nil)
	for i := 0; i < 100; i++ {
		X.Set(i, 0, -3+0.7*rng.NormFloat64())
	}
	for i := 100; i < 200; i++ {
		X.Set(i, 0, 3+0.7*rng.NormFloat64())
	}

	s, err := New(2, WithIterations(50), WithRandomSeed(9))
	require.NoError(t, err)
	require.NoError(t, s.Fit(X, nil, false, 0))

	// Grid integration of the predictive density over a range that
	// comfortably covers both clusters.
	const (
		lo, hi = -20.0, 20.0
		step   = 0.01
	)
	nGrid := int((hi - lo) / step)
	grid := mat.NewDense(nGrid, 1, nil)
	for i := 0; i < nGrid; i++ {
		grid.Set(i, 0, lo+(float64(i)+0.5)*step)
	}
	prob, err := s.ProbDensity(grid)
	require.NoError(t, err)

	integral := 0.0
	for _, p := range prob {
		assert.GreaterOrEqual(t, p, 0.0)
		integral += p * step
	}
	assert.InDelta(t, 1.0, integral, 0.05)
}

func TestDimensionMismatch(t *testing.T) {
	X := twoClusters(10, 42, [][2]float64{{-3, -3}, {3, 3}}, 0.5)

	t.Run("prior mean", func(t *testing.T) {
		s, err := New(2, WithMean([]float64{0, 0, 0}))
		require.NoError(t, err)
		err = s.Fit(X, nil, false, 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDimensionMismatch))
		assert.Nil(t, s.Responsibilities())
	})

	t.Run("prior scale matrix", func(t *testing.T) {
		s, err := New(2, WithScaleMatrix(mat.NewDense(3, 3, nil)))
		require.NoError(t, err)
		err = s.Fit(X, nil, false, 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDimensionMismatch))
		assert.Nil(t, s.Responsibilities())
	})

	t.Run("initial responsibility", func(t *testing.T) {
		s, err := New(2)
		require.NoError(t, err)
		err = s.Fit(X, mat.NewDense(5, 2, nil), false, 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDimensionMismatch))
		assert.Nil(t, s.Responsibilities())
	})

	t.Run("alpha length", func(t *testing.T) {
		_, err := New(2, WithAlpha([]float64{1, 1, 1}))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDimensionMismatch))
	})

	t.Run("prob density dims", func(t *testing.T) {
		s, err := New(2, WithIterations(5), WithRandomSeed(1))
		require.NoError(t, err)
		require.NoError(t, s.Fit(X, nil, false, 0))
		_, err = s.ProbDensity(mat.NewDense(3, 5, nil))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDimensionMismatch))
	})
}

func TestPruneRemovesEveryComponent(t *testing.T) {
	X := twoClusters(10, 42, [][2]float64{{-3, -3}, {3, 3}}, 0.5)

	// A threshold above every possible expected mixing weight empties the
	// mixture; that must surface as a discriminable error.
	s, err := New(2, WithIterations(5), WithRandomSeed(1))
	require.NoError(t, err)
	err = s.Fit(X, nil, true, 1.0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNumericalInstability))
}

func TestSaveLoad(t *testing.T) {
	X := twoClusters(50, 42, [][2]float64{{-3, -3}, {3, 3}}, 0.5)

	s, err := New(2, WithIterations(20), WithRandomSeed(11))
	require.NoError(t, err)
	require.NoError(t, s.Fit(X, nil, false, 0))

	var buf bytes.Buffer
	require.NoError(t, s.Save(&buf))

	restored, err := Load(&buf)
	require.NoError(t, err)

	assert.Equal(t, s.K(), restored.K())
	assert.Equal(t, s.Alpha(), restored.Alpha())
	assert.Equal(t, s.Beta(), restored.Beta())
	assert.Equal(t, s.Nu(), restored.Nu())
	for j := 0; j < s.K(); j++ {
		assert.True(t, mat.EqualApprox(s.Mean(j), restored.Mean(j), 1e-12))
		assert.True(t, mat.EqualApprox(s.Scale(j), restored.Scale(j), 1e-12))
	}
	assert.True(t, mat.EqualApprox(s.Responsibilities(), restored.Responsibilities(), 1e-12))

	// The restored solver evaluates the same predictive density.
	grid := mat.NewDense(5, 2, []float64{-3, -3, 0, 0, 3, 3, 1, -1, -4, 4})
	p1, err := s.ProbDensity(grid)
	require.NoError(t, err)
	p2, err := restored.ProbDensity(grid)
	require.NoError(t, err)
	for i := range p1 {
		assert.InDelta(t, p1[i], p2[i], 1e-12)
	}
}
