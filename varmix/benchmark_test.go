package varmix

import (
	"testing"

	"gonum.org/v1/gonum/mat"
)

// BenchmarkFit measures coordinate ascent on moderately sized 2-D data.
func BenchmarkFit(b *testing.B) {
	X := twoClusters(100, 42, [][2]float64{{-3, -3}, {3, 3}}, 0.5)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		s, err := New(3, WithIterations(20), WithRandomSeed(1))
		if err != nil {
			b.Fatalf("New failed: %v", err)
		}
		if err := s.Fit(X, nil, false, 0); err != nil {
			b.Fatalf("Fit failed: %v", err)
		}
	}
}

// BenchmarkProbDensity measures predictive density evaluation.
func BenchmarkProbDensity(b *testing.B) {
	X := twoClusters(100, 42, [][2]float64{{-3, -3}, {3, 3}}, 0.5)
	s, err := New(3, WithIterations(20), WithRandomSeed(1))
	if err != nil {
		b.Fatalf("New failed: %v", err)
	}
	if err := s.Fit(X, nil, false, 0); err != nil {
		b.Fatalf("Fit failed: %v", err)
	}
	grid := mat.NewDense(1000, 2, nil)
	for i := 0; i < 1000; i++ {
		grid.Set(i, 0, -5+0.01*float64(i))
		grid.Set(i, 1, -5+0.01*float64(i))
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := s.ProbDensity(grid); err != nil {
			b.Fatalf("ProbDensity failed: %v", err)
		}
	}
}
