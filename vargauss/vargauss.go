// Package vargauss implements mean-field variational inference for the
// posterior over the mean and precision of a one-dimensional Gaussian,
// using a Normal-Gamma variational family.
package vargauss

import (
	"encoding/gob"
	"errors"
	"io"
	"math"
)

// ErrEmptyObservations is returned by Fit when the observation slice is
// empty.
var ErrEmptyObservations = errors.New("observations must be non-empty")

// Solver holds the Normal-Gamma prior hyperparameters and, after Fit, the
// variational posterior over (mean, precision). The Gamma factor over the
// precision has shape A and rate B; the Normal factor over the mean has
// mean Mu and precision Lambda.
type Solver struct {
	a0, b0     float64 // Gamma prior shape/rate
	mu0        float64 // Normal prior mean
	lambda0    float64 // Normal prior precision scale
	maxIter    int
	threshold  float64
	a, b       float64 // posterior Gamma shape/rate
	mu, lambda float64 // posterior Normal mean/precision
}

// Option configures a Solver.
type Option func(*Solver)

// WithPrior sets the Normal-Gamma prior hyperparameters. Zero values give
// a diffuse prior.
func WithPrior(a, b, mu, lambda float64) Option {
	return func(s *Solver) {
		s.a0, s.b0, s.mu0, s.lambda0 = a, b, mu, lambda
	}
}

// WithMaxIter sets the iteration cap for the coordinate-ascent loop.
func WithMaxIter(n int) Option {
	return func(s *Solver) {
		s.maxIter = n
	}
}

// WithThreshold sets the convergence threshold on the Euclidean change of
// the (lambda, mu) posterior pair between iterations.
func WithThreshold(eps float64) Option {
	return func(s *Solver) {
		s.threshold = eps
	}
}

// New creates a Solver with a diffuse prior (all hyperparameters zero),
// an iteration cap of 1000 and a convergence threshold of 1e-2.
func New(opts ...Option) *Solver {
	s := &Solver{
		maxIter:   1000,
		threshold: 1e-2,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fit runs coordinate ascent on the variational lower bound, alternating
// the Gamma factor over the precision and the Normal factor over the mean
// until the (lambda, mu) pair moves less than the threshold or the
// iteration cap is reached. Exceeding the cap is not an error: the last
// iterate is kept. initTau is the starting value for the expected
// precision. The posterior is written only on return, so Fit is atomic
// per call.
func (s *Solver) Fit(x []float64, initTau float64) error {
	if len(x) == 0 {
		return ErrEmptyObservations
	}

	n := float64(len(x))
	var xSum, x2Sum float64
	for _, v := range x {
		xSum += v
		x2Sum += v * v
	}

	eTau := initTau
	muN := (s.lambda0*s.mu0 + xSum) / (s.lambda0 + n)
	lamN := (s.lambda0 + n) * eTau
	var aN, bN float64

	for iter := 0; iter < s.maxIter; iter++ {
		eMu := muN
		eMu2 := muN*muN + 1.0/((lamN+n)*eTau)

		aN = s.a0 + (n+1)/2
		bN = s.b0 + 0.5*(x2Sum-2*eMu*xSum+n*eMu2+
			s.lambda0*(eMu2-2*eMu*s.mu0+s.mu0*s.mu0))

		eTau = aN / bN
		newMuN := (s.lambda0*s.mu0 + xSum) / (s.lambda0 + n)
		newLamN := (s.lambda0 + n) * eTau

		converged := math.Hypot(newLamN-lamN, newMuN-muN) < s.threshold
		lamN = newLamN
		muN = newMuN
		if converged {
			break
		}
	}

	s.a = aN
	s.b = bN
	s.mu = muN
	s.lambda = lamN
	return nil
}

// Posterior returns the Normal-Gamma posterior parameters (a, b, mu,
// lambda) from the last Fit call.
func (s *Solver) Posterior() (a, b, mu, lambda float64) {
	return s.a, s.b, s.mu, s.lambda
}

// MeanPrecision returns the posterior expectation of the precision, a/b.
func (s *Solver) MeanPrecision() float64 {
	return s.a / s.b
}

// State is the serializable posterior state of a Solver.
type State struct {
	Version          int
	A0, B0           float64
	Mu0, Lambda0     float64
	MaxIter          int
	Threshold        float64
	A, B, Mu, Lambda float64
}

// Save serializes the solver state in gob format.
func (s *Solver) Save(w io.Writer) error {
	state := State{
		Version:   1,
		A0:        s.a0,
		B0:        s.b0,
		Mu0:       s.mu0,
		Lambda0:   s.lambda0,
		MaxIter:   s.maxIter,
		Threshold: s.threshold,
		A:         s.a,
		B:         s.b,
		Mu:        s.mu,
		Lambda:    s.lambda,
	}
	return gob.NewEncoder(w).Encode(state)
}

// Load deserializes solver state saved by Save.
func Load(r io.Reader) (*Solver, error) {
	var state State
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return nil, err
	}
	if state.Version != 1 {
		return nil, errors.New("unsupported gob version")
	}
	s := New(
		WithPrior(state.A0, state.B0, state.Mu0, state.Lambda0),
		WithMaxIter(state.MaxIter),
		WithThreshold(state.Threshold),
	)
	s.a = state.A
	s.b = state.B
	s.mu = state.Mu
	s.lambda = state.Lambda
	return s, nil
}
