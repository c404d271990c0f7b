// Package varlogit implements variational Bayesian logistic regression
// with a Gaussian posterior over the weights and a per-observation local
// bound parameter xi that makes the sigmoid likelihood tractable through
// a quadratic lower bound. The weight-precision alpha can optionally be
// given a Gamma hyperprior and optimized alongside the bound.
//
// Feature expansion and label encoding are delegated to the basis
// package; the solver composes a basis.Design rather than extending it.
package varlogit

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-variational-bayes/basis"
)

// ErrDimensionMismatch is returned when the initial xi vector does not
// match the sample count. It is raised before any iteration runs.
var ErrDimensionMismatch = errors.New("dimension mismatch")

// Solver holds the prior weight-precision and, after Fit, the Gaussian
// variational posterior over the weights together with the converged
// local bound parameters.
type Solver struct {
	alpha     float64
	maxIter   int
	threshold float64
	design    *basis.Design
	rng       *rand.Rand

	weight *mat.VecDense // posterior mean, length M
	cov    *mat.Dense    // posterior covariance, M x M, symmetric PD
	xi     []float64     // local bound parameters, length N
	a, b   float64       // Gamma hyperposterior on alpha
	oneHot bool          // label encoding observed at fit time
}

// Option configures a Solver.
type Option func(*Solver)

// WithAlpha sets the prior precision of the weights.
func WithAlpha(alpha float64) Option {
	return func(s *Solver) {
		s.alpha = alpha
	}
}

// WithMaxIter sets the iteration cap for the bound optimization.
func WithMaxIter(n int) Option {
	return func(s *Solver) {
		s.maxIter = n
	}
}

// WithThreshold sets the convergence threshold on the RMS change of xi.
func WithThreshold(eps float64) Option {
	return func(s *Solver) {
		s.threshold = eps
	}
}

// WithBasis sets the feature-expansion design used to build the design
// matrix at fit and predict time.
func WithBasis(d *basis.Design) Option {
	return func(s *Solver) {
		s.design = d
	}
}

// WithRandomSeed sets the seed for the random xi initialization. Seed 0
// uses the current time.
func WithRandomSeed(seed int64) Option {
	return func(s *Solver) {
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		s.rng = rand.New(rand.NewSource(seed))
	}
}

// New creates a Solver with alpha=0.1, an iteration cap of 100, a
// convergence threshold of 1e-2 and an identity (bias + raw features)
// design.
func New(opts ...Option) *Solver {
	s := &Solver{
		alpha:     1e-1,
		maxIter:   100,
		threshold: 1e-2,
		design:    basis.Identity(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lambdaXi computes (sigmoid(xi) - 1/2) / (2 xi), the coefficient of the
// quadratic term in the local bound. The xi -> 0 limit is 1/8 and is
// special-cased rather than left to divide by zero.
func lambdaXi(xi float64) float64 {
	if xi == 0 {
		return 0.125
	}
	return (basis.Sigmoid(xi) - 0.5) / (2 * xi)
}

// Fit optimizes the variational bound on X and two-class targets y
// (N x 1 labels in {0,1} or N x 2 one-hot; invalid label encodings fail
// with basis.ErrInvalidLabel). initXi seeds the per-observation bound
// parameters; nil draws standard normals. When optimizeAlpha is set, the
// Gamma hyperposterior (a, b) on the weight-precision is re-estimated
// each round from initA and initB and alpha is replaced by its posterior
// mean a/b. Iteration stops when the RMS change of xi falls below the
// threshold; exhausting the cap keeps the last iterate and is not an
// error.
func (s *Solver) Fit(X mat.Matrix, y mat.Matrix, initXi []float64, optimizeAlpha bool, initA, initB float64) error {
	labels, oneHot, err := basis.ToLabel(y)
	if err != nil {
		return err
	}

	n, _ := X.Dims()
	xi := make([]float64, n)
	if initXi == nil {
		for i := range xi {
			xi[i] = s.rng.NormFloat64()
		}
	} else if len(initXi) != n {
		return fmt.Errorf("%w: init xi has length %d, want %d", ErrDimensionMismatch, len(initXi), n)
	} else {
		copy(xi, initXi)
	}

	s.a = initA
	s.b = initB

	phi := s.design.Matrix(X)
	_, m := phi.Dims()

	target := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		target.SetVec(i, labels[i]-0.5)
	}

	scaled := mat.NewDense(n, m, nil)
	prec := mat.NewDense(m, m, nil)
	proj := mat.NewVecDense(m, nil)
	weight := mat.NewVecDense(m, nil)
	var cov *mat.Dense
	newXi := make([]float64, n)

	for iter := 0; iter < s.maxIter; iter++ {
		// E-step: Gaussian posterior under the current bound.
		for i := 0; i < n; i++ {
			lam := lambdaXi(xi[i])
			for j := 0; j < m; j++ {
				scaled.Set(i, j, lam*phi.At(i, j))
			}
		}
		prec.Mul(phi.T(), scaled)
		prec.Scale(2, prec)
		for j := 0; j < m; j++ {
			prec.Set(j, j, prec.At(j, j)+s.alpha)
		}
		cov, err = spdInverse(prec)
		if err != nil {
			return fmt.Errorf("posterior covariance: %w", err)
		}
		proj.MulVec(phi.T(), target)
		weight.MulVec(cov, proj)

		// M-step: re-estimate alpha's hyperposterior if requested, then
		// the new bound parameters from E[w w^T] = S + w w^T.
		if optimizeAlpha {
			trace := 0.0
			for j := 0; j < m; j++ {
				trace += cov.At(j, j) + weight.AtVec(j)*weight.AtVec(j)
			}
			s.a = initA + float64(m)/2
			s.b = initB + trace/2
			s.alpha = s.a / s.b
		}
		for i := 0; i < n; i++ {
			q := 0.0
			for p := 0; p < m; p++ {
				row := 0.0
				for j := 0; j < m; j++ {
					row += (cov.At(p, j) + weight.AtVec(p)*weight.AtVec(j)) * phi.At(i, j)
				}
				q += phi.At(i, p) * row
			}
			newXi[i] = math.Sqrt(q)
		}

		sum := 0.0
		for i := range xi {
			d := xi[i] - newXi[i]
			sum += d * d
		}
		copy(xi, newXi)
		if math.Sqrt(sum/float64(n)) < s.threshold {
			break
		}
	}

	s.weight = weight
	s.cov = cov
	s.xi = xi
	s.oneHot = oneHot
	return nil
}

// Predict returns hard class assignments for X, thresholding the logit
// at zero and restoring the label encoding observed at fit time.
func (s *Solver) Predict(X mat.Matrix) (*mat.Dense, error) {
	logit, _, err := s.logits(X, false)
	if err != nil {
		return nil, err
	}
	labels := make([]float64, len(logit))
	for i, v := range logit {
		if v >= 0 {
			labels[i] = 1
		}
	}
	return basis.FromLabel(labels, s.oneHot), nil
}

// PredictProb returns the calibrated probability of class 1 for each row
// of X, moderating the logit by kappa of the predictive variance before
// applying the sigmoid.
func (s *Solver) PredictProb(X mat.Matrix) ([]float64, error) {
	logit, sigma, err := s.logits(X, true)
	if err != nil {
		return nil, err
	}
	prob := make([]float64, len(logit))
	for i := range logit {
		prob[i] = basis.Sigmoid(basis.Kappa(sigma[i]) * logit[i])
	}
	return prob, nil
}

func (s *Solver) logits(X mat.Matrix, withVariance bool) (logit, sigma []float64, err error) {
	if s.weight == nil {
		return nil, nil, errors.New("solver has not been fitted")
	}
	phi := s.design.Matrix(X)
	n, m := phi.Dims()
	if m != s.weight.Len() {
		return nil, nil, fmt.Errorf("%w: design matrix has %d columns, fitted with %d", ErrDimensionMismatch, m, s.weight.Len())
	}

	logit = make([]float64, n)
	lv := mat.NewVecDense(n, logit)
	lv.MulVec(phi, s.weight)

	if withVariance {
		sigma = make([]float64, n)
		tmp := mat.NewVecDense(m, nil)
		for i := 0; i < n; i++ {
			row := phi.RowView(i)
			tmp.MulVec(s.cov, row)
			sigma[i] = mat.Dot(row, tmp)
		}
	}
	return logit, sigma, nil
}

// Weight returns the posterior mean of the weights from the last Fit.
func (s *Solver) Weight() *mat.VecDense { return s.weight }

// Covariance returns the posterior covariance of the weights.
func (s *Solver) Covariance() *mat.Dense { return s.cov }

// Xi returns the converged local bound parameters.
func (s *Solver) Xi() []float64 { return s.xi }

// Alpha returns the current weight-precision; after Fit with alpha
// optimization it equals the hyperposterior mean a/b.
func (s *Solver) Alpha() float64 { return s.alpha }

// Hyperposterior returns the Gamma parameters (a, b) on alpha from the
// last Fit with alpha optimization.
func (s *Solver) Hyperposterior() (a, b float64) { return s.a, s.b }

// spdInverse inverts a symmetric positive-definite matrix via its
// Cholesky factorization, retrying once with adaptive diagonal jitter
// before giving up.
func spdInverse(a *mat.Dense) (*mat.Dense, error) {
	n, _ := a.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sym.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		trace := 0.0
		for i := 0; i < n; i++ {
			trace += sym.At(i, i)
		}
		eps := 1e-8 * trace / float64(n)
		for i := 0; i < n; i++ {
			sym.SetSym(i, i, sym.At(i, i)+eps)
		}
		if ok := chol.Factorize(sym); !ok {
			return nil, errors.New("cholesky factorization failed even with jitter")
		}
	}

	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, err
	}
	out := mat.NewDense(n, n, nil)
	out.Copy(&inv)
	return out, nil
}

// State is the serializable posterior state of a Solver. The basis design
// is not serialized; pass the same WithBasis option to Load.
type State struct {
	Version    int
	Alpha      float64
	MaxIter    int
	Threshold  float64
	A, B       float64
	OneHot     bool
	WeightData []float64
	CovData    []float64
	Xi         []float64
}

// Save serializes the fitted posterior in gob format. The basis design is
// not serialized because it is configuration, not state; reconstruct it
// at Load time.
func (s *Solver) Save(w io.Writer) error {
	state := State{
		Version:   1,
		Alpha:     s.alpha,
		MaxIter:   s.maxIter,
		Threshold: s.threshold,
		A:         s.a,
		B:         s.b,
		OneHot:    s.oneHot,
		Xi:        s.xi,
	}
	if s.weight != nil {
		state.WeightData = append([]float64(nil), s.weight.RawVector().Data...)
		state.CovData = append([]float64(nil), s.cov.RawMatrix().Data...)
	}
	return gob.NewEncoder(w).Encode(state)
}

// Load deserializes a Solver saved by Save. Options are applied after
// restore, so WithBasis can re-attach the design used at fit time.
func Load(r io.Reader, opts ...Option) (*Solver, error) {
	var state State
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return nil, err
	}
	if state.Version != 1 {
		return nil, errors.New("unsupported gob version")
	}
	s := New(
		WithAlpha(state.Alpha),
		WithMaxIter(state.MaxIter),
		WithThreshold(state.Threshold),
	)
	for _, opt := range opts {
		opt(s)
	}
	s.a = state.A
	s.b = state.B
	s.oneHot = state.OneHot
	s.xi = state.Xi
	if state.WeightData != nil {
		m := len(state.WeightData)
		if len(state.CovData) != m*m {
			return nil, errors.New("invalid covariance data length")
		}
		s.weight = mat.NewVecDense(m, state.WeightData)
		s.cov = mat.NewDense(m, m, state.CovData)
	}
	return s, nil
}
