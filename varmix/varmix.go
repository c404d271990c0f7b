// Package varmix implements mean-field variational inference for a
// multivariate Gaussian mixture model with a Dirichlet prior over the
// mixing weights and a Normal-Wishart prior over each component's mean
// and precision matrix. It supports adaptive pruning of components whose
// expected mixing weight falls below a threshold, and evaluates the
// predictive density as a mixture of Student's t-distributions.
package varmix

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"
)

var (
	// ErrDimensionMismatch is returned when prior hyperparameters or the
	// initial responsibility matrix disagree with the data dimensions.
	// It is raised before any iteration runs.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrNumericalInstability is returned when a posterior update produces
	// a scale matrix that cannot be inverted.
	ErrNumericalInstability = errors.New("numerical instability")
)

// Solver holds the Dirichlet and Normal-Wishart prior hyperparameters
// and, after Fit, the variational posterior over mixing weights,
// component means and component precision matrices. The component count
// shrinks when pruning is enabled.
type Solver struct {
	k      int
	alpha0 []float64 // Dirichlet prior concentration, length k
	beta0  float64   // Normal prior precision scale
	m0     []float64 // Normal prior mean, nil means zeros
	w0     *mat.Dense
	nu0    float64 // Wishart prior degrees of freedom
	nIter  int
	rng    *rand.Rand

	// Posterior state, populated by Fit.
	dim   int
	alpha []float64
	beta  []float64
	nu    []float64
	m     []*mat.VecDense
	w     []*mat.Dense
	r     *mat.Dense
}

// Option configures a Solver.
type Option func(*Solver)

// WithAlpha sets the Dirichlet prior concentration per component.
func WithAlpha(alpha []float64) Option {
	return func(s *Solver) {
		s.alpha0 = alpha
	}
}

// WithMean sets the Normal prior mean shared by all components.
func WithMean(m []float64) Option {
	return func(s *Solver) {
		s.m0 = m
	}
}

// WithBeta sets the Normal prior precision scale.
func WithBeta(beta float64) Option {
	return func(s *Solver) {
		s.beta0 = beta
	}
}

// WithScaleMatrix sets the Wishart prior scale matrix.
func WithScaleMatrix(w *mat.Dense) Option {
	return func(s *Solver) {
		s.w0 = w
	}
}

// WithNu sets the Wishart prior degrees of freedom.
func WithNu(nu float64) Option {
	return func(s *Solver) {
		s.nu0 = nu
	}
}

// WithIterations sets the number of coordinate-ascent rounds. The solver
// always runs the full budget; there is no early-stop check.
func WithIterations(n int) Option {
	return func(s *Solver) {
		s.nIter = n
	}
}

// WithRandomSeed sets the seed for the random initial responsibilities.
// Seed 0 uses the current time.
func WithRandomSeed(seed int64) Option {
	return func(s *Solver) {
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		s.rng = rand.New(rand.NewSource(seed))
	}
}

// New creates a Solver for k mixture components with unit Dirichlet
// concentration, beta=1, nu=1 and an iteration budget of 1000.
func New(k int, opts ...Option) (*Solver, error) {
	if k <= 0 {
		return nil, fmt.Errorf("component count must be positive, got %d", k)
	}
	s := &Solver{
		k:     k,
		beta0: 1.0,
		nu0:   1.0,
		nIter: 1000,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.alpha0 == nil {
		s.alpha0 = make([]float64, k)
		for i := range s.alpha0 {
			s.alpha0[i] = 1.0
		}
	} else if len(s.alpha0) != k {
		return nil, fmt.Errorf("%w: alpha has length %d, want %d", ErrDimensionMismatch, len(s.alpha0), k)
	}
	return s, nil
}

// Fit runs the full iteration budget of coordinate ascent on X (N x D).
// initResp optionally seeds the N x K responsibility matrix (rows must
// sum to 1); nil draws a random normalized initialization. When
// reduceComponents is set, components whose expected mixing weight drops
// below pruneThreshold are removed at the end of the round's M-step, and
// all K-indexed state (including the prior concentration) shrinks in one
// step before responsibilities are recomputed. Exhausting the budget is
// not an error.
func (s *Solver) Fit(X *mat.Dense, initResp *mat.Dense, reduceComponents bool, pruneThreshold float64) error {
	n, d := X.Dims()

	m0 := s.m0
	if m0 == nil {
		m0 = make([]float64, d)
	} else if len(m0) != d {
		return fmt.Errorf("%w: prior mean has length %d, data has %d dims", ErrDimensionMismatch, len(m0), d)
	}

	w0inv := mat.NewDense(d, d, nil)
	if s.w0 == nil {
		for i := 0; i < d; i++ {
			w0inv.Set(i, i, 1.0)
		}
	} else {
		wr, wc := s.w0.Dims()
		if wr != d || wc != d {
			return fmt.Errorf("%w: prior scale matrix is %dx%d, data has %d dims", ErrDimensionMismatch, wr, wc, d)
		}
		if err := w0inv.Inverse(s.w0); err != nil {
			return fmt.Errorf("%w: prior scale matrix is singular: %v", ErrNumericalInstability, err)
		}
	}

	var resp *mat.Dense
	if initResp == nil {
		resp = mat.NewDense(n, s.k, nil)
		for i := 0; i < n; i++ {
			rowSum := 0.0
			for j := 0; j < s.k; j++ {
				v := s.rng.Float64() + 0.10
				resp.Set(i, j, v)
				rowSum += v
			}
			for j := 0; j < s.k; j++ {
				resp.Set(i, j, resp.At(i, j)/rowSum)
			}
		}
	} else {
		rr, rc := initResp.Dims()
		if rr != n || rc != s.k {
			return fmt.Errorf("%w: initial responsibility is %dx%d, want %dx%d", ErrDimensionMismatch, rr, rc, n, s.k)
		}
		resp = mat.DenseCopyOf(initResp)
	}

	var (
		alpha, beta, nu []float64
		mk              []*mat.VecDense
		wk              []*mat.Dense
	)

	for iter := 0; iter < s.nIter; iter++ {
		k := s.k

		// M-step-like: sufficient statistics under the current
		// responsibilities, then the closed-form posterior update.
		nk := make([]float64, k)
		for i := 0; i < n; i++ {
			for j := 0; j < k; j++ {
				nk[j] += resp.At(i, j)
			}
		}

		xbar := make([]*mat.VecDense, k)
		for j := 0; j < k; j++ {
			xbar[j] = mat.NewVecDense(d, nil)
			for i := 0; i < n; i++ {
				for c := 0; c < d; c++ {
					xbar[j].SetVec(c, xbar[j].AtVec(c)+resp.At(i, j)*X.At(i, c))
				}
			}
			xbar[j].ScaleVec(1.0/math.Max(nk[j], 1e-12), xbar[j])
		}

		sk := make([]*mat.Dense, k)
		diff := mat.NewVecDense(d, nil)
		for j := 0; j < k; j++ {
			sk[j] = mat.NewDense(d, d, nil)
			for i := 0; i < n; i++ {
				for c := 0; c < d; c++ {
					diff.SetVec(c, X.At(i, c)-xbar[j].AtVec(c))
				}
				rij := resp.At(i, j)
				for p := 0; p < d; p++ {
					for q := 0; q < d; q++ {
						sk[j].Set(p, q, sk[j].At(p, q)+rij*diff.AtVec(p)*diff.AtVec(q))
					}
				}
			}
			sk[j].Scale(1.0/math.Max(nk[j], 1e-12), sk[j])
		}

		alpha = make([]float64, k)
		beta = make([]float64, k)
		nu = make([]float64, k)
		mk = make([]*mat.VecDense, k)
		wk = make([]*mat.Dense, k)
		for j := 0; j < k; j++ {
			alpha[j] = s.alpha0[j] + nk[j]
			beta[j] = s.beta0 + nk[j]
			nu[j] = s.nu0 + nk[j]

			mk[j] = mat.NewVecDense(d, nil)
			for c := 0; c < d; c++ {
				mk[j].SetVec(c, (s.beta0*m0[c]+nk[j]*xbar[j].AtVec(c))/beta[j])
			}

			winv := mat.NewDense(d, d, nil)
			coef := s.beta0 * nk[j] / (s.beta0 + nk[j])
			for p := 0; p < d; p++ {
				dp := xbar[j].AtVec(p) - m0[p]
				for q := 0; q < d; q++ {
					dq := xbar[j].AtVec(q) - m0[q]
					winv.Set(p, q, w0inv.At(p, q)+nk[j]*sk[j].At(p, q)+coef*dp*dq)
				}
			}
			inv, err := spdInverse(winv)
			if err != nil {
				return fmt.Errorf("%w: component %d scale update: %v", ErrNumericalInstability, j, err)
			}
			wk[j] = inv
		}

		// Optional pruning: one atomic keep-mask filter over every
		// K-indexed array, applied before responsibilities are
		// recomputed against the reduced posterior.
		if reduceComponents {
			keep := make([]bool, k)
			kept := 0
			for j := 0; j < k; j++ {
				ePi := (s.alpha0[j] + nk[j]) / (float64(k)*s.alpha0[j] + float64(n))
				keep[j] = ePi >= pruneThreshold
				if keep[j] {
					kept++
				}
			}
			if kept == 0 {
				return fmt.Errorf("%w: prune threshold %g removed every component", ErrNumericalInstability, pruneThreshold)
			}
			if kept < k {
				alpha0 := make([]float64, 0, kept)
				newAlpha := make([]float64, 0, kept)
				newBeta := make([]float64, 0, kept)
				newNu := make([]float64, 0, kept)
				newM := make([]*mat.VecDense, 0, kept)
				newW := make([]*mat.Dense, 0, kept)
				for j := 0; j < k; j++ {
					if !keep[j] {
						continue
					}
					alpha0 = append(alpha0, s.alpha0[j])
					newAlpha = append(newAlpha, alpha[j])
					newBeta = append(newBeta, beta[j])
					newNu = append(newNu, nu[j])
					newM = append(newM, mk[j])
					newW = append(newW, wk[j])
				}
				s.alpha0 = alpha0
				alpha, beta, nu, mk, wk = newAlpha, newBeta, newNu, newM, newW
				s.k = kept
				k = kept
				resp = mat.NewDense(n, k, nil)
			}
		}

		// E-step-like: expected log mixing weights and log determinant
		// precisions combine into unnormalized log responsibilities.
		alphaSum := 0.0
		for j := 0; j < k; j++ {
			alphaSum += alpha[j]
		}
		psiSum := mathext.Digamma(alphaSum)

		eLogPi := make([]float64, k)
		eLogLam := make([]float64, k)
		for j := 0; j < k; j++ {
			eLogPi[j] = mathext.Digamma(alpha[j]) - psiSum
			v := 0.0
			for i := 1; i <= d; i++ {
				v += mathext.Digamma(0.5 * (nu[j] + 1 - float64(i)))
			}
			ld, sign := mat.LogDet(wk[j])
			if sign <= 0 {
				return fmt.Errorf("%w: component %d scale matrix is not positive definite", ErrNumericalInstability, j)
			}
			eLogLam[j] = v + float64(d)*math.Log(2) + ld
		}

		logRho := make([]float64, k)
		wd := mat.NewVecDense(d, nil)
		for i := 0; i < n; i++ {
			maxRho := math.Inf(-1)
			for j := 0; j < k; j++ {
				for c := 0; c < d; c++ {
					diff.SetVec(c, X.At(i, c)-mk[j].AtVec(c))
				}
				wd.MulVec(wk[j], diff)
				quad := mat.Dot(diff, wd)
				eInner := float64(d)/beta[j] + nu[j]*quad
				logRho[j] = eLogPi[j] + 0.5*eLogLam[j] -
					0.5*float64(d)*math.Log(2*math.Pi) - 0.5*eInner
				if logRho[j] > maxRho {
					maxRho = logRho[j]
				}
			}
			rowSum := 0.0
			for j := 0; j < k; j++ {
				// Exp-normalize against the row maximum so a whole row
				// cannot underflow to zero.
				e := math.Exp(logRho[j] - maxRho)
				resp.Set(i, j, e)
				rowSum += e
			}
			for j := 0; j < k; j++ {
				resp.Set(i, j, resp.At(i, j)/rowSum)
			}
		}
	}

	s.dim = d
	s.alpha = alpha
	s.beta = beta
	s.nu = nu
	s.m = mk
	s.w = wk
	s.r = resp
	return nil
}

// ProbDensity evaluates the predictive density at each row of X as a
// mixture of Student's t-distributions, one per surviving component.
func (s *Solver) ProbDensity(X *mat.Dense) ([]float64, error) {
	if s.r == nil {
		return nil, errors.New("solver has not been fitted")
	}
	n, d := X.Dims()
	if d != s.dim {
		return nil, fmt.Errorf("%w: data has %d dims, fitted with %d", ErrDimensionMismatch, d, s.dim)
	}

	prob := make([]float64, n)
	alphaSum := 0.0
	for j := 0; j < s.k; j++ {
		alphaSum += s.alpha[j]
	}

	scale := mat.NewDense(d, d, nil)
	diff := mat.NewVecDense(d, nil)
	wd := mat.NewVecDense(d, nil)
	for j := 0; j < s.k; j++ {
		dof := s.nu[j] + 1 - float64(d)
		if dof <= 0 {
			return nil, fmt.Errorf("%w: component %d has %g degrees of freedom", ErrNumericalInstability, j, dof)
		}
		scale.Scale(dof*s.beta[j]/(1+s.beta[j]), s.w[j])

		ld, sign := mat.LogDet(scale)
		if sign <= 0 {
			return nil, fmt.Errorf("%w: component %d scale matrix is not positive definite", ErrNumericalInstability, j)
		}
		lgNum, _ := math.Lgamma((float64(d) + dof) / 2)
		lgDen, _ := math.Lgamma(dof / 2)
		logNorm := lgNum - lgDen + 0.5*ld - 0.5*float64(d)*math.Log(math.Pi*dof)

		for i := 0; i < n; i++ {
			for c := 0; c < d; c++ {
				diff.SetVec(c, X.At(i, c)-s.m[j].AtVec(c))
			}
			wd.MulVec(scale, diff)
			maha := mat.Dot(diff, wd)
			logKernel := -0.5 * (float64(d) + dof) * math.Log1p(maha/dof)
			prob[i] += s.alpha[j] * math.Exp(logNorm+logKernel)
		}
	}

	for i := range prob {
		prob[i] /= alphaSum
	}
	return prob, nil
}

// K returns the current component count, reflecting any pruning done in
// the last Fit call.
func (s *Solver) K() int { return s.k }

// Responsibilities returns the N x K responsibility matrix from the last
// Fit call. Every row sums to 1.
func (s *Solver) Responsibilities() *mat.Dense { return s.r }

// Alpha returns the posterior Dirichlet concentrations.
func (s *Solver) Alpha() []float64 { return s.alpha }

// Beta returns the posterior precision scales.
func (s *Solver) Beta() []float64 { return s.beta }

// Nu returns the posterior Wishart degrees of freedom.
func (s *Solver) Nu() []float64 { return s.nu }

// Mean returns the posterior mean of component k.
func (s *Solver) Mean(k int) *mat.VecDense { return s.m[k] }

// Scale returns the posterior Wishart scale matrix of component k.
func (s *Solver) Scale(k int) *mat.Dense { return s.w[k] }

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

// State is the serializable posterior state of a Solver. The prior scale
// matrix is stored flattened; derived quantities are rebuilt on load.
type State struct {
	Version int
	K       int
	Dim     int
	Alpha0  []float64
	Beta0   float64
	M0      []float64
	Nu0     float64
	NIter   int
	Alpha   []float64
	Beta    []float64
	Nu      []float64
	MData   [][]float64
	WData   [][]float64
	RData   []float64
	RRows   int
}

// Save serializes the fitted posterior in gob format.
func (s *Solver) Save(w io.Writer) error {
	state := State{
		Version: 1,
		K:       s.k,
		Dim:     s.dim,
		Alpha0:  s.alpha0,
		Beta0:   s.beta0,
		M0:      s.m0,
		Nu0:     s.nu0,
		NIter:   s.nIter,
		Alpha:   s.alpha,
		Beta:    s.beta,
		Nu:      s.nu,
	}
	if s.m != nil {
		state.MData = make([][]float64, s.k)
		state.WData = make([][]float64, s.k)
		for j := 0; j < s.k; j++ {
			state.MData[j] = append([]float64(nil), s.m[j].RawVector().Data...)
			state.WData[j] = append([]float64(nil), s.w[j].RawMatrix().Data...)
		}
	}
	if s.r != nil {
		raw := s.r.RawMatrix()
		state.RData = append([]float64(nil), raw.Data...)
		state.RRows = raw.Rows
	}
	return gob.NewEncoder(w).Encode(state)
}

// Load deserializes a Solver saved by Save.
func Load(r io.Reader) (*Solver, error) {
	var state State
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return nil, err
	}
	if state.Version != 1 {
		return nil, errors.New("unsupported gob version")
	}
	s, err := New(state.K,
		WithAlpha(state.Alpha0),
		WithBeta(state.Beta0),
		WithNu(state.Nu0),
		WithIterations(state.NIter),
	)
	if err != nil {
		return nil, err
	}
	s.m0 = state.M0
	s.dim = state.Dim
	s.alpha = state.Alpha
	s.beta = state.Beta
	s.nu = state.Nu
	if state.MData != nil {
		s.m = make([]*mat.VecDense, state.K)
		s.w = make([]*mat.Dense, state.K)
		for j := 0; j < state.K; j++ {
			if len(state.MData[j]) != state.Dim || len(state.WData[j]) != state.Dim*state.Dim {
				return nil, errors.New("invalid posterior data length")
			}
			s.m[j] = mat.NewVecDense(state.Dim, state.MData[j])
			s.w[j] = mat.NewDense(state.Dim, state.Dim, state.WData[j])
		}
	}
	if state.RData != nil {
		if state.RRows*state.K != len(state.RData) {
			return nil, errors.New("invalid responsibility data length")
		}
		s.r = mat.NewDense(state.RRows, state.K, state.RData)
	}
	return s, nil
}
