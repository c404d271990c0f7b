// Package basis provides the feature-expansion and label-encoding
// collaborators shared by the variational solvers, together with a few
// elementwise numeric primitives (sigmoid, safe log, logit moderation).
package basis

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrInvalidLabel is returned when a label vector does not encode exactly
// two classes.
var ErrInvalidLabel = errors.New("labels must encode exactly two classes")

// Sigmoid computes the logistic function 1/(1+e^(-x)).
func Sigmoid(x float64) float64 {
	// Split on sign to avoid overflow in exp for large |x|.
	if x >= 0 {
		return 1.0 / (1.0 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1.0 + e)
}

// SafeLog computes the natural logarithm, returning -Inf for any
// non-positive input instead of NaN.
func SafeLog(x float64) float64 {
	if x <= 0 {
		return math.Inf(-1)
	}
	return math.Log(x)
}

// Kappa computes the logit moderation factor (1 + pi*s/8)^(-1/2) for a
// predictive variance s. It is monotone decreasing in s, shrinking the
// logit toward zero as the predictive uncertainty grows.
func Kappa(s float64) float64 {
	return 1.0 / math.Sqrt(1.0+math.Pi*s/8.0)
}

// Kind selects the family of basis functions used by a Design.
type Kind int

const (
	// KindIdentity expands to a bias column followed by the raw features.
	KindIdentity Kind = iota
	// KindGauss expands to Gaussian radial basis functions.
	KindGauss
	// KindSigmoidal expands to sigmoidal basis functions.
	KindSigmoidal
	// KindPolynomial expands to per-feature monomials up to a degree.
	KindPolynomial
)

// Design turns raw N x D observations into an N x M design matrix. Every
// design matrix carries a leading bias column of ones.
type Design struct {
	kind Kind
	mu   []float64
	s    []float64
	deg  int
}

// Identity returns a Design that passes features through unchanged
// (plus the bias column).
func Identity() *Design {
	return &Design{kind: KindIdentity}
}

// Gauss returns a Design of Gaussian radial basis functions with centers
// mu and widths s, applied per feature dimension. mu and s must have the
// same length; Gauss panics otherwise.
func Gauss(mu, s []float64) *Design {
	if len(mu) != len(s) {
		panic(fmt.Sprintf("basis: %d centers but %d widths", len(mu), len(s)))
	}
	return &Design{kind: KindGauss, mu: mu, s: s}
}

// Sigmoidal returns a Design of sigmoidal basis functions with centers mu
// and slopes s, applied per feature dimension. mu and s must have the
// same length; Sigmoidal panics otherwise.
func Sigmoidal(mu, s []float64) *Design {
	if len(mu) != len(s) {
		panic(fmt.Sprintf("basis: %d centers but %d slopes", len(mu), len(s)))
	}
	return &Design{kind: KindSigmoidal, mu: mu, s: s}
}

// Polynomial returns a Design of per-feature monomials of degree 1..deg.
func Polynomial(deg int) *Design {
	return &Design{kind: KindPolynomial, deg: deg}
}

// Kind reports the basis family of the design.
func (d *Design) Kind() Kind { return d.kind }

// Width reports the number of columns the design matrix will have for
// nDims input features.
func (d *Design) Width(nDims int) int {
	switch d.kind {
	case KindGauss, KindSigmoidal:
		return 1 + nDims*len(d.mu)
	case KindPolynomial:
		return 1 + nDims*d.deg
	default:
		return 1 + nDims
	}
}

// Matrix builds the N x M design matrix for observations X.
func (d *Design) Matrix(X mat.Matrix) *mat.Dense {
	n, nd := X.Dims()
	m := d.Width(nd)
	phi := mat.NewDense(n, m, nil)

	for i := 0; i < n; i++ {
		phi.Set(i, 0, 1.0)
		col := 1
		switch d.kind {
		case KindGauss:
			for j := 0; j < nd; j++ {
				x := X.At(i, j)
				for c := range d.mu {
					diff := x - d.mu[c]
					phi.Set(i, col, math.Exp(-diff*diff/(2*d.s[c]*d.s[c])))
					col++
				}
			}
		case KindSigmoidal:
			for j := 0; j < nd; j++ {
				x := X.At(i, j)
				for c := range d.mu {
					phi.Set(i, col, Sigmoid((x-d.mu[c])/d.s[c]))
					col++
				}
			}
		case KindPolynomial:
			for j := 0; j < nd; j++ {
				x := X.At(i, j)
				p := x
				for q := 1; q <= d.deg; q++ {
					phi.Set(i, col, p)
					p *= x
					col++
				}
			}
		default:
			for j := 0; j < nd; j++ {
				phi.Set(i, col, X.At(i, j))
				col++
			}
		}
	}
	return phi
}

// ToLabel converts a target matrix into a {0,1} label slice. y may be
// N x 1 (label-encoded) or N x 2 (one-hot); the returned flag records
// which encoding was seen so it can be restored by FromLabel. Any other
// shape, or labels outside {0,1}, fail with ErrInvalidLabel.
func ToLabel(y mat.Matrix) ([]float64, bool, error) {
	n, c := y.Dims()
	labels := make([]float64, n)
	switch c {
	case 1:
		for i := 0; i < n; i++ {
			v := y.At(i, 0)
			if v != 0 && v != 1 {
				return nil, false, fmt.Errorf("%w: got label %v", ErrInvalidLabel, v)
			}
			labels[i] = v
		}
		if err := checkTwoClasses(labels); err != nil {
			return nil, false, err
		}
		return labels, false, nil
	case 2:
		for i := 0; i < n; i++ {
			a, b := y.At(i, 0), y.At(i, 1)
			switch {
			case a == 1 && b == 0:
				labels[i] = 0
			case a == 0 && b == 1:
				labels[i] = 1
			default:
				return nil, false, fmt.Errorf("%w: row %d is not one-hot", ErrInvalidLabel, i)
			}
		}
		if err := checkTwoClasses(labels); err != nil {
			return nil, true, err
		}
		return labels, true, nil
	default:
		return nil, false, fmt.Errorf("%w: got %d columns", ErrInvalidLabel, c)
	}
}

func checkTwoClasses(labels []float64) error {
	var zeros, ones bool
	for _, v := range labels {
		if v == 0 {
			zeros = true
		} else {
			ones = true
		}
	}
	if !zeros || !ones {
		return fmt.Errorf("%w: only one class present", ErrInvalidLabel)
	}
	return nil
}

// FromLabel converts {0,1} labels back to the encoding observed at fit
// time: an N x 1 label column, or an N x 2 one-hot matrix.
func FromLabel(labels []float64, oneHot bool) *mat.Dense {
	n := len(labels)
	if !oneHot {
		out := mat.NewDense(n, 1, nil)
		for i, v := range labels {
			out.Set(i, 0, v)
		}
		return out
	}
	out := mat.NewDense(n, 2, nil)
	for i, v := range labels {
		if v == 1 {
			out.Set(i, 1, 1)
		} else {
			out.Set(i, 0, 1)
		}
	}
	return out
}
