// Package demand fits and applies the sales-velocity model and blends it with internal history.
package demand

import (
	"math"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/mat"
)

// maxCondition is the largest Gram condition number accepted before the
// normal equations are treated as singular.
const maxCondition = 1e12

// Fit solves ridge-regularised least squares in closed form.
//
// X holds one row per sample without an intercept column; Fit prepends the
// intercept as coefficient 0 and leaves it unregularised. The returned vector
// has len(X[0])+1 entries.
func Fit(X [][]float64, y []float64, lambda float64) ([]float64, error) {
	if len(X) == 0 {
		return nil, eris.New("demand: fit requires at least one sample")
	}
	if len(X) != len(y) {
		return nil, eris.Errorf("demand: %d rows but %d targets", len(X), len(y))
	}
	if lambda < 0 || math.IsNaN(lambda) {
		return nil, eris.Errorf("demand: lambda must be >= 0, got %v", lambda)
	}

	p := len(X[0])
	dim := p + 1

	data := make([]float64, 0, len(X)*dim)
	for n, xs := range X {
		if len(xs) != p {
			return nil, eris.Errorf("demand: row %d has %d features, want %d", n, len(xs), p)
		}
		data = append(data, 1)
		data = append(data, xs...)
	}
	design := mat.NewDense(len(X), dim, data)

	// gram = XᵀX + λI over the feature block.
	var gram mat.SymDense
	gram.SymOuterK(1, design.T())
	for i := 1; i < dim; i++ {
		gram.SetSym(i, i, gram.At(i, i)+lambda)
	}

	var rhs mat.VecDense
	rhs.MulVec(design.T(), mat.NewVecDense(len(y), y))

	var chol mat.Cholesky
	if ok := chol.Factorize(&gram); !ok || chol.Cond() > maxCondition {
		return nil, eris.New("demand: solve normal equations: singular matrix")
	}
	var coef mat.VecDense
	if err := chol.SolveVecTo(&coef, &rhs); err != nil {
		return nil, eris.Wrap(err, "demand: solve normal equations")
	}
	return mat.Col(nil, 0, &coef), nil
}

// coefNorm is the L2 norm of the non-intercept coefficients.
func coefNorm(coef []float64) float64 {
	var s float64
	for _, c := range coef[1:] {
		s += c * c
	}
	return math.Sqrt(s)
}
