package numerics

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// SolveChol solves A*X = B for X, where A is square, symmetric and positive
// definite, given the Cholesky factorization of A. The input factorization
// is not modified.
func SolveChol(chol *mat.Cholesky, b mat.Matrix) (*mat.Dense, error) {
	if chol == nil {
		return nil, errors.New("numerics: nil Cholesky factorization")
	}
	n := chol.SymmetricDim()
	br, bc := b.Dims()
	if br != n {
		return nil, fmt.Errorf("numerics: dimension mismatch: factor is %dx%d but B has %d rows", n, n, br)
	}
	x := mat.NewDense(br, bc, nil)
	if err := chol.SolveTo(x, b); err != nil {
		return nil, fmt.Errorf("numerics: cholesky solve failed: %w", err)
	}
	return x, nil
}

// SolveCholVec is the single right-hand-side form of SolveChol.
func SolveCholVec(chol *mat.Cholesky, b *mat.VecDense) (*mat.VecDense, error) {
	if chol == nil {
		return nil, errors.New("numerics: nil Cholesky factorization")
	}
	n := chol.SymmetricDim()
	if b.Len() != n {
		return nil, fmt.Errorf("numerics: dimension mismatch: factor is %dx%d but b has length %d", n, n, b.Len())
	}
	x := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(x, b); err != nil {
		return nil, fmt.Errorf("numerics: cholesky solve failed: %w", err)
	}
	return x, nil
}

// CholUpdate computes the Cholesky factorization of A + x*x^T (or A - x*x^T
// when downdate is true) from the factorization of A, without refactorizing
// from scratch. A downdate that would make the matrix indefinite returns an
// error and leaves the input untouched.
func CholUpdate(chol *mat.Cholesky, x *mat.VecDense, downdate bool) (*mat.Cholesky, error) {
	if chol == nil {
		return nil, errors.New("numerics: nil Cholesky factorization")
	}
	if chol.SymmetricDim() != x.Len() {
		return nil, fmt.Errorf("numerics: dimension mismatch: factor is %dx%d but x has length %d",
			chol.SymmetricDim(), chol.SymmetricDim(), x.Len())
	}
	alpha := 1.0
	if downdate {
		alpha = -1.0
	}
	updated := &mat.Cholesky{}
	if ok := updated.SymRankOne(chol, alpha, x); !ok {
		return nil, errors.New("numerics: rank-one update left the matrix non positive definite")
	}
	return updated, nil
}
