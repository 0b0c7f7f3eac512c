// Package numerics provides the stateless numeric primitives used by the
// FJORD Gaussian Process toolkit: a bounded one-dimensional minimizer,
// Cholesky solve/update helpers, and a set-deduplication routine.
package numerics

import "math"

// Objective is a scalar function sampled during minimization. The second
// return value carries arbitrary auxiliary outputs; they are opaque to the
// minimizer and reported back only for the winning abscissa.
type Objective func(x float64) (float64, []interface{})

// Result holds the outcome of a BrentMin call.
type Result struct {
	// X is the abscissa of the best point found.
	X float64
	// F is the objective value at X.
	F float64
	// Evaluations is the number of objective calls made.
	Evaluations int
	// Aux holds the objective's auxiliary outputs at X.
	Aux []interface{}
}

// machEps is the double precision machine epsilon (2^-52).
var machEps = math.Nextafter(1, 2) - 1

// goldenC is the golden section constant 0.5*(3-sqrt(5)).
var goldenC = 0.5 * (3.0 - math.Sqrt(5.0))

// BrentMin isolates a local minimum of f on the interval [xlow, xupp] to a
// fractional precision of about tol, using parabolic interpolation where a
// quadratic fit through the three best points is trustworthy and golden
// section steps otherwise.
//
// Reference: section 10.2, Parabolic Interpolation and Brent's Method in
// One Dimension. Press, Teukolsky, Vetterling & Flannery, Numerical
// Recipes in C, Cambridge University Press, 2002.
//
// Both endpoints are evaluated up front; if the interior search converges
// to a point worse than an endpoint, the endpoint wins. The routine makes
// at most maxEvals objective calls and returns its best estimate when the
// budget runs out. tol is floored at machine epsilon. The caller must
// supply xlow <= xupp; a reversed interval is not validated and the result
// is undefined.
func BrentMin(xlow, xupp float64, maxEvals int, tol float64, f Objective) Result {
	if tol < machEps {
		tol = machEps
	}

	fa, auxA := f(xlow)
	fb, auxB := f(xupp)
	evals := 2

	// A collapsed interval has only one feasible point, so neither the
	// interior start point nor the search loop can improve on it.
	if xlow == xupp {
		return Result{X: xlow, F: fa, Evaluations: evals, Aux: auxA}
	}
	if evals >= maxEvals {
		if fa <= fb {
			return Result{X: xlow, F: fa, Evaluations: evals, Aux: auxA}
		}
		return Result{X: xupp, F: fb, Evaluations: evals, Aux: auxB}
	}

	seps := math.Sqrt(machEps)
	a, b := xlow, xupp
	v := a + goldenC*(b-a)
	w, xf := v, v
	var d, e float64

	x := xf
	fx, aux := f(x)
	evals++
	fv, fw := fx, fx

	xm := 0.5 * (a + b)
	tol1 := seps*math.Abs(xf) + tol/3.0
	tol2 := 2.0 * tol1

	for math.Abs(xf-xm) > tol2-0.5*(b-a) {
		if evals >= maxEvals {
			break
		}
		golden := true
		if math.Abs(e) > tol1 {
			// Fit a parabola through (v,fv), (w,fw), (xf,fx).
			golden = false
			r := (xf - w) * (fx - fv)
			q := (xf - v) * (fx - fw)
			p := (xf-v)*q - (xf-w)*r
			q = 2.0 * (q - r)
			if q > 0.0 {
				p = -p
			}
			q = math.Abs(q)
			r = e
			e = d
			if math.Abs(p) < math.Abs(0.5*q*r) && p > q*(a-xf) && p < q*(b-xf) {
				// Parabolic interpolation step.
				d = p / q
				x = xf + d
				// Do not sample within tol2 of either endpoint.
				if x-a < tol2 || b-x < tol2 {
					d = tol1 * signPos(xm-xf)
				}
			} else {
				golden = true
			}
		}
		if golden {
			if xf >= xm {
				e = a - xf
			} else {
				e = b - xf
			}
			d = goldenC * e
		}

		// Never sample closer than tol1 to the current best point.
		x = xf + signPos(d)*math.Max(math.Abs(d), tol1)
		fu, auxU := f(x)
		evals++

		if fu <= fx {
			if x >= xf {
				a = xf
			} else {
				b = xf
			}
			v, fv = w, fw
			w, fw = xf, fx
			xf, fx = x, fu
			aux = auxU
		} else {
			if x < xf {
				a = x
			} else {
				b = x
			}
			if fu <= fw || w == xf {
				v, fv = w, fw
				w, fw = x, fu
			} else if fu <= fv || v == xf || v == w {
				v, fv = x, fu
			}
		}

		xm = 0.5 * (a + b)
		tol1 = seps*math.Abs(xf) + tol/3.0
		tol2 = 2.0 * tol1
	}

	// An endpoint may still dominate the interior result, either because
	// the minimum sits on the boundary or because the budget cut the
	// search short.
	xmin, fmin, auxMin := xf, fx, aux
	if fa < fx && fa <= fb {
		xmin, fmin, auxMin = xlow, fa, auxA
	} else if fb < fx {
		xmin, fmin, auxMin = xupp, fb, auxB
	}
	return Result{X: xmin, F: fmin, Evaluations: evals, Aux: auxMin}
}

// signPos is a three-way sign that treats zero as positive. The bias
// matters at tie-breaks: a zero proposed step moves in the positive
// direction.
func signPos(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
