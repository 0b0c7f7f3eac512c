// Package gp implements Gaussian Process regression and classification on
// top of the numeric primitives in internal/numerics.
package gp

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/FJORD/internal/numerics"
)

// Config holds the prior for a Model.
type Config struct {
	// Kernel is the covariance function.
	Kernel Kernel
	// NoiseVariance is the observation noise added to the covariance
	// diagonal.
	NoiseVariance float64
	// BiasVariance, when positive, adds a constant covariance term
	// sigma_b^2 * 1*1^T, equivalent to an unknown constant mean offset.
	BiasVariance float64
}

// Model is a Gaussian Process regression model. Fit must be called before
// Predict or LogMarginalLikelihood.
type Model struct {
	cfg    Config
	logger *zap.Logger

	x      *mat.Dense
	y      *mat.VecDense
	chol   *mat.Cholesky
	alpha  *mat.VecDense
	logML  float64
	fitted bool
}

// New creates an unfitted model. A nil logger disables logging.
func New(cfg Config, logger *zap.Logger) *Model {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Model{cfg: cfg, logger: logger.Named("gp")}
}

// Fit conditions the model on the training inputs X (one row per sample)
// and targets y.
func (m *Model) Fit(X *mat.Dense, y *mat.VecDense) error {
	const op = "Model.Fit"

	if X == nil || y == nil {
		return errorf(op, "training data must not be nil")
	}
	n, d := X.Dims()
	if n == 0 || d == 0 {
		return errorf(op, "training inputs must not be empty")
	}
	if y.Len() != n {
		return errorf(op, "dimension mismatch: X has %d samples but y has length %d", n, y.Len())
	}
	if m.cfg.Kernel == nil {
		return errorf(op, "no kernel configured")
	}

	m.logger.Debug("fitting model",
		zap.Int("samples", n),
		zap.Int("features", d),
		zap.Float64("noise_var", m.cfg.NoiseVariance),
	)

	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		xi := X.RawRowView(i)
		k.SetSym(i, i, m.cfg.Kernel.Eval(xi, xi)+m.cfg.NoiseVariance)
		for j := i + 1; j < n; j++ {
			k.SetSym(i, j, m.cfg.Kernel.Eval(xi, X.RawRowView(j)))
		}
	}

	chol, err := factorizeWithJitter(k, m.logger)
	if err != nil {
		return wrap(op, err, "covariance factorization failed")
	}

	// Fold the constant-bias covariance in as a rank-one update rather
	// than rebuilding and refactorizing the matrix.
	if m.cfg.BiasVariance > 0 {
		ones := mat.NewVecDense(n, nil)
		s := math.Sqrt(m.cfg.BiasVariance)
		for i := 0; i < n; i++ {
			ones.SetVec(i, s)
		}
		chol, err = numerics.CholUpdate(chol, ones, false)
		if err != nil {
			return wrap(op, err, "bias covariance update failed")
		}
	}

	alpha, err := numerics.SolveCholVec(chol, y)
	if err != nil {
		return wrap(op, err, "solving for alpha failed")
	}

	m.x = mat.DenseCopyOf(X)
	m.y = mat.VecDenseCopyOf(y)
	m.chol = chol
	m.alpha = alpha
	m.logML = -0.5*mat.Dot(y, alpha) - 0.5*chol.LogDet() - 0.5*float64(n)*math.Log(2*math.Pi)
	m.fitted = true

	m.logger.Debug("model fitted", zap.Float64("log_marginal_likelihood", m.logML))
	return nil
}

// maxJitterAttempts bounds the diagonal-jitter escalation during
// factorization.
const maxJitterAttempts = 8

func factorizeWithJitter(k *mat.SymDense, logger *zap.Logger) (*mat.Cholesky, error) {
	n := k.SymmetricDim()
	chol := &mat.Cholesky{}
	if chol.Factorize(k) {
		return chol, nil
	}

	jitter := 1e-10
	for attempt := 0; attempt < maxJitterAttempts; attempt++ {
		logger.Debug("cholesky factorization failed, adding jitter",
			zap.Int("attempt", attempt+1),
			zap.Float64("jitter", jitter),
		)
		jittered := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			jittered.SetSym(i, i, k.At(i, i)+jitter)
			for j := i + 1; j < n; j++ {
				jittered.SetSym(i, j, k.At(i, j))
			}
		}
		if chol.Factorize(jittered) {
			return chol, nil
		}
		jitter *= 10
	}
	return nil, errorf("factorizeWithJitter", "matrix not positive definite after %d jitter attempts", maxJitterAttempts)
}

// Predict returns the posterior predictive mean and variance at the test
// inputs X (one row per point). The variance includes the configured
// observation noise.
func (m *Model) Predict(X *mat.Dense) (*mat.VecDense, *mat.VecDense, error) {
	const op = "Model.Predict"

	if !m.fitted {
		return nil, nil, errorf(op, "model not fitted")
	}
	if X == nil {
		return nil, nil, errorf(op, "test inputs must not be nil")
	}
	nTest, d := X.Dims()
	nTrain, dTrain := m.x.Dims()
	if d != dTrain {
		return nil, nil, errorf(op, "dimension mismatch: model has %d features but test inputs have %d", dTrain, d)
	}

	kstar := mat.NewDense(nTest, nTrain, nil)
	kss := make([]float64, nTest)
	for i := 0; i < nTest; i++ {
		xs := X.RawRowView(i)
		kss[i] = m.cfg.Kernel.Eval(xs, xs) + m.cfg.BiasVariance + m.cfg.NoiseVariance
		for j := 0; j < nTrain; j++ {
			kstar.Set(i, j, m.cfg.Kernel.Eval(xs, m.x.RawRowView(j))+m.cfg.BiasVariance)
		}
	}

	mean := mat.NewVecDense(nTest, nil)
	mean.MulVec(kstar, m.alpha)

	// Posterior variance via the stored factorization:
	// var_i = kss_i - k*_i^T K^-1 k*_i.
	v, err := numerics.SolveChol(m.chol, kstar.T())
	if err != nil {
		return nil, nil, wrap(op, err, "variance solve failed")
	}
	variance := mat.NewVecDense(nTest, nil)
	for i := 0; i < nTest; i++ {
		var s float64
		for j := 0; j < nTrain; j++ {
			s += kstar.At(i, j) * v.At(j, i)
		}
		val := kss[i] - s
		if val < 0 {
			m.logger.Warn("negative predictive variance clamped to zero",
				zap.Float64("variance", val),
				zap.Int("test_point", i),
			)
			val = 0
		}
		variance.SetVec(i, val)
	}

	return mean, variance, nil
}

// LogMarginalLikelihood returns the log marginal likelihood of the training
// data under the model, or NaN if the model has not been fitted.
func (m *Model) LogMarginalLikelihood() float64 {
	if !m.fitted {
		return math.NaN()
	}
	return m.logML
}

// NumSamples returns the number of training samples, or zero before Fit.
func (m *Model) NumSamples() int {
	if !m.fitted {
		return 0
	}
	n, _ := m.x.Dims()
	return n
}

// Kernel returns the model's covariance function.
func (m *Model) Kernel() Kernel {
	return m.cfg.Kernel
}
