package gp

import (
	"context"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/FJORD/internal/numerics"
)

// TuneOptions bounds the length-scale search. The interval is searched in
// the log domain, so both bounds must be positive.
type TuneOptions struct {
	MinLengthScale float64
	MaxLengthScale float64
	MaxEvaluations int
	Tolerance      float64
}

// TuneResult summarizes a finished length-scale search.
type TuneResult struct {
	LengthScale           float64
	LogMarginalLikelihood float64
	Evaluations           int
}

// TuneLengthScale fits one model per candidate kernel length-scale and
// returns the one maximizing the log marginal likelihood of (X, y). The
// search is a bounded one-dimensional Brent minimization of the negative
// log marginal likelihood over the log length-scale; each evaluation's
// fitted model rides along as an auxiliary output, so the winning model is
// returned without a refit.
//
// Cancelling ctx stops the search at the next objective evaluation.
func TuneLengthScale(ctx context.Context, cfg Config, X *mat.Dense, y *mat.VecDense, opts TuneOptions, logger *zap.Logger) (*Model, TuneResult, error) {
	const op = "TuneLengthScale"

	if cfg.Kernel == nil {
		return nil, TuneResult{}, errorf(op, "no kernel configured")
	}
	if opts.MinLengthScale <= 0 || opts.MaxLengthScale < opts.MinLengthScale {
		return nil, TuneResult{}, errorf(op, "invalid length-scale interval [%v, %v]",
			opts.MinLengthScale, opts.MaxLengthScale)
	}
	if opts.MaxEvaluations <= 0 {
		return nil, TuneResult{}, errorf(op, "evaluation budget must be positive, got %d", opts.MaxEvaluations)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	objective := func(t float64) (float64, []interface{}) {
		if ctx.Err() != nil {
			return math.Inf(1), nil
		}
		kernel := cfg.Kernel.Clone()
		hp := kernel.Hyperparameters()
		hp[0] = math.Exp(t)
		if err := kernel.SetHyperparameters(hp); err != nil {
			return math.Inf(1), nil
		}
		candidate := New(Config{
			Kernel:        kernel,
			NoiseVariance: cfg.NoiseVariance,
			BiasVariance:  cfg.BiasVariance,
		}, logger)
		if err := candidate.Fit(X, y); err != nil {
			logger.Debug("candidate fit failed",
				zap.Float64("length_scale", hp[0]),
				zap.Error(err),
			)
			return math.Inf(1), nil
		}
		return -candidate.LogMarginalLikelihood(), []interface{}{candidate}
	}

	res := numerics.BrentMin(
		math.Log(opts.MinLengthScale), math.Log(opts.MaxLengthScale),
		opts.MaxEvaluations, opts.Tolerance, objective,
	)

	if err := ctx.Err(); err != nil {
		return nil, TuneResult{}, err
	}
	if len(res.Aux) == 0 || math.IsInf(res.F, 1) {
		return nil, TuneResult{}, errorf(op, "no candidate length-scale produced a usable fit")
	}

	model := res.Aux[0].(*Model)
	tr := TuneResult{
		LengthScale:           math.Exp(res.X),
		LogMarginalLikelihood: -res.F,
		Evaluations:           res.Evaluations,
	}
	logger.Debug("length-scale search finished",
		zap.Float64("length_scale", tr.LengthScale),
		zap.Float64("log_marginal_likelihood", tr.LogMarginalLikelihood),
		zap.Int("evaluations", tr.Evaluations),
	)
	return model, tr, nil
}
