package gp

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/copyleftdev/FJORD/internal/numerics"
)

// Classifier is a binary Gaussian Process classifier using label
// regression: targets are the class labels -1 and +1, and predictive
// probabilities come from squashing the regression posterior through the
// probit link.
type Classifier struct {
	model *Model
}

// NewClassifier creates an unfitted classifier with the given prior.
func NewClassifier(cfg Config, logger *zap.Logger) *Classifier {
	return &Classifier{model: New(cfg, logger)}
}

// Fit conditions the classifier on inputs X and class labels, which must
// all be -1 or +1.
func (c *Classifier) Fit(X *mat.Dense, labels []float64) error {
	const op = "Classifier.Fit"

	classes := numerics.Unique(labels)
	if len(classes) == 0 {
		return errorf(op, "no labels given")
	}
	for _, cl := range classes {
		if cl != -1 && cl != 1 {
			return errorf(op, "labels must be -1 or +1, got %v", cl)
		}
	}

	y := mat.NewVecDense(len(labels), append([]float64(nil), labels...))
	return c.model.Fit(X, y)
}

// PredictProb returns, for each row of X, the probability of the +1 class.
// The latent posterior N(mu, sigma^2) is averaged through the probit link,
// giving Phi(mu / sqrt(1 + sigma^2)).
func (c *Classifier) PredictProb(X *mat.Dense) (*mat.VecDense, error) {
	mean, variance, err := c.model.Predict(X)
	if err != nil {
		return nil, err
	}
	n := mean.Len()
	probs := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		z := mean.AtVec(i) / math.Sqrt(1+variance.AtVec(i))
		probs.SetVec(i, distuv.UnitNormal.CDF(z))
	}
	return probs, nil
}

// Model exposes the underlying regression model.
func (c *Classifier) Model() *Model {
	return c.model
}
