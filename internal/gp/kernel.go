package gp

import (
	"fmt"
	"math"
)

// Kernel is a covariance function between input points. Hyperparameters
// are ordered [lengthScale, signalVariance] for every kernel in this
// package.
type Kernel interface {
	// Eval computes the covariance between x1 and x2.
	Eval(x1, x2 []float64) float64

	// Hyperparameters returns a copy of the current hyperparameters.
	Hyperparameters() []float64

	// SetHyperparameters replaces the hyperparameters.
	SetHyperparameters(params []float64) error

	// Clone returns an independent copy of the kernel. The length-scale
	// tuner mutates clones so concurrent fits never share state.
	Clone() Kernel
}

func checkKernelParams(params []float64) error {
	if len(params) != 2 {
		return fmt.Errorf("expected 2 hyperparameters, got %d", len(params))
	}
	if params[0] <= 0 || params[1] <= 0 {
		return fmt.Errorf("hyperparameters must be positive, got %v", params)
	}
	return nil
}

func sqDist(x1, x2 []float64) float64 {
	var s float64
	for i := range x1 {
		d := x1[i] - x2[i]
		s += d * d
	}
	return s
}

// RBF is the squared exponential covariance function.
type RBF struct {
	lengthScale float64
	signalVar   float64
}

// NewRBF creates an RBF kernel. Both parameters must be positive.
func NewRBF(lengthScale, signalVar float64) (*RBF, error) {
	k := &RBF{}
	if err := k.SetHyperparameters([]float64{lengthScale, signalVar}); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *RBF) Eval(x1, x2 []float64) float64 {
	return k.signalVar * math.Exp(-sqDist(x1, x2)/(2*k.lengthScale*k.lengthScale))
}

func (k *RBF) Hyperparameters() []float64 {
	return []float64{k.lengthScale, k.signalVar}
}

func (k *RBF) SetHyperparameters(params []float64) error {
	if err := checkKernelParams(params); err != nil {
		return err
	}
	k.lengthScale, k.signalVar = params[0], params[1]
	return nil
}

func (k *RBF) Clone() Kernel {
	c := *k
	return &c
}

// Matern52 is the Matérn covariance function with smoothness 5/2.
type Matern52 struct {
	lengthScale float64
	signalVar   float64
}

// NewMatern52 creates a Matérn 5/2 kernel. Both parameters must be positive.
func NewMatern52(lengthScale, signalVar float64) (*Matern52, error) {
	k := &Matern52{}
	if err := k.SetHyperparameters([]float64{lengthScale, signalVar}); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *Matern52) Eval(x1, x2 []float64) float64 {
	r := math.Sqrt(sqDist(x1, x2)) / k.lengthScale
	s5r := math.Sqrt(5) * r
	return k.signalVar * (1 + s5r + 5.0/3.0*r*r) * math.Exp(-s5r)
}

func (k *Matern52) Hyperparameters() []float64 {
	return []float64{k.lengthScale, k.signalVar}
}

func (k *Matern52) SetHyperparameters(params []float64) error {
	if err := checkKernelParams(params); err != nil {
		return err
	}
	k.lengthScale, k.signalVar = params[0], params[1]
	return nil
}

func (k *Matern52) Clone() Kernel {
	c := *k
	return &c
}

// NewKernel constructs a kernel by name ("rbf" or "matern52").
func NewKernel(name string, lengthScale, signalVar float64) (Kernel, error) {
	switch name {
	case "rbf":
		return NewRBF(lengthScale, signalVar)
	case "matern52":
		return NewMatern52(lengthScale, signalVar)
	default:
		return nil, fmt.Errorf("unknown kernel %q", name)
	}
}
