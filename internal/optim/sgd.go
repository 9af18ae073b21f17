// Package optim updates model parameters from their accumulated gradients.
package optim

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"imsat-forge/internal/model"
)

// SGD is stochastic gradient descent with heavy-ball momentum and L2 weight
// decay.
type SGD struct {
	LR          float64
	Momentum    float64
	WeightDecay float64

	velocity map[*model.Param][]float64
}

func (o *SGD) validate() error {
	if o.LR <= 0 || math.IsNaN(o.LR) {
		return errors.Errorf("optim: learning rate must be > 0 (got %g)", o.LR)
	}
	if o.Momentum < 0 || o.Momentum >= 1 {
		return errors.Errorf("optim: momentum must be in [0, 1) (got %g)", o.Momentum)
	}
	if o.WeightDecay < 0 {
		return errors.Errorf("optim: weight decay must be >= 0 (got %g)", o.WeightDecay)
	}
	return nil
}

// Step moves every parameter against its gradient. Gradients are left as they
// are; the caller zeroes them before the next batch.
func (o *SGD) Step(params []*model.Param) error {
	if err := o.validate(); err != nil {
		return err
	}
	if o.velocity == nil {
		o.velocity = make(map[*model.Param][]float64)
	}
	for _, p := range params {
		if len(p.Grad) != len(p.Value) {
			return errors.Errorf("optim: %s has %d gradients for %d values", p.Name, len(p.Grad), len(p.Value))
		}
		g := append([]float64(nil), p.Grad...)
		if o.WeightDecay != 0 {
			floats.AddScaled(g, o.WeightDecay, p.Value)
		}
		if o.Momentum != 0 {
			v, ok := o.velocity[p]
			if !ok {
				v = make([]float64, len(g))
				o.velocity[p] = v
			}
			floats.Scale(o.Momentum, v)
			floats.Add(v, g)
			g = v
		}
		floats.AddScaled(p.Value, -o.LR, g)
	}
	return nil
}

// StepSchedule decays a base learning rate by Gamma every StepSize epochs.
type StepSchedule struct {
	Base     float64
	StepSize int
	Gamma    float64
}

// Value returns the learning rate for a zero-based epoch.
func (s StepSchedule) Value(epoch int) float64 {
	if s.StepSize <= 0 || s.Gamma == 0 {
		return s.Base
	}
	return s.Base * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}
