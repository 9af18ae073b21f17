// Package mi implements the IMSAT mutual-information clustering objective.
package mi

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"imsat-forge/internal/divergence"
)

// Eps stabilizes the logarithm inside the entropies.
const Eps = 1e-8

// IMSAT scores a batch of cluster assignments as H(mean p) - Mu * mean H(p).
// The first term rewards balanced clusters, the second confident samples.
type IMSAT struct {
	Mu float64
}

// Default returns the objective with the marginal/conditional trade-off used
// by the trainers when nothing is configured.
func Default() IMSAT { return IMSAT{Mu: 4} }

// Result carries the objective and its two entropies.
type Result struct {
	MI                 float64
	Entropy            float64 // marginal entropy H(mean p)
	ConditionalEntropy float64 // mean per-sample entropy
}

func entropy(p []float64) float64 {
	var h float64
	for _, v := range p {
		h -= v * math.Log(v+Eps)
	}
	return h
}

// d/dv of -v*log(v+eps)
func entropyGrad(v float64) float64 {
	return -math.Log(v+Eps) - v/(v+Eps)
}

func marginal(pred *mat.Dense) []float64 {
	r, c := pred.Dims()
	m := make([]float64, c)
	for i := 0; i < r; i++ {
		for j, v := range pred.RawRowView(i) {
			m[j] += v
		}
	}
	for j := range m {
		m[j] /= float64(r)
	}
	return m
}

// Evaluate computes the objective for one simplex prediction.
func (o IMSAT) Evaluate(pred *mat.Dense) (Result, error) {
	if err := divergence.CheckSimplex(pred); err != nil {
		return Result{}, errors.Wrap(err, "imsat")
	}
	r, _ := pred.Dims()
	var cond float64
	for i := 0; i < r; i++ {
		cond += entropy(pred.RawRowView(i))
	}
	cond /= float64(r)
	ent := entropy(marginal(pred))
	return Result{MI: ent - o.Mu*cond, Entropy: ent, ConditionalEntropy: cond}, nil
}

// Grad is the derivative of Result.MI with respect to pred.
func (o IMSAT) Grad(pred *mat.Dense) (*mat.Dense, error) {
	if err := divergence.CheckSimplex(pred); err != nil {
		return nil, errors.Wrap(err, "imsat")
	}
	r, c := pred.Dims()
	m := marginal(pred)
	g := mat.NewDense(r, c, nil)
	n := float64(r)
	for i := 0; i < r; i++ {
		row, gi := pred.RawRowView(i), g.RawRowView(i)
		for j := 0; j < c; j++ {
			gi[j] = (entropyGrad(m[j]) - o.Mu*entropyGrad(row[j])) / n
		}
	}
	return g, nil
}
