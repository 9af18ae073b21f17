package divergence

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// IIDEps is the floor applied to joint and marginal probabilities.
const IIDEps = 2.220446049250313e-16

// IID is the invariant-information mutual-information loss between two
// cluster assignments of the same samples. Its value is the negative mutual
// information of the symmetrized joint distribution, so lower is better.
type IID struct {
	// Lambda weighs the marginal entropy terms; zero means 1.
	Lambda float64
}

func (IID) Name() string { return "mi" }

func (d IID) lambda() float64 {
	if d.Lambda == 0 {
		return 1
	}
	return d.Lambda
}

type joint struct {
	q      *mat.Dense // symmetrized, unnormalized
	s      float64
	p      *mat.Dense // normalized, unclamped
	pi, pj []float64  // unclamped marginals
}

func newJoint(x, y *mat.Dense) (*joint, error) {
	if err := checkPair(x, y); err != nil {
		return nil, err
	}
	_, k := x.Dims()
	var j mat.Dense
	j.Mul(x.T(), y)
	q := mat.NewDense(k, k, nil)
	q.Add(&j, j.T())
	q.Scale(0.5, q)
	s := mat.Sum(q)
	if s <= 0 {
		return nil, errors.Errorf("divergence: joint distribution has mass %v", s)
	}
	p := mat.NewDense(k, k, nil)
	p.Scale(1/s, q)
	jt := &joint{q: q, s: s, p: p, pi: make([]float64, k), pj: make([]float64, k)}
	for a := 0; a < k; a++ {
		for b := 0; b < k; b++ {
			v := p.At(a, b)
			jt.pi[a] += v
			jt.pj[b] += v
		}
	}
	return jt, nil
}

func clamp(v float64) float64 {
	if v < IIDEps {
		return IIDEps
	}
	return v
}

func (d IID) Distance(pred, target *mat.Dense) (float64, error) {
	jt, err := newJoint(pred, target)
	if err != nil {
		return 0, err
	}
	lamb := d.lambda()
	k := len(jt.pi)
	var loss float64
	for a := 0; a < k; a++ {
		for b := 0; b < k; b++ {
			pab := clamp(jt.p.At(a, b))
			loss -= pab * (math.Log(pab) - lamb*math.Log(clamp(jt.pj[b])) - lamb*math.Log(clamp(jt.pi[a])))
		}
	}
	return loss, nil
}

func (d IID) Grad(pred, target *mat.Dense) (*mat.Dense, error) {
	jt, err := newJoint(pred, target)
	if err != nil {
		return nil, err
	}
	lamb := d.lambda()
	k := len(jt.pi)

	// clamped row and column mass feeding the marginal terms
	rowMass := make([]float64, k)
	colMass := make([]float64, k)
	for a := 0; a < k; a++ {
		for b := 0; b < k; b++ {
			c := clamp(jt.p.At(a, b))
			rowMass[a] += c
			colMass[b] += c
		}
	}

	g := mat.NewDense(k, k, nil)
	for a := 0; a < k; a++ {
		for b := 0; b < k; b++ {
			var v float64
			if pab := jt.p.At(a, b); pab >= IIDEps {
				v = -(math.Log(pab) + 1) + lamb*math.Log(clamp(jt.pj[b])) + lamb*math.Log(clamp(jt.pi[a]))
			}
			if jt.pj[b] >= IIDEps {
				v += lamb * colMass[b] / jt.pj[b]
			}
			if jt.pi[a] >= IIDEps {
				v += lamb * rowMass[a] / jt.pi[a]
			}
			g.Set(a, b, v)
		}
	}

	// back through normalization and symmetrization
	dS := -floats.Dot(g.RawMatrix().Data, jt.q.RawMatrix().Data) / (jt.s * jt.s)
	h := mat.NewDense(k, k, nil)
	h.Add(g, g.T())
	h.Scale(1/(2*jt.s), h)
	h.Apply(func(_, _ int, v float64) float64 { return v + dS }, h)

	var grad mat.Dense
	grad.Mul(target, h.T())
	return &grad, nil
}
