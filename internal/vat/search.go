// Package vat implements the virtual adversarial direction search: a
// perturbation of the input, of fixed radius, along which the model's
// prediction moves furthest from its prediction on the clean input.
package vat

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"imsat-forge/internal/divergence"
	"imsat-forge/internal/model"
	"imsat-forge/internal/tensor"
)

// Search holds the VAT hyperparameters.
type Search struct {
	Xi       float64 // finite-difference step used while refining d
	Eps      Eps
	PropEps  float64
	IP       int // power iterations
	Distance divergence.Distance
	Rand     *rand.Rand
}

// New returns a search with xi=10, eps=1, prop_eps=0.25, one iteration and KL.
func New(rng *rand.Rand) *Search {
	return &Search{
		Xi:       10,
		Eps:      Scalar(1),
		PropEps:  0.25,
		IP:       1,
		Distance: divergence.KL{},
		Rand:     rng,
	}
}

// Result is the outcome of one search.
type Result struct {
	Loss      float64
	Perturbed *tensor.Tensor // images + RAdv
	RAdv      *tensor.Tensor

	// Call is the recorded forward pass on Perturbed (nil without a tape) and
	// Grads the gradient of Loss with respect to its outputs.
	Call  *model.Call
	Grads []*mat.Dense
}

// Run searches an adversarial perturbation of images and returns the
// divergence it causes. Running-statistics tracking of m is inverted for the
// duration of the search and restored on every exit path.
func (s *Search) Run(m model.Model, images *tensor.Tensor, head string, tape *model.Tape) (Result, error) {
	if s.Distance == nil || s.Rand == nil {
		return Result{}, errors.New("vat: search needs a distance and a random source")
	}
	if s.IP < 0 {
		return Result{}, errors.Errorf("vat: ip must be >= 0 (got %d)", s.IP)
	}
	scales, err := s.Eps.scales(images.Batch())
	if err != nil {
		return Result{}, err
	}

	pred, err := m.Forward(images, head)
	if err != nil {
		return Result{}, errors.Wrap(err, "vat: clean forward")
	}
	if err := divergence.CheckSimplexList(pred); err != nil {
		return Result{}, errors.Wrap(err, "vat: clean prediction")
	}

	d, err := tensor.L2Normalize(tensor.Randn(s.Rand, images.Shape...))
	if err != nil {
		return Result{}, errors.Wrap(err, "vat: initial direction")
	}
	return s.search(m, images, head, tape, pred, scales, d)
}

// search refines the unit direction d and scores the perturbation it yields.
func (s *Search) search(m model.Model, images *tensor.Tensor, head string, tape *model.Tape, pred []*mat.Dense, scales []float64, d *tensor.Tensor) (Result, error) {
	var res Result
	var err error
	err = withoutStatsTracking(m, func() error {
		for it := 0; it < s.IP; it++ {
			if d, err = s.refine(m, images, d, pred, head); err != nil {
				return errors.Wrapf(err, "vat: iteration %d", it)
			}
		}

		for i := range scales {
			scales[i] *= s.PropEps
		}
		rAdv := d.Clone()
		if err := rAdv.ScaleRows(scales); err != nil {
			return err
		}
		perturbed, err := images.AddScaled(1, rAdv)
		if err != nil {
			return err
		}

		var predHat []*mat.Dense
		var call *model.Call
		if tape != nil {
			if call, err = tape.Forward(m, perturbed, head); err == nil {
				predHat = call.Outputs
			}
		} else {
			predHat, err = m.Forward(perturbed, head)
		}
		if err != nil {
			return errors.Wrap(err, "vat: adversarial forward")
		}
		if err := divergence.CheckSimplexList(predHat); err != nil {
			return errors.Wrap(err, "vat: adversarial prediction")
		}
		loss, grads, err := divergence.MeanOverHeads(s.Distance, predHat, pred)
		if err != nil {
			return errors.Wrap(err, "vat: local distributional smoothness")
		}
		res = Result{Loss: loss, Perturbed: perturbed.Clone(), RAdv: rAdv, Call: call, Grads: grads}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if klog.V(3).Enabled() {
		klog.Infof("vat: head=%s ip=%d xi=%g lds=%.6f", head, s.IP, s.Xi, res.Loss)
	}
	return res, nil
}

// refine takes one power-iteration step: the normalized gradient of the
// divergence at images + xi*d with respect to d.
func (s *Search) refine(m model.Model, images, d *tensor.Tensor, pred []*mat.Dense, head string) (*tensor.Tensor, error) {
	perturbed, err := images.AddScaled(s.Xi, d)
	if err != nil {
		return nil, err
	}
	predHat, err := m.Forward(perturbed, head)
	if err != nil {
		return nil, err
	}
	if err := divergence.CheckSimplexList(predHat); err != nil {
		return nil, err
	}
	_, grads, err := divergence.MeanOverHeads(s.Distance, predHat, pred)
	if err != nil {
		return nil, err
	}
	g, err := m.InputGradient(perturbed, head, grads)
	if err != nil {
		return nil, err
	}
	// chain rule through perturbed = images + xi*d
	return tensor.L2Normalize(g.Scale(s.Xi))
}

// withoutStatsTracking inverts the tracking flags around fn and restores them
// even if fn panics.
func withoutStatsTracking(m model.Model, fn func() error) error {
	model.ToggleStatsTracking(m)
	defer model.ToggleStatsTracking(m)
	return fn()
}
