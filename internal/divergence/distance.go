// Package divergence holds the distance functions used to compare simplex
// predictions, together with their gradients with respect to the prediction.
package divergence

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Distance compares a prediction against a fixed target. Grad returns the
// derivative of Distance with respect to pred only; target is treated as
// detached.
type Distance interface {
	Name() string
	Distance(pred, target *mat.Dense) (float64, error)
	Grad(pred, target *mat.Dense) (*mat.Dense, error)
}

// ByName resolves the distance names accepted in configuration.
func ByName(name string) (Distance, error) {
	switch name {
	case "", "kl":
		return KL{}, nil
	case "mi":
		return IID{}, nil
	default:
		return nil, errors.Errorf("unknown distance %q (want kl or mi)", name)
	}
}

// KLEps is the stabilizer inside the KL logarithm.
const KLEps = 1e-16

// KL is the batch-mean Kullback-Leibler divergence KL(target || pred).
type KL struct{}

func (KL) Name() string { return "kl" }

func (KL) Distance(pred, target *mat.Dense) (float64, error) {
	if err := checkPair(pred, target); err != nil {
		return 0, err
	}
	r, c := pred.Dims()
	var sum float64
	for i := 0; i < r; i++ {
		p, t := pred.RawRowView(i), target.RawRowView(i)
		for j := 0; j < c; j++ {
			sum -= t[j] * math.Log((p[j]+KLEps)/(t[j]+KLEps))
		}
	}
	return sum / float64(r), nil
}

func (KL) Grad(pred, target *mat.Dense) (*mat.Dense, error) {
	if err := checkPair(pred, target); err != nil {
		return nil, err
	}
	r, c := pred.Dims()
	g := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		p, t, gi := pred.RawRowView(i), target.RawRowView(i), g.RawRowView(i)
		for j := 0; j < c; j++ {
			gi[j] = -t[j] / (p[j] + KLEps) / float64(r)
		}
	}
	return g, nil
}

func checkPair(pred, target *mat.Dense) error {
	if err := CheckSimplex(pred); err != nil {
		return errors.Wrap(err, "pred")
	}
	if err := CheckSimplex(target); err != nil {
		return errors.Wrap(err, "target")
	}
	pr, pc := pred.Dims()
	tr, tc := target.Dims()
	if pr != tr || pc != tc {
		return errors.Errorf("divergence: pred is %dx%d, target is %dx%d", pr, pc, tr, tc)
	}
	return nil
}

// MeanOverHeads averages d over aligned sub-head predictions and returns the
// per-head gradients already divided by the number of heads.
func MeanOverHeads(d Distance, preds, targets []*mat.Dense) (float64, []*mat.Dense, error) {
	if len(preds) != len(targets) || len(preds) == 0 {
		return 0, nil, errors.Errorf("divergence: %d predictions for %d targets", len(preds), len(targets))
	}
	h := float64(len(preds))
	var total float64
	grads := make([]*mat.Dense, len(preds))
	for i := range preds {
		v, err := d.Distance(preds[i], targets[i])
		if err != nil {
			return 0, nil, errors.Wrapf(err, "sub-head %d", i)
		}
		g, err := d.Grad(preds[i], targets[i])
		if err != nil {
			return 0, nil, errors.Wrapf(err, "sub-head %d", i)
		}
		g.Scale(1/h, g)
		total += v
		grads[i] = g
	}
	return total / h, grads, nil
}
