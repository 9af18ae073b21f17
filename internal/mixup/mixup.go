// Package mixup builds convex combinations of two aligned batches.
package mixup

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"imsat-forge/internal/divergence"
	"imsat-forge/internal/tensor"
)

// Sampler draws one mixing coefficient per sample from Beta(1, 1).
type Sampler struct {
	beta distuv.Beta
}

// New returns a sampler drawing from rng.
func New(rng *rand.Rand) *Sampler {
	return &Sampler{beta: distuv.Beta{Alpha: 1, Beta: 1, Src: rng}}
}

// Result is one mixed batch.
type Result struct {
	Images *tensor.Tensor
	Labels *mat.Dense // not renormalized
	Index  *mat.Dense // rows (alpha, 1-alpha)
}

// Mix returns alpha*a + (1-alpha)*b for images and predictions alike.
func (s *Sampler) Mix(img1 *tensor.Tensor, pred1 *mat.Dense, img2 *tensor.Tensor, pred2 *mat.Dense) (Result, error) {
	if err := divergence.CheckSimplex(pred1); err != nil {
		return Result{}, errors.Wrap(err, "mixup: first prediction")
	}
	if err := divergence.CheckSimplex(pred2); err != nil {
		return Result{}, errors.Wrap(err, "mixup: second prediction")
	}
	if !img1.SameShape(img2) {
		return Result{}, errors.Wrapf(tensor.ErrShapeMismatch, "mixup: images %v and %v", img1.Shape, img2.Shape)
	}
	n := img1.Batch()
	r1, c1 := pred1.Dims()
	r2, c2 := pred2.Dims()
	if r1 != n || r2 != n || c1 != c2 {
		return Result{}, errors.Errorf("mixup: predictions %dx%d and %dx%d for a batch of %d", r1, c1, r2, c2, n)
	}

	alpha := make([]float64, n)
	for i := range alpha {
		alpha[i] = s.beta.Rand()
	}

	images := tensor.New(img1.Shape...)
	for i, a := range alpha {
		mix(images.Row(i), a, img1.Row(i), img2.Row(i))
	}
	labels := mat.NewDense(n, c1, nil)
	index := mat.NewDense(n, 2, nil)
	for i, a := range alpha {
		mix(labels.RawRowView(i), a, pred1.RawRowView(i), pred2.RawRowView(i))
		index.Set(i, 0, a)
		index.Set(i, 1, 1-a)
	}

	if !images.SameShape(img1) {
		return Result{}, errors.Errorf("mixup: mixed images have shape %v", images.Shape)
	}
	if lr, lc := labels.Dims(); lr != r2 || lc != c2 {
		return Result{}, errors.Errorf("mixup: mixed labels are %dx%d", lr, lc)
	}
	if err := divergence.CheckSimplex(index); err != nil {
		return Result{}, errors.Wrap(err, "mixup: coefficient index")
	}
	return Result{Images: images, Labels: labels, Index: index}, nil
}

// mix writes a*x + (1-a)*y into dst. The conversions round each product
// separately, so no fused multiply-add is emitted.
func mix(dst []float64, a float64, x, y []float64) {
	for j := range dst {
		dst[j] = float64(a*x[j]) + float64((1-a)*y[j])
	}
}
