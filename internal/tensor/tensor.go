package tensor

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ErrShapeMismatch is returned when two tensors that must line up do not.
var ErrShapeMismatch = errors.New("tensor: shape mismatch")

// Tensor is a dense row-major batch. The leading dimension is always the batch.
type Tensor struct {
	Shape []int
	Data  []float64
}

// New allocates a zeroed tensor of the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, volume(shape))}
}

// FromData wraps data without copying it.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	if len(shape) == 0 {
		return nil, errors.Errorf("tensor: empty shape")
	}
	if v := volume(shape); v != len(data) {
		return nil, errors.Wrapf(ErrShapeMismatch, "shape %v needs %d values, got %d", shape, v, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Randn fills a new tensor with standard normal samples drawn from rng.
func Randn(rng *rand.Rand, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()
	}
	return t
}

func volume(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Batch is the size of the leading dimension.
func (t *Tensor) Batch() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// SampleSize is the number of values per sample (all non-batch dimensions flattened).
func (t *Tensor) SampleSize() int {
	if len(t.Shape) < 2 {
		return 1
	}
	return volume(t.Shape[1:])
}

// Row returns the flattened values of sample i. The slice aliases t.Data.
func (t *Tensor) Row(i int) []float64 {
	n := t.SampleSize()
	return t.Data[i*n : (i+1)*n]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float64(nil), t.Data...)}
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// AddScaled returns t + alpha*o as a new tensor.
func (t *Tensor) AddScaled(alpha float64, o *Tensor) (*Tensor, error) {
	if !t.SameShape(o) {
		return nil, errors.Wrapf(ErrShapeMismatch, "add %v and %v", t.Shape, o.Shape)
	}
	out := t.Clone()
	floats.AddScaled(out.Data, alpha, o.Data)
	return out, nil
}

// Scale multiplies every value in place and returns t.
func (t *Tensor) Scale(c float64) *Tensor {
	floats.Scale(c, t.Data)
	return t
}

// ScaleRows multiplies sample i by c[i] in place.
func (t *Tensor) ScaleRows(c []float64) error {
	if len(c) != t.Batch() {
		return errors.Wrapf(ErrShapeMismatch, "%d row scales for batch of %d", len(c), t.Batch())
	}
	for i, ci := range c {
		floats.Scale(ci, t.Row(i))
	}
	return nil
}

// FlipBatch returns a copy with the sample order reversed.
func (t *Tensor) FlipBatch() *Tensor {
	out := New(t.Shape...)
	b := t.Batch()
	for i := 0; i < b; i++ {
		copy(out.Row(i), t.Row(b-1-i))
	}
	return out
}
