package tensor

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ErrZeroNorm is returned when a sample has no direction to normalize.
var ErrZeroNorm = errors.New("tensor: zero-norm sample")

// normTolerance is the relative tolerance of the post-normalization check.
const normTolerance = 1e-3

// L2Normalize scales every sample of d in place to unit L2 norm, with all
// non-batch dimensions flattened, and returns d. No stabilizer is added to the
// norm; a sample whose norm is zero (or not finite) yields ErrZeroNorm rather
// than NaNs.
func L2Normalize(d *Tensor) (*Tensor, error) {
	for i := 0; i < d.Batch(); i++ {
		row := d.Row(i)
		n := floats.Norm(row, 2)
		if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, errors.Wrapf(ErrZeroNorm, "sample %d has norm %v", i, n)
		}
		floats.Scale(1/n, row)
	}
	if err := CheckUnitRows(d); err != nil {
		return nil, err
	}
	return d, nil
}

// CheckUnitRows verifies that every sample of d has unit L2 norm.
func CheckUnitRows(d *Tensor) error {
	for i := 0; i < d.Batch(); i++ {
		n := floats.Norm(d.Row(i), 2)
		if math.Abs(n-1) > normTolerance {
			return errors.Errorf("tensor: sample %d has norm %v after normalization", i, n)
		}
	}
	return nil
}
