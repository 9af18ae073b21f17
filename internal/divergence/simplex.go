package divergence

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrNotSimplex marks a prediction that is not a probability vector per row.
var ErrNotSimplex = errors.New("divergence: prediction is not a simplex")

// SimplexTolerance bounds the deviation of a row sum from one.
const SimplexTolerance = 1e-4

// CheckSimplex verifies that every row of p is non-negative and sums to one.
func CheckSimplex(p *mat.Dense) error {
	if p == nil {
		return errors.Wrap(ErrNotSimplex, "nil prediction")
	}
	r, _ := p.Dims()
	for i := 0; i < r; i++ {
		row := p.RawRowView(i)
		if floats.Min(row) < 0 {
			return errors.Wrapf(ErrNotSimplex, "row %d has a negative entry", i)
		}
		if s := floats.Sum(row); math.Abs(s-1) > SimplexTolerance {
			return errors.Wrapf(ErrNotSimplex, "row %d sums to %v", i, s)
		}
	}
	return nil
}

// CheckSimplexList verifies every head of a multi-head prediction.
func CheckSimplexList(preds []*mat.Dense) error {
	if len(preds) == 0 {
		return errors.Wrap(ErrNotSimplex, "empty prediction list")
	}
	for h, p := range preds {
		if err := CheckSimplex(p); err != nil {
			return errors.Wrapf(err, "sub-head %d", h)
		}
	}
	return nil
}
