package vat

import (
	"github.com/pkg/errors"
)

// ErrUnsupportedEps is returned for eps values that are neither a scalar nor a
// per-sample list.
var ErrUnsupportedEps = errors.New("vat: eps should be a scalar or a per-sample list")

// Eps is the adversarial radius, either one scalar for the whole batch or
// one value per sample.
type Eps struct {
	scalar    float64
	perSample []float64
}

// Scalar returns a batch-wide radius.
func Scalar(v float64) Eps { return Eps{scalar: v} }

// PerSample returns a radius per sample. The slice is copied.
func PerSample(v []float64) Eps { return Eps{perSample: append(make([]float64, 0, len(v)), v...)} }

// IsPerSample reports whether e carries one radius per sample.
func (e Eps) IsPerSample() bool { return e.perSample != nil }

// ParseEps accepts the shapes an eps can take in decoded configuration.
func ParseEps(v interface{}) (Eps, error) {
	switch x := v.(type) {
	case float64:
		return Scalar(x), nil
	case float32:
		return Scalar(float64(x)), nil
	case int:
		return Scalar(float64(x)), nil
	case int64:
		return Scalar(float64(x)), nil
	case []float64:
		if len(x) == 0 {
			return Eps{}, errors.Wrap(ErrUnsupportedEps, "empty per-sample list")
		}
		return PerSample(x), nil
	case []interface{}:
		if len(x) == 0 {
			return Eps{}, errors.Wrap(ErrUnsupportedEps, "empty per-sample list")
		}
		vals := make([]float64, len(x))
		for i, item := range x {
			s, err := ParseEps(item)
			if err != nil || s.IsPerSample() {
				return Eps{}, errors.Wrapf(ErrUnsupportedEps, "element %d is %T", i, item)
			}
			vals[i] = s.scalar
		}
		return PerSample(vals), nil
	default:
		return Eps{}, errors.Wrapf(ErrUnsupportedEps, "given %T (%v)", v, v)
	}
}

// scales expands e to one multiplier per sample of a batch of n.
func (e Eps) scales(n int) ([]float64, error) {
	out := make([]float64, n)
	if !e.IsPerSample() {
		for i := range out {
			out[i] = e.scalar
		}
		return out, nil
	}
	if len(e.perSample) != n {
		return nil, errors.Errorf("vat: %d per-sample eps values for a batch of %d", len(e.perSample), n)
	}
	copy(out, e.perSample)
	return out, nil
}
