package tensor

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

func TestL2NormalizeUnitRows(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	for _, shape := range [][]int{{4, 1, 8, 8}, {1, 3}, {7, 2, 5}} {
		d := Randn(rng, shape...)
		// stretch samples to very different magnitudes
		for i := 0; i < d.Batch(); i++ {
			floats.Scale(math.Pow(10, float64(i-2)), d.Row(i))
		}
		if _, err := L2Normalize(d); err != nil {
			t.Fatalf("shape %v: %v", shape, err)
		}
		for i := 0; i < d.Batch(); i++ {
			if n := floats.Norm(d.Row(i), 2); math.Abs(n-1) > 1e-3 {
				t.Fatalf("shape %v sample %d norm %f", shape, i, n)
			}
		}
	}
}

func TestL2NormalizeZeroSample(t *testing.T) {
	d := New(2, 3)
	d.Data[0] = 1
	_, err := L2Normalize(d)
	if errors.Cause(err) != ErrZeroNorm {
		t.Fatalf("expected ErrZeroNorm, got %v", err)
	}
}

func TestFlipBatch(t *testing.T) {
	x, err := FromData([]float64{1, 2, 3, 4, 5, 6}, 3, 2)
	if err != nil {
		t.Fatalf("FromData: %v", err)
	}
	f := x.FlipBatch()
	want := []float64{5, 6, 3, 4, 1, 2}
	if !floats.Equal(f.Data, want) {
		t.Fatalf("flip got %v want %v", f.Data, want)
	}
	if x.Data[0] != 1 {
		t.Fatalf("flip mutated its input")
	}
}

func TestAddScaledShapeMismatch(t *testing.T) {
	_, err := New(2, 3).AddScaled(1, New(3, 2))
	if errors.Cause(err) != ErrShapeMismatch {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestFromDataRejectsWrongLength(t *testing.T) {
	if _, err := FromData(make([]float64, 5), 2, 3); err == nil {
		t.Fatal("expected error for mismatched data length")
	}
}
