package model

import (
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"imsat-forge/internal/tensor"
)

func TestTapeReplaysOnlySeededCalls(t *testing.T) {
	c := newTestClusterer(t)
	rng := rand.New(rand.NewPCG(6, 1))
	x1 := tensor.Randn(rng, 4, 6)
	x2 := tensor.Randn(rng, 4, 6)

	var tape Tape
	call1, err := tape.Forward(c, x1, "B")
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if _, err := tape.Forward(c, x2, "B"); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	gs := randomGrads(rng, 4, call1.Outputs)
	if err := call1.SeedAll(gs, 2); err != nil {
		t.Fatalf("SeedAll: %v", err)
	}

	c.ZeroGrad()
	if err := tape.Backward(c); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	fromTape := make([][]float64, 0)
	for _, p := range c.Params() {
		fromTape = append(fromTape, append([]float64(nil), p.Grad...))
	}

	scaled := make([]*mat.Dense, len(gs))
	for i, g := range gs {
		var s mat.Dense
		s.Scale(2, g)
		scaled[i] = &s
	}
	c.ZeroGrad()
	if err := c.Backward(x1, "B", scaled); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	for i, p := range c.Params() {
		if !floats.EqualApprox(fromTape[i], p.Grad, 1e-12) {
			t.Fatalf("param %s: tape replay differs from direct backward", p.Name)
		}
	}
	if tape.Len() != 2 {
		t.Fatalf("expected 2 recorded calls, got %d", tape.Len())
	}
	tape.Reset()
	if tape.Len() != 0 {
		t.Fatal("Reset did not clear the tape")
	}
}

func TestSeedRejectsBadGradient(t *testing.T) {
	c := newTestClusterer(t)
	var tape Tape
	call, err := tape.Forward(c, tensor.New(3, 6), "A")
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if err := call.Seed(1, mat.NewDense(3, 4, nil), 1); err == nil {
		t.Fatal("expected out-of-range sub-head error")
	}
	if err := call.Seed(0, mat.NewDense(2, 4, nil), 1); err == nil {
		t.Fatal("expected shape error")
	}
}
