package optim

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"

	"imsat-forge/internal/model"
)

func TestSGDPlainStep(t *testing.T) {
	p := &model.Param{Name: "w", Value: []float64{1, -2}, Grad: []float64{0.5, -1}}
	o := &SGD{LR: 0.1}
	if err := o.Step([]*model.Param{p}); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !floats.EqualApprox(p.Value, []float64{0.95, -1.9}, 1e-12) {
		t.Fatalf("unexpected values %v", p.Value)
	}
}

func TestSGDMomentumAndDecay(t *testing.T) {
	p := &model.Param{Name: "w", Value: []float64{1}, Grad: []float64{1}}
	o := &SGD{LR: 0.1, Momentum: 0.9, WeightDecay: 0.5}
	// g = 1 + 0.5*1 = 1.5, v = 1.5, w = 1 - 0.15
	if err := o.Step([]*model.Param{p}); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if math.Abs(p.Value[0]-0.85) > 1e-12 {
		t.Fatalf("first step %g", p.Value[0])
	}
	// g = 1 + 0.425, v = 0.9*1.5 + 1.425 = 2.775
	if err := o.Step([]*model.Param{p}); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if math.Abs(p.Value[0]-(0.85-0.2775)) > 1e-12 {
		t.Fatalf("second step %g", p.Value[0])
	}
}

func TestSGDRejectsBadSettings(t *testing.T) {
	p := &model.Param{Name: "w", Value: []float64{1}, Grad: []float64{1}}
	for _, o := range []*SGD{{LR: 0}, {LR: 0.1, Momentum: 1}, {LR: 0.1, WeightDecay: -1}} {
		if err := o.Step([]*model.Param{p}); err == nil {
			t.Fatalf("expected error for %+v", o)
		}
	}
	bad := &model.Param{Name: "b", Value: []float64{1, 2}, Grad: []float64{1}}
	if err := (&SGD{LR: 0.1}).Step([]*model.Param{bad}); err == nil {
		t.Fatal("expected gradient length error")
	}
}

func TestStepSchedule(t *testing.T) {
	s := StepSchedule{Base: 0.1, StepSize: 10, Gamma: 0.5}
	cases := map[int]float64{0: 0.1, 9: 0.1, 10: 0.05, 25: 0.025}
	for epoch, want := range cases {
		if got := s.Value(epoch); math.Abs(got-want) > 1e-15 {
			t.Fatalf("epoch %d: lr %g want %g", epoch, got, want)
		}
	}
	if got := (StepSchedule{Base: 0.3}).Value(100); got != 0.3 {
		t.Fatalf("constant schedule gave %g", got)
	}
}
