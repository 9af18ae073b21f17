package model

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"imsat-forge/internal/tensor"
)

// Call is one recorded forward pass and the output gradients seeded into it.
type Call struct {
	Input   *tensor.Tensor
	Head    string
	Outputs []*mat.Dense
	grads   []*mat.Dense
}

// Seed adds scale*g to the gradient of sub-head h.
func (c *Call) Seed(h int, g *mat.Dense, scale float64) error {
	if h < 0 || h >= len(c.Outputs) {
		return errors.Errorf("tape: sub-head %d out of range [0,%d)", h, len(c.Outputs))
	}
	r, k := c.Outputs[h].Dims()
	gr, gk := g.Dims()
	if r != gr || k != gk {
		return errors.Errorf("tape: gradient is %dx%d, output is %dx%d", gr, gk, r, k)
	}
	if c.grads[h] == nil {
		c.grads[h] = mat.NewDense(r, k, nil)
	}
	var s mat.Dense
	s.Scale(scale, g)
	c.grads[h].Add(c.grads[h], &s)
	return nil
}

// SeedAll seeds one gradient per sub-head.
func (c *Call) SeedAll(gs []*mat.Dense, scale float64) error {
	if len(gs) != len(c.Outputs) {
		return errors.Errorf("tape: %d gradients for %d sub-heads", len(gs), len(c.Outputs))
	}
	for h, g := range gs {
		if err := c.Seed(h, g, scale); err != nil {
			return err
		}
	}
	return nil
}

func (c *Call) seeded() bool {
	for _, g := range c.grads {
		if g != nil {
			return true
		}
	}
	return false
}

// Tape records the differentiable model calls made while one loss is built.
// Calls that are never seeded contribute nothing on Backward.
type Tape struct {
	calls []*Call
}

// Forward runs m on x and records the call.
func (t *Tape) Forward(m Model, x *tensor.Tensor, head string) (*Call, error) {
	out, err := m.Forward(x, head)
	if err != nil {
		return nil, err
	}
	c := &Call{Input: x, Head: head, Outputs: out, grads: make([]*mat.Dense, len(out))}
	t.calls = append(t.calls, c)
	return c, nil
}

// Len is the number of recorded calls.
func (t *Tape) Len() int { return len(t.calls) }

// Backward replays every seeded call into m.Backward.
func (t *Tape) Backward(m Model) error {
	for i, c := range t.calls {
		if !c.seeded() {
			continue
		}
		if err := m.Backward(c.Input, c.Head, c.grads); err != nil {
			return errors.Wrapf(err, "tape: backward of call %d", i)
		}
	}
	return nil
}

// Reset drops all recorded calls.
func (t *Tape) Reset() {
	t.calls = t.calls[:0]
}
