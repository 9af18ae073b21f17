package model

import (
	"gonum.org/v1/gonum/mat"

	"imsat-forge/internal/tensor"
)

// Model is a differentiable clustering network. Each call selects one head
// and returns one simplex prediction per sub-head of that head.
type Model interface {
	Forward(x *tensor.Tensor, head string) ([]*mat.Dense, error)

	// InputGradient returns d(sum_h <grads[h], out[h]>)/dx at x without
	// touching parameter gradients. A nil entry in grads counts as zero.
	InputGradient(x *tensor.Tensor, head string, grads []*mat.Dense) (*tensor.Tensor, error)

	// Backward accumulates the parameter gradients of the same quantity.
	Backward(x *tensor.Tensor, head string, grads []*mat.Dense) error

	Params() []*Param
	ZeroGrad()

	// Apply calls fn on the model and on every submodule.
	Apply(fn func(Module))

	Heads() []string
}

// Module is anything reachable through Model.Apply.
type Module interface {
	Name() string
}

// StatsTracker is implemented by modules that accumulate running batch
// statistics.
type StatsTracker interface {
	TrackRunningStats() bool
	SetTrackRunningStats(bool)
}

// ModeSwitcher is implemented by modules that behave differently when
// training and when evaluating.
type ModeSwitcher interface {
	SetTraining(on bool)
}

// SetTraining switches every module of m that has a training mode.
func SetTraining(m Model, on bool) {
	m.Apply(func(mod Module) {
		if ms, ok := mod.(ModeSwitcher); ok {
			ms.SetTraining(on)
		}
	})
}

// Param is a trainable tensor with its accumulated gradient.
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

func newParam(name string, n int) *Param {
	return &Param{Name: name, Value: make([]float64, n), Grad: make([]float64, n)}
}

func (p *Param) zeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// ToggleStatsTracking inverts the tracking flag of every submodule that has
// one. Calling it twice restores the original state.
func ToggleStatsTracking(m Model) {
	m.Apply(func(mod Module) {
		if st, ok := mod.(StatsTracker); ok {
			st.SetTrackRunningStats(!st.TrackRunningStats())
		}
	})
}

// TrackingState lists the tracking flag of every StatsTracker in Apply order.
func TrackingState(m Model) []bool {
	var state []bool
	m.Apply(func(mod Module) {
		if st, ok := mod.(StatsTracker); ok {
			state = append(state, st.TrackRunningStats())
		}
	})
	return state
}
