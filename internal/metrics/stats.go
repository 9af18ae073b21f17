package metrics

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// Window accumulates timing stats across multiple steps.
type Window struct {
	samples  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lastLoss float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lastLoss = loss
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	snap.LastLoss = w.lastLoss

	*w = Window{}
	return snap
}

// Snapshot represents loggable throughput metrics.
type Snapshot struct {
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	LastLoss     float64
}

// Meter averages the values added to it since the last Reset.
type Meter struct {
	values []float64
}

func (m *Meter) Add(v float64) { m.values = append(m.values, v) }

func (m *Meter) Reset() { m.values = m.values[:0] }

// Summary of a meter. Std is the unbiased sample deviation and is zero for
// fewer than two values.
type Summary struct {
	Mean  float64
	Std   float64
	Count int
}

func (m *Meter) Summary() Summary {
	s := Summary{Count: len(m.values)}
	switch len(m.values) {
	case 0:
	case 1:
		s.Mean = m.values[0]
	default:
		s.Mean, s.Std = stat.MeanStdDev(m.values, nil)
	}
	return s
}

// Registry holds the named meters of one trainer.
type Registry struct {
	meters map[string]*Meter
}

func NewRegistry() *Registry {
	return &Registry{meters: map[string]*Meter{}}
}

// Register adds meters by name. A name may only be registered once.
func (r *Registry) Register(names ...string) error {
	for _, name := range names {
		if name == "" {
			return errors.New("metrics: empty meter name")
		}
		if _, ok := r.meters[name]; ok {
			return errors.Errorf("metrics: meter %q registered twice", name)
		}
		r.meters[name] = &Meter{}
	}
	return nil
}

// Add records v on a registered meter.
func (r *Registry) Add(name string, v float64) error {
	m, ok := r.meters[name]
	if !ok {
		return errors.Errorf("metrics: unknown meter %q", name)
	}
	m.Add(v)
	return nil
}

// Summary reports every meter.
func (r *Registry) Summary() map[string]Summary {
	out := make(map[string]Summary, len(r.meters))
	for name, m := range r.meters {
		out[name] = m.Summary()
	}
	return out
}

// Step resets every meter for a new epoch.
func (r *Registry) Step() {
	for _, m := range r.meters {
		m.Reset()
	}
}

// Columns lists meter names, sorted.
func (r *Registry) Columns() []string {
	cols := make([]string, 0, len(r.meters))
	for name := range r.meters {
		cols = append(cols, name)
	}
	sort.Strings(cols)
	return cols
}
