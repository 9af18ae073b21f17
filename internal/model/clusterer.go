package model

import (
	"math"
	"math/rand/v2"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"imsat-forge/internal/tensor"
)

// HeadSpec describes one clustering head: SubHeads independent softmax
// classifiers over Classes clusters each.
type HeadSpec struct {
	Name     string
	Classes  int
	SubHeads int
}

// Clusterer is a batch-normalized multi-head softmax clustering network.
type Clusterer struct {
	inputSize int
	bn        *BatchNorm
	heads     map[string][]*linear
	names     []string
}

type linear struct {
	name    string
	W       *Param // out x in, row-major
	B       *Param
	in, out int
}

func (l *linear) Name() string { return l.name }

// NewClusterer builds the network with uniform weights in +-1/sqrt(inputSize).
func NewClusterer(inputSize int, heads []HeadSpec, seed uint64) (*Clusterer, error) {
	if inputSize <= 0 {
		return nil, errors.Errorf("clusterer: input size must be > 0 (got %d)", inputSize)
	}
	if len(heads) == 0 {
		return nil, errors.New("clusterer: at least one head is required")
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	scale := 1 / math.Sqrt(float64(inputSize))
	c := &Clusterer{
		inputSize: inputSize,
		bn:        NewBatchNorm("bn", inputSize),
		heads:     make(map[string][]*linear, len(heads)),
	}
	for _, spec := range heads {
		if spec.Classes < 2 || spec.SubHeads < 1 {
			return nil, errors.Errorf("clusterer: head %q needs >= 2 classes and >= 1 sub-head", spec.Name)
		}
		if _, dup := c.heads[spec.Name]; dup {
			return nil, errors.Errorf("clusterer: duplicate head %q", spec.Name)
		}
		subs := make([]*linear, spec.SubHeads)
		for s := range subs {
			name := spec.Name + "." + strconv.Itoa(s)
			l := &linear{
				name: name,
				W:    newParam(name+".weight", spec.Classes*inputSize),
				B:    newParam(name+".bias", spec.Classes),
				in:   inputSize,
				out:  spec.Classes,
			}
			for i := range l.W.Value {
				l.W.Value[i] = (rng.Float64()*2 - 1) * scale
			}
			subs[s] = l
		}
		c.heads[spec.Name] = subs
		c.names = append(c.names, spec.Name)
	}
	sort.Strings(c.names)
	return c, nil
}

func (c *Clusterer) Name() string { return "clusterer" }

// Heads lists head names in sorted order.
func (c *Clusterer) Heads() []string { return append([]string(nil), c.names...) }

// BatchNorm exposes the normalization layer.
func (c *Clusterer) BatchNorm() *BatchNorm { return c.bn }

// SetTraining switches between batch statistics and running statistics.
func (c *Clusterer) SetTraining(on bool) { c.bn.SetTraining(on) }

func (c *Clusterer) Apply(fn func(Module)) {
	fn(c)
	fn(c.bn)
	for _, name := range c.names {
		for _, l := range c.heads[name] {
			fn(l)
		}
	}
}

func (c *Clusterer) Params() []*Param {
	ps := []*Param{c.bn.Gamma, c.bn.Beta}
	for _, name := range c.names {
		for _, l := range c.heads[name] {
			ps = append(ps, l.W, l.B)
		}
	}
	return ps
}

func (c *Clusterer) ZeroGrad() {
	for _, p := range c.Params() {
		p.zeroGrad()
	}
}

type forwardState struct {
	n      int
	h      *mat.Dense
	cache  bnCache
	probs  []*mat.Dense
	layers []*linear
}

func (c *Clusterer) forward(x *tensor.Tensor, head string, update bool) (*forwardState, error) {
	layers, ok := c.heads[head]
	if !ok {
		return nil, errors.Errorf("clusterer: unknown head %q", head)
	}
	if x.SampleSize() != c.inputSize || x.Batch() == 0 {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "clusterer: input %v for %d features", x.Shape, c.inputSize)
	}
	n := x.Batch()
	y, cache := c.bn.forward(x.Data, n, c.inputSize, update)
	st := &forwardState{n: n, h: mat.NewDense(n, c.inputSize, y), cache: cache, layers: layers}
	for _, l := range layers {
		w := mat.NewDense(l.out, l.in, l.W.Value)
		z := mat.NewDense(n, l.out, nil)
		z.Mul(st.h, w.T())
		for i := 0; i < n; i++ {
			softmax(z.RawRowView(i), l.B.Value)
		}
		st.probs = append(st.probs, z)
	}
	return st, nil
}

// Forward returns one simplex per sub-head of head. In training mode with
// tracking on, it also updates the running statistics.
func (c *Clusterer) Forward(x *tensor.Tensor, head string) ([]*mat.Dense, error) {
	st, err := c.forward(x, head, true)
	if err != nil {
		return nil, err
	}
	return st.probs, nil
}

func (c *Clusterer) InputGradient(x *tensor.Tensor, head string, grads []*mat.Dense) (*tensor.Tensor, error) {
	return c.backward(x, head, grads, false)
}

func (c *Clusterer) Backward(x *tensor.Tensor, head string, grads []*mat.Dense) error {
	_, err := c.backward(x, head, grads, true)
	return err
}

func (c *Clusterer) backward(x *tensor.Tensor, head string, grads []*mat.Dense, accumulate bool) (*tensor.Tensor, error) {
	st, err := c.forward(x, head, false)
	if err != nil {
		return nil, err
	}
	if len(grads) != len(st.probs) {
		return nil, errors.Errorf("clusterer: %d gradients for %d sub-heads", len(grads), len(st.probs))
	}
	dh := mat.NewDense(st.n, c.inputSize, nil)
	for s, g := range grads {
		if g == nil {
			continue
		}
		l := st.layers[s]
		p := st.probs[s]
		if r, k := g.Dims(); r != st.n || k != l.out {
			return nil, errors.Errorf("clusterer: gradient %dx%d for output %dx%d", r, k, st.n, l.out)
		}
		dz := mat.NewDense(st.n, l.out, nil)
		for i := 0; i < st.n; i++ {
			pi, gi, di := p.RawRowView(i), g.RawRowView(i), dz.RawRowView(i)
			var dot float64
			for k := range pi {
				dot += pi[k] * gi[k]
			}
			for k := range pi {
				di[k] = pi[k] * (gi[k] - dot)
			}
		}
		w := mat.NewDense(l.out, l.in, l.W.Value)
		var contrib mat.Dense
		contrib.Mul(dz, w)
		dh.Add(dh, &contrib)
		if accumulate {
			dw := mat.NewDense(l.out, l.in, l.W.Grad)
			var gw mat.Dense
			gw.Mul(dz.T(), st.h)
			dw.Add(dw, &gw)
			for i := 0; i < st.n; i++ {
				for k, v := range dz.RawRowView(i) {
					l.B.Grad[k] += v
				}
			}
		}
	}
	dx := c.bn.backward(dh.RawMatrix().Data, st.n, c.inputSize, st.cache, accumulate)
	return tensor.FromData(dx, x.Shape...)
}

// softmax overwrites logits with softmax(logits + bias).
func softmax(logits, bias []float64) {
	maxLogit := math.Inf(-1)
	for i := range logits {
		logits[i] += bias[i]
		if logits[i] > maxLogit {
			maxLogit = logits[i]
		}
	}
	sum := 0.0
	for i, v := range logits {
		exp := math.Exp(v - maxLogit)
		logits[i] = exp
		sum += exp
	}
	inv := 1.0 / sum
	for i := range logits {
		logits[i] *= inv
	}
}
