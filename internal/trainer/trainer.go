// Package trainer composes the mutual-information clustering objective with
// an ordered chain of consistency regularizers and drives training epochs.
package trainer

import (
	"hash/fnv"
	"math/rand/v2"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"imsat-forge/internal/dataset"
	"imsat-forge/internal/divergence"
	"imsat-forge/internal/metrics"
	"imsat-forge/internal/mi"
	"imsat-forge/internal/model"
	"imsat-forge/internal/optim"
	"imsat-forge/internal/regularize"
)

// Meters every trainer registers.
const (
	MeterMI       = "train_mi"
	MeterEntropy  = "train_entropy"
	MeterCEntropy = "train_centropy"
	MeterLoss     = "train_loss"
	MeterValAcc   = "val_acc"
)

// Options builds a Trainer.
type Options struct {
	Variant   string
	Head      string // the only head Step accepts
	Model     model.Model
	Optimizer *optim.SGD
	Objective mi.IMSAT
	Weight    float64 // multiplier on the mutual information
	Seed      uint64
	// Regularize carries regularizer hyperparameters. Rand and Head are
	// filled in by the trainer.
	Regularize regularize.Options
}

// Trainer is one named variant bound to a model and optimizer.
type Trainer struct {
	variant   string
	head      string
	model     model.Model
	optimizer *optim.SGD
	objective mi.IMSAT
	weight    float64
	chain     regularize.Chain
	meters    *metrics.Registry
}

// streamFor gives each regularizer kind its own random stream, so a term is
// the same whichever variant it appears in.
func streamFor(seed uint64, k regularize.Kind) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(k))
	return rand.New(rand.NewPCG(seed, h.Sum64()))
}

func New(o Options) (*Trainer, error) {
	if o.Model == nil {
		return nil, errors.New("trainer: model is required")
	}
	if o.Optimizer == nil {
		return nil, errors.New("trainer: optimizer is required")
	}
	if o.Head == "" {
		return nil, errors.New("trainer: head is required")
	}
	known := false
	for _, h := range o.Model.Heads() {
		known = known || h == o.Head
	}
	if !known {
		return nil, errors.Errorf("trainer: model has no head %q (heads %v)", o.Head, o.Model.Heads())
	}
	if o.Weight <= 0 {
		return nil, errors.Errorf("trainer: mutual information weight must be > 0 (got %g)", o.Weight)
	}
	kinds, err := Lookup(o.Variant)
	if err != nil {
		return nil, err
	}
	t := &Trainer{
		variant:   o.Variant,
		head:      o.Head,
		model:     o.Model,
		optimizer: o.Optimizer,
		objective: o.Objective,
		weight:    o.Weight,
		meters:    metrics.NewRegistry(),
	}
	for _, k := range kinds {
		ro := o.Regularize
		ro.Rand, ro.Head = streamFor(o.Seed, k), o.Head
		r, err := regularize.Build(k, ro)
		if err != nil {
			return nil, errors.Wrapf(err, "trainer: variant %s", o.Variant)
		}
		t.chain = append(t.chain, r)
	}
	if err := t.meters.Register(MeterMI, MeterEntropy, MeterCEntropy, MeterLoss, MeterValAcc); err != nil {
		return nil, err
	}
	for _, r := range t.chain {
		if err := t.meters.Register(r.Meter()); err != nil {
			return nil, errors.Wrapf(err, "trainer: variant %s", o.Variant)
		}
	}
	klog.V(2).Infof("trainer variant=%s head=%s regularizers=%v", o.Variant, o.Head, t.chain.Kinds())
	return t, nil
}

func (t *Trainer) Variant() string           { return t.variant }
func (t *Trainer) Head() string              { return t.head }
func (t *Trainer) Kinds() []regularize.Kind  { return t.chain.Kinds() }
func (t *Trainer) Meters() *metrics.Registry { return t.meters }
func (t *Trainer) Optimizer() *optim.SGD     { return t.optimizer }
func (t *Trainer) Chain() regularize.Chain   { return t.chain }

// StepResult is the breakdown of one batch loss. Terms maps each regularizer
// meter to its reported value.
type StepResult struct {
	Loss               float64
	MI                 float64
	Entropy            float64
	ConditionalEntropy float64
	Reg                float64
	Terms              map[string]float64
}

// Loss evaluates the objective on a batch and records its gradient on the
// returned tape. Parameters are not touched.
func (t *Trainer) Loss(b dataset.Batch, head string) (StepResult, *model.Tape, error) {
	if head != t.head {
		return StepResult{}, nil, errors.Errorf("trainer: called with head %q, trained head is %q", head, t.head)
	}
	tape := &model.Tape{}
	call, err := tape.Forward(t.model, b.Images, head)
	if err != nil {
		return StepResult{}, nil, errors.Wrap(err, "trainer: forward")
	}
	if err := divergence.CheckSimplexList(call.Outputs); err != nil {
		return StepResult{}, nil, errors.Wrap(err, "trainer: forward")
	}

	res := StepResult{Terms: map[string]float64{}}
	h := float64(len(call.Outputs))
	for sub, pred := range call.Outputs {
		r, err := t.objective.Evaluate(pred)
		if err != nil {
			return StepResult{}, nil, errors.Wrapf(err, "trainer: sub-head %d", sub)
		}
		g, err := t.objective.Grad(pred)
		if err != nil {
			return StepResult{}, nil, errors.Wrapf(err, "trainer: sub-head %d", sub)
		}
		if err := call.Seed(sub, g, -t.weight/h); err != nil {
			return StepResult{}, nil, err
		}
		res.MI += r.MI / h
		res.Entropy += r.Entropy / h
		res.ConditionalEntropy += r.ConditionalEntropy / h
	}

	ctx := &regularize.Context{
		Model:     t.model,
		Head:      head,
		Images:    b.Images,
		AugImages: b.AugImages,
		Preds:     call.Outputs,
		PredCall:  call,
		Tape:      tape,
	}
	res.Reg, err = t.chain.Regularize(ctx, func(meter string, v float64) { res.Terms[meter] = v })
	if err != nil {
		return StepResult{}, nil, err
	}
	res.Loss = -t.weight*res.MI + res.Reg
	return res, tape, nil
}

// Step trains on one batch: gradients are cleared, the loss is built and
// back-propagated, and the optimizer moves the parameters.
func (t *Trainer) Step(b dataset.Batch, head string) (StepResult, error) {
	t.model.ZeroGrad()
	res, tape, err := t.Loss(b, head)
	if err != nil {
		return StepResult{}, err
	}
	if err := tape.Backward(t.model); err != nil {
		return StepResult{}, errors.Wrap(err, "trainer: backward")
	}
	if err := t.optimizer.Step(t.model.Params()); err != nil {
		return StepResult{}, err
	}
	t.record(res)
	return res, nil
}

func (t *Trainer) record(res StepResult) {
	add := func(name string, v float64) {
		if err := t.meters.Add(name, v); err != nil {
			// every meter is registered in New
			panic(err)
		}
	}
	add(MeterMI, res.MI)
	add(MeterEntropy, res.Entropy)
	add(MeterCEntropy, res.ConditionalEntropy)
	add(MeterLoss, res.Loss)
	for name, v := range res.Terms {
		add(name, v)
	}
}
