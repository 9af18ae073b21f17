// Package regularize provides the consistency regularizers that a clustering
// trainer adds to its mutual-information objective. Each regularizer is an
// independent strategy; a trainer sums an ordered Chain of them with equal
// weights.
package regularize

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"imsat-forge/internal/divergence"
	"imsat-forge/internal/model"
	"imsat-forge/internal/tensor"
)

// Kind names a regularizer family.
type Kind string

const (
	KindVAT      Kind = "vat"
	KindGeo      Kind = "geo"
	KindMixup    Kind = "mixup"
	KindGaussian Kind = "gaussian"
	KindCutout   Kind = "cutout"
	KindIIC      Kind = "iic"
)

// Context is everything a regularizer may look at for one batch.
type Context struct {
	Model     model.Model
	Head      string
	Images    *tensor.Tensor // basic transform
	AugImages *tensor.Tensor // geometric transform of the same samples
	Preds     []*mat.Dense   // predictions on Images, one per sub-head
	PredCall  *model.Call    // the recorded pass that produced Preds, if any
	Tape      *model.Tape
}

func (c *Context) tape() *model.Tape {
	if c.Tape == nil {
		c.Tape = &model.Tape{}
	}
	return c.Tape
}

// forward runs the model on x through the tape and checks the outputs.
func (c *Context) forward(x *tensor.Tensor) (*model.Call, error) {
	call, err := c.tape().Forward(c.Model, x, c.Head)
	if err != nil {
		return nil, err
	}
	if err := divergence.CheckSimplexList(call.Outputs); err != nil {
		return nil, err
	}
	if len(call.Outputs) != len(c.Preds) {
		return nil, errors.Errorf("regularize: %d sub-heads on the extra pass, %d on the images", len(call.Outputs), len(c.Preds))
	}
	return call, nil
}

// consistency scores mean_h KL(model(x)_h, Preds_h) and seeds its gradient.
func (c *Context) consistency(d divergence.Distance, x *tensor.Tensor) (float64, error) {
	call, err := c.forward(x)
	if err != nil {
		return 0, err
	}
	loss, grads, err := divergence.MeanOverHeads(d, call.Outputs, c.Preds)
	if err != nil {
		return 0, err
	}
	if err := call.SeedAll(grads, 1); err != nil {
		return 0, err
	}
	return loss, nil
}

// Term is one regularizer's contribution. Report is what goes to its meter,
// which is the loss itself for every kind except IIC.
type Term struct {
	Loss   float64
	Report float64
}

func lossTerm(v float64) Term { return Term{Loss: v, Report: v} }

// Regularizer is one consistency strategy.
type Regularizer interface {
	Kind() Kind
	Meter() string
	Regularize(ctx *Context) (Term, error)
}

// Chain sums its regularizers in order, 1:1.
type Chain []Regularizer

// Kinds lists the chain's kinds in order.
func (ch Chain) Kinds() []Kind {
	ks := make([]Kind, len(ch))
	for i, r := range ch {
		ks[i] = r.Kind()
	}
	return ks
}

// Regularize returns the summed loss. record is called once per regularizer
// with its meter name and reported value.
func (ch Chain) Regularize(ctx *Context, record func(meter string, v float64)) (float64, error) {
	var total float64
	for _, r := range ch {
		if err := divergence.CheckSimplexList(ctx.Preds); err != nil {
			return 0, errors.Wrapf(err, "regularize: predictions before %s", r.Kind())
		}
		term, err := r.Regularize(ctx)
		if err != nil {
			return 0, errors.Wrapf(err, "regularize: %s", r.Kind())
		}
		if err := divergence.CheckSimplexList(ctx.Preds); err != nil {
			return 0, errors.Wrapf(err, "regularize: predictions after %s", r.Kind())
		}
		if record != nil {
			record(r.Meter(), term.Report)
		}
		total += term.Loss
	}
	return total, nil
}

func flipRows(p *mat.Dense) *mat.Dense {
	r, c := p.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		out.SetRow(i, p.RawRowView(r-1-i))
	}
	return out
}
