package regularize

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"

	"imsat-forge/internal/divergence"
	"imsat-forge/internal/mixup"
	"imsat-forge/internal/tensor"
	"imsat-forge/internal/vat"
)

// VAT penalizes the divergence caused by a virtual adversarial perturbation of
// the images. The geometric view is not used.
type VAT struct {
	search *vat.Search
}

func NewVAT(o Options) (*VAT, error) {
	if o.Rand == nil {
		return nil, errors.New("vat regularizer needs a random source")
	}
	s := vat.New(o.Rand)
	s.Xi, s.Eps, s.PropEps, s.IP = o.VATXi, o.VATEps, o.VATPropEps, o.VATIP
	if o.VATDistance != nil {
		s.Distance = o.VATDistance
	}
	return &VAT{search: s}, nil
}

func (*VAT) Kind() Kind            { return KindVAT }
func (*VAT) Meter() string         { return "train_adv" }
func (r *VAT) Search() *vat.Search { return r.search }

func (r *VAT) Regularize(ctx *Context) (Term, error) {
	res, err := r.search.Run(ctx.Model, ctx.Images, ctx.Head, ctx.tape())
	if err != nil {
		return Term{}, err
	}
	if err := res.Call.SeedAll(res.Grads, 1); err != nil {
		return Term{}, err
	}
	return lossTerm(res.Loss), nil
}

// Geo asks the prediction on the geometric view to match the prediction on
// the images.
type Geo struct {
	distance divergence.Distance
}

func NewGeo() *Geo { return &Geo{distance: divergence.KL{}} }

func (*Geo) Kind() Kind    { return KindGeo }
func (*Geo) Meter() string { return "train_geo" }

func (r *Geo) Regularize(ctx *Context) (Term, error) {
	if ctx.AugImages == nil {
		return Term{}, errors.New("geo regularizer needs augmented images")
	}
	loss, err := ctx.consistency(r.distance, ctx.AugImages)
	if err != nil {
		return Term{}, err
	}
	return lossTerm(loss), nil
}

// Mixup mixes the batch with its own reverse and asks the prediction on the
// mixed images to match the mixed predictions.
type Mixup struct {
	sampler  *mixup.Sampler
	distance divergence.Distance
}

func NewMixup(o Options) (*Mixup, error) {
	if o.Rand == nil {
		return nil, errors.New("mixup regularizer needs a random source")
	}
	return &Mixup{sampler: mixup.New(o.Rand), distance: divergence.KL{}}, nil
}

func (*Mixup) Kind() Kind    { return KindMixup }
func (*Mixup) Meter() string { return "train_mixup" }

func (r *Mixup) Regularize(ctx *Context) (Term, error) {
	flipped := ctx.Images.FlipBatch()
	var total float64
	h := float64(len(ctx.Preds))
	for sub, pred := range ctx.Preds {
		mix, err := r.sampler.Mix(ctx.Images, pred, flipped, flipRows(pred))
		if err != nil {
			return Term{}, errors.Wrapf(err, "sub-head %d", sub)
		}
		call, err := ctx.forward(mix.Images)
		if err != nil {
			return Term{}, errors.Wrapf(err, "sub-head %d", sub)
		}
		loss, err := r.distance.Distance(call.Outputs[sub], mix.Labels)
		if err != nil {
			return Term{}, errors.Wrapf(err, "sub-head %d", sub)
		}
		g, err := r.distance.Grad(call.Outputs[sub], mix.Labels)
		if err != nil {
			return Term{}, errors.Wrapf(err, "sub-head %d", sub)
		}
		if err := call.Seed(sub, g, 1/h); err != nil {
			return Term{}, err
		}
		total += loss
	}
	return lossTerm(total / h), nil
}

// Gaussian asks predictions to survive additive Gaussian noise.
type Gaussian struct {
	noise    distuv.Normal
	distance divergence.Distance
}

func NewGaussian(o Options) (*Gaussian, error) {
	if o.Rand == nil {
		return nil, errors.New("gaussian regularizer needs a random source")
	}
	if o.GaussianStd <= 0 {
		return nil, errors.Errorf("gaussian std must be > 0 (got %g)", o.GaussianStd)
	}
	return &Gaussian{noise: distuv.Normal{Mu: 0, Sigma: o.GaussianStd, Src: o.Rand}, distance: divergence.KL{}}, nil
}

func (*Gaussian) Kind() Kind    { return KindGaussian }
func (*Gaussian) Meter() string { return "train_gaussian" }

func (r *Gaussian) Regularize(ctx *Context) (Term, error) {
	noisy := ctx.Images.Clone()
	for i := range noisy.Data {
		noisy.Data[i] += r.noise.Rand()
	}
	loss, err := ctx.consistency(r.distance, noisy)
	if err != nil {
		return Term{}, err
	}
	return lossTerm(loss), nil
}

// Cutout asks predictions to survive square holes punched in the images.
type Cutout struct {
	holes, length int
	rng           interface{ IntN(int) int }
	distance      divergence.Distance
}

func NewCutout(o Options) (*Cutout, error) {
	if o.Rand == nil {
		return nil, errors.New("cutout regularizer needs a random source")
	}
	if o.CutoutHoles < 1 || o.CutoutLength < 1 {
		return nil, errors.Errorf("cutout needs >= 1 hole of length >= 1 (got %d x %d)", o.CutoutHoles, o.CutoutLength)
	}
	return &Cutout{holes: o.CutoutHoles, length: o.CutoutLength, rng: o.Rand, distance: divergence.KL{}}, nil
}

func (*Cutout) Kind() Kind    { return KindCutout }
func (*Cutout) Meter() string { return "train_cutout" }

// Apply returns a copy of images, shaped [batch, channels, height, width],
// with the holes zeroed on every channel.
func (r *Cutout) Apply(images *tensor.Tensor) (*tensor.Tensor, error) {
	if len(images.Shape) != 4 {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "cutout needs [batch, channels, height, width], got %v", images.Shape)
	}
	c, h, w := images.Shape[1], images.Shape[2], images.Shape[3]
	out := images.Clone()
	half := r.length / 2
	for i := 0; i < out.Batch(); i++ {
		row := out.Row(i)
		for n := 0; n < r.holes; n++ {
			y, x := r.rng.IntN(h), r.rng.IntN(w)
			y1, y2 := clip(y-half, 0, h), clip(y+half, 0, h)
			x1, x2 := clip(x-half, 0, w), clip(x+half, 0, w)
			for ch := 0; ch < c; ch++ {
				for yy := y1; yy < y2; yy++ {
					for xx := x1; xx < x2; xx++ {
						row[(ch*h+yy)*w+xx] = 0
					}
				}
			}
		}
	}
	return out, nil
}

func clip(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (r *Cutout) Regularize(ctx *Context) (Term, error) {
	cut, err := r.Apply(ctx.Images)
	if err != nil {
		return Term{}, err
	}
	loss, err := ctx.consistency(r.distance, cut)
	if err != nil {
		return Term{}, err
	}
	return lossTerm(loss), nil
}

// IIC maximizes the mutual information between the cluster assignments of
// the images and of their geometric view. Its meter records the information
// itself, i.e. the negated loss.
type IIC struct {
	head string
	iid  divergence.IID
}

func NewIIC(o Options) (*IIC, error) {
	if o.Head == "" {
		return nil, errors.New("iic regularizer needs the head name for its meter")
	}
	return &IIC{head: o.Head}, nil
}

func (*IIC) Kind() Kind      { return KindIIC }
func (r *IIC) Meter() string { return "train_head_" + r.head }

func (r *IIC) Regularize(ctx *Context) (Term, error) {
	if ctx.AugImages == nil {
		return Term{}, errors.New("iic regularizer needs augmented images")
	}
	call, err := ctx.forward(ctx.AugImages)
	if err != nil {
		return Term{}, err
	}
	h := float64(len(ctx.Preds))
	var total float64
	for sub, pred := range ctx.Preds {
		tf := call.Outputs[sub]
		loss, err := r.iid.Distance(pred, tf)
		if err != nil {
			return Term{}, errors.Wrapf(err, "sub-head %d", sub)
		}
		// the loss is symmetric in its arguments
		gTF, err := r.iid.Grad(tf, pred)
		if err != nil {
			return Term{}, errors.Wrapf(err, "sub-head %d", sub)
		}
		if err := call.Seed(sub, gTF, 1/h); err != nil {
			return Term{}, err
		}
		if ctx.PredCall != nil {
			gPred, err := r.iid.Grad(pred, tf)
			if err != nil {
				return Term{}, errors.Wrapf(err, "sub-head %d", sub)
			}
			if err := ctx.PredCall.Seed(sub, gPred, 1/h); err != nil {
				return Term{}, err
			}
		}
		total += loss
	}
	loss := total / h
	return Term{Loss: loss, Report: -loss}, nil
}
