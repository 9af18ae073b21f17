package regularize

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"imsat-forge/internal/divergence"
	"imsat-forge/internal/model"
	"imsat-forge/internal/tensor"
)

func testModel(t *testing.T, subHeads int) *model.Clusterer {
	t.Helper()
	c, err := model.NewClusterer(16, []model.HeadSpec{{Name: "B", Classes: 3, SubHeads: subHeads}}, 21)
	if err != nil {
		t.Fatalf("NewClusterer: %v", err)
	}
	return c
}

func testContext(t *testing.T, m model.Model, seed uint64) *Context {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, 0))
	images := tensor.Randn(rng, 6, 1, 4, 4)
	aug := tensor.Randn(rng, 6, 1, 4, 4)
	tape := &model.Tape{}
	call, err := tape.Forward(m, images, "B")
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	return &Context{Model: m, Head: "B", Images: images, AugImages: aug, Preds: call.Outputs, PredCall: call, Tape: tape}
}

func TestGeoIsMeanOfHeadDivergences(t *testing.T) {
	for _, heads := range []int{1, 2, 5} {
		m := testModel(t, heads)
		ctx := testContext(t, m, uint64(heads))
		term, err := NewGeo().Regularize(ctx)
		if err != nil {
			t.Fatalf("Regularize: %v", err)
		}
		aug, err := m.Forward(ctx.AugImages, "B")
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		var want float64
		for h := range aug {
			v, err := divergence.KL{}.Distance(aug[h], ctx.Preds[h])
			if err != nil {
				t.Fatalf("Distance: %v", err)
			}
			if v < 0 {
				t.Fatalf("negative head divergence %g", v)
			}
			want += v
		}
		want /= float64(heads)
		if math.Abs(term.Loss-want) > 1e-12 {
			t.Fatalf("%d heads: geo loss %g want %g", heads, term.Loss, want)
		}
	}
}

func TestGeoZeroForIdenticalViews(t *testing.T) {
	m := testModel(t, 3)
	ctx := testContext(t, m, 4)
	ctx.AugImages = ctx.Images.Clone()
	term, err := NewGeo().Regularize(ctx)
	if err != nil {
		t.Fatalf("Regularize: %v", err)
	}
	if math.Abs(term.Loss) > 1e-12 {
		t.Fatalf("expected zero loss for identical views, got %g", term.Loss)
	}
}

func TestGeoParameterGradient(t *testing.T) {
	m := testModel(t, 2)
	ctx := testContext(t, m, 8)
	// targets stay fixed: the prediction on the images is detached
	preds := ctx.Preds
	ctx.Tape = &model.Tape{}
	if _, err := NewGeo().Regularize(ctx); err != nil {
		t.Fatalf("Regularize: %v", err)
	}
	m.ZeroGrad()
	if err := ctx.Tape.Backward(m); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	for _, p := range m.Params() {
		f := func(v []float64) float64 {
			saved := append([]float64(nil), p.Value...)
			copy(p.Value, v)
			defer copy(p.Value, saved)
			out, err := m.Forward(ctx.AugImages, "B")
			if err != nil {
				t.Fatalf("Forward: %v", err)
			}
			loss, _, err := divergence.MeanOverHeads(divergence.KL{}, out, preds)
			if err != nil {
				t.Fatalf("MeanOverHeads: %v", err)
			}
			return loss
		}
		numeric := fd.Gradient(nil, f, append([]float64(nil), p.Value...), &fd.Settings{Formula: fd.Central, Step: 1e-6})
		if !floats.EqualApprox(p.Grad, numeric, 1e-5) {
			t.Fatalf("%s gradient mismatch\nanalytic %v\nnumeric  %v", p.Name, p.Grad, numeric)
		}
	}
}

func TestChainIsSumOfStandaloneRegularizers(t *testing.T) {
	build := func(kinds ...Kind) Chain {
		ch, err := BuildChain(kinds, DefaultOptions(rand.New(rand.NewPCG(99, 1)), "B"))
		if err != nil {
			t.Fatalf("BuildChain: %v", err)
		}
		return ch
	}
	m := testModel(t, 2)

	recorded := map[string]float64{}
	combined, err := build(KindVAT, KindMixup).Regularize(testContext(t, m, 5), func(name string, v float64) {
		recorded[name] = v
	})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}

	// one random stream consumed in the same order as the chain
	standalone := build(KindVAT, KindMixup)
	ctx := testContext(t, m, 5)
	vatTerm, err := standalone[0].Regularize(ctx)
	if err != nil {
		t.Fatalf("vat: %v", err)
	}
	mixTerm, err := standalone[1].Regularize(ctx)
	if err != nil {
		t.Fatalf("mixup: %v", err)
	}
	if math.Abs(combined-(vatTerm.Loss+mixTerm.Loss)) > 1e-12 {
		t.Fatalf("chain %g != vat %g + mixup %g", combined, vatTerm.Loss, mixTerm.Loss)
	}
	if recorded["train_adv"] != vatTerm.Loss || recorded["train_mixup"] != mixTerm.Loss {
		t.Fatalf("meters recorded %v", recorded)
	}
}

func TestCutoutApply(t *testing.T) {
	o := DefaultOptions(rand.New(rand.NewPCG(1, 2)), "B")
	o.CutoutLength = 4
	c, err := NewCutout(o)
	if err != nil {
		t.Fatalf("NewCutout: %v", err)
	}
	images := tensor.New(3, 2, 8, 8)
	for i := range images.Data {
		images.Data[i] = 1
	}
	cut, err := c.Apply(images)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for i := 0; i < 3; i++ {
		zeros := 0
		for _, v := range cut.Row(i) {
			if v == 0 {
				zeros++
			}
		}
		// one hole of at most 4x4 on both channels
		if zeros == 0 || zeros > 2*16 || zeros%2 != 0 {
			t.Fatalf("sample %d has %d zeroed values", i, zeros)
		}
	}
	if images.Data[0] != 1 || floats.Min(images.Data) != 1 {
		t.Fatal("Apply mutated its input")
	}
	if _, err := c.Apply(tensor.New(3, 64)); err == nil {
		t.Fatal("expected error for flat images")
	}
}

func TestIICReportsInformation(t *testing.T) {
	m := testModel(t, 2)
	ctx := testContext(t, m, 3)
	r, err := NewIIC(DefaultOptions(nil, "B"))
	if err != nil {
		t.Fatalf("NewIIC: %v", err)
	}
	term, err := r.Regularize(ctx)
	if err != nil {
		t.Fatalf("Regularize: %v", err)
	}
	if term.Report != -term.Loss {
		t.Fatalf("report %g should be the negated loss %g", term.Report, term.Loss)
	}
	if r.Meter() != "train_head_B" {
		t.Fatalf("meter %q", r.Meter())
	}
}

func TestGaussianAndCutoutNonNegative(t *testing.T) {
	m := testModel(t, 2)
	o := DefaultOptions(rand.New(rand.NewPCG(4, 4)), "B")
	o.CutoutLength = 2
	for _, k := range []Kind{KindGaussian, KindCutout} {
		r, err := Build(k, o)
		if err != nil {
			t.Fatalf("Build(%s): %v", k, err)
		}
		term, err := r.Regularize(testContext(t, m, 6))
		if err != nil {
			t.Fatalf("%s: %v", k, err)
		}
		if term.Loss < 0 {
			t.Fatalf("%s loss %g is negative", k, term.Loss)
		}
	}
}

func TestChainRejectsNonSimplexPredictions(t *testing.T) {
	m := testModel(t, 1)
	ctx := testContext(t, m, 2)
	ctx.Preds = []*mat.Dense{mat.NewDense(6, 3, nil)}
	if _, err := (Chain{NewGeo()}).Regularize(ctx, nil); err == nil {
		t.Fatal("expected simplex violation")
	}
}

func TestRegistry(t *testing.T) {
	if got := len(Kinds()); got != 6 {
		t.Fatalf("expected 6 registered kinds, got %d", got)
	}
	if err := Register(KindVAT, func(Options) (Regularizer, error) { return NewGeo(), nil }); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if _, err := Build("dropout", Options{}); err == nil {
		t.Fatal("expected unknown kind error")
	}
	if _, err := BuildChain([]Kind{KindGeo, KindGeo}, Options{}); err == nil {
		t.Fatal("expected duplicate kind error")
	}
	if _, err := Build(KindVAT, Options{}); err == nil {
		t.Fatal("expected error for vat without a random source")
	}
}
