package vat

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"imsat-forge/internal/divergence"
	"imsat-forge/internal/model"
	"imsat-forge/internal/tensor"
)

type flagModule struct{ on bool }

func (f *flagModule) Name() string                 { return "flag" }
func (f *flagModule) TrackRunningStats() bool      { return f.on }
func (f *flagModule) SetTrackRunningStats(on bool) { f.on = on }

var errInjected = errors.New("injected failure")

// bandModel scores class k by the scaled sum of every pixel whose flat index
// is k modulo the class count. It has no parameters.
type bandModel struct {
	classes int
	flag    *flagModule
	broken  bool
	failOn  int
	panicOn int
	calls   int
	seen    []bool
}

func newBandModel() *bandModel {
	return &bandModel{classes: 3, flag: &flagModule{on: true}}
}

func (b *bandModel) Forward(x *tensor.Tensor, head string) ([]*mat.Dense, error) {
	b.calls++
	b.seen = append(b.seen, b.flag.on)
	if b.calls == b.failOn {
		return nil, errInjected
	}
	if b.calls == b.panicOn {
		panic(errInjected)
	}
	n := x.Batch()
	p := mat.NewDense(n, b.classes, nil)
	for i := 0; i < n; i++ {
		row := p.RawRowView(i)
		for j, v := range x.Row(i) {
			row[j%b.classes] += 0.1 * v
		}
		maxV := floats.Max(row)
		for k := range row {
			row[k] = math.Exp(row[k] - maxV)
		}
		floats.Scale(1/floats.Sum(row), row)
		if b.broken {
			floats.Scale(2, row)
		}
	}
	return []*mat.Dense{p}, nil
}

func (b *bandModel) InputGradient(x *tensor.Tensor, head string, grads []*mat.Dense) (*tensor.Tensor, error) {
	outs, err := b.Forward(x, head)
	if err != nil {
		return nil, err
	}
	p, g := outs[0], grads[0]
	dx := tensor.New(x.Shape...)
	for i := 0; i < x.Batch(); i++ {
		pi, gi := p.RawRowView(i), g.RawRowView(i)
		dot := floats.Dot(pi, gi)
		row := dx.Row(i)
		for j := range row {
			k := j % b.classes
			row[j] = 0.1 * pi[k] * (gi[k] - dot)
		}
	}
	return dx, nil
}

func (b *bandModel) Backward(*tensor.Tensor, string, []*mat.Dense) error { return nil }
func (b *bandModel) Params() []*model.Param                          { return nil }
func (b *bandModel) ZeroGrad()                                        {}
func (b *bandModel) Heads() []string                                  { return []string{"B"} }
func (b *bandModel) Name() string                                     { return "band" }
func (b *bandModel) Apply(fn func(model.Module)) {
	fn(b)
	fn(b.flag)
}

func scenarioImages() *tensor.Tensor {
	rng := rand.New(rand.NewPCG(2024, 1))
	x := tensor.New(4, 1, 8, 8)
	for i := range x.Data {
		x.Data[i] = rng.Float64()
	}
	return x
}

func scenarioSearch(seed uint64, ip int) *Search {
	s := New(rand.New(rand.NewPCG(seed, seed)))
	s.IP = ip
	return s
}

func TestSearchScenarioIsDeterministic(t *testing.T) {
	images := scenarioImages()
	first, err := scenarioSearch(42, 1).Run(newBandModel(), images, "B", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	second, err := scenarioSearch(42, 1).Run(newBandModel(), images, "B", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !floats.Equal(first.RAdv.Data, second.RAdv.Data) {
		t.Fatal("same seed produced different perturbations")
	}
	if first.Loss < 0 || first.Loss != second.Loss {
		t.Fatalf("loss %g / %g should be equal and non-negative", first.Loss, second.Loss)
	}
	for i := 0; i < 4; i++ {
		if n := floats.Norm(first.RAdv.Row(i), 2); math.Abs(n-0.25) > 1e-9 {
			t.Fatalf("sample %d perturbation norm %g, want eps*prop_eps=0.25", i, n)
		}
	}
	want, _ := images.AddScaled(1, first.RAdv)
	if !floats.Equal(first.Perturbed.Data, want.Data) {
		t.Fatal("perturbed input is not images + r_adv")
	}

	other, err := scenarioSearch(43, 1).Run(newBandModel(), images, "B", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if floats.Equal(first.RAdv.Data, other.RAdv.Data) {
		t.Fatal("different seeds produced identical perturbations")
	}
}

func TestSearchWithoutIterationsUsesRandomDirection(t *testing.T) {
	images := scenarioImages()
	m := newBandModel()
	res, err := scenarioSearch(7, 0).Run(m, images, "B", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	d, err := tensor.L2Normalize(tensor.Randn(rand.New(rand.NewPCG(7, 7)), images.Shape...))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !floats.EqualApprox(res.RAdv.Data, d.Scale(0.25).Data, 1e-15) {
		t.Fatal("ip=0 should keep the initial random direction")
	}
	// clean pass and adversarial pass only
	if m.calls != 2 {
		t.Fatalf("expected 2 forward passes, got %d", m.calls)
	}
}

func TestSearchRestoresTrackingFlag(t *testing.T) {
	images := scenarioImages()

	m := newBandModel()
	if _, err := scenarioSearch(1, 2).Run(m, images, "B", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !m.flag.on {
		t.Fatal("tracking flag not restored after a normal search")
	}
	// forward 1 is the clean pass, the rest run with tracking inverted
	want := []bool{true, false, false, false, false, false}
	if len(m.seen) != len(want) {
		t.Fatalf("expected %d forward passes, got %d", len(want), len(m.seen))
	}
	for i := range want {
		if m.seen[i] != want[i] {
			t.Fatalf("forward %d saw tracking=%v, want %v", i+1, m.seen[i], want[i])
		}
	}

	failing := newBandModel()
	failing.failOn = 2
	_, err := scenarioSearch(1, 1).Run(failing, images, "B", nil)
	if errors.Cause(err) != errInjected {
		t.Fatalf("expected injected error, got %v", err)
	}
	if !failing.flag.on {
		t.Fatal("tracking flag not restored after an error")
	}

	panicking := newBandModel()
	panicking.panicOn = 2
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected the injected panic to propagate")
			}
		}()
		_, _ = scenarioSearch(1, 1).Run(panicking, images, "B", nil)
	}()
	if !panicking.flag.on {
		t.Fatal("tracking flag not restored after a panic")
	}
}

func TestSearchPerSampleEps(t *testing.T) {
	images := scenarioImages()
	s := scenarioSearch(3, 1)
	s.Eps = PerSample([]float64{1, 2, 3, 4})
	res, err := s.Run(newBandModel(), images, "B", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i := 0; i < 4; i++ {
		want := 0.25 * float64(i+1)
		if n := floats.Norm(res.RAdv.Row(i), 2); math.Abs(n-want) > 1e-9 {
			t.Fatalf("sample %d norm %g want %g", i, n, want)
		}
	}

	s.Eps = PerSample([]float64{1, 2})
	if _, err := s.Run(newBandModel(), images, "B", nil); err == nil {
		t.Fatal("expected error for per-sample eps of the wrong length")
	}
}

func TestSearchRejectsNonSimplexModel(t *testing.T) {
	m := newBandModel()
	m.broken = true
	_, err := scenarioSearch(1, 1).Run(m, scenarioImages(), "B", nil)
	if errors.Cause(err) != divergence.ErrNotSimplex {
		t.Fatalf("expected ErrNotSimplex, got %v", err)
	}
}

func TestSearchRecordsAdversarialCallOnTape(t *testing.T) {
	c, err := model.NewClusterer(64, []model.HeadSpec{{Name: "B", Classes: 3, SubHeads: 2}}, 5)
	if err != nil {
		t.Fatalf("NewClusterer: %v", err)
	}
	var tape model.Tape
	res, err := scenarioSearch(9, 1).Run(c, scenarioImages(), "B", &tape)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tape.Len() != 1 || res.Call == nil {
		t.Fatalf("expected exactly the adversarial pass on the tape, got %d calls", tape.Len())
	}
	if len(res.Grads) != 2 {
		t.Fatalf("expected one gradient per sub-head, got %d", len(res.Grads))
	}
	for _, p := range c.Params() {
		if floats.Norm(p.Grad, 2) != 0 {
			t.Fatalf("direction search leaked into parameter %s", p.Name)
		}
	}
	if c.BatchNorm().Updates() != 1 {
		t.Fatalf("only the clean pass may update running stats, got %d updates", c.BatchNorm().Updates())
	}
}

func TestParseEps(t *testing.T) {
	for _, v := range []interface{}{1, 1.5, float32(2), int64(3)} {
		e, err := ParseEps(v)
		if err != nil || e.IsPerSample() {
			t.Fatalf("ParseEps(%v) = %v, %v", v, e, err)
		}
	}
	e, err := ParseEps([]interface{}{1.0, 2})
	if err != nil || !e.IsPerSample() {
		t.Fatalf("ParseEps(list) = %v, %v", e, err)
	}
	for _, v := range []interface{}{"big", nil, []interface{}{"x"}, []interface{}{}, []float64{}} {
		if _, err := ParseEps(v); errors.Cause(err) != ErrUnsupportedEps {
			t.Fatalf("ParseEps(%v) expected ErrUnsupportedEps, got %v", v, err)
		}
	}
}

func TestEmptyPerSampleEpsNeverBecomesZero(t *testing.T) {
	e := PerSample(nil)
	if !e.IsPerSample() {
		t.Fatal("an empty per-sample list must stay per-sample")
	}
	s := scenarioSearch(1, 1)
	s.Eps = e
	if _, err := s.Run(newBandModel(), scenarioImages(), "B", nil); err == nil {
		t.Fatal("expected a length error instead of a zero radius")
	}
}

func TestSearchRefinementGolden(t *testing.T) {
	x := tensor.New(4, 1, 8, 8)
	d := tensor.New(4, 1, 8, 8)
	for i := range x.Data {
		x.Data[i] = float64(i*37%101) / 100
		d.Data[i] = math.Sin(float64(i + 1))
	}
	if _, err := tensor.L2Normalize(d); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	m := newBandModel()
	pred, err := m.Forward(x, "B")
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	s := scenarioSearch(42, 1)
	scales, err := s.Eps.scales(4)
	if err != nil {
		t.Fatalf("scales: %v", err)
	}
	res, err := s.search(m, x, "B", nil, pred, scales, d)
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	// the band model's input gradient only depends on the pixel's class, so
	// each row of r_adv takes three values
	golden := [4][3]float64{
		{0.043810583304705199, -0.023599579614176983, -0.020211003690528005},
		{0.043732182991497622, -0.019005748730156317, -0.024726434261341225},
		{-0.042694201733071875, 0.030156142484063658, 0.012538059249008674},
		{-0.0438450831423009, 0.022650916114281064, 0.021194167028019874},
	}
	rowSums := []float64{0.043810583304709577, 0.043732182991499363, -0.042694201733062258, -0.043845083142300026}
	for i := 0; i < 4; i++ {
		want := make([]float64, 64)
		for j := range want {
			want[j] = golden[i][j%3]
		}
		if !floats.EqualApprox(res.RAdv.Row(i), want, 1e-12) {
			t.Fatalf("r_adv row %d = %v\nwant %v", i, res.RAdv.Row(i), want)
		}
		if got := floats.Sum(res.RAdv.Row(i)); math.Abs(got-rowSums[i]) > 1e-12 {
			t.Fatalf("r_adv row %d sums to %.17g, want %.17g", i, got, rowSums[i])
		}
	}
	if math.Abs(res.Loss-0.0023138759254039054) > 1e-12 {
		t.Fatalf("loss %.17g, want 0.0023138759254039054", res.Loss)
	}
}
