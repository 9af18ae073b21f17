package regularize

import (
	"math/rand/v2"
	"sort"

	"github.com/pkg/errors"

	"imsat-forge/internal/divergence"
	"imsat-forge/internal/vat"
)

// Options carries the hyperparameters of every kind; each factory reads the
// fields it needs.
type Options struct {
	Rand *rand.Rand
	Head string

	VATXi       float64
	VATEps      vat.Eps
	VATPropEps  float64
	VATIP       int
	VATDistance divergence.Distance

	GaussianStd float64

	CutoutHoles  int
	CutoutLength int
}

// DefaultOptions mirrors the defaults of each regularizer.
func DefaultOptions(rng *rand.Rand, head string) Options {
	return Options{
		Rand:         rng,
		Head:         head,
		VATXi:        10,
		VATEps:       vat.Scalar(1),
		VATPropEps:   0.25,
		VATIP:        1,
		VATDistance:  divergence.KL{},
		GaussianStd:  0.1,
		CutoutHoles:  1,
		CutoutLength: 16,
	}
}

// Factory builds a regularizer from options.
type Factory func(Options) (Regularizer, error)

var factories = map[Kind]Factory{}

// Register makes a kind available to Build. Registering a kind twice fails.
func Register(k Kind, f Factory) error {
	if f == nil {
		return errors.Errorf("regularize: nil factory for %q", k)
	}
	if _, ok := factories[k]; ok {
		return errors.Errorf("regularize: kind %q registered twice", k)
	}
	factories[k] = f
	return nil
}

func init() {
	list := map[Kind]Factory{
		KindVAT:      func(o Options) (Regularizer, error) { return NewVAT(o) },
		KindGeo:      func(o Options) (Regularizer, error) { return NewGeo(), nil },
		KindMixup:    func(o Options) (Regularizer, error) { return NewMixup(o) },
		KindGaussian: func(o Options) (Regularizer, error) { return NewGaussian(o) },
		KindCutout:   func(o Options) (Regularizer, error) { return NewCutout(o) },
		KindIIC:      func(o Options) (Regularizer, error) { return NewIIC(o) },
	}
	for k, f := range list {
		if err := Register(k, f); err != nil {
			panic(err)
		}
	}
}

// Build constructs one regularizer of kind k.
func Build(k Kind, o Options) (Regularizer, error) {
	f, ok := factories[k]
	if !ok {
		return nil, errors.Errorf("regularize: unknown kind %q", k)
	}
	r, err := f(o)
	if err != nil {
		return nil, errors.Wrapf(err, "regularize: build %s", k)
	}
	return r, nil
}

// BuildChain builds the kinds in order.
func BuildChain(kinds []Kind, o Options) (Chain, error) {
	ch := make(Chain, 0, len(kinds))
	seen := map[Kind]bool{}
	for _, k := range kinds {
		if seen[k] {
			return nil, errors.Errorf("regularize: kind %q listed twice", k)
		}
		seen[k] = true
		r, err := Build(k, o)
		if err != nil {
			return nil, err
		}
		ch = append(ch, r)
	}
	return ch, nil
}

// Kinds lists every registered kind, sorted.
func Kinds() []Kind {
	ks := make([]Kind, 0, len(factories))
	for k := range factories {
		ks = append(ks, k)
	}
	sort.Slice(ks, func(i, j int) bool { return ks[i] < ks[j] })
	return ks
}
