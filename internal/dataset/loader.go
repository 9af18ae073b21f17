package dataset

import (
	"context"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"

	"imsat-forge/internal/tensor"
)

// Batch is one training batch. AugImages is the geometric view of Images,
// sample for sample.
type Batch struct {
	Images    *tensor.Tensor
	AugImages *tensor.Tensor
	Labels    []int
}

// Loader yields training batches until the context ends.
type Loader interface {
	Next(ctx context.Context) (Batch, error)
}

// ImageShape is the channels x height x width grid every sample is mapped to.
type ImageShape struct {
	Channels int
	Height   int
	Width    int
}

func (s ImageShape) Size() int { return s.Channels * s.Height * s.Width }

func (s ImageShape) validate() error {
	if s.Channels <= 0 || s.Height <= 0 || s.Width <= 0 {
		return errors.Errorf("dataset: bad image shape %dx%dx%d", s.Channels, s.Height, s.Width)
	}
	return nil
}

// assemble packs per-sample pixels into a batch with its geometric view.
func assemble(pixels [][]float64, labels []int, shape ImageShape) (Batch, error) {
	images := tensor.New(len(pixels), shape.Channels, shape.Height, shape.Width)
	for i, p := range pixels {
		copy(images.Row(i), p)
	}
	aug, err := GeoTransform(images)
	if err != nil {
		return Batch{}, err
	}
	return Batch{Images: images, AugImages: aug, Labels: labels}, nil
}

// ShardLoader batches the samples streamed from WebDataset shards.
type ShardLoader struct {
	samples   <-chan Sample
	errs      <-chan error
	batchSize int
	shape     ImageShape
}

// NewShardLoader starts the sampler. The pipeline stops when ctx ends.
func NewShardLoader(ctx context.Context, opts SamplerOptions, batchSize int, shape ImageShape) (*ShardLoader, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset: batch size must be > 0 (got %d)", batchSize)
	}
	if err := shape.validate(); err != nil {
		return nil, err
	}
	samples, errs, err := StartSampler(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &ShardLoader{samples: samples, errs: errs, batchSize: batchSize, shape: shape}, nil
}

func (l *ShardLoader) Next(ctx context.Context) (Batch, error) {
	pixels := make([][]float64, 0, l.batchSize)
	labels := make([]int, 0, l.batchSize)
	for len(pixels) < l.batchSize {
		select {
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		case err, ok := <-l.errs:
			if ok && err != nil {
				return Batch{}, err
			}
		case sample, ok := <-l.samples:
			if !ok {
				return Batch{}, l.closedErr()
			}
			p, err := Rasterize(sample.Image, l.shape.Channels, l.shape.Height, l.shape.Width)
			if err != nil {
				klog.Warningf("skipping sample key=%s: %v", sample.Key, err)
				continue
			}
			pixels = append(pixels, p)
			labels = append(labels, sample.Label)
		}
	}
	return assemble(pixels, labels, l.shape)
}

// closedErr reports why the sample stream ended. A worker error is buffered
// on the error channel before the stream closes, so it is read here before
// falling back to a generic one.
func (l *ShardLoader) closedErr() error {
	for {
		select {
		case err, ok := <-l.errs:
			if !ok {
				return errors.New("dataset: sampler closed")
			}
			if err != nil {
				return err
			}
		default:
			return errors.New("dataset: sampler closed")
		}
	}
}

// BlobOptions configures the synthetic source.
type BlobOptions struct {
	Clusters  int
	BatchSize int
	Shape     ImageShape
	Spread    float64
	Seed      uint64
}

// Blobs draws images around a fixed set of random cluster centers. It needs
// no files and is deterministic for a seed.
type Blobs struct {
	opts    BlobOptions
	centers [][]float64
	rng     *rand.Rand
	noise   distuv.Normal
}

func NewBlobs(opts BlobOptions) (*Blobs, error) {
	if opts.Clusters < 1 {
		return nil, errors.Errorf("dataset: blobs need >= 1 cluster (got %d)", opts.Clusters)
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("dataset: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if err := opts.Shape.validate(); err != nil {
		return nil, err
	}
	if opts.Spread < 0 {
		return nil, errors.Errorf("dataset: blob spread must be >= 0 (got %g)", opts.Spread)
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed+1))
	b := &Blobs{opts: opts, rng: rng, noise: distuv.Normal{Mu: 0, Sigma: opts.Spread, Src: rng}}
	b.centers = make([][]float64, opts.Clusters)
	for k := range b.centers {
		c := make([]float64, opts.Shape.Size())
		for i := range c {
			c[i] = rng.Float64()
		}
		b.centers[k] = c
	}
	return b, nil
}

// Fork returns a source over the same cluster centers with its own sample
// stream, for held-out evaluation.
func (b *Blobs) Fork(seed uint64) *Blobs {
	opts := b.opts
	opts.Seed = seed
	rng := rand.New(rand.NewPCG(seed, seed+1))
	return &Blobs{opts: opts, centers: b.centers, rng: rng, noise: distuv.Normal{Mu: 0, Sigma: opts.Spread, Src: rng}}
}

func (b *Blobs) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	pixels := make([][]float64, b.opts.BatchSize)
	labels := make([]int, b.opts.BatchSize)
	for i := range pixels {
		k := b.rng.IntN(b.opts.Clusters)
		p := append([]float64(nil), b.centers[k]...)
		if b.opts.Spread > 0 {
			for j := range p {
				p[j] += b.noise.Rand()
			}
		}
		pixels[i], labels[i] = p, k
	}
	return assemble(pixels, labels, b.opts.Shape)
}
