package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"imsat-forge/internal/config"
	"imsat-forge/internal/dataset"
	"imsat-forge/internal/divergence"
	"imsat-forge/internal/mi"
	"imsat-forge/internal/model"
	"imsat-forge/internal/optim"
	"imsat-forge/internal/regularize"
	"imsat-forge/internal/trainer"
)

func main() {
	klog.InitFlags(nil)
	cfgPath := flag.String("config", "configs/blobs.yaml", "Path to YAML config")
	source := flag.String("source", "", "Override batch source (shards or blobs)")
	trainRootA := flag.String("train-root-a", "", "Override training root A")
	trainRootB := flag.String("train-root-b", "", "Override training root B")
	stepsPerEpoch := flag.Int("steps-per-epoch", 0, "Batches per epoch")
	maxEpoch := flag.Int("max-epoch", 0, "Number of epochs")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	numWorkers := flag.Int("num-workers", 0, "Number of data loader workers")
	seed := flag.Uint64("seed", 0, "PRNG seed")
	logEvery := flag.Int("log-every", 0, "Log every N steps")
	variant := flag.String("variant", "", "Trainer variant")
	head := flag.String("head", "", "Head to train")
	listVariants := flag.Bool("list-variants", false, "Print the trainer variants and exit")

	flag.Parse()
	defer klog.Flush()

	if *listVariants {
		for _, name := range trainer.Variants() {
			kinds, _ := trainer.Lookup(name)
			fmt.Printf("%s\t%v\n", name, kinds)
		}
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		klog.Fatalf("failed to load config: %v", err)
	}

	cfg.ApplyOverrides(config.Overrides{
		Source:        *source,
		TrainRootA:    *trainRootA,
		TrainRootB:    *trainRootB,
		StepsPerEpoch: *stepsPerEpoch,
		MaxEpoch:      *maxEpoch,
		BatchSize:     *batchSize,
		NumWorkers:    *numWorkers,
		Seed:          *seed,
		LogEvery:      *logEvery,
		Variant:       *variant,
		Head:          *head,
	})

	if err := cfg.Validate(); err != nil {
		klog.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader, evalLoader, err := newLoaders(ctx, cfg)
	if err != nil {
		klog.Fatalf("failed to start loader: %v", err)
	}

	tr, err := newTrainer(cfg)
	if err != nil {
		klog.Fatalf("failed to build trainer: %v", err)
	}

	runCfg := trainer.RunConfig{
		MaxEpoch:      cfg.MaxEpoch,
		StepsPerEpoch: cfg.StepsPerEpoch,
		LogEvery:      cfg.LogEvery,
		Schedule:      optim.StepSchedule{Base: cfg.Optim.LR, StepSize: cfg.Optim.StepSize, Gamma: cfg.Optim.Gamma},
	}
	if evalLoader != nil {
		runCfg.Eval, runCfg.EvalSteps = evalLoader, cfg.ValSteps
	}

	if err := tr.Run(ctx, runCfg, loader); err != nil {
		klog.Fatalf("training failed: %v", err)
	}
}

func imageShape(cfg *config.Config) dataset.ImageShape {
	return dataset.ImageShape{Channels: cfg.Image.Channels, Height: cfg.Image.Height, Width: cfg.Image.Width}
}

// newLoaders returns the training source and, when val_steps > 0 and there
// is something to score against, a labeled evaluation source.
func newLoaders(ctx context.Context, cfg *config.Config) (dataset.Loader, dataset.Loader, error) {
	if cfg.Source == config.SourceBlobs {
		b, err := dataset.NewBlobs(dataset.BlobOptions{
			Clusters:  cfg.NumClasses,
			BatchSize: cfg.BatchSize,
			Shape:     imageShape(cfg),
			Spread:    cfg.BlobSpread,
			Seed:      cfg.Seed,
		})
		if err != nil {
			return nil, nil, err
		}
		if cfg.ValSteps == 0 {
			return b, nil, nil
		}
		return b, b.Fork(cfg.Seed + 1), nil
	}
	train, err := newShardLoader(ctx, cfg, []string{cfg.TrainRootA, cfg.TrainRootB})
	if err != nil {
		return nil, nil, err
	}
	if cfg.ValRoot == "" || cfg.ValSteps == 0 {
		return train, nil, nil
	}
	eval, err := newShardLoader(ctx, cfg, []string{cfg.ValRoot})
	if err != nil {
		return nil, nil, err
	}
	return train, eval, nil
}

func newShardLoader(ctx context.Context, cfg *config.Config, dirs []string) (*dataset.ShardLoader, error) {
	roots, err := dataset.DiscoverByRoot(dirs)
	if err != nil {
		return nil, err
	}
	for root, shards := range roots {
		klog.Infof("root=%s shards=%d", root, len(shards))
	}
	return dataset.NewShardLoader(ctx, dataset.SamplerOptions{
		Roots:      roots,
		Seed:       cfg.Seed,
		NumWorkers: cfg.NumWorkers,
	}, cfg.BatchSize, imageShape(cfg))
}

func newTrainer(cfg *config.Config) (*trainer.Trainer, error) {
	m, err := model.NewClusterer(imageShape(cfg).Size(), []model.HeadSpec{
		{Name: cfg.Head, Classes: cfg.NumClasses, SubHeads: cfg.NumSubHeads},
	}, cfg.Seed)
	if err != nil {
		return nil, err
	}
	eps, err := cfg.VAT.EpsValue()
	if err != nil {
		return nil, err
	}
	dist, err := divergence.ByName(cfg.VAT.Distance)
	if err != nil {
		return nil, err
	}
	ro := regularize.DefaultOptions(nil, cfg.Head)
	ro.VATXi, ro.VATEps, ro.VATPropEps, ro.VATIP, ro.VATDistance = cfg.VAT.Xi, eps, cfg.VAT.PropEps, cfg.VAT.IP, dist
	ro.GaussianStd = cfg.Gaussian.Std
	ro.CutoutHoles, ro.CutoutLength = cfg.Cutout.Holes, cfg.Cutout.Length

	return trainer.New(trainer.Options{
		Variant:    cfg.Variant,
		Head:       cfg.Head,
		Model:      m,
		Optimizer:  &optim.SGD{LR: cfg.Optim.LR, Momentum: cfg.Optim.Momentum, WeightDecay: cfg.Optim.WeightDecay},
		Objective:  mi.IMSAT{Mu: cfg.MI.Mu},
		Weight:     cfg.MI.Weight,
		Seed:       cfg.Seed,
		Regularize: ro,
	})
}
