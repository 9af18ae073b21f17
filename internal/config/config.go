package config

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"imsat-forge/internal/divergence"
	"imsat-forge/internal/vat"
)

// Sources a run can draw batches from.
const (
	SourceShards = "shards"
	SourceBlobs  = "blobs"
)

// Config captures the runtime knobs for a clustering run.
type Config struct {
	Source     string  `yaml:"source"`
	TrainRootA string  `yaml:"train_root_a"`
	TrainRootB string  `yaml:"train_root_b"`
	BlobSpread float64 `yaml:"blob_spread"`
	ValRoot    string  `yaml:"val_root"`

	StepsPerEpoch int    `yaml:"steps_per_epoch"`
	MaxEpoch      int    `yaml:"max_epoch"`
	BatchSize     int    `yaml:"batch_size"`
	NumWorkers    int    `yaml:"num_workers"`
	Seed          uint64 `yaml:"seed"`
	LogEvery      int    `yaml:"log_every"`
	ValSteps      int    `yaml:"val_steps"`

	Variant     string `yaml:"variant"`
	Head        string `yaml:"head"`
	NumClasses  int    `yaml:"num_classes"`
	NumSubHeads int    `yaml:"num_subheads"`

	Image    Image    `yaml:"image"`
	Optim    Optim    `yaml:"optim"`
	MI       MI       `yaml:"mi"`
	VAT      VAT      `yaml:"vat"`
	Gaussian Gaussian `yaml:"gaussian"`
	Cutout   Cutout   `yaml:"cutout"`
}

type Image struct {
	Channels int `yaml:"channels"`
	Height   int `yaml:"height"`
	Width    int `yaml:"width"`
}

type Optim struct {
	LR          float64 `yaml:"lr"`
	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"weight_decay"`
	StepSize    int     `yaml:"step_size"`
	Gamma       float64 `yaml:"gamma"`
}

type MI struct {
	Mu     float64 `yaml:"mu"`
	Weight float64 `yaml:"weight"`
}

// VAT holds the adversarial search knobs. Eps is a scalar or a per-sample
// list; use EpsValue to read it.
type VAT struct {
	Xi       float64     `yaml:"xi"`
	Eps      interface{} `yaml:"eps"`
	PropEps  float64     `yaml:"prop_eps"`
	IP       int         `yaml:"ip"`
	Distance string      `yaml:"distance"`
}

// EpsValue parses Eps.
func (v VAT) EpsValue() (vat.Eps, error) { return vat.ParseEps(v.Eps) }

type Gaussian struct {
	Std float64 `yaml:"std"`
}

type Cutout struct {
	Holes  int `yaml:"holes"`
	Length int `yaml:"length"`
}

// Default returns a config with every optional knob filled in.
func Default() *Config {
	return &Config{
		Source:        SourceShards,
		BlobSpread:    0.05,
		StepsPerEpoch: 100,
		MaxEpoch:      1,
		BatchSize:     64,
		NumWorkers:    1,
		Seed:          42,
		LogEvery:      50,
		ValSteps:      10,
		Variant:       "imsat",
		Head:          "B",
		NumClasses:    10,
		NumSubHeads:   1,
		Image:         Image{Channels: 1, Height: 16, Width: 16},
		Optim:         Optim{LR: 1e-3, Momentum: 0.9, StepSize: 0, Gamma: 0.1},
		MI:            MI{Mu: 4, Weight: 0.1},
		VAT:           VAT{Xi: 10, Eps: 1.0, PropEps: 0.25, IP: 1, Distance: "kl"},
		Gaussian:      Gaussian{Std: 0.1},
		Cutout:        Cutout{Holes: 1, Length: 16},
	}
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Source        string
	TrainRootA    string
	TrainRootB    string
	StepsPerEpoch int
	MaxEpoch      int
	BatchSize     int
	NumWorkers    int
	Seed          uint64
	LogEvery      int
	Variant       string
	Head          string
}

// Load reads a Config from YAML on top of the defaults and validates it.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults. Unknown keys are rejected.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Source != "" {
		c.Source = o.Source
	}
	if o.TrainRootA != "" {
		c.TrainRootA = o.TrainRootA
	}
	if o.TrainRootB != "" {
		c.TrainRootB = o.TrainRootB
	}
	if o.StepsPerEpoch > 0 {
		c.StepsPerEpoch = o.StepsPerEpoch
	}
	if o.MaxEpoch > 0 {
		c.MaxEpoch = o.MaxEpoch
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.Variant != "" {
		c.Variant = o.Variant
	}
	if o.Head != "" {
		c.Head = o.Head
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	switch c.Source {
	case SourceShards:
		if c.TrainRootA == "" || c.TrainRootB == "" {
			return errors.New("both training roots must be provided for the shard source")
		}
	case SourceBlobs:
		if c.BlobSpread < 0 {
			return errors.Errorf("blob_spread must be >= 0 (got %g)", c.BlobSpread)
		}
	default:
		return errors.Errorf("source must be %q or %q (got %q)", SourceShards, SourceBlobs, c.Source)
	}
	if c.StepsPerEpoch <= 0 {
		return errors.Errorf("steps_per_epoch must be > 0 (got %d)", c.StepsPerEpoch)
	}
	if c.MaxEpoch <= 0 {
		return errors.Errorf("max_epoch must be > 0 (got %d)", c.MaxEpoch)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.ValSteps < 0 {
		return errors.Errorf("val_steps must be >= 0 (got %d)", c.ValSteps)
	}
	if c.NumWorkers <= 0 {
		return errors.Errorf("num_workers must be > 0 (got %d)", c.NumWorkers)
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	if c.Variant == "" {
		return errors.New("variant must be set")
	}
	if c.Head == "" {
		return errors.New("head must be set")
	}
	if c.NumClasses < 2 {
		return errors.Errorf("num_classes must be >= 2 (got %d)", c.NumClasses)
	}
	if c.NumSubHeads < 1 {
		return errors.Errorf("num_subheads must be >= 1 (got %d)", c.NumSubHeads)
	}
	if c.Image.Channels != 1 && c.Image.Channels != 3 {
		return errors.Errorf("image.channels must be 1 or 3 (got %d)", c.Image.Channels)
	}
	if c.Image.Height <= 0 || c.Image.Width <= 0 {
		return errors.Errorf("image grid must be positive (got %dx%d)", c.Image.Height, c.Image.Width)
	}
	if c.Optim.LR <= 0 {
		return errors.Errorf("optim.lr must be > 0 (got %g)", c.Optim.LR)
	}
	if c.MI.Weight <= 0 {
		return errors.Errorf("mi.weight must be > 0 (got %g)", c.MI.Weight)
	}
	if c.VAT.IP < 0 {
		return errors.Errorf("vat.ip must be >= 0 (got %d)", c.VAT.IP)
	}
	if c.VAT.Xi <= 0 {
		return errors.Errorf("vat.xi must be > 0 (got %g)", c.VAT.Xi)
	}
	if _, err := divergence.ByName(c.VAT.Distance); err != nil {
		return errors.Wrap(err, "vat.distance")
	}
	if _, err := c.VAT.EpsValue(); err != nil {
		return errors.Wrap(err, "vat.eps")
	}
	if c.Gaussian.Std <= 0 {
		return errors.Errorf("gaussian.std must be > 0 (got %g)", c.Gaussian.Std)
	}
	if c.Cutout.Holes < 1 || c.Cutout.Length < 1 {
		return errors.Errorf("cutout needs >= 1 hole of length >= 1 (got %d x %d)", c.Cutout.Holes, c.Cutout.Length)
	}
	return nil
}
