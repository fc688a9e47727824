package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Data sources.
const (
	SourceNPZ    = "npz"
	SourceMNIST  = "mnist"
	SourceShards = "shards"
)

// Normalization policies.
const (
	NormMinMax = "minmax"
	NormZScore = "zscore"
)

// Baseline training variants.
const (
	VariantBaseline = "baseline"
	VariantL1       = "l1"
)

// Config captures the runtime knobs for an experiment run.
type Config struct {
	Source        string   `yaml:"source"`
	TrainArchive  string   `yaml:"train_archive"`
	ValidArchive  string   `yaml:"valid_archive"`
	MNISTDir      string   `yaml:"mnist_dir"`
	ShardRoots    []string `yaml:"shard_roots"`
	NumWorkers    int      `yaml:"num_workers"`
	Balance       bool     `yaml:"balance"`
	Split         bool     `yaml:"split"`
	TestFraction  float64  `yaml:"test_fraction"`
	Normalization string   `yaml:"normalization"`
	Seed          int64    `yaml:"seed"`

	Model    ModelConfig   `yaml:"model"`
	Train    TrainConfig   `yaml:"train"`
	Pruning  PruningConfig `yaml:"pruning"`
	Output   OutputConfig  `yaml:"output"`
	Upload   UploadConfig  `yaml:"upload"`
	LogEvery int           `yaml:"log_every"`
}

// ModelConfig describes the convolutional network.
type ModelConfig struct {
	Filters    int     `yaml:"filters"`
	KernelSize int     `yaml:"kernel_size"`
	PoolSize   int     `yaml:"pool_size"`
	NumClasses int     `yaml:"num_classes"`
	Variant    string  `yaml:"variant"`
	L1         float64 `yaml:"l1"`
}

// TrainConfig describes the baseline fit.
type TrainConfig struct {
	Epochs          int     `yaml:"epochs"`
	BatchSize       int     `yaml:"batch_size"`
	ValidationSplit float64 `yaml:"validation_split"`
	LearningRate    float64 `yaml:"learning_rate"`
}

// PruningConfig describes the polynomial decay schedule and the pruning fit.
// An EndStep of 0 is derived from the training set size.
type PruningConfig struct {
	InitialSparsity float64 `yaml:"initial_sparsity"`
	FinalSparsity   float64 `yaml:"final_sparsity"`
	BeginStep       int     `yaml:"begin_step"`
	EndStep         int     `yaml:"end_step"`
	Frequency       int     `yaml:"frequency"`
	Power           float64 `yaml:"power"`
	Epochs          int     `yaml:"epochs"`
	BatchSize       int     `yaml:"batch_size"`
	ValidationSplit float64 `yaml:"validation_split"`
}

// OutputConfig describes where artifacts go.
type OutputConfig struct {
	Dir          string `yaml:"dir"`
	PlotPrefix   string `yaml:"plot_prefix"`
	WriteLite    bool   `yaml:"write_lite"`
	WriteHistory bool   `yaml:"write_history"`
}

// UploadConfig points at an S3 compatible bucket. Upload is off when Endpoint is empty.
type UploadConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Region          string `yaml:"region"`
	UseSSL          bool   `yaml:"use_ssl"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Source        string
	Normalization string
	Variant       string
	Epochs        int
	BatchSize     int
	Seed          int64
	OutputDir     string
	LogEvery      int
}

// Defaults returns the reference experiment settings.
func Defaults() *Config {
	return &Config{
		Source:        SourceNPZ,
		TrainArchive:  "chexpert_train_28_28.npz",
		NumWorkers:    2,
		Balance:       true,
		Split:         true,
		TestFraction:  0.1,
		Normalization: NormMinMax,
		Seed:          3,
		Model: ModelConfig{
			Filters:    12,
			KernelSize: 3,
			PoolSize:   2,
			NumClasses: 10,
			Variant:    VariantBaseline,
			L1:         0.01,
		},
		Train: TrainConfig{
			Epochs:          10,
			BatchSize:       32,
			ValidationSplit: 0.2,
			LearningRate:    0.001,
		},
		Pruning: PruningConfig{
			InitialSparsity: 0.5,
			FinalSparsity:   0.9,
			Frequency:       100,
			Power:           3,
			Epochs:          10,
			BatchSize:       128,
			ValidationSplit: 0.2,
		},
		Output: OutputConfig{
			Dir:          "out",
			PlotPrefix:   "run",
			WriteLite:    true,
			WriteHistory: true,
		},
		LogEvery: 50,
	}
}

// Load reads and validates a Config from YAML. Keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := parseYAML(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Source != "" {
		c.Source = o.Source
	}
	if o.Normalization != "" {
		c.Normalization = o.Normalization
	}
	if o.Variant != "" {
		c.Model.Variant = o.Variant
	}
	if o.Epochs > 0 {
		c.Train.Epochs = o.Epochs
		c.Pruning.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.Train.BatchSize = o.BatchSize
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.OutputDir != "" {
		c.Output.Dir = o.OutputDir
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	switch c.Source {
	case SourceNPZ:
		if c.TrainArchive == "" {
			return errors.New("train_archive must be set for npz source")
		}
	case SourceMNIST:
		if c.MNISTDir == "" {
			return errors.New("mnist_dir must be set for mnist source")
		}
	case SourceShards:
		if len(c.ShardRoots) == 0 {
			return errors.New("shard_roots must be set for shards source")
		}
		if c.NumWorkers <= 0 {
			return fmt.Errorf("num_workers must be > 0 (got %d)", c.NumWorkers)
		}
	default:
		return fmt.Errorf("unknown source %q", c.Source)
	}
	switch c.Normalization {
	case NormMinMax, NormZScore:
	default:
		return fmt.Errorf("unknown normalization %q", c.Normalization)
	}
	switch c.Model.Variant {
	case VariantBaseline, VariantL1:
	default:
		return fmt.Errorf("unknown variant %q", c.Model.Variant)
	}
	if c.Split && !fraction(c.TestFraction) {
		return fmt.Errorf("test_fraction must be in (0,1) (got %g)", c.TestFraction)
	}
	if c.Model.Filters <= 0 || c.Model.KernelSize <= 0 || c.Model.PoolSize <= 0 {
		return errors.New("model filters, kernel_size and pool_size must be > 0")
	}
	if c.Model.NumClasses < 2 {
		return fmt.Errorf("num_classes must be >= 2 (got %d)", c.Model.NumClasses)
	}
	if c.Model.Variant == VariantL1 && c.Model.L1 <= 0 {
		return fmt.Errorf("l1 must be > 0 for the l1 variant (got %g)", c.Model.L1)
	}
	if c.Train.Epochs <= 0 {
		return fmt.Errorf("train.epochs must be > 0 (got %d)", c.Train.Epochs)
	}
	if c.Train.BatchSize <= 0 {
		return fmt.Errorf("train.batch_size must be > 0 (got %d)", c.Train.BatchSize)
	}
	if !fraction(c.Train.ValidationSplit) {
		return fmt.Errorf("train.validation_split must be in (0,1) (got %g)", c.Train.ValidationSplit)
	}
	if c.Train.LearningRate <= 0 {
		c.Train.LearningRate = 0.001
	}
	p := c.Pruning
	if p.InitialSparsity < 0 || p.InitialSparsity >= 1 || p.FinalSparsity < 0 || p.FinalSparsity >= 1 {
		return fmt.Errorf("pruning sparsities must be in [0,1) (got %g, %g)", p.InitialSparsity, p.FinalSparsity)
	}
	if p.InitialSparsity > p.FinalSparsity {
		return fmt.Errorf("pruning initial_sparsity %g exceeds final_sparsity %g", p.InitialSparsity, p.FinalSparsity)
	}
	if p.BeginStep < 0 || (p.EndStep != 0 && p.EndStep <= p.BeginStep) {
		return fmt.Errorf("pruning steps invalid (begin=%d end=%d)", p.BeginStep, p.EndStep)
	}
	if p.Epochs <= 0 || p.BatchSize <= 0 {
		return errors.New("pruning epochs and batch_size must be > 0")
	}
	if !fraction(p.ValidationSplit) {
		return fmt.Errorf("pruning.validation_split must be in (0,1) (got %g)", p.ValidationSplit)
	}
	if c.Pruning.Frequency <= 0 {
		c.Pruning.Frequency = 100
	}
	if c.Pruning.Power <= 0 {
		c.Pruning.Power = 3
	}
	if c.Output.Dir == "" {
		return errors.New("output.dir must be set")
	}
	if c.Upload.Endpoint != "" && c.Upload.Bucket == "" {
		return errors.New("upload.bucket must be set when upload.endpoint is set")
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	return nil
}

func fraction(v float64) bool {
	return v > 0 && v < 1
}

func parseYAML(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}
