// Package config loads training run configuration from YAML files, with
// defaults matching a small demo run.
package config

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the full set of training loop knobs. Model architecture knobs
// are deliberately not here; they travel in a hyperparameter string.
type Config struct {
	Epochs    int `yaml:"epochs"`
	BatchSize int `yaml:"batch_size"`

	// ShardSize bounds the rows of each loss shard. Zero lets the loss
	// process whole batches.
	ShardSize int `yaml:"shard_size"`
	// TruncSize enables truncated BPTT when positive.
	TruncSize int `yaml:"trunc_size"`
	// GradAccumCount groups this many batches per optimizer step.
	GradAccumCount int `yaml:"grad_accum_count"`
	// NormMethod is "sents" or "tokens".
	NormMethod string `yaml:"norm_method"`

	Optimizer         string  `yaml:"optimizer"`
	LearningRate      float64 `yaml:"learning_rate"`
	LearningRateDecay float64 `yaml:"learning_rate_decay"`
	StartDecayAt      int     `yaml:"start_decay_at"`
	WeightDecay       float64 `yaml:"weight_decay"`

	EarlyStopTolerance int `yaml:"earlystop_tolerance"`
	// ValidateEvery is the batch cadence of mid-epoch validation.
	ValidateEvery int `yaml:"validate_every"`

	// SaveModel is the checkpoint path prefix; empty disables saving.
	SaveModel       string `yaml:"save_model"`
	KeepCheckpoints int    `yaml:"keep_checkpoints"`

	ReportEvery int   `yaml:"report_every"`
	Seed        int64 `yaml:"seed"`

	// Auxiliary loss terms. A zero lambda disables the term.
	LambdaCoverage  float64 `yaml:"lambda_coverage"`
	LambdaExhaust   float64 `yaml:"lambda_exhaust"`
	LambdaFertility float64 `yaml:"lambda_fertility"`
}

// Default returns a configuration suitable for the synthetic copy task.
func Default() *Config {
	return &Config{
		Epochs:             10,
		BatchSize:          16,
		ShardSize:          8,
		GradAccumCount:     1,
		NormMethod:         "sents",
		Optimizer:          "sgd",
		LearningRate:       1.0,
		LearningRateDecay:  0.5,
		StartDecayAt:       8,
		EarlyStopTolerance: 4,
		ValidateEvery:      50,
		KeepCheckpoints:    5,
		ReportEvery:        10,
		Seed:               42,
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %q", path)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "config %q", path)
	}
	return cfg, nil
}

// Validate checks cross-field constraints that YAML decoding cannot.
func (c *Config) Validate() error {
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0, got %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0, got %d", c.BatchSize)
	}
	if c.ShardSize < 0 {
		return errors.Errorf("shard_size must be >= 0, got %d", c.ShardSize)
	}
	if c.TruncSize < 0 {
		return errors.Errorf("trunc_size must be >= 0, got %d", c.TruncSize)
	}
	if c.GradAccumCount > 1 && c.TruncSize != 0 {
		return errors.New("grad_accum_count > 1 cannot be combined with trunc_size")
	}
	switch c.NormMethod {
	case "sents", "sentences", "tokens":
	default:
		return errors.Errorf("norm_method must be sents or tokens, got %q", c.NormMethod)
	}
	switch c.Optimizer {
	case "sgd", "adamw":
	default:
		return errors.Errorf("optimizer must be sgd or adamw, got %q", c.Optimizer)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0, got %g", c.LearningRate)
	}
	if c.LearningRateDecay <= 0 || c.LearningRateDecay > 1 {
		return errors.Errorf("learning_rate_decay must be in (0, 1], got %g", c.LearningRateDecay)
	}
	if c.EarlyStopTolerance < 0 {
		return errors.Errorf("earlystop_tolerance must be >= 0, got %d", c.EarlyStopTolerance)
	}
	if c.ValidateEvery <= 0 {
		return errors.Errorf("validate_every must be > 0, got %d", c.ValidateEvery)
	}
	if c.LambdaCoverage < 0 || c.LambdaExhaust < 0 || c.LambdaFertility < 0 {
		return errors.New("loss term lambdas must be >= 0")
	}
	return nil
}

// Marshal serializes the configuration for embedding into checkpoints.
func (c *Config) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(c)
	return out, errors.Wrap(err, "serializing config")
}
