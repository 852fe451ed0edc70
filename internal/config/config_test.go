package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
epochs: 3
batch_size: 8
norm_method: tokens
optimizer: adamw
learning_rate: 0.001
lambda_coverage: 0.5
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Epochs)
	assert.Equal(t, 8, cfg.BatchSize)
	assert.Equal(t, "tokens", cfg.NormMethod)
	assert.Equal(t, "adamw", cfg.Optimizer)
	assert.Equal(t, 0.001, cfg.LearningRate)
	assert.Equal(t, 0.5, cfg.LambdaCoverage)
	// Untouched keys keep their defaults.
	assert.Equal(t, Default().ValidateEvery, cfg.ValidateEvery)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "epochs: 3\nbatch_sizes: 8\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero epochs", func(c *Config) { c.Epochs = 0 }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"negative shard size", func(c *Config) { c.ShardSize = -1 }},
		{"accumulation with truncation", func(c *Config) { c.GradAccumCount = 2; c.TruncSize = 4 }},
		{"bad norm method", func(c *Config) { c.NormMethod = "chars" }},
		{"bad optimizer", func(c *Config) { c.Optimizer = "rmsprop" }},
		{"zero learning rate", func(c *Config) { c.LearningRate = 0 }},
		{"decay above one", func(c *Config) { c.LearningRateDecay = 1.5 }},
		{"negative tolerance", func(c *Config) { c.EarlyStopTolerance = -1 }},
		{"zero validate cadence", func(c *Config) { c.ValidateEvery = 0 }},
		{"negative lambda", func(c *Config) { c.LambdaCoverage = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Epochs = 7
	out, err := cfg.Marshal()
	require.NoError(t, err)

	path := writeConfig(t, string(out))
	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}
