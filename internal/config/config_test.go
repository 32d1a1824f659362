package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8380, cfg.Server.Port)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.NotEmpty(t, cfg.Store.Path)
	assert.Equal(t, 24*time.Hour, cfg.Pipeline.ApprovalTimeout.Duration())
	assert.Equal(t, time.Minute, cfg.Pipeline.SweepInterval.Duration())
	assert.Equal(t, 5*time.Minute, cfg.Agent.CallTimeout.Duration())
	assert.Equal(t, uint(3), cfg.Agent.MaxTries)
	assert.InDelta(t, 0.75, cfg.Scoring.ACMatchThreshold, 1e-9)
	assert.InDelta(t, 0.7, cfg.Scoring.GenerationThreshold, 1e-9)
	assert.InDelta(t, 1.0,
		cfg.Scoring.Weights.Similarity+cfg.Scoring.Weights.Coverage+
			cfg.Scoring.Weights.DefectDensity+cfg.Scoring.Weights.Criticality+
			cfg.Scoring.Weights.Recurrence, 1e-9)

	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		threshold bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = -1 },
			wantErr: true,
		},
		{
			name:    "unknown store driver",
			mutate:  func(c *Config) { c.Store.Driver = "postgres" },
			wantErr: true,
		},
		{
			name:   "memory driver needs no path",
			mutate: func(c *Config) { c.Store.Driver = "memory"; c.Store.Path = "" },
		},
		{
			name:    "bad logging level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
		{
			name:      "ac match threshold above one",
			mutate:    func(c *Config) { c.Scoring.ACMatchThreshold = 1.2 },
			wantErr:   true,
			threshold: true,
		},
		{
			name:      "negative generation threshold",
			mutate:    func(c *Config) { c.Scoring.GenerationThreshold = -0.1 },
			wantErr:   true,
			threshold: true,
		},
		{
			name:      "negative weight",
			mutate:    func(c *Config) { c.Scoring.Weights.Coverage = -0.3 },
			wantErr:   true,
			threshold: true,
		},
		{
			name:      "all-zero weights",
			mutate:    func(c *Config) { c.Scoring.Weights = WeightsConfig{} },
			wantErr:   true,
			threshold: true,
		},
		{
			name:    "non-positive approval timeout",
			mutate:  func(c *Config) { c.Pipeline.ApprovalTimeout = Duration(-time.Hour) },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tt.threshold {
				assert.ErrorIs(t, err, ErrThresholdMisconfiguration)
			}
		})
	}
}

func TestParseLayering(t *testing.T) {
	t.Run("explicit zero threshold survives defaulting", func(t *testing.T) {
		cfg, err := parse([]byte("scoring:\n  generation_score_threshold: 0\n"), false)
		require.NoError(t, err)
		assert.Zero(t, cfg.Scoring.GenerationThreshold)
		require.NoError(t, cfg.Validate())

		// Untouched siblings keep their defaults.
		assert.InDelta(t, 0.75, cfg.Scoring.ACMatchThreshold, 1e-9)
		assert.InDelta(t, 0.3, cfg.Scoring.Weights.Similarity, 1e-9)
	})

	t.Run("documented key overrides the default", func(t *testing.T) {
		cfg, err := parse([]byte("scoring:\n  generation_score_threshold: 0.42\n"), false)
		require.NoError(t, err)
		assert.InDelta(t, 0.42, cfg.Scoring.GenerationThreshold, 1e-9)
	})

	t.Run("partial weights merge per key", func(t *testing.T) {
		cfg, err := parse([]byte("scoring:\n  weights:\n    similarity: 0.9\n"), false)
		require.NoError(t, err)
		assert.InDelta(t, 0.9, cfg.Scoring.Weights.Similarity, 1e-9)
		assert.InDelta(t, 0.3, cfg.Scoring.Weights.Coverage, 1e-9)
	})
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.Error(t, d.UnmarshalText([]byte("-5s")))
	require.Error(t, d.UnmarshalText([]byte("not a duration")))

	text, err := Duration(time.Minute).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m0s", string(text))
}
