package coverage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	t.Run("partitions tests at the qualification cutoff", func(t *testing.T) {
		in := Input{
			ACIDs:   []string{"A1", "A2"},
			TestIDs: []string{"T1", "T2"},
			Similarities: map[string]map[string]float64{
				"A1": {"T1": 0.9, "T2": 0.1},
				"A2": {"T1": 0.3, "T2": 0.2},
			},
			MatchThreshold: 0.8,
		}

		res, err := Evaluate(in)
		require.NoError(t, err)

		// T1 matches only A1: ratio 0.5, boundary inclusive, qualifies.
		require.Len(t, res.Qualified, 1)
		assert.Equal(t, "T1", res.Qualified[0].TestID)
		assert.InDelta(t, 0.5, res.Qualified[0].Ratio, 1e-9)
		assert.Equal(t, []string{"A1"}, res.Qualified[0].MatchedACIDs)

		// T2 matches nothing.
		require.Len(t, res.Rejected, 1)
		assert.Equal(t, "T2", res.Rejected[0].TestID)
		assert.Zero(t, res.Rejected[0].Ratio)
		assert.Empty(t, res.Rejected[0].MatchedACIDs)

		assert.Equal(t, []string{"A2"}, res.UncoveredACIDs)
	})

	t.Run("ratio just below cutoff is rejected", func(t *testing.T) {
		in := Input{
			ACIDs:   []string{"A1", "A2", "A3"},
			TestIDs: []string{"T1"},
			Similarities: map[string]map[string]float64{
				"A1": {"T1": 0.95},
			},
			MatchThreshold: 0.9,
		}

		res, err := Evaluate(in)
		require.NoError(t, err)

		// 1 of 3 matched: 0.333 < 0.5.
		require.Len(t, res.Rejected, 1)
		assert.InDelta(t, 1.0/3.0, res.Rejected[0].Ratio, 1e-9)
		assert.Empty(t, res.Qualified)
	})

	t.Run("missing similarity pairs count as zero", func(t *testing.T) {
		in := Input{
			ACIDs:          []string{"A1", "A2"},
			TestIDs:        []string{"T1"},
			Similarities:   map[string]map[string]float64{},
			MatchThreshold: 0.5,
		}

		res, err := Evaluate(in)
		require.NoError(t, err)
		require.Len(t, res.Rejected, 1)
		assert.Zero(t, res.Rejected[0].Ratio)
		assert.Equal(t, []string{"A1", "A2"}, res.UncoveredACIDs)
	})

	t.Run("threshold zero matches everything", func(t *testing.T) {
		in := Input{
			ACIDs:          []string{"A1", "A2"},
			TestIDs:        []string{"T1"},
			Similarities:   map[string]map[string]float64{},
			MatchThreshold: 0,
		}

		res, err := Evaluate(in)
		require.NoError(t, err)
		require.Len(t, res.Qualified, 1)
		assert.InDelta(t, 1.0, res.Qualified[0].Ratio, 1e-9)
		assert.Empty(t, res.UncoveredACIDs)
	})

	t.Run("uncovered set ignores rejected tests' matches", func(t *testing.T) {
		// T2 matches A3 but does not qualify, so A3 stays uncovered.
		in := Input{
			ACIDs:   []string{"A1", "A2", "A3", "A4"},
			TestIDs: []string{"T1", "T2"},
			Similarities: map[string]map[string]float64{
				"A1": {"T1": 1},
				"A2": {"T1": 1},
				"A3": {"T2": 1},
			},
			MatchThreshold: 0.9,
		}

		res, err := Evaluate(in)
		require.NoError(t, err)
		require.Len(t, res.Qualified, 1)
		assert.Equal(t, "T1", res.Qualified[0].TestID)
		assert.Equal(t, []string{"A3", "A4"}, res.UncoveredACIDs)
	})
}

func TestEvaluateValidation(t *testing.T) {
	valid := Input{
		ACIDs:          []string{"A1"},
		TestIDs:        []string{"T1"},
		Similarities:   map[string]map[string]float64{"A1": {"T1": 0.5}},
		MatchThreshold: 0.5,
	}

	tests := []struct {
		name    string
		mutate  func(*Input)
		wantErr error
	}{
		{
			name:    "zero acceptance criteria",
			mutate:  func(in *Input) { in.ACIDs = nil },
			wantErr: ErrInvalidCoverageInput,
		},
		{
			name:    "zero tests",
			mutate:  func(in *Input) { in.TestIDs = nil },
			wantErr: ErrInvalidCoverageInput,
		},
		{
			name:    "threshold above one",
			mutate:  func(in *Input) { in.MatchThreshold = 1.1 },
			wantErr: ErrInvalidCoverageInput,
		},
		{
			name:    "negative threshold",
			mutate:  func(in *Input) { in.MatchThreshold = -0.1 },
			wantErr: ErrInvalidCoverageInput,
		},
		{
			name:    "duplicate AC id",
			mutate:  func(in *Input) { in.ACIDs = []string{"A1", "A1"} },
			wantErr: ErrInvalidCoverageInput,
		},
		{
			name: "similarity row for unknown AC",
			mutate: func(in *Input) {
				in.Similarities = map[string]map[string]float64{"A9": {"T1": 0.5}}
			},
			wantErr: ErrInvalidCoverageInput,
		},
		{
			name: "similarity outside unit interval",
			mutate: func(in *Input) {
				in.Similarities = map[string]map[string]float64{"A1": {"T1": 1.5}}
			},
			wantErr: ErrInvalidCoverageInput,
		},
		{
			name:    "cutoff override rejected",
			mutate:  func(in *Input) { in.MinRatioOverride = 0.6 },
			wantErr: ErrMinRatioNotConfigurable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)

			_, err := Evaluate(in)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
