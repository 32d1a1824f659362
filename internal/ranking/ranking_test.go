package ranking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultWeights() Weights {
	return Weights{
		Similarity:    0.3,
		Coverage:      0.3,
		DefectDensity: 0.2,
		Criticality:   0.1,
		Recurrence:    0.1,
	}
}

func TestWeightsValidate(t *testing.T) {
	require.NoError(t, defaultWeights().Validate())

	negative := defaultWeights()
	negative.Coverage = -0.1
	err := negative.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidWeights)

	err = Weights{}.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidWeights)
}

func TestRank(t *testing.T) {
	t.Run("weighted sum normalized against theoretical maximum", func(t *testing.T) {
		res, err := Rank(defaultWeights(), []Candidate{
			{
				TestID:    "T1",
				Qualified: true,
				Factors: Factors{
					Similarity:    0.8,
					Coverage:      0.5,
					DefectDensity: 0.4,
					Criticality:   0.6,
					Recurrence:    0.2,
				},
			},
		})
		require.NoError(t, err)
		require.Len(t, res.Scores, 1)

		// 0.3*0.8 + 0.3*0.5 + 0.2*0.4 + 0.1*0.6 + 0.1*0.2 = 0.55
		assert.InDelta(t, 0.55, res.Scores[0].Raw, 1e-9)
		assert.InDelta(t, 55.0, res.Scores[0].Final, 1e-9)
		assert.InDelta(t, 55.0, res.TopQualifiedScore, 1e-9)
	})

	t.Run("normalization divides by weight sum not observed range", func(t *testing.T) {
		// With a weight sum of 2, a raw score of 1 maps to 50, not 100.
		weights := Weights{Similarity: 1, Coverage: 1}
		res, err := Rank(weights, []Candidate{
			{TestID: "T1", Qualified: true, Factors: Factors{Similarity: 1}},
		})
		require.NoError(t, err)
		assert.InDelta(t, 50.0, res.Scores[0].Final, 1e-9)
	})

	t.Run("sorts descending with ties broken by test id", func(t *testing.T) {
		perfect := Factors{Similarity: 1, Coverage: 1, DefectDensity: 1, Criticality: 1, Recurrence: 1}
		res, err := Rank(defaultWeights(), []Candidate{
			{TestID: "T3", Qualified: true, Factors: perfect},
			{TestID: "T1", Qualified: true, Factors: perfect},
			{TestID: "T2", Qualified: true, Factors: Factors{Similarity: 0.5}},
		})
		require.NoError(t, err)
		require.Len(t, res.Scores, 3)

		assert.Equal(t, "T1", res.Scores[0].TestID)
		assert.Equal(t, "T3", res.Scores[1].TestID)
		assert.Equal(t, "T2", res.Scores[2].TestID)
	})

	t.Run("scores stay within 0 and 100", func(t *testing.T) {
		res, err := Rank(defaultWeights(), []Candidate{
			{TestID: "Tmin", Qualified: true, Factors: Factors{}},
			{TestID: "Tmax", Qualified: true, Factors: Factors{
				Similarity: 1, Coverage: 1, DefectDensity: 1, Criticality: 1, Recurrence: 1,
			}},
		})
		require.NoError(t, err)
		for _, s := range res.Scores {
			assert.GreaterOrEqual(t, s.Final, 0.0)
			assert.LessOrEqual(t, s.Final, 100.0)
		}
		assert.InDelta(t, 100.0, res.Scores[0].Final, 1e-9)
		assert.InDelta(t, 0.0, res.Scores[1].Final, 1e-9)
	})

	t.Run("unqualified tests are scored but excluded from the gate statistic", func(t *testing.T) {
		res, err := Rank(defaultWeights(), []Candidate{
			{TestID: "T1", Qualified: false, Factors: Factors{Similarity: 1, Coverage: 1}},
			{TestID: "T2", Qualified: true, Factors: Factors{Similarity: 0.5}},
		})
		require.NoError(t, err)
		require.Len(t, res.Scores, 2)
		assert.InDelta(t, 15.0, res.TopQualifiedScore, 1e-9)
	})

	t.Run("no qualified tests yields zero statistic", func(t *testing.T) {
		res, err := Rank(defaultWeights(), []Candidate{
			{TestID: "T1", Qualified: false, Factors: Factors{Similarity: 1}},
		})
		require.NoError(t, err)
		assert.Zero(t, res.TopQualifiedScore)
		assert.False(t, res.AdmitsGeneration(0.7))
	})

	t.Run("rejects factor outside unit interval", func(t *testing.T) {
		_, err := Rank(defaultWeights(), []Candidate{
			{TestID: "T1", Factors: Factors{Similarity: 1.2}},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidFactors)
	})
}

func TestGateStatistic(t *testing.T) {
	tests := []struct {
		name     string
		top      float64
		admitted bool
	}{
		{name: "exactly at threshold is admitted", top: 70.0, admitted: true},
		{name: "just below threshold is gated", top: 69.0, admitted: false},
		{name: "above threshold is admitted", top: 70.1, admitted: true},
		{name: "zero is gated", top: 0, admitted: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &Result{TopQualifiedScore: tt.top}
			assert.InDelta(t, tt.top/100, res.GateStatistic(), 1e-9)
			assert.Equal(t, tt.admitted, res.AdmitsGeneration(0.7))
		})
	}
}
