// Package ranking scores qualified tests with a fixed five-factor weighted
// sum and decides the generation gate.
package ranking

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidWeights is returned for negative weights or an all-zero
	// weight set. Weight validation also happens at configuration load;
	// this guards direct callers.
	ErrInvalidWeights = errors.New("invalid ranking weights")

	// ErrInvalidFactors is returned when a factor value lies outside [0,1].
	ErrInvalidFactors = errors.New("factor value outside [0,1]")
)

// Weights are the five fixed factor weights. All must be non-negative and
// at least one must be positive.
type Weights struct {
	Similarity    float64 `json:"similarity" koanf:"similarity"`
	Coverage      float64 `json:"coverage" koanf:"coverage"`
	DefectDensity float64 `json:"defect_density" koanf:"defect_density"`
	Criticality   float64 `json:"criticality" koanf:"criticality"`
	Recurrence    float64 `json:"recurrence" koanf:"recurrence"`
}

// Validate checks the weight set.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"similarity":     w.Similarity,
		"coverage":       w.Coverage,
		"defect_density": w.DefectDensity,
		"criticality":    w.Criticality,
		"recurrence":     w.Recurrence,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s is negative (%v)", ErrInvalidWeights, name, v)
		}
	}
	if w.Sum() == 0 {
		return fmt.Errorf("%w: all weights are zero", ErrInvalidWeights)
	}
	return nil
}

// Sum returns the total weight, which is also the theoretical maximum raw
// score since every factor is defined on [0,1].
func (w Weights) Sum() float64 {
	return w.Similarity + w.Coverage + w.DefectDensity + w.Criticality + w.Recurrence
}

// Factors are one test's factor values, each in [0,1].
type Factors struct {
	Similarity    float64 `json:"similarity"`
	Coverage      float64 `json:"coverage"`
	DefectDensity float64 `json:"defect_density"`
	Criticality   float64 `json:"criticality"`
	Recurrence    float64 `json:"recurrence"`
}

func (f Factors) validate() error {
	for name, v := range f.Map() {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s = %v", ErrInvalidFactors, name, v)
		}
	}
	return nil
}

// Map returns the factor values keyed by factor name.
func (f Factors) Map() map[string]float64 {
	return map[string]float64{
		"similarity":     f.Similarity,
		"coverage":       f.Coverage,
		"defect_density": f.DefectDensity,
		"criticality":    f.Criticality,
		"recurrence":     f.Recurrence,
	}
}

// Candidate is one test entering the ranking.
type Candidate struct {
	TestID string `json:"test_id"`

	// Qualified marks tests that passed the coverage cutoff. Only
	// qualified tests feed the generation-gate statistic; all candidates
	// are scored and returned.
	Qualified bool `json:"qualified"`

	Factors Factors `json:"factors"`
}

// Score is one ranked test with its traceable arithmetic.
type Score struct {
	TestID    string  `json:"test_id"`
	Qualified bool    `json:"qualified"`
	Factors   Factors `json:"factors"`

	// Raw is the weighted sum before normalization.
	Raw float64 `json:"raw"`

	// Final is Raw normalized linearly onto [0,100] against the
	// theoretical maximum (the weight sum), never a per-run observed
	// min-max. Scores are therefore comparable across runs sharing a
	// weight configuration.
	Final float64 `json:"final"`
}

// Result is the full ranking output.
type Result struct {
	Scores []Score `json:"scores"`

	// TopQualifiedScore is the maximum Final among qualified tests, the
	// generation-gate statistic before rescaling. Zero when no test
	// qualified.
	TopQualifiedScore float64 `json:"top_qualified_score"`
}

// Rank scores every candidate and sorts by final score descending, ties
// broken by test id ascending. Nothing is dropped or reordered by any
// criterion outside the formula.
func Rank(weights Weights, candidates []Candidate) (*Result, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}

	maxRaw := weights.Sum()
	res := &Result{Scores: make([]Score, 0, len(candidates))}

	for _, c := range candidates {
		if err := c.Factors.validate(); err != nil {
			return nil, fmt.Errorf("test %s: %w", c.TestID, err)
		}

		raw := weights.Similarity*c.Factors.Similarity +
			weights.Coverage*c.Factors.Coverage +
			weights.DefectDensity*c.Factors.DefectDensity +
			weights.Criticality*c.Factors.Criticality +
			weights.Recurrence*c.Factors.Recurrence

		score := Score{
			TestID:    c.TestID,
			Qualified: c.Qualified,
			Factors:   c.Factors,
			Raw:       raw,
			Final:     raw / maxRaw * 100,
		}
		res.Scores = append(res.Scores, score)

		if c.Qualified && score.Final > res.TopQualifiedScore {
			res.TopQualifiedScore = score.Final
		}
	}

	sort.SliceStable(res.Scores, func(i, j int) bool {
		if res.Scores[i].Final != res.Scores[j].Final {
			return res.Scores[i].Final > res.Scores[j].Final
		}
		return res.Scores[i].TestID < res.Scores[j].TestID
	})

	return res, nil
}

// GateStatistic rescales the top qualified score onto [0,1] for comparison
// against the generation score threshold.
func (r *Result) GateStatistic() float64 {
	return r.TopQualifiedScore / 100
}

// AdmitsGeneration reports whether the gate statistic meets the threshold,
// boundary inclusive.
func (r *Result) AdmitsGeneration(threshold float64) bool {
	return r.GateStatistic() >= threshold
}
