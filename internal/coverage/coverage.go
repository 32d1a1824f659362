// Package coverage computes acceptance-criterion coverage ratios for
// candidate tests against a similarity matrix.
package coverage

import (
	"errors"
	"fmt"
	"sort"
)

// minQualifyingRatio is the fixed qualification cutoff. A test qualifies
// when it covers at least half of the story's acceptance criteria,
// boundary inclusive. Not configurable.
const minQualifyingRatio = 0.5

var (
	// ErrInvalidCoverageInput is returned for malformed input: zero
	// acceptance criteria, zero tests, a similarity row for an unknown
	// AC or test, or an out-of-range similarity value.
	ErrInvalidCoverageInput = errors.New("invalid coverage input")

	// ErrMinRatioNotConfigurable is returned when input attempts to
	// override the fixed qualification cutoff.
	ErrMinRatioNotConfigurable = errors.New("minimum qualifying ratio is fixed at 0.5")
)

// Input describes one coverage evaluation.
type Input struct {
	// ACIDs are the story's acceptance criterion identifiers.
	ACIDs []string `json:"ac_ids"`

	// TestIDs are the candidate test identifiers.
	TestIDs []string `json:"test_ids"`

	// Similarities maps AC id -> test id -> similarity in [0,1].
	// A missing pair is treated as similarity 0.
	Similarities map[string]map[string]float64 `json:"similarities"`

	// MatchThreshold is the similarity cutoff at or above which an AC
	// counts as matched by a test.
	MatchThreshold float64 `json:"match_threshold"`

	// MinRatioOverride must be zero. Any other value is rejected, never
	// clamped: the qualification cutoff is not configuration.
	MinRatioOverride float64 `json:"min_ratio_override,omitempty"`
}

// TestCoverage is the per-test evaluation result.
type TestCoverage struct {
	TestID string  `json:"test_id"`
	Ratio  float64 `json:"ratio"`

	// MatchedACIDs is set only for qualified tests, sorted ascending.
	MatchedACIDs []string `json:"matched_ac_ids,omitempty"`
}

// Result partitions the candidate tests.
type Result struct {
	Qualified []TestCoverage `json:"qualified"`
	Rejected  []TestCoverage `json:"rejected"`

	// UncoveredACIDs are ACs absent from every qualified test's matched
	// set, sorted ascending. This is the generation phase's target set.
	UncoveredACIDs []string `json:"uncovered_ac_ids"`
}

// Evaluate computes coverage ratios and partitions tests into qualified and
// rejected sets. Ratios are |matched ACs| / |total ACs| and always lie in
// [0,1].
func Evaluate(in Input) (*Result, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	covered := make(map[string]bool, len(in.ACIDs))
	res := &Result{}

	for _, testID := range in.TestIDs {
		var matched []string
		for _, acID := range in.ACIDs {
			if in.Similarities[acID][testID] >= in.MatchThreshold {
				matched = append(matched, acID)
			}
		}
		sort.Strings(matched)

		ratio := float64(len(matched)) / float64(len(in.ACIDs))
		if ratio >= minQualifyingRatio {
			res.Qualified = append(res.Qualified, TestCoverage{
				TestID:       testID,
				Ratio:        ratio,
				MatchedACIDs: matched,
			})
			for _, acID := range matched {
				covered[acID] = true
			}
		} else {
			res.Rejected = append(res.Rejected, TestCoverage{
				TestID: testID,
				Ratio:  ratio,
			})
		}
	}

	for _, acID := range in.ACIDs {
		if !covered[acID] {
			res.UncoveredACIDs = append(res.UncoveredACIDs, acID)
		}
	}
	sort.Strings(res.UncoveredACIDs)

	return res, nil
}

func validate(in Input) error {
	if in.MinRatioOverride != 0 && in.MinRatioOverride != minQualifyingRatio {
		return fmt.Errorf("%w: got %v", ErrMinRatioNotConfigurable, in.MinRatioOverride)
	}
	if len(in.ACIDs) == 0 {
		return fmt.Errorf("%w: no acceptance criteria", ErrInvalidCoverageInput)
	}
	if len(in.TestIDs) == 0 {
		return fmt.Errorf("%w: no candidate tests", ErrInvalidCoverageInput)
	}
	if in.MatchThreshold < 0 || in.MatchThreshold > 1 {
		return fmt.Errorf("%w: match threshold %v outside [0,1]", ErrInvalidCoverageInput, in.MatchThreshold)
	}

	acs := make(map[string]bool, len(in.ACIDs))
	for _, id := range in.ACIDs {
		if id == "" {
			return fmt.Errorf("%w: empty AC id", ErrInvalidCoverageInput)
		}
		if acs[id] {
			return fmt.Errorf("%w: duplicate AC id %q", ErrInvalidCoverageInput, id)
		}
		acs[id] = true
	}
	tests := make(map[string]bool, len(in.TestIDs))
	for _, id := range in.TestIDs {
		if id == "" {
			return fmt.Errorf("%w: empty test id", ErrInvalidCoverageInput)
		}
		if tests[id] {
			return fmt.Errorf("%w: duplicate test id %q", ErrInvalidCoverageInput, id)
		}
		tests[id] = true
	}

	for acID, row := range in.Similarities {
		if !acs[acID] {
			return fmt.Errorf("%w: similarity row for unknown AC %q", ErrInvalidCoverageInput, acID)
		}
		for testID, sim := range row {
			if !tests[testID] {
				return fmt.Errorf("%w: similarity for unknown test %q", ErrInvalidCoverageInput, testID)
			}
			if sim < 0 || sim > 1 {
				return fmt.Errorf("%w: similarity %v for (%s,%s) outside [0,1]", ErrInvalidCoverageInput, sim, acID, testID)
			}
		}
	}

	return nil
}
