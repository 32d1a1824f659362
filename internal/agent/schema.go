package agent

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSchemaInvalid is returned when a capability's output does not match
// its phase's fixed schema. Treated identically to an execution failure.
var ErrSchemaInvalid = errors.New("phase output violates schema")

// AcceptanceCriterion is one discrete condition of satisfaction extracted
// from the story, with a stable id.
type AcceptanceCriterion struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// IngestionOutput is the fixed output schema of the ingestion phase.
type IngestionOutput struct {
	Story              string                `json:"story"`
	AcceptanceCriteria []AcceptanceCriterion `json:"acceptance_criteria"`
}

// ClassificationOutput is the fixed output schema of the classification
// phase.
type ClassificationOutput struct {
	Category string   `json:"category"`
	Tags     []string `json:"tags,omitempty"`
}

// EmbeddingOutput is the fixed output schema of the embedding phase. It
// carries only counts and the collection name; raw vectors never leave the
// store.
type EmbeddingOutput struct {
	Collection string `json:"collection"`
	Indexed    int    `json:"indexed"`
}

// CandidateTest is one existing regression test surfaced by retrieval,
// with its ranking factor values (each in [0,1]).
type CandidateTest struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	DefectDensity float64 `json:"defect_density"`
	Criticality   float64 `json:"criticality"`
	Recurrence    float64 `json:"recurrence"`
}

// RetrievalOutput is the fixed output schema of the retrieval phase.
type RetrievalOutput struct {
	Tests []CandidateTest `json:"tests"`

	// Similarities maps AC id -> test id -> similarity in [0,1].
	Similarities map[string]map[string]float64 `json:"similarities"`
}

// GeneratedTest is one synthesized test covering previously uncovered ACs.
type GeneratedTest struct {
	Title       string   `json:"title"`
	Steps       []string `json:"steps"`
	CoversACIDs []string `json:"covers_ac_ids"`
}

// GenerationOutput is the fixed output schema of the generation phase.
type GenerationOutput struct {
	Tests []GeneratedTest `json:"tests"`
}

// ValidateOutput checks raw against the named phase's fixed schema.
// Schema-invalid output is indistinguishable from an execution failure at
// the pipeline level.
func ValidateOutput(phase string, raw json.RawMessage) error {
	switch phase {
	case "ingestion":
		var out IngestionOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
		}
		if out.Story == "" {
			return fmt.Errorf("%w: ingestion output missing story", ErrSchemaInvalid)
		}
		if len(out.AcceptanceCriteria) == 0 {
			return fmt.Errorf("%w: ingestion output has no acceptance criteria", ErrSchemaInvalid)
		}
		for i, ac := range out.AcceptanceCriteria {
			if ac.ID == "" || ac.Text == "" {
				return fmt.Errorf("%w: acceptance criterion %d missing id or text", ErrSchemaInvalid, i)
			}
		}

	case "classification":
		var out ClassificationOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
		}
		if out.Category == "" {
			return fmt.Errorf("%w: classification output missing category", ErrSchemaInvalid)
		}

	case "embedding":
		var out EmbeddingOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
		}
		if out.Collection == "" {
			return fmt.Errorf("%w: embedding output missing collection", ErrSchemaInvalid)
		}
		if out.Indexed <= 0 {
			return fmt.Errorf("%w: embedding output indexed nothing", ErrSchemaInvalid)
		}

	case "retrieval":
		var out RetrievalOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
		}
		if len(out.Tests) == 0 {
			return fmt.Errorf("%w: retrieval output has no candidate tests", ErrSchemaInvalid)
		}
		for _, t := range out.Tests {
			if t.ID == "" {
				return fmt.Errorf("%w: candidate test missing id", ErrSchemaInvalid)
			}
			for name, v := range map[string]float64{
				"defect_density": t.DefectDensity,
				"criticality":    t.Criticality,
				"recurrence":     t.Recurrence,
			} {
				if v < 0 || v > 1 {
					return fmt.Errorf("%w: test %s %s = %v outside [0,1]", ErrSchemaInvalid, t.ID, name, v)
				}
			}
		}
		for acID, row := range out.Similarities {
			for testID, sim := range row {
				if sim < 0 || sim > 1 {
					return fmt.Errorf("%w: similarity (%s,%s) = %v outside [0,1]", ErrSchemaInvalid, acID, testID, sim)
				}
			}
		}

	case "generation":
		var out GenerationOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
		}
		for i, t := range out.Tests {
			if t.Title == "" {
				return fmt.Errorf("%w: generated test %d missing title", ErrSchemaInvalid, i)
			}
			if len(t.CoversACIDs) == 0 {
				return fmt.Errorf("%w: generated test %q covers no ACs", ErrSchemaInvalid, t.Title)
			}
		}

	default:
		return fmt.Errorf("%w: no schema for phase %q", ErrSchemaInvalid, phase)
	}

	return nil
}
