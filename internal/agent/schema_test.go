package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateOutput(t *testing.T) {
	tests := []struct {
		name    string
		phase   string
		raw     string
		wantErr bool
	}{
		{
			name:  "valid ingestion",
			phase: "ingestion",
			raw:   `{"story":"s","acceptance_criteria":[{"id":"A1","text":"t"}]}`,
		},
		{
			name:    "ingestion without criteria",
			phase:   "ingestion",
			raw:     `{"story":"s","acceptance_criteria":[]}`,
			wantErr: true,
		},
		{
			name:    "ingestion criterion missing id",
			phase:   "ingestion",
			raw:     `{"story":"s","acceptance_criteria":[{"text":"t"}]}`,
			wantErr: true,
		},
		{
			name:  "valid classification",
			phase: "classification",
			raw:   `{"category":"auth","tags":["security"]}`,
		},
		{
			name:    "classification missing category",
			phase:   "classification",
			raw:     `{"tags":["security"]}`,
			wantErr: true,
		},
		{
			name:  "valid embedding",
			phase: "embedding",
			raw:   `{"collection":"acs_r1","indexed":3}`,
		},
		{
			name:    "embedding indexed nothing",
			phase:   "embedding",
			raw:     `{"collection":"acs_r1","indexed":0}`,
			wantErr: true,
		},
		{
			name:  "valid retrieval",
			phase: "retrieval",
			raw:   `{"tests":[{"id":"T1","name":"n","defect_density":0.5,"criticality":0.5,"recurrence":0.5}],"similarities":{"A1":{"T1":0.9}}}`,
		},
		{
			name:    "retrieval factor out of range",
			phase:   "retrieval",
			raw:     `{"tests":[{"id":"T1","defect_density":1.5}]}`,
			wantErr: true,
		},
		{
			name:    "retrieval similarity out of range",
			phase:   "retrieval",
			raw:     `{"tests":[{"id":"T1"}],"similarities":{"A1":{"T1":-0.2}}}`,
			wantErr: true,
		},
		{
			name:  "valid generation",
			phase: "generation",
			raw:   `{"tests":[{"title":"covers expiry","steps":["request reset"],"covers_ac_ids":["A2"]}]}`,
		},
		{
			name:  "generation may be empty",
			phase: "generation",
			raw:   `{"tests":[]}`,
		},
		{
			name:    "generated test covering nothing",
			phase:   "generation",
			raw:     `{"tests":[{"title":"t","covers_ac_ids":[]}]}`,
			wantErr: true,
		},
		{
			name:    "unknown phase",
			phase:   "deployment",
			raw:     `{}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			phase:   "classification",
			raw:     `{"category":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOutput(tt.phase, json.RawMessage(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrSchemaInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
