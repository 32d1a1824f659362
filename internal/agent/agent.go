// Package agent models the semantic pipeline phases (ingestion,
// classification, embedding, retrieval, generation) as external
// capabilities behind a narrow contract. The core never inspects how a
// capability reasons; it only validates that returned output matches the
// phase's fixed schema and applies the call policy (timeout, bounded retry
// for transient failures).
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Capability is one external agent serving one phase.
type Capability interface {
	// Name returns the phase this capability serves.
	Name() string

	// Execute performs the phase's semantic work and returns its output
	// payload. Failures should be wrapped as *ExecutionError so the
	// client can distinguish transient from permanent classes.
	Execute(ctx context.Context, req Request) (json.RawMessage, error)
}

// Request is the documented input shape handed to every capability: the
// run, the phase, and the cumulative context of approved phase outputs
// keyed by phase name (plus "story").
type Request struct {
	RunID   string                     `json:"run_id"`
	Phase   string                     `json:"phase"`
	Context map[string]json.RawMessage `json:"context"`
}

// ContextValue unmarshals one cumulative-context entry into out.
func (r Request) ContextValue(key string, out any) error {
	raw, ok := r.Context[key]
	if !ok {
		return fmt.Errorf("context missing %q", key)
	}
	return json.Unmarshal(raw, out)
}

// ExecutionError is a capability call failure. Transient failures are
// retried per policy; permanent ones (malformed request, permission
// denied, schema-invalid output) surface immediately.
type ExecutionError struct {
	Phase     string
	Transient bool
	Err       error
}

func (e *ExecutionError) Error() string {
	class := "permanent"
	if e.Transient {
		class = "transient"
	}
	return fmt.Sprintf("agent execution failed (%s, phase %s): %v", class, e.Phase, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// TransientError wraps err as a retryable execution failure.
func TransientError(phase string, err error) *ExecutionError {
	return &ExecutionError{Phase: phase, Transient: true, Err: err}
}

// PermanentError wraps err as a non-retryable execution failure.
func PermanentError(phase string, err error) *ExecutionError {
	return &ExecutionError{Phase: phase, Transient: false, Err: err}
}

// IsTransient reports whether err is a transient execution failure.
func IsTransient(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr) && execErr.Transient
}

// ErrUnknownPhase is returned when no capability is registered for a phase.
var ErrUnknownPhase = errors.New("no capability registered for phase")

// Registry holds one capability per phase.
type Registry struct {
	capabilities map[string]Capability
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[string]Capability)}
}

// Register adds a capability, replacing any previous one for its phase.
func (r *Registry) Register(c Capability) {
	r.capabilities[c.Name()] = c
}

// Lookup returns the capability for phase.
func (r *Registry) Lookup(phase string) (Capability, error) {
	c, ok := r.capabilities[phase]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPhase, phase)
	}
	return c, nil
}
