package pipeline

import "errors"

var (
	// ErrSequenceViolation is returned when a phase output is submitted
	// out of order, before the prior gate is approved, or while another
	// output is already awaiting approval. The run is unaffected; the
	// caller must correct the call order.
	ErrSequenceViolation = errors.New("phase sequence violation")

	// ErrRunNotFound is returned for unknown run identifiers.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunNotActive is returned when an operation targets a run that is
	// already completed or failed.
	ErrRunNotActive = errors.New("run is not active")

	// ErrGateNotFound is returned for unknown approval gate identifiers.
	ErrGateNotFound = errors.New("approval gate not found")

	// ErrGateResolved is returned when a decision is submitted for a gate
	// that has already been approved or rejected.
	ErrGateResolved = errors.New("approval gate already resolved")
)
