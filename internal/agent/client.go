package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	// DefaultCallTimeout bounds one capability call.
	DefaultCallTimeout = 5 * time.Minute

	// DefaultMaxTries is the total attempt budget for transient failures.
	DefaultMaxTries = 3
)

// CallPolicy configures timeout and retry for capability calls.
type CallPolicy struct {
	// Timeout is the per-call deadline. A call exceeding it is treated
	// as a transient failure eligible for retry.
	Timeout time.Duration

	// MaxTries is the total number of attempts for transient failures.
	// Permanent failures are never retried.
	MaxTries uint

	// InitialInterval seeds the exponential backoff between attempts.
	InitialInterval time.Duration
}

// applyDefaults fills zero values.
func (p *CallPolicy) applyDefaults() {
	if p.Timeout <= 0 {
		p.Timeout = DefaultCallTimeout
	}
	if p.MaxTries == 0 {
		p.MaxTries = DefaultMaxTries
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 500 * time.Millisecond
	}
}

// Client executes registered capabilities under the call policy and
// validates their output against the phase schema. The client never
// retries semantic content; only the call itself, and only for transient
// failure classes.
type Client struct {
	registry *Registry
	policy   CallPolicy
	logger   *zap.Logger
}

// NewClient creates a client over the registry.
func NewClient(registry *Registry, policy CallPolicy, logger *zap.Logger) (*Client, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	policy.applyDefaults()
	return &Client{registry: registry, policy: policy, logger: logger}, nil
}

// Execute runs the capability for req.Phase. Schema-invalid output and
// permanent failure classes surface immediately; transient failures are
// retried with exponential backoff up to the attempt budget.
func (c *Client) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	capability, err := c.registry.Lookup(req.Phase)
	if err != nil {
		return nil, PermanentError(req.Phase, err)
	}

	attempt := 0
	operation := func() (json.RawMessage, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
		defer cancel()

		out, err := capability.Execute(callCtx, req)
		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				err = TransientError(req.Phase, fmt.Errorf("call timed out after %s: %w", c.policy.Timeout, err))
			}
			if !IsTransient(err) {
				return nil, backoff.Permanent(err)
			}
			c.logger.Warn("transient agent failure, will retry",
				zap.String("phase", req.Phase),
				zap.String("run_id", req.RunID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return nil, err
		}

		if err := ValidateOutput(req.Phase, out); err != nil {
			return nil, backoff.Permanent(PermanentError(req.Phase, err))
		}
		return out, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.policy.InitialInterval

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(c.policy.MaxTries),
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}
