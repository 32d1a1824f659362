package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// RemoteConfig configures HTTP-dispatched capabilities. Ingestion,
// classification and generation run in an external agent service; this
// client posts the cumulative context and receives the phase output.
type RemoteConfig struct {
	// BaseURL is the agent service base URL.
	BaseURL string `koanf:"base_url"`
}

// RemoteCapability dispatches one phase to the agent service at
// POST {base_url}/v1/phases/{phase}.
type RemoteCapability struct {
	phase   string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewRemoteCapability creates a remote capability for phase.
func NewRemoteCapability(phase string, cfg RemoteConfig, logger *zap.Logger) (*RemoteCapability, error) {
	if phase == "" {
		return nil, fmt.Errorf("phase cannot be empty")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("agent base URL cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteCapability{
		phase:   phase,
		baseURL: cfg.BaseURL,
		client:  &http.Client{},
		logger:  logger,
	}, nil
}

// Name implements Capability.
func (c *RemoteCapability) Name() string { return c.phase }

// Execute posts the request to the agent service. 5xx responses and
// transport failures are transient; 4xx responses are permanent.
func (c *RemoteCapability) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, PermanentError(c.phase, fmt.Errorf("marshaling request: %w", err))
	}

	url := c.baseURL + "/v1/phases/" + c.phase
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, PermanentError(c.phase, fmt.Errorf("creating request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, TransientError(c.phase, fmt.Errorf("calling agent service: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, TransientError(c.phase, fmt.Errorf("reading agent response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return respBody, nil
	case resp.StatusCode >= 500:
		return nil, TransientError(c.phase, fmt.Errorf("agent service status %d: %s", resp.StatusCode, respBody))
	default:
		return nil, PermanentError(c.phase, fmt.Errorf("agent service status %d: %s", resp.StatusCode, respBody))
	}
}
