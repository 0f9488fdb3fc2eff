// Package generator talks to the content-generation sidecar that performs
// the actual work of each pipeline step. The engine treats a step as an
// opaque unit of work: it either succeeds or fails, and any side effects it
// performed stand either way (steps are expected to be idempotent).
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"courseforge/backend/pkg/models"
)

// Invoker executes one named pipeline step for a run.
type Invoker interface {
	// InvokeStep blocks until the step's unit of work settles. A non-nil
	// error means the step failed; the engine records it and does not retry.
	InvokeStep(ctx context.Context, run *models.WorkflowRun, step string, input map[string]any) error
}

// HTTPClient is an HTTP implementation of the Invoker interface.
type HTTPClient struct {
	url string
}

// NewHTTPClient creates a new HTTPClient for the generation sidecar.
func NewHTTPClient(url string) *HTTPClient {
	return &HTTPClient{url: url}
}

type stepRequest struct {
	RunID          string              `json:"runId"`
	Kind           models.WorkflowKind `json:"kind"`
	TargetEntityID string              `json:"targetEntityId"`
	Step           string              `json:"step"`
	Input          map[string]any      `json:"input,omitempty"`
}

// InvokeStep posts the step to the sidecar and waits for it to settle.
func (c *HTTPClient) InvokeStep(ctx context.Context, run *models.WorkflowRun, step string, input map[string]any) error {
	requestBody, err := json.Marshal(stepRequest{
		RunID:          run.ID.String(),
		Kind:           run.Kind,
		TargetEntityID: run.TargetEntityID,
		Step:           step,
		Input:          input,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal step request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/steps/"+step, bytes.NewBuffer(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to invoke step %s: %w", step, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("step %s failed: status code %d: %s", step, resp.StatusCode, detail)
	}
	return nil
}
