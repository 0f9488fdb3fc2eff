// Package entities is the client for the entity persistence service that
// owns course/chapter/lesson/activity records. The engine only touches the
// per-entity "generation in progress" flag and the completed marker; entity
// contents are written by the generation sidecar itself.
package entities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"courseforge/backend/pkg/models"
)

// Service manages the generation flags on target entities.
type Service interface {
	// MarkGenerating sets the entity's "generation in progress" flag.
	MarkGenerating(ctx context.Context, kind models.WorkflowKind, entityID string) error
	// ClearGenerating clears the flag. Called after every terminal event,
	// success or failure.
	ClearGenerating(ctx context.Context, kind models.WorkflowKind, entityID string) error
}

// HTTPService is an HTTP implementation of the Service interface.
type HTTPService struct {
	url string
}

// NewHTTPService creates a new HTTPService for the entity persistence service.
func NewHTTPService(url string) *HTTPService {
	return &HTTPService{url: url}
}

// MarkGenerating sets the generation flag on the entity.
func (s *HTTPService) MarkGenerating(ctx context.Context, kind models.WorkflowKind, entityID string) error {
	return s.setFlag(ctx, kind, entityID, true)
}

// ClearGenerating clears the generation flag on the entity.
func (s *HTTPService) ClearGenerating(ctx context.Context, kind models.WorkflowKind, entityID string) error {
	return s.setFlag(ctx, kind, entityID, false)
}

func (s *HTTPService) setFlag(ctx context.Context, kind models.WorkflowKind, entityID string, generating bool) error {
	requestBody, err := json.Marshal(map[string]any{
		"kind":       kind,
		"entityId":   entityID,
		"generating": generating,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.url+"/entities/generation-flag", bytes.NewBuffer(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to update generation flag: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to update generation flag: status code %d", resp.StatusCode)
	}
	return nil
}
