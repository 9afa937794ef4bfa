package client

import (
	"context"
	"fmt"
)

// DocumentsClient asks the documents service to render a decision artifact
// after a terminal transition. Best-effort: the caller logs failures and
// never rolls back the transition that triggered the call.
type DocumentsClient struct {
	client *HTTPClient
}

// NewDocumentsClient creates a new documents service client.
func NewDocumentsClient(baseURL string) *DocumentsClient {
	return &DocumentsClient{client: NewHTTPClient(baseURL)}
}

// DecisionDocumentRequest describes the artifact to render.
type DecisionDocumentRequest struct {
	ReservationID string `json:"reservation_id"`
	Outcome       string `json:"outcome"`
	DecidedBy     string `json:"decided_by,omitempty"`
	Comments      string `json:"comments,omitempty"`
}

// GenerateDecisionDocument requests an approval/rejection document.
func (c *DocumentsClient) GenerateDecisionDocument(ctx context.Context, req DecisionDocumentRequest) error {
	if err := c.client.Post(ctx, "/api/v1/documents/approval-decision", req, nil); err != nil {
		return fmt.Errorf("failed to generate decision document: %w", err)
	}
	return nil
}
