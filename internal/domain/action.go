package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-fm-approvals/internal/errors"
)

// ApprovalAction is one recorded decision against a request. Append-only:
// actions are written once and never updated or deleted.
type ApprovalAction struct {
	ID        string     `json:"id"`
	RequestID string     `json:"request_id"`
	UserID    string     `json:"user_id"`
	Action    ActionType `json:"action"`
	Comments  *string    `json:"comments,omitempty"`
	IPAddress *string    `json:"ip_address,omitempty"`
	UserAgent *string    `json:"user_agent,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// NewAction builds an audit record for a decision attempt.
func NewAction(requestID, userID string, action ActionType, comments, ipAddress, userAgent *string, at time.Time) (ApprovalAction, error) {
	if requestID == "" {
		return ApprovalAction{}, errors.InvalidInput("request_id", "is required")
	}
	if userID == "" {
		return ApprovalAction{}, errors.InvalidInput("user_id", "is required")
	}
	if !action.Valid() {
		return ApprovalAction{}, errors.InvalidInput("action", "must be approve or reject")
	}
	return ApprovalAction{
		ID:        uuid.New().String(),
		RequestID: requestID,
		UserID:    userID,
		Action:    action,
		Comments:  comments,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		CreatedAt: at,
	}, nil
}
