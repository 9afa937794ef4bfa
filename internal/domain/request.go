package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-fm-approvals/internal/errors"
)

// Reminder kinds recorded in NotificationsSent. The key's presence makes
// reminder dispatch idempotent across sweep runs.
const (
	ReminderKindApprover = "approver_reminder"
)

// ApprovalRequest is one instance of "this reservation awaits a decision at
// this level". It is a value type: every transition returns a new value and
// never mutates in place. The persistence layer enforces the pending-only
// precondition atomically, so two racing transitions cannot both commit.
type ApprovalRequest struct {
	ID            string        `json:"id"`
	ReservationID string        `json:"reservation_id"`
	FlowID        string        `json:"flow_id"`
	LevelID       string        `json:"level_id"`
	LevelNumber   int           `json:"level_number"`
	Status        RequestStatus `json:"status"`

	ApproverID *string `json:"approver_id,omitempty"`
	Comments   *string `json:"comments,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`

	// TimeoutAt is the absolute deadline computed once at creation from the
	// flow and level timeout rules. Never recomputed.
	TimeoutAt *time.Time `json:"timeout_at,omitempty"`

	// ReminderAt is the instant the reminder window opens, computed once at
	// creation from the flow's reminder lead time.
	ReminderAt *time.Time `json:"reminder_at,omitempty"`

	// RequiredApprovals and ApprovalsReceived implement level fan-in when a
	// level demands sign-off from every qualified approver. Required is 1 for
	// first-response-wins levels.
	RequiredApprovals int `json:"required_approvals"`
	ApprovalsReceived int `json:"approvals_received"`

	// NotificationsSent maps reminder kind to dispatch time.
	NotificationsSent map[string]time.Time `json:"notifications_sent,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRequest creates a pending request for a reservation at a level. The
// deadline is resolved from the flow and level timeout rules; the reminder
// instant from the flow's reminder lead time relative to reservationStart.
func NewRequest(reservationID string, flow *ApprovalFlow, level *ApprovalLevel, reservationStart, requestedAt time.Time, requiredApprovals int) ApprovalRequest {
	if requiredApprovals < 1 {
		requiredApprovals = 1
	}
	return ApprovalRequest{
		ID:                uuid.New().String(),
		ReservationID:     reservationID,
		FlowID:            flow.ID,
		LevelID:           level.ID,
		LevelNumber:       level.Level,
		Status:            RequestStatusPending,
		RequestedAt:       requestedAt,
		TimeoutAt:         ResolveTimeoutAt(flow, level, reservationStart, requestedAt),
		ReminderAt:        flow.ReminderAt(reservationStart),
		RequiredApprovals: requiredApprovals,
		NotificationsSent: map[string]time.Time{},
	}
}

// Approve records one approver's sign-off. The request transitions to
// approved only once the level's required approval count is reached; until
// then it stays pending with the received count incremented.
func (r ApprovalRequest) Approve(approverID string, comments *string, now time.Time) (ApprovalRequest, error) {
	if r.Status != RequestStatusPending {
		return r, conflictTransition(r, "approve")
	}

	next := r.clone()
	next.ApprovalsReceived++
	next.ApproverID = &approverID
	next.Comments = comments

	if next.ApprovalsReceived >= next.RequiredApprovals {
		next.Status = RequestStatusApproved
		next.RespondedAt = &now
	}
	return next, nil
}

// Reject transitions a pending request to rejected. A single rejection
// terminates the level regardless of the fan-in rule.
func (r ApprovalRequest) Reject(approverID string, comments *string, now time.Time) (ApprovalRequest, error) {
	if r.Status != RequestStatusPending {
		return r, conflictTransition(r, "reject")
	}

	next := r.clone()
	next.Status = RequestStatusRejected
	next.ApproverID = &approverID
	next.Comments = comments
	next.RespondedAt = &now
	return next, nil
}

// Timeout transitions a pending request to timeout. Driven by the sweep, not
// a human actor: approver, comments and RespondedAt stay unset — RespondedAt
// records a human decision only.
func (r ApprovalRequest) Timeout(now time.Time) (ApprovalRequest, error) {
	if r.Status != RequestStatusPending {
		return r, conflictTransition(r, "timeout")
	}

	next := r.clone()
	next.Status = RequestStatusTimeout
	next.UpdatedAt = now
	return next, nil
}

// Cancel transitions a pending request to cancelled, used when the underlying
// reservation is withdrawn while approval is in flight. RespondedAt stays
// unset: cancellation is not an approver's response.
func (r ApprovalRequest) Cancel(now time.Time) (ApprovalRequest, error) {
	if r.Status != RequestStatusPending {
		return r, conflictTransition(r, "cancel")
	}

	next := r.clone()
	next.Status = RequestStatusCancelled
	next.UpdatedAt = now
	return next, nil
}

// WithReminderSent returns a copy with the reminder kind recorded.
func (r ApprovalRequest) WithReminderSent(kind string, at time.Time) ApprovalRequest {
	next := r.clone()
	next.NotificationsSent[kind] = at
	return next
}

// IsPending reports whether the request still awaits a decision.
func (r ApprovalRequest) IsPending() bool {
	return r.Status == RequestStatusPending
}

// IsCompleted reports whether the request reached a terminal status.
func (r ApprovalRequest) IsCompleted() bool {
	return r.Status.Terminal()
}

// IsExpired reports whether the stored deadline has passed. This is the
// read-only selection check; the transition itself is Timeout.
func (r ApprovalRequest) IsExpired(now time.Time) bool {
	return r.TimeoutAt != nil && !now.Before(*r.TimeoutAt)
}

// ReminderSent reports whether the given reminder kind was already dispatched.
func (r ApprovalRequest) ReminderSent(kind string) bool {
	_, ok := r.NotificationsSent[kind]
	return ok
}

func (r ApprovalRequest) clone() ApprovalRequest {
	next := r
	next.NotificationsSent = make(map[string]time.Time, len(r.NotificationsSent))
	for k, v := range r.NotificationsSent {
		next.NotificationsSent[k] = v
	}
	return next
}

func conflictTransition(r ApprovalRequest, op string) error {
	return errors.Conflict(
		fmt.Sprintf("cannot %s approval request %s: already %s", op, r.ID, r.Status))
}
