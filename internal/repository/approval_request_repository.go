package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-fm-approvals/internal/database"
	"github.com/pesio-ai/be-fm-approvals/internal/domain"
	"github.com/pesio-ai/be-fm-approvals/internal/errors"
)

// ApprovalRequestRepository persists approval requests. All transitions out of
// pending go through conditional updates keyed on status, so exactly one of
// any set of racing transitions commits; losers get a conflict error.
type ApprovalRequestRepository struct {
	db *database.DB
}

// NewApprovalRequestRepository creates a new ApprovalRequestRepository.
func NewApprovalRequestRepository(db *database.DB) *ApprovalRequestRepository {
	return &ApprovalRequestRepository{db: db}
}

const requestColumns = `
	id, reservation_id, flow_id, level_id, level_number, status,
	approver_id, comments,
	requested_at, responded_at, timeout_at, reminder_at,
	required_approvals, approvals_received, notifications_sent,
	created_at, updated_at`

// Create inserts a new pending request.
func (r *ApprovalRequestRepository) Create(ctx context.Context, req *domain.ApprovalRequest) error {
	sentJSON, err := marshalNotifications(req.NotificationsSent)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_requests
		    (id, reservation_id, flow_id, level_id, level_number, status,
		     requested_at, timeout_at, reminder_at,
		     required_approvals, approvals_received, notifications_sent)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9,
		        $10, $11, $12)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		req.ID,
		req.ReservationID,
		req.FlowID,
		req.LevelID,
		req.LevelNumber,
		string(req.Status),
		req.RequestedAt,
		req.TimeoutAt,
		req.ReminderAt,
		req.RequiredApprovals,
		req.ApprovalsReceived,
		sentJSON,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}
	return nil
}

// GetByID retrieves a request by primary key.
func (r *ApprovalRequestRepository) GetByID(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	query := `SELECT` + requestColumns + `
		FROM approval_requests
		WHERE id = $1
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_request", id)
	}
	return req, err
}

// ListByReservation returns a reservation's requests, oldest level first.
func (r *ApprovalRequestRepository) ListByReservation(ctx context.Context, reservationID string) ([]*domain.ApprovalRequest, error) {
	query := `SELECT` + requestColumns + `
		FROM approval_requests
		WHERE reservation_id = $1
		ORDER BY level_number ASC, requested_at ASC
	`

	rows, err := r.db.Query(ctx, query, reservationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval requests")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// GetPendingByReservation returns the reservation's single pending request, or
// nil when approval is not in flight. Levels are strictly sequential, so at
// most one pending request per reservation can exist.
func (r *ApprovalRequestRepository) GetPendingByReservation(ctx context.Context, reservationID string) (*domain.ApprovalRequest, error) {
	query := `SELECT` + requestColumns + `
		FROM approval_requests
		WHERE reservation_id = $1 AND status = 'pending'
		ORDER BY level_number DESC
		LIMIT 1
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, reservationID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return req, err
}

// ListPendingForApprover returns pending requests the user is qualified to
// act on, soonest deadline first.
func (r *ApprovalRequestRepository) ListPendingForApprover(ctx context.Context, userID string, roles []string) ([]*domain.ApprovalRequest, error) {
	query := `
		SELECT r.id, r.reservation_id, r.flow_id, r.level_id, r.level_number, r.status,
		       r.approver_id, r.comments,
		       r.requested_at, r.responded_at, r.timeout_at, r.reminder_at,
		       r.required_approvals, r.approvals_received, r.notifications_sent,
		       r.created_at, r.updated_at
		FROM approval_requests r
		JOIN approval_levels l ON l.id = r.level_id
		WHERE r.status = 'pending'
		  AND (l.approver_users @> ARRAY[$1]::text[] OR l.approver_roles && $2::text[])
		ORDER BY r.timeout_at ASC NULLS LAST, r.requested_at ASC
	`

	rows, err := r.db.Query(ctx, query, userID, roles)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// RecordApproval applies one approver's sign-off atomically: the received
// count is incremented and the request flips to approved only when the level's
// required count is reached, all in a single conditional update. Returns the
// updated request; a non-pending request yields a conflict.
func (r *ApprovalRequestRepository) RecordApproval(ctx context.Context, id, approverID string, comments *string, now time.Time) (*domain.ApprovalRequest, error) {
	query := `
		UPDATE approval_requests
		SET approvals_received = approvals_received + 1,
		    approver_id        = $2,
		    comments           = $3,
		    status             = CASE WHEN approvals_received + 1 >= required_approvals
		                              THEN 'approved' ELSE 'pending' END,
		    responded_at       = CASE WHEN approvals_received + 1 >= required_approvals
		                              THEN $4 ELSE responded_at END,
		    updated_at         = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING` + requestColumns + `
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id, approverID, comments, now))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Conflict("approval request already resolved")
	}
	return req, err
}

// Transition moves a pending request to a terminal status (rejected, timeout
// or cancelled). A request that already left pending yields a conflict.
// responded_at records a human decision only, so timeout and cancellation
// leave it untouched.
func (r *ApprovalRequestRepository) Transition(ctx context.Context, id string, to domain.RequestStatus, approverID, comments *string, now time.Time) (*domain.ApprovalRequest, error) {
	if !to.Terminal() {
		return nil, errors.InvalidInput("status", "transition target must be terminal")
	}

	query := `
		UPDATE approval_requests
		SET status       = $2,
		    approver_id  = COALESCE($3, approver_id),
		    comments     = COALESCE($4, comments),
		    responded_at = CASE WHEN $2 = 'rejected' THEN $5 ELSE responded_at END,
		    updated_at   = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING` + requestColumns + `
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id, string(to), approverID, comments, now))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Conflict("approval request already resolved")
	}
	return req, err
}

// CancelPendingByReservation transitions all of a reservation's pending
// requests to cancelled. Returns how many rows moved; racing decisions that
// already committed are left alone.
func (r *ApprovalRequestRepository) CancelPendingByReservation(ctx context.Context, reservationID string, now time.Time) (int, error) {
	query := `
		UPDATE approval_requests
		SET status = 'cancelled', updated_at = $2
		WHERE reservation_id = $1 AND status = 'pending'
	`

	tag, err := r.db.Exec(ctx, query, reservationID, now)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to cancel approval requests")
	}
	return int(tag.RowsAffected()), nil
}

// ListExpired returns pending requests whose deadline has passed.
func (r *ApprovalRequestRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.ApprovalRequest, error) {
	query := `SELECT` + requestColumns + `
		FROM approval_requests
		WHERE status = 'pending'
		  AND timeout_at IS NOT NULL
		  AND timeout_at <= $1
		ORDER BY timeout_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list expired requests")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListReminderDue returns pending requests whose reminder window has opened
// and whose reminder of the given kind was not yet sent.
func (r *ApprovalRequestRepository) ListReminderDue(ctx context.Context, kind string, now time.Time, limit int) ([]*domain.ApprovalRequest, error) {
	query := `SELECT` + requestColumns + `
		FROM approval_requests
		WHERE status = 'pending'
		  AND reminder_at IS NOT NULL
		  AND reminder_at <= $1
		  AND NOT (notifications_sent ? $2)
		ORDER BY reminder_at ASC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, now, kind, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list reminder-due requests")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// MarkReminderSent records a reminder dispatch. The key-absence condition
// makes the write idempotent: repeated sweeps mark at most once. Returns
// false when the key already existed or the request left pending.
func (r *ApprovalRequestRepository) MarkReminderSent(ctx context.Context, id, kind string, at time.Time) (bool, error) {
	query := `
		UPDATE approval_requests
		SET notifications_sent = notifications_sent || jsonb_build_object($2::text, to_jsonb($3::timestamptz)),
		    updated_at         = NOW()
		WHERE id = $1
		  AND status = 'pending'
		  AND NOT (notifications_sent ? $2)
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, kind, at).Scan(&returnedID)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to mark reminder sent")
	}
	return true, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type requestScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalRequestRepository) scanRequest(row requestScanner) (*domain.ApprovalRequest, error) {
	req := &domain.ApprovalRequest{}
	var status string
	var sentJSON []byte

	err := row.Scan(
		&req.ID,
		&req.ReservationID,
		&req.FlowID,
		&req.LevelID,
		&req.LevelNumber,
		&status,
		&req.ApproverID,
		&req.Comments,
		&req.RequestedAt,
		&req.RespondedAt,
		&req.TimeoutAt,
		&req.ReminderAt,
		&req.RequiredApprovals,
		&req.ApprovalsReceived,
		&sentJSON,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.Status = domain.RequestStatus(status)
	req.NotificationsSent, err = unmarshalNotifications(sentJSON)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (r *ApprovalRequestRepository) scanRows(rows pgx.Rows) ([]*domain.ApprovalRequest, error) {
	var reqs []*domain.ApprovalRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func marshalNotifications(sent map[string]time.Time) ([]byte, error) {
	if sent == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(sent)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal notifications_sent")
	}
	return data, nil
}

func unmarshalNotifications(data []byte) (map[string]time.Time, error) {
	sent := map[string]time.Time{}
	if len(data) == 0 {
		return sent, nil
	}
	if err := json.Unmarshal(data, &sent); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal notifications_sent")
	}
	return sent, nil
}
