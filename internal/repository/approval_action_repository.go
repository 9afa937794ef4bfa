package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-fm-approvals/internal/database"
	"github.com/pesio-ai/be-fm-approvals/internal/domain"
	"github.com/pesio-ai/be-fm-approvals/internal/errors"
)

// ApprovalActionRepository appends and reads the immutable decision audit
// trail. Append is the only mutation exposed.
type ApprovalActionRepository struct {
	db *database.DB
}

// NewApprovalActionRepository creates a new ApprovalActionRepository.
func NewApprovalActionRepository(db *database.DB) *ApprovalActionRepository {
	return &ApprovalActionRepository{db: db}
}

// Append inserts one action record.
func (r *ApprovalActionRepository) Append(ctx context.Context, action *domain.ApprovalAction) error {
	query := `
		INSERT INTO approval_actions
		    (id, request_id, user_id, action, comments, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.Exec(ctx, query,
		action.ID,
		action.RequestID,
		action.UserID,
		string(action.Action),
		action.Comments,
		action.IPAddress,
		action.UserAgent,
		action.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval action")
	}
	return nil
}

// ListByRequest returns a request's actions oldest-first.
func (r *ApprovalActionRepository) ListByRequest(ctx context.Context, requestID string) ([]*domain.ApprovalAction, error) {
	query := `
		SELECT id, request_id, user_id, action, comments, ip_address, user_agent, created_at
		FROM approval_actions
		WHERE request_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval actions")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListByReservation returns all actions across a reservation's requests,
// oldest-first — the reservation's full decision history.
func (r *ApprovalActionRepository) ListByReservation(ctx context.Context, reservationID string) ([]*domain.ApprovalAction, error) {
	query := `
		SELECT a.id, a.request_id, a.user_id, a.action, a.comments, a.ip_address, a.user_agent, a.created_at
		FROM approval_actions a
		JOIN approval_requests r ON r.id = a.request_id
		WHERE r.reservation_id = $1
		ORDER BY a.created_at ASC
	`

	rows, err := r.db.Query(ctx, query, reservationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list reservation actions")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

func (r *ApprovalActionRepository) scanRows(rows pgx.Rows) ([]*domain.ApprovalAction, error) {
	var actions []*domain.ApprovalAction
	for rows.Next() {
		a := &domain.ApprovalAction{}
		var actionType string
		err := rows.Scan(
			&a.ID,
			&a.RequestID,
			&a.UserID,
			&actionType,
			&a.Comments,
			&a.IPAddress,
			&a.UserAgent,
			&a.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval action")
		}
		a.Action = domain.ActionType(actionType)
		actions = append(actions, a)
	}
	return actions, nil
}
