package repository

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-fm-approvals/internal/database"
	"github.com/pesio-ai/be-fm-approvals/internal/domain"
	"github.com/pesio-ai/be-fm-approvals/internal/errors"
)

// ApprovalFlowRepository manages approval flow configuration and its levels.
// Flow + level creation is done together in a single transaction. Flows are
// deactivated, never deleted, so history stays valid for issued requests.
type ApprovalFlowRepository struct {
	db *database.DB
}

// NewApprovalFlowRepository creates a new ApprovalFlowRepository.
func NewApprovalFlowRepository(db *database.DB) *ApprovalFlowRepository {
	return &ApprovalFlowRepository{db: db}
}

// Create inserts a flow and its levels in one transaction.
func (r *ApprovalFlowRepository) Create(ctx context.Context, flow *domain.ApprovalFlow) error {
	if flow.ID == "" {
		flow.ID = uuid.New().String()
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		flowQuery := `
			INSERT INTO approval_flows
			    (id, name, description,
			     program_id, resource_type, category_id,
			     is_default, requires_all_approvals, auto_approval_enabled,
			     review_time_hours, reminder_hours, is_active)
			VALUES ($1, $2, $3,
			        $4, $5, $6,
			        $7, $8, $9,
			        $10, $11, $12)
			RETURNING created_at, updated_at
		`

		err := tx.QueryRow(ctx, flowQuery,
			flow.ID,
			flow.Name,
			flow.Description,
			flow.ProgramID,
			flow.ResourceType,
			flow.CategoryID,
			flow.IsDefault,
			flow.RequiresAllApprovals,
			flow.AutoApprovalEnabled,
			flow.ReviewTimeHours,
			flow.ReminderHours,
			flow.IsActive,
		).Scan(&flow.CreatedAt, &flow.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval flow")
		}

		for i := range flow.Levels {
			if err := r.insertLevel(ctx, tx, flow.ID, &flow.Levels[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *ApprovalFlowRepository) insertLevel(ctx context.Context, tx pgx.Tx, flowID string, lvl *domain.ApprovalLevel) error {
	if lvl.ID == "" {
		lvl.ID = uuid.New().String()
	}
	lvl.FlowID = flowID

	query := `
		INSERT INTO approval_levels
		    (id, flow_id, level, name, description,
		     approver_roles, approver_users,
		     requires_all, timeout_hours, is_active)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7,
		        $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err := tx.QueryRow(ctx, query,
		lvl.ID,
		lvl.FlowID,
		lvl.Level,
		lvl.Name,
		lvl.Description,
		lvl.ApproverRoles,
		lvl.ApproverUsers,
		lvl.RequiresAll,
		lvl.TimeoutHours,
		lvl.IsActive,
	).Scan(&lvl.CreatedAt, &lvl.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval level")
	}
	return nil
}

// GetByID retrieves a flow with its levels ordered by level number.
func (r *ApprovalFlowRepository) GetByID(ctx context.Context, id string) (*domain.ApprovalFlow, error) {
	query := `
		SELECT id, name, description,
		       program_id, resource_type, category_id,
		       is_default, requires_all_approvals, auto_approval_enabled,
		       review_time_hours, reminder_hours, is_active,
		       created_at, updated_at
		FROM approval_flows
		WHERE id = $1
	`

	flow, err := r.scanFlow(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_flow", id)
	}
	if err != nil {
		return nil, err
	}

	if err := r.loadLevels(ctx, flow); err != nil {
		return nil, err
	}
	return flow, nil
}

// ListActive returns all active flows with their levels, for scope resolution.
func (r *ApprovalFlowRepository) ListActive(ctx context.Context) ([]*domain.ApprovalFlow, error) {
	query := `
		SELECT id, name, description,
		       program_id, resource_type, category_id,
		       is_default, requires_all_approvals, auto_approval_enabled,
		       review_time_hours, reminder_hours, is_active,
		       created_at, updated_at
		FROM approval_flows
		WHERE is_active = TRUE
		ORDER BY is_default ASC, name ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval flows")
	}
	defer rows.Close()

	var flows []*domain.ApprovalFlow
	for rows.Next() {
		flow, err := r.scanFlow(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval flow")
		}
		flows = append(flows, flow)
	}

	for _, flow := range flows {
		if err := r.loadLevels(ctx, flow); err != nil {
			return nil, err
		}
	}
	return flows, nil
}

// Update persists the mutable subset of flow fields.
func (r *ApprovalFlowRepository) Update(ctx context.Context, flow *domain.ApprovalFlow) error {
	query := `
		UPDATE approval_flows
		SET name                   = $2,
		    description            = $3,
		    is_default             = $4,
		    requires_all_approvals = $5,
		    auto_approval_enabled  = $6,
		    review_time_hours      = $7,
		    reminder_hours         = $8,
		    is_active              = $9,
		    updated_at             = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		flow.ID,
		flow.Name,
		flow.Description,
		flow.IsDefault,
		flow.RequiresAllApprovals,
		flow.AutoApprovalEnabled,
		flow.ReviewTimeHours,
		flow.ReminderHours,
		flow.IsActive,
	).Scan(&flow.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("approval_flow", flow.ID)
	}
	return err
}

// Deactivate performs the logical delete of a flow.
func (r *ApprovalFlowRepository) Deactivate(ctx context.Context, id string) error {
	query := `
		UPDATE approval_flows
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id).Scan(&returnedID)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("approval_flow", id)
	}
	return err
}

// AddLevel appends a level to an existing flow.
func (r *ApprovalFlowRepository) AddLevel(ctx context.Context, flowID string, lvl *domain.ApprovalLevel) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return r.insertLevel(ctx, tx, flowID, lvl)
	})
}

// DeactivateLevel performs the logical delete of a level, preserving history
// for requests already issued against it.
func (r *ApprovalFlowRepository) DeactivateLevel(ctx context.Context, levelID string) error {
	query := `
		UPDATE approval_levels
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, levelID).Scan(&returnedID)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("approval_level", levelID)
	}
	return err
}

func (r *ApprovalFlowRepository) loadLevels(ctx context.Context, flow *domain.ApprovalFlow) error {
	query := `
		SELECT id, flow_id, level, name, description,
		       approver_roles, approver_users,
		       requires_all, timeout_hours, is_active,
		       created_at, updated_at
		FROM approval_levels
		WHERE flow_id = $1
		ORDER BY level ASC
	`

	rows, err := r.db.Query(ctx, query, flow.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to load approval levels")
	}
	defer rows.Close()

	flow.Levels = nil
	for rows.Next() {
		var lvl domain.ApprovalLevel
		err := rows.Scan(
			&lvl.ID,
			&lvl.FlowID,
			&lvl.Level,
			&lvl.Name,
			&lvl.Description,
			&lvl.ApproverRoles,
			&lvl.ApproverUsers,
			&lvl.RequiresAll,
			&lvl.TimeoutHours,
			&lvl.IsActive,
			&lvl.CreatedAt,
			&lvl.UpdatedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval level")
		}
		flow.Levels = append(flow.Levels, lvl)
	}
	return nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type flowScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalFlowRepository) scanFlow(row flowScanner) (*domain.ApprovalFlow, error) {
	flow := &domain.ApprovalFlow{}
	var createdAt, updatedAt time.Time

	err := row.Scan(
		&flow.ID,
		&flow.Name,
		&flow.Description,
		&flow.ProgramID,
		&flow.ResourceType,
		&flow.CategoryID,
		&flow.IsDefault,
		&flow.RequiresAllApprovals,
		&flow.AutoApprovalEnabled,
		&flow.ReviewTimeHours,
		&flow.ReminderHours,
		&flow.IsActive,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	flow.CreatedAt = createdAt
	flow.UpdatedAt = updatedAt
	return flow, nil
}
