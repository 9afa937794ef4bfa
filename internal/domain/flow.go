package domain

import (
	"fmt"
	"time"

	"github.com/pesio-ai/be-fm-approvals/internal/errors"
)

// ApprovalFlow is a named, scoped approval policy: an ordered list of levels
// plus completion and timing rules. Flows are never physically deleted, only
// deactivated.
type ApprovalFlow struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Description  *string `json:"description,omitempty"`
	ProgramID    *string `json:"program_id,omitempty"`
	ResourceType *string `json:"resource_type,omitempty"`
	CategoryID   *string `json:"category_id,omitempty"`
	IsDefault    bool    `json:"is_default"`

	// RequiresAllApprovals selects AND semantics across levels. When false,
	// the first approved level completes the flow.
	RequiresAllApprovals bool `json:"requires_all_approvals"`

	// AutoApprovalEnabled lets a flow with zero levels approve immediately.
	AutoApprovalEnabled bool `json:"auto_approval_enabled"`

	// ReviewTimeHours is a lead time before the reservation's start: the
	// approval deadline is start − ReviewTimeHours, not a duration from
	// request creation.
	ReviewTimeHours *int `json:"review_time_hours,omitempty"`

	// ReminderHours is the reminder lead time before the reservation's start,
	// with the same anchor semantics as ReviewTimeHours.
	ReminderHours *int `json:"reminder_hours,omitempty"`

	IsActive  bool            `json:"is_active"`
	Levels    []ApprovalLevel `json:"levels,omitempty"` // ordered by Level ascending
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ApprovalLevel is one ordered step within a flow.
type ApprovalLevel struct {
	ID          string  `json:"id"`
	FlowID      string  `json:"flow_id"`
	Level       int     `json:"level"` // 1-based traversal order
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`

	// ApproverRoles and ApproverUsers jointly define who may act: explicit
	// user membership or at least one shared role qualifies.
	ApproverRoles []string `json:"approver_roles,omitempty"`
	ApproverUsers []string `json:"approver_users,omitempty"`

	// RequiresAll demands a sign-off from every qualified approver at this
	// level; otherwise the first response wins.
	RequiresAll bool `json:"requires_all"`

	// TimeoutHours is a per-level duration from request creation, unlike the
	// flow's start-anchored deadline.
	TimeoutHours *int `json:"timeout_hours,omitempty"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanAutoApprove reports whether a submission under this flow bypasses human
// approval entirely.
func (f *ApprovalFlow) CanAutoApprove() bool {
	return f.AutoApprovalEnabled && len(f.Levels) == 0
}

// RequiresSequentialApproval reports whether levels must be traversed strictly
// in ascending order, one active request at a time.
func (f *ApprovalFlow) RequiresSequentialApproval() bool {
	return f.RequiresAllApprovals && len(f.Levels) > 1
}

// LevelAt returns the level whose Level equals n, or nil.
func (f *ApprovalFlow) LevelAt(n int) *ApprovalLevel {
	for i := range f.Levels {
		if f.Levels[i].Level == n {
			return &f.Levels[i]
		}
	}
	return nil
}

// NextLevel returns the level following currentLevel, or nil when the flow is
// exhausted.
func (f *ApprovalFlow) NextLevel(currentLevel int) *ApprovalLevel {
	return f.LevelAt(currentLevel + 1)
}

// IsComplete reports whether currentLevel approved levels satisfy the flow's
// completion rule.
func (f *ApprovalFlow) IsComplete(currentLevel int) bool {
	if !f.RequiresAllApprovals {
		return currentLevel > 0
	}
	return currentLevel >= len(f.Levels)
}

// ShouldTimeout reports whether now has passed the flow's deadline relative to
// referenceTime (the reservation's scheduled start).
func (f *ApprovalFlow) ShouldTimeout(referenceTime, now time.Time) bool {
	if f.ReviewTimeHours == nil {
		return false
	}
	return !now.Before(referenceTime.Add(-time.Duration(*f.ReviewTimeHours) * time.Hour))
}

// ShouldSendReminder reports whether the reminder window before referenceTime
// has opened.
func (f *ApprovalFlow) ShouldSendReminder(referenceTime, now time.Time) bool {
	if f.ReminderHours == nil {
		return false
	}
	return !now.Before(referenceTime.Add(-time.Duration(*f.ReminderHours) * time.Hour))
}

// TimeoutDeadline returns the flow's absolute deadline for a reservation
// starting at referenceTime, or nil when no review time is configured.
func (f *ApprovalFlow) TimeoutDeadline(referenceTime time.Time) *time.Time {
	if f.ReviewTimeHours == nil {
		return nil
	}
	t := referenceTime.Add(-time.Duration(*f.ReviewTimeHours) * time.Hour)
	return &t
}

// ReminderAt returns the instant the reminder window opens for a reservation
// starting at referenceTime, or nil when reminders are not configured.
func (f *ApprovalFlow) ReminderAt(referenceTime time.Time) *time.Time {
	if f.ReminderHours == nil {
		return nil
	}
	t := referenceTime.Add(-time.Duration(*f.ReminderHours) * time.Hour)
	return &t
}

// Validate checks the flow is operationally sound. A level nobody can act on
// is a configuration error, not a silent stall.
func (f *ApprovalFlow) Validate() error {
	if f.Name == "" {
		return errors.InvalidInput("name", "flow name is required")
	}
	if f.ReviewTimeHours != nil && *f.ReviewTimeHours <= 0 {
		return errors.InvalidInput("review_time_hours", "must be positive")
	}
	if f.ReminderHours != nil && *f.ReminderHours <= 0 {
		return errors.InvalidInput("reminder_hours", "must be positive")
	}
	seen := make(map[int]bool, len(f.Levels))
	for i := range f.Levels {
		lvl := &f.Levels[i]
		if lvl.Level < 1 {
			return errors.InvalidInput("level", fmt.Sprintf("level order must be positive, got %d", lvl.Level))
		}
		if seen[lvl.Level] {
			return errors.InvalidInput("level", fmt.Sprintf("duplicate level %d", lvl.Level))
		}
		seen[lvl.Level] = true
		if lvl.IsActive && !lvl.HasApprovers() {
			return errors.Configuration(
				fmt.Sprintf("level %d (%s) has no approver roles or users configured", lvl.Level, lvl.Name))
		}
	}
	return nil
}

// CanUserApprove reports whether the user may act at this level: explicit
// membership in ApproverUsers, or at least one role in ApproverRoles.
func (l *ApprovalLevel) CanUserApprove(userID string, userRoles []string) bool {
	for _, u := range l.ApproverUsers {
		if u == userID {
			return true
		}
	}
	for _, role := range l.ApproverRoles {
		for _, r := range userRoles {
			if r == role {
				return true
			}
		}
	}
	return false
}

// HasApprovers reports whether anyone at all can act at this level.
func (l *ApprovalLevel) HasApprovers() bool {
	return len(l.ApproverUsers) > 0 || len(l.ApproverRoles) > 0
}

// ShouldTimeout reports whether the level's creation-anchored duration has
// elapsed since requestedAt.
func (l *ApprovalLevel) ShouldTimeout(requestedAt, now time.Time) bool {
	if l.TimeoutHours == nil {
		return false
	}
	return !now.Before(requestedAt.Add(time.Duration(*l.TimeoutHours) * time.Hour))
}

// TimeoutDeadline returns the level's absolute deadline for a request created
// at requestedAt, or nil when the level has no timeout.
func (l *ApprovalLevel) TimeoutDeadline(requestedAt time.Time) *time.Time {
	if l.TimeoutHours == nil {
		return nil
	}
	t := requestedAt.Add(time.Duration(*l.TimeoutHours) * time.Hour)
	return &t
}

// ResolveTimeoutAt computes the authoritative deadline stored on a request at
// creation: the earlier of the flow's start-anchored deadline and the level's
// creation-anchored deadline, or nil when neither is configured.
func ResolveTimeoutAt(flow *ApprovalFlow, level *ApprovalLevel, reservationStart, requestedAt time.Time) *time.Time {
	flowAt := flow.TimeoutDeadline(reservationStart)
	levelAt := level.TimeoutDeadline(requestedAt)

	switch {
	case flowAt == nil:
		return levelAt
	case levelAt == nil:
		return flowAt
	case levelAt.Before(*flowAt):
		return levelAt
	default:
		return flowAt
	}
}

// ReservationScope carries the reservation attributes a flow can be scoped to.
type ReservationScope struct {
	ResourceType *string
	ProgramID    *string
	CategoryID   *string
}

// ResolveFlow picks the applicable flow for a reservation scope from the
// active flows. The most specific matching flow wins (every scoping field set
// on the flow must match); a default flow is the fallback. Returns nil when no
// flow applies — the caller must surface that as a configuration error.
func ResolveFlow(flows []*ApprovalFlow, scope ReservationScope) *ApprovalFlow {
	var best *ApprovalFlow
	bestScore := -1
	var fallback *ApprovalFlow

	for _, f := range flows {
		if !f.IsActive {
			continue
		}
		if f.IsDefault && fallback == nil {
			fallback = f
		}
		score, ok := matchScore(f, scope)
		if !ok || score == 0 {
			continue
		}
		if score > bestScore {
			best = f
			bestScore = score
		}
	}

	if best != nil {
		return best
	}
	return fallback
}

// matchScore returns how many scoping fields matched, and whether the flow is
// compatible with the scope at all.
func matchScore(f *ApprovalFlow, scope ReservationScope) (int, bool) {
	score := 0
	if f.ProgramID != nil {
		if scope.ProgramID == nil || *scope.ProgramID != *f.ProgramID {
			return 0, false
		}
		score++
	}
	if f.ResourceType != nil {
		if scope.ResourceType == nil || *scope.ResourceType != *f.ResourceType {
			return 0, false
		}
		score++
	}
	if f.CategoryID != nil {
		if scope.CategoryID == nil || *scope.CategoryID != *f.CategoryID {
			return 0, false
		}
		score++
	}
	return score, true
}
