package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-fm-approvals/internal/client"
	"github.com/pesio-ai/be-fm-approvals/internal/domain"
	"github.com/pesio-ai/be-fm-approvals/internal/errors"
	"github.com/pesio-ai/be-fm-approvals/internal/logger"
	"github.com/pesio-ai/be-fm-approvals/internal/tracing"
)

// Notification event types published per approval lifecycle event.
const (
	EventApprovalRequested    = "approval_requested"
	EventApprovalReminder     = "approval_reminder"
	EventReservationApproved  = "reservation_approved"
	EventReservationRejected  = "reservation_rejected"
	EventReservationTimedOut  = "reservation_timed_out"
	EventReservationCancelled = "reservation_cancelled"
)

// FlowStore is the approval flow configuration store.
type FlowStore interface {
	Create(ctx context.Context, flow *domain.ApprovalFlow) error
	GetByID(ctx context.Context, id string) (*domain.ApprovalFlow, error)
	ListActive(ctx context.Context) ([]*domain.ApprovalFlow, error)
	Update(ctx context.Context, flow *domain.ApprovalFlow) error
	Deactivate(ctx context.Context, id string) error
	AddLevel(ctx context.Context, flowID string, lvl *domain.ApprovalLevel) error
	DeactivateLevel(ctx context.Context, levelID string) error
}

// RequestStore is the approval request store. Transitions out of pending must
// be conditional on status so exactly one of any racing pair commits.
type RequestStore interface {
	Create(ctx context.Context, req *domain.ApprovalRequest) error
	GetByID(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	ListByReservation(ctx context.Context, reservationID string) ([]*domain.ApprovalRequest, error)
	GetPendingByReservation(ctx context.Context, reservationID string) (*domain.ApprovalRequest, error)
	ListPendingForApprover(ctx context.Context, userID string, roles []string) ([]*domain.ApprovalRequest, error)
	RecordApproval(ctx context.Context, id, approverID string, comments *string, now time.Time) (*domain.ApprovalRequest, error)
	Transition(ctx context.Context, id string, to domain.RequestStatus, approverID, comments *string, now time.Time) (*domain.ApprovalRequest, error)
	CancelPendingByReservation(ctx context.Context, reservationID string, now time.Time) (int, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.ApprovalRequest, error)
	ListReminderDue(ctx context.Context, kind string, now time.Time, limit int) ([]*domain.ApprovalRequest, error)
	MarkReminderSent(ctx context.Context, id, kind string, at time.Time) (bool, error)
}

// ActionStore is the append-only decision audit trail.
type ActionStore interface {
	Append(ctx context.Context, action *domain.ApprovalAction) error
	ListByRequest(ctx context.Context, requestID string) ([]*domain.ApprovalAction, error)
	ListByReservation(ctx context.Context, reservationID string) ([]*domain.ApprovalAction, error)
}

// ReservationsClientInterface provides reservation context and receives the
// final approval outcome.
type ReservationsClientInterface interface {
	GetReservation(ctx context.Context, reservationID string) (*client.Reservation, error)
	SetApprovalOutcome(ctx context.Context, req client.SetApprovalOutcomeRequest) error
}

// IdentityClientInterface resolves role membership.
type IdentityClientInterface interface {
	GetUsersWithRole(ctx context.Context, role string) ([]string, error)
	GetUserRoles(ctx context.Context, userID string) ([]string, error)
}

// Notifier publishes approval lifecycle events. Implementations are
// fire-and-forget: failures are logged, never returned.
type Notifier interface {
	PublishApprovalEvent(ctx context.Context, eventType, reservationID, actorID string, recipients []string, payload map[string]interface{})
}

// DocumentsClientInterface renders decision artifacts after terminal
// transitions.
type DocumentsClientInterface interface {
	GenerateDecisionDocument(ctx context.Context, req client.DecisionDocumentRequest) error
}

// ApprovalService orchestrates the reservation approval lifecycle:
// submission, decisions, cancellation and flow administration. The background
// sweep lives in Sweeper and calls back into this service.
type ApprovalService struct {
	flows        FlowStore
	requests     RequestStore
	actions      ActionStore
	reservations ReservationsClientInterface
	identity     IdentityClientInterface
	notifier     Notifier
	documents    DocumentsClientInterface
	log          *logger.Logger
	now          func() time.Time
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	flows FlowStore,
	requests RequestStore,
	actions ActionStore,
	reservations ReservationsClientInterface,
	identity IdentityClientInterface,
	notifier Notifier,
	documents DocumentsClientInterface,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		flows:        flows,
		requests:     requests,
		actions:      actions,
		reservations: reservations,
		identity:     identity,
		notifier:     notifier,
		documents:    documents,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// ── Submit ────────────────────────────────────────────────────────────────────

// SubmitResult reports what submission produced: either an immediate
// auto-approval or the level-1 pending request.
type SubmitResult struct {
	AutoApproved bool
	Request      *domain.ApprovalRequest
}

// Submit starts the approval process for a reservation. The applicable flow
// is resolved from the reservation's scope; no matching flow is a hard
// configuration error — a reservation cannot proceed without a policy.
func (s *ApprovalService) Submit(ctx context.Context, reservationID, submittedBy string) (result *SubmitResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "approval.submit",
		attribute.String("reservation_id", reservationID))
	defer func() { tracing.EndSpan(span, err) }()

	if reservationID == "" {
		return nil, errors.InvalidInput("reservation_id", "is required")
	}

	res, err := s.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeNotFound, "reservation lookup failed")
	}

	flows, err := s.flows.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	flow := domain.ResolveFlow(flows, domain.ReservationScope{
		ResourceType: res.ResourceType,
		ProgramID:    res.ProgramID,
		CategoryID:   res.CategoryID,
	})
	if flow == nil {
		return nil, errors.Configuration(
			fmt.Sprintf("no approval flow configured for reservation %s", reservationID))
	}
	if err := flow.Validate(); err != nil {
		return nil, err
	}

	if existing, err := s.requests.GetPendingByReservation(ctx, reservationID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, errors.Conflict("approval already in progress for this reservation")
	}

	// A rejection or timeout is final for the reservation: no further request
	// may ever be created for it. Only cancellation reopens submission, since
	// the withdrawal came from the requester, not a decision.
	history, err := s.requests.ListByReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	for _, prev := range history {
		if prev.Status == domain.RequestStatusRejected || prev.Status == domain.RequestStatusTimeout {
			return nil, errors.Conflict(
				fmt.Sprintf("reservation approval already resolved (%s)", prev.Status))
		}
	}

	if flow.CanAutoApprove() {
		s.log.Info().
			Str("reservation_id", reservationID).
			Str("flow_id", flow.ID).
			Msg("Reservation auto-approved, flow has no levels")

		s.reportOutcome(ctx, reservationID, domain.OutcomeApproved, submittedBy, "auto-approved")
		s.notifier.PublishApprovalEvent(ctx, EventReservationApproved, reservationID, submittedBy,
			[]string{res.RequesterID}, map[string]interface{}{"auto_approval": true})
		return &SubmitResult{AutoApproved: true}, nil
	}

	level := flow.LevelAt(1)
	if level == nil {
		return nil, errors.Configuration(
			fmt.Sprintf("approval flow %s has no level 1", flow.ID))
	}
	if !level.HasApprovers() {
		return nil, errors.Configuration(
			fmt.Sprintf("approval level %d of flow %s has no approvers", level.Level, flow.ID))
	}

	req, err := s.createLevelRequest(ctx, flow, level, res)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("reservation_id", reservationID).
		Str("flow_id", flow.ID).
		Str("request_id", req.ID).
		Int("level", level.Level).
		Msg("Approval workflow started")

	return &SubmitResult{Request: req}, nil
}

// createLevelRequest builds, persists and announces a pending request for one
// level.
func (s *ApprovalService) createLevelRequest(ctx context.Context, flow *domain.ApprovalFlow, level *domain.ApprovalLevel, res *client.Reservation) (*domain.ApprovalRequest, error) {
	recipients, lookupErr := s.qualifiedApprovers(ctx, level)

	required := 1
	if level.RequiresAll {
		// The required count is fixed at creation from the full approver set.
		// An incomplete set would silently weaken the all-approver guarantee,
		// so an identity failure here fails the submit.
		if lookupErr != nil {
			return nil, errors.Wrap(lookupErr, errors.ErrCodeInternal,
				fmt.Sprintf("cannot size required approvals for level %d, identity lookup failed", level.Level))
		}
		if n := len(recipients); n > 0 {
			required = n
		}
	}

	req := domain.NewRequest(res.ID, flow, level, res.StartTime, s.now(), required)
	if err := s.requests.Create(ctx, &req); err != nil {
		return nil, err
	}

	s.notifier.PublishApprovalEvent(ctx, EventApprovalRequested, res.ID, res.RequesterID,
		recipients, map[string]interface{}{
			"request_id": req.ID,
			"level":      level.Level,
			"level_name": level.Name,
		})

	return &req, nil
}

// qualifiedApprovers resolves the full set of users who may act at a level:
// the explicit users plus every holder of a listed role. A role lookup
// failure is logged and returned alongside the partial set; callers decide
// whether a partial set is acceptable (notifications degrade, fan-in sizing
// must not).
func (s *ApprovalService) qualifiedApprovers(ctx context.Context, level *domain.ApprovalLevel) ([]string, error) {
	seen := make(map[string]struct{}, len(level.ApproverUsers))
	var users []string
	for _, u := range level.ApproverUsers {
		if _, ok := seen[u]; !ok {
			seen[u] = struct{}{}
			users = append(users, u)
		}
	}

	var lookupErr error
	for _, role := range level.ApproverRoles {
		withRole, err := s.identity.GetUsersWithRole(ctx, role)
		if err != nil {
			s.log.Warn().Err(err).Str("role", role).Msg("Could not resolve users for role")
			if lookupErr == nil {
				lookupErr = err
			}
			continue
		}
		for _, u := range withRole {
			if _, ok := seen[u]; !ok {
				seen[u] = struct{}{}
				users = append(users, u)
			}
		}
	}
	return users, lookupErr
}

// ── Decide ────────────────────────────────────────────────────────────────────

// DecideRequest is one approver's decision against a pending request.
type DecideRequest struct {
	RequestID  string
	ApproverID string
	Action     domain.ActionType
	Comments   *string
	IPAddress  *string
	UserAgent  *string
}

// Decide applies an approver's decision. The request must still be pending
// and the approver must be qualified at the request's level; the status
// transition is committed through a conditional write, so a decision racing
// another decision or the sweep loses with a conflict, never an overwrite.
func (s *ApprovalService) Decide(ctx context.Context, dec DecideRequest) (updated *domain.ApprovalRequest, err error) {
	ctx, span := tracing.StartSpan(ctx, "approval.decide",
		attribute.String("request_id", dec.RequestID),
		attribute.String("action", string(dec.Action)))
	defer func() { tracing.EndSpan(span, err) }()

	if !dec.Action.Valid() {
		return nil, errors.InvalidInput("action", "must be approve or reject")
	}
	if dec.ApproverID == "" {
		return nil, errors.InvalidInput("approver_id", "is required")
	}
	if dec.Action == domain.ActionReject && (dec.Comments == nil || *dec.Comments == "") {
		return nil, errors.InvalidInput("comments", "rejection reason is required")
	}

	req, err := s.requests.GetByID(ctx, dec.RequestID)
	if err != nil {
		return nil, err
	}
	if !req.IsPending() {
		return nil, errors.Conflict(
			fmt.Sprintf("approval request already resolved (status: %s)", req.Status))
	}

	flow, err := s.flows.GetByID(ctx, req.FlowID)
	if err != nil {
		return nil, err
	}
	level := levelByID(flow, req.LevelID)
	if level == nil {
		return nil, errors.NotFound("approval_level", req.LevelID)
	}

	roles, err := s.identity.GetUserRoles(ctx, dec.ApproverID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", dec.ApproverID).Msg("Could not resolve user roles")
	}
	if !level.CanUserApprove(dec.ApproverID, roles) {
		s.log.Warn().
			Str("request_id", req.ID).
			Str("user_id", dec.ApproverID).
			Int("level", level.Level).
			Msg("Unqualified approval attempt rejected")
		return nil, errors.Unauthorized("user is not qualified to act at this approval level")
	}

	// One decision per approver per request: a fan-in level needs sign-offs
	// from distinct approvers, not the same approver counted twice.
	prior, err := s.actions.ListByRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	for _, a := range prior {
		if a.UserID == dec.ApproverID {
			return nil, errors.Conflict("approver has already acted on this request")
		}
	}

	now := s.now()
	switch dec.Action {
	case domain.ActionApprove:
		updated, err = s.requests.RecordApproval(ctx, req.ID, dec.ApproverID, dec.Comments, now)
	default:
		updated, err = s.requests.Transition(ctx, req.ID, domain.RequestStatusRejected, &dec.ApproverID, dec.Comments, now)
	}
	if err != nil {
		return nil, err
	}

	s.appendAction(ctx, req.ID, dec, now)

	switch {
	case updated.Status == domain.RequestStatusRejected:
		s.finalize(ctx, updated, domain.OutcomeRejected, dec.ApproverID, dec.Comments)

	case updated.Status == domain.RequestStatusApproved:
		if err := s.advance(ctx, flow, updated, dec.ApproverID); err != nil {
			return nil, err
		}

	default:
		// Fan-in level: the sign-off was recorded but more approvers are
		// still required; nothing advances yet.
		s.log.Info().
			Str("request_id", updated.ID).
			Int("received", updated.ApprovalsReceived).
			Int("required", updated.RequiredApprovals).
			Msg("Approval recorded, level awaits further approvers")
	}

	return updated, nil
}

// advance moves an approved level forward: finalize the reservation when the
// flow's completion rule is satisfied, otherwise spawn the next level's
// request.
func (s *ApprovalService) advance(ctx context.Context, flow *domain.ApprovalFlow, req *domain.ApprovalRequest, actorID string) error {
	next := flow.NextLevel(req.LevelNumber)
	if flow.IsComplete(req.LevelNumber) || next == nil {
		s.finalize(ctx, req, domain.OutcomeApproved, actorID, req.Comments)
		return nil
	}

	res, err := s.reservations.GetReservation(ctx, req.ReservationID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "reservation lookup failed while advancing level")
	}
	if !next.HasApprovers() {
		return errors.Configuration(
			fmt.Sprintf("approval level %d of flow %s has no approvers", next.Level, flow.ID))
	}

	created, err := s.createLevelRequest(ctx, flow, next, res)
	if err != nil {
		return err
	}

	s.log.Info().
		Str("reservation_id", req.ReservationID).
		Str("request_id", created.ID).
		Int("level", next.Level).
		Msg("Advanced to next approval level")
	return nil
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// Cancel transitions a reservation's pending request out of pending when the
// reservation itself is withdrawn. Late decisions and the sweep then see a
// terminal status and conflict instead of acting.
func (s *ApprovalService) Cancel(ctx context.Context, reservationID, cancelledBy string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "approval.cancel",
		attribute.String("reservation_id", reservationID))
	defer func() { tracing.EndSpan(span, err) }()

	n, err := s.requests.CancelPendingByReservation(ctx, reservationID, s.now())
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Conflict("no pending approval to cancel for this reservation")
	}

	s.log.Info().
		Str("reservation_id", reservationID).
		Int("cancelled", n).
		Msg("Pending approval cancelled with reservation")

	s.notifier.PublishApprovalEvent(ctx, EventReservationCancelled, reservationID, cancelledBy, []string{cancelledBy}, nil)
	return nil
}

// ── Sweep callbacks ───────────────────────────────────────────────────────────

// ExpirePending times out pending requests whose deadline has passed. A
// request decided between selection and transition loses the race cleanly and
// is skipped. Returns how many requests were expired.
func (s *ApprovalService) ExpirePending(ctx context.Context, batchSize int) (expired int, err error) {
	ctx, span := tracing.StartSpan(ctx, "approval.sweep.expire")
	defer func() { tracing.EndSpan(span, err) }()

	now := s.now()
	due, err := s.requests.ListExpired(ctx, now, batchSize)
	if err != nil {
		return 0, err
	}

	for _, req := range due {
		updated, err := s.requests.Transition(ctx, req.ID, domain.RequestStatusTimeout, nil, nil, now)
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeConflict) {
				continue // a live decision won the race
			}
			return expired, err
		}

		s.log.Info().
			Str("request_id", updated.ID).
			Str("reservation_id", updated.ReservationID).
			Time("timeout_at", *updated.TimeoutAt).
			Msg("Approval request timed out")

		s.finalize(ctx, updated, domain.OutcomeTimeout, "", nil)
		expired++
	}
	return expired, nil
}

// SendReminders dispatches due reminders. The sent-marker write is
// conditional on the reminder key being absent, so repeated sweeps over the
// same request send exactly one reminder. Returns how many were sent.
func (s *ApprovalService) SendReminders(ctx context.Context, batchSize int) (sent int, err error) {
	ctx, span := tracing.StartSpan(ctx, "approval.sweep.remind")
	defer func() { tracing.EndSpan(span, err) }()

	now := s.now()
	due, err := s.requests.ListReminderDue(ctx, domain.ReminderKindApprover, now, batchSize)
	if err != nil {
		return 0, err
	}

	for _, req := range due {
		marked, err := s.requests.MarkReminderSent(ctx, req.ID, domain.ReminderKindApprover, now)
		if err != nil {
			return sent, err
		}
		if !marked {
			continue // another sweep run got there first, or the request resolved
		}

		recipients := s.approversForRequest(ctx, req)
		s.notifier.PublishApprovalEvent(ctx, EventApprovalReminder, req.ReservationID, "",
			recipients, map[string]interface{}{
				"request_id": req.ID,
				"level":      req.LevelNumber,
				"timeout_at": req.TimeoutAt,
			})
		sent++
	}
	return sent, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetRequest returns one approval request.
func (s *ApprovalService) GetRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	return s.requests.GetByID(ctx, id)
}

// ListRequests returns a reservation's approval requests, oldest level first.
func (s *ApprovalService) ListRequests(ctx context.Context, reservationID string) ([]*domain.ApprovalRequest, error) {
	return s.requests.ListByReservation(ctx, reservationID)
}

// ListPendingForApprover returns the requests awaiting the given user.
func (s *ApprovalService) ListPendingForApprover(ctx context.Context, userID string) ([]*domain.ApprovalRequest, error) {
	roles, err := s.identity.GetUserRoles(ctx, userID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("Could not resolve user roles")
	}
	return s.requests.ListPendingForApprover(ctx, userID, roles)
}

// GetHistory returns a reservation's full decision audit trail.
func (s *ApprovalService) GetHistory(ctx context.Context, reservationID string) ([]*domain.ApprovalAction, error) {
	return s.actions.ListByReservation(ctx, reservationID)
}

// ── Flow administration ───────────────────────────────────────────────────────

// CreateFlow validates and persists a new approval flow with its levels.
func (s *ApprovalService) CreateFlow(ctx context.Context, flow *domain.ApprovalFlow) error {
	if err := flow.Validate(); err != nil {
		return err
	}
	return s.flows.Create(ctx, flow)
}

// GetFlow returns a flow with its levels.
func (s *ApprovalService) GetFlow(ctx context.Context, id string) (*domain.ApprovalFlow, error) {
	return s.flows.GetByID(ctx, id)
}

// ListFlows returns all active flows.
func (s *ApprovalService) ListFlows(ctx context.Context) ([]*domain.ApprovalFlow, error) {
	return s.flows.ListActive(ctx)
}

// UpdateFlow validates and persists changes to a flow's mutable fields.
func (s *ApprovalService) UpdateFlow(ctx context.Context, flow *domain.ApprovalFlow) error {
	if err := flow.Validate(); err != nil {
		return err
	}
	return s.flows.Update(ctx, flow)
}

// DeactivateFlow performs the logical delete of a flow.
func (s *ApprovalService) DeactivateFlow(ctx context.Context, id string) error {
	return s.flows.Deactivate(ctx, id)
}

// AddLevel appends a level to a flow.
func (s *ApprovalService) AddLevel(ctx context.Context, flowID string, lvl *domain.ApprovalLevel) error {
	if lvl.Level < 1 {
		return errors.InvalidInput("level", "level order must be positive")
	}
	if !lvl.HasApprovers() {
		return errors.Configuration("approval level must have approver roles or users")
	}
	return s.flows.AddLevel(ctx, flowID, lvl)
}

// DeactivateLevel performs the logical delete of a level.
func (s *ApprovalService) DeactivateLevel(ctx context.Context, levelID string) error {
	return s.flows.DeactivateLevel(ctx, levelID)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// finalize reports a terminal outcome to the reservations service and fires
// the best-effort side effects. The transition that got us here is already
// committed; nothing below may fail it.
func (s *ApprovalService) finalize(ctx context.Context, req *domain.ApprovalRequest, outcome domain.Outcome, actorID string, comments *string) {
	notes := ""
	if comments != nil {
		notes = *comments
	}

	if err := s.reservations.SetApprovalOutcome(ctx, client.SetApprovalOutcomeRequest{
		ReservationID: req.ReservationID,
		Outcome:       string(outcome),
		DecidedBy:     actorID,
		Comments:      notes,
	}); err != nil {
		s.log.Error().Err(err).
			Str("reservation_id", req.ReservationID).
			Str("outcome", string(outcome)).
			Msg("Failed to report approval outcome to reservations service")
	}

	event := map[domain.Outcome]string{
		domain.OutcomeApproved: EventReservationApproved,
		domain.OutcomeRejected: EventReservationRejected,
		domain.OutcomeTimeout:  EventReservationTimedOut,
	}[outcome]
	if event != "" {
		recipients := s.requesterOf(ctx, req.ReservationID)
		s.notifier.PublishApprovalEvent(ctx, event, req.ReservationID, actorID, recipients,
			map[string]interface{}{"request_id": req.ID, "level": req.LevelNumber})
	}

	if err := s.documents.GenerateDecisionDocument(ctx, client.DecisionDocumentRequest{
		ReservationID: req.ReservationID,
		Outcome:       string(outcome),
		DecidedBy:     actorID,
		Comments:      notes,
	}); err != nil {
		s.log.Warn().Err(err).
			Str("reservation_id", req.ReservationID).
			Msg("Failed to generate decision document (non-fatal)")
	}
}

// reportOutcome pushes a terminal outcome to the reservations service when no
// request row exists, the auto-approval path. Failures are logged, not
// returned: the approval decision itself already stands.
func (s *ApprovalService) reportOutcome(ctx context.Context, reservationID string, outcome domain.Outcome, actorID, comments string) {
	if err := s.reservations.SetApprovalOutcome(ctx, client.SetApprovalOutcomeRequest{
		ReservationID: reservationID,
		Outcome:       string(outcome),
		DecidedBy:     actorID,
		Comments:      comments,
	}); err != nil {
		s.log.Error().Err(err).
			Str("reservation_id", reservationID).
			Str("outcome", string(outcome)).
			Msg("Failed to report approval outcome to reservations service")
	}
}

// appendAction writes an audit record and logs a warning on failure, the
// transition it documents is already committed.
func (s *ApprovalService) appendAction(ctx context.Context, requestID string, dec DecideRequest, at time.Time) {
	action, err := domain.NewAction(requestID, dec.ApproverID, dec.Action, dec.Comments, dec.IPAddress, dec.UserAgent, at)
	if err != nil {
		s.log.Warn().Err(err).Str("request_id", requestID).Msg("Failed to build approval action record")
		return
	}
	if err := s.actions.Append(ctx, &action); err != nil {
		s.log.Warn().Err(err).
			Str("request_id", requestID).
			Str("action", string(dec.Action)).
			Msg("Failed to append approval action")
	}
}

// approversForRequest resolves current recipients for a request's level.
func (s *ApprovalService) approversForRequest(ctx context.Context, req *domain.ApprovalRequest) []string {
	flow, err := s.flows.GetByID(ctx, req.FlowID)
	if err != nil {
		s.log.Warn().Err(err).Str("flow_id", req.FlowID).Msg("Could not load flow for reminder recipients")
		return nil
	}
	level := levelByID(flow, req.LevelID)
	if level == nil {
		return nil
	}
	// Reminder recipients degrade to whoever resolved.
	users, _ := s.qualifiedApprovers(ctx, level)
	return users
}

func (s *ApprovalService) requesterOf(ctx context.Context, reservationID string) []string {
	res, err := s.reservations.GetReservation(ctx, reservationID)
	if err != nil || res.RequesterID == "" {
		return nil
	}
	return []string{res.RequesterID}
}

func levelByID(flow *domain.ApprovalFlow, levelID string) *domain.ApprovalLevel {
	for i := range flow.Levels {
		if flow.Levels[i].ID == levelID {
			return &flow.Levels[i]
		}
	}
	return nil
}
