package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-fm-approvals/internal/client"
	"github.com/pesio-ai/be-fm-approvals/internal/domain"
	"github.com/pesio-ai/be-fm-approvals/internal/errors"
	"github.com/pesio-ai/be-fm-approvals/internal/logger"
)

// ── In-memory fakes ───────────────────────────────────────────────────────────

type fakeFlowStore struct {
	flows map[string]*domain.ApprovalFlow
}

func newFakeFlowStore(flows ...*domain.ApprovalFlow) *fakeFlowStore {
	s := &fakeFlowStore{flows: map[string]*domain.ApprovalFlow{}}
	for _, f := range flows {
		s.flows[f.ID] = f
	}
	return s
}

func (s *fakeFlowStore) Create(_ context.Context, flow *domain.ApprovalFlow) error {
	s.flows[flow.ID] = flow
	return nil
}

func (s *fakeFlowStore) GetByID(_ context.Context, id string) (*domain.ApprovalFlow, error) {
	f, ok := s.flows[id]
	if !ok {
		return nil, errors.NotFound("approval_flow", id)
	}
	return f, nil
}

func (s *fakeFlowStore) ListActive(_ context.Context) ([]*domain.ApprovalFlow, error) {
	var out []*domain.ApprovalFlow
	for _, f := range s.flows {
		if f.IsActive {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeFlowStore) Update(_ context.Context, flow *domain.ApprovalFlow) error {
	if _, ok := s.flows[flow.ID]; !ok {
		return errors.NotFound("approval_flow", flow.ID)
	}
	s.flows[flow.ID] = flow
	return nil
}

func (s *fakeFlowStore) Deactivate(_ context.Context, id string) error {
	f, ok := s.flows[id]
	if !ok {
		return errors.NotFound("approval_flow", id)
	}
	f.IsActive = false
	return nil
}

func (s *fakeFlowStore) AddLevel(_ context.Context, flowID string, lvl *domain.ApprovalLevel) error {
	f, ok := s.flows[flowID]
	if !ok {
		return errors.NotFound("approval_flow", flowID)
	}
	lvl.FlowID = flowID
	f.Levels = append(f.Levels, *lvl)
	return nil
}

func (s *fakeFlowStore) DeactivateLevel(_ context.Context, levelID string) error {
	for _, f := range s.flows {
		for i := range f.Levels {
			if f.Levels[i].ID == levelID {
				f.Levels[i].IsActive = false
				return nil
			}
		}
	}
	return errors.NotFound("approval_level", levelID)
}

// fakeRequestStore mimics the conditional-update discipline of the real
// repository: transitions commit only from pending.
type fakeRequestStore struct {
	mu   sync.Mutex
	reqs map[string]*domain.ApprovalRequest
}

func newFakeRequestStore() *fakeRequestStore {
	return &fakeRequestStore{reqs: map[string]*domain.ApprovalRequest{}}
}

func (s *fakeRequestStore) Create(_ context.Context, req *domain.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.reqs[req.ID] = &cp
	return nil
}

func (s *fakeRequestStore) GetByID(_ context.Context, id string) (*domain.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.reqs[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	cp := *req
	return &cp, nil
}

func (s *fakeRequestStore) ListByReservation(_ context.Context, reservationID string) ([]*domain.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ApprovalRequest
	for _, req := range s.reqs {
		if req.ReservationID == reservationID {
			cp := *req
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LevelNumber < out[j].LevelNumber })
	return out, nil
}

func (s *fakeRequestStore) GetPendingByReservation(_ context.Context, reservationID string) (*domain.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.reqs {
		if req.ReservationID == reservationID && req.IsPending() {
			cp := *req
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeRequestStore) ListPendingForApprover(_ context.Context, _ string, _ []string) ([]*domain.ApprovalRequest, error) {
	return nil, nil
}

func (s *fakeRequestStore) RecordApproval(_ context.Context, id, approverID string, comments *string, now time.Time) (*domain.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.reqs[id]
	if !ok || !req.IsPending() {
		return nil, errors.Conflict("approval request already resolved")
	}
	updated, err := req.Approve(approverID, comments, now)
	if err != nil {
		return nil, err
	}
	s.reqs[id] = &updated
	cp := updated
	return &cp, nil
}

func (s *fakeRequestStore) Transition(_ context.Context, id string, to domain.RequestStatus, approverID, comments *string, now time.Time) (*domain.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.reqs[id]
	if !ok || !req.IsPending() {
		return nil, errors.Conflict("approval request already resolved")
	}

	var updated domain.ApprovalRequest
	var err error
	switch to {
	case domain.RequestStatusRejected:
		actor := ""
		if approverID != nil {
			actor = *approverID
		}
		updated, err = req.Reject(actor, comments, now)
	case domain.RequestStatusTimeout:
		updated, err = req.Timeout(now)
	case domain.RequestStatusCancelled:
		updated, err = req.Cancel(now)
	default:
		return nil, errors.InvalidInput("status", "transition target must be terminal")
	}
	if err != nil {
		return nil, err
	}
	s.reqs[id] = &updated
	cp := updated
	return &cp, nil
}

func (s *fakeRequestStore) CancelPendingByReservation(ctx context.Context, reservationID string, now time.Time) (int, error) {
	s.mu.Lock()
	ids := []string{}
	for id, req := range s.reqs {
		if req.ReservationID == reservationID && req.IsPending() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if _, err := s.Transition(ctx, id, domain.RequestStatusCancelled, nil, nil, now); err == nil {
			n++
		}
	}
	return n, nil
}

func (s *fakeRequestStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*domain.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ApprovalRequest
	for _, req := range s.reqs {
		if req.IsPending() && req.IsExpired(now) && len(out) < limit {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeRequestStore) ListReminderDue(_ context.Context, kind string, now time.Time, limit int) ([]*domain.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ApprovalRequest
	for _, req := range s.reqs {
		if req.IsPending() && req.ReminderAt != nil && !now.Before(*req.ReminderAt) && !req.ReminderSent(kind) && len(out) < limit {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeRequestStore) MarkReminderSent(_ context.Context, id, kind string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.reqs[id]
	if !ok || !req.IsPending() || req.ReminderSent(kind) {
		return false, nil
	}
	updated := req.WithReminderSent(kind, at)
	s.reqs[id] = &updated
	return true, nil
}

type fakeActionStore struct {
	mu      sync.Mutex
	actions []*domain.ApprovalAction
}

func (s *fakeActionStore) Append(_ context.Context, action *domain.ApprovalAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, action)
	return nil
}

func (s *fakeActionStore) ListByRequest(_ context.Context, requestID string) ([]*domain.ApprovalAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ApprovalAction
	for _, a := range s.actions {
		if a.RequestID == requestID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeActionStore) ListByReservation(_ context.Context, _ string) ([]*domain.ApprovalAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.ApprovalAction{}, s.actions...), nil
}

type fakeReservations struct {
	res      map[string]*client.Reservation
	outcomes []client.SetApprovalOutcomeRequest
}

func (s *fakeReservations) GetReservation(_ context.Context, id string) (*client.Reservation, error) {
	r, ok := s.res[id]
	if !ok {
		return nil, errors.NotFound("reservation", id)
	}
	return r, nil
}

func (s *fakeReservations) SetApprovalOutcome(_ context.Context, req client.SetApprovalOutcomeRequest) error {
	s.outcomes = append(s.outcomes, req)
	return nil
}

type fakeIdentity struct {
	rolesByUser map[string][]string
	usersByRole map[string][]string
	roleErr     error
}

func (s *fakeIdentity) GetUsersWithRole(_ context.Context, role string) ([]string, error) {
	if s.roleErr != nil {
		return nil, s.roleErr
	}
	return s.usersByRole[role], nil
}

func (s *fakeIdentity) GetUserRoles(_ context.Context, userID string) ([]string, error) {
	return s.rolesByUser[userID], nil
}

type publishedEvent struct {
	eventType     string
	reservationID string
	recipients    []string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (s *fakeNotifier) PublishApprovalEvent(_ context.Context, eventType, reservationID, _ string, recipients []string, _ map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, publishedEvent{eventType: eventType, reservationID: reservationID, recipients: recipients})
}

func (s *fakeNotifier) byType(eventType string) []publishedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []publishedEvent
	for _, e := range s.events {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fakeDocuments struct {
	requests []client.DecisionDocumentRequest
	fail     error
}

func (s *fakeDocuments) GenerateDecisionDocument(_ context.Context, req client.DecisionDocumentRequest) error {
	if s.fail != nil {
		return s.fail
	}
	s.requests = append(s.requests, req)
	return nil
}

// ── Fixture ───────────────────────────────────────────────────────────────────

type fixture struct {
	svc          *ApprovalService
	flows        *fakeFlowStore
	requests     *fakeRequestStore
	actions      *fakeActionStore
	reservations *fakeReservations
	identity     *fakeIdentity
	notifier     *fakeNotifier
	documents    *fakeDocuments
	now          time.Time
}

func hours(n int) *int { return &n }

func strp(s string) *string { return &s }

func newFixture(t *testing.T, flows ...*domain.ApprovalFlow) *fixture {
	t.Helper()

	f := &fixture{
		flows:    newFakeFlowStore(flows...),
		requests: newFakeRequestStore(),
		actions:  &fakeActionStore{},
		reservations: &fakeReservations{res: map[string]*client.Reservation{
			"res-1": {
				ID:           "res-1",
				ResourceID:   "room-12",
				ResourceType: strp("room"),
				RequesterID:  "requester-1",
				StartTime:    time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
				Status:       "pending_approval",
			},
		}},
		identity: &fakeIdentity{
			rolesByUser: map[string][]string{
				"coord-1":  {"COORDINATOR"},
				"coord-2":  {"COORDINATOR"},
				"admin-1":  {"ADMIN"},
				"member-1": {"MEMBER"},
			},
			usersByRole: map[string][]string{
				"COORDINATOR": {"coord-1", "coord-2"},
				"ADMIN":       {"admin-1"},
			},
		},
		notifier:  &fakeNotifier{},
		documents: &fakeDocuments{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	log := logger.New(logger.Config{Level: "error", ServiceName: "test"})
	f.svc = NewApprovalService(f.flows, f.requests, f.actions, f.reservations, f.identity, f.notifier, f.documents, log)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func sequentialFlow() *domain.ApprovalFlow {
	return &domain.ApprovalFlow{
		ID:                   "flow-seq",
		Name:                 "Two level review",
		RequiresAllApprovals: true,
		ReviewTimeHours:      hours(24),
		ReminderHours:        hours(48),
		IsDefault:            true,
		IsActive:             true,
		Levels: []domain.ApprovalLevel{
			{ID: "lvl-1", FlowID: "flow-seq", Level: 1, Name: "Coordinator", ApproverRoles: []string{"COORDINATOR"}, IsActive: true},
			{ID: "lvl-2", FlowID: "flow-seq", Level: 2, Name: "Admin", ApproverRoles: []string{"ADMIN"}, IsActive: true},
		},
	}
}

// ── Submit ────────────────────────────────────────────────────────────────────

func TestSubmitCreatesLevelOneRequest(t *testing.T) {
	f := newFixture(t, sequentialFlow())

	result, err := f.svc.Submit(context.Background(), "res-1", "requester-1")
	require.NoError(t, err)
	require.NotNil(t, result.Request)
	assert.False(t, result.AutoApproved)

	req := result.Request
	assert.Equal(t, domain.RequestStatusPending, req.Status)
	assert.Equal(t, 1, req.LevelNumber)
	assert.Equal(t, "lvl-1", req.LevelID)

	// Deadline anchored to the reservation start, not request creation.
	require.NotNil(t, req.TimeoutAt)
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), *req.TimeoutAt)

	created := f.notifier.byType(EventApprovalRequested)
	require.Len(t, created, 1)
	assert.ElementsMatch(t, []string{"coord-1", "coord-2"}, created[0].recipients)
}

func TestSubmitAutoApprovesZeroLevelFlow(t *testing.T) {
	auto := &domain.ApprovalFlow{
		ID:                  "flow-auto",
		Name:                "Auto approve",
		AutoApprovalEnabled: true,
		IsDefault:           true,
		IsActive:            true,
	}
	f := newFixture(t, auto)

	result, err := f.svc.Submit(context.Background(), "res-1", "requester-1")
	require.NoError(t, err)
	assert.True(t, result.AutoApproved)
	assert.Nil(t, result.Request)

	// No request rows created.
	reqs, err := f.requests.ListByReservation(context.Background(), "res-1")
	require.NoError(t, err)
	assert.Empty(t, reqs)

	require.Len(t, f.reservations.outcomes, 1)
	assert.Equal(t, "approved", f.reservations.outcomes[0].Outcome)
}

func TestSubmitWithoutFlowIsConfigurationError(t *testing.T) {
	f := newFixture(t) // no flows at all

	_, err := f.svc.Submit(context.Background(), "res-1", "requester-1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfiguration))
}

func TestSubmitRejectsLevelWithNoApprovers(t *testing.T) {
	broken := sequentialFlow()
	broken.Levels[0].ApproverRoles = nil
	broken.Levels[0].ApproverUsers = nil
	f := newFixture(t, broken)

	_, err := f.svc.Submit(context.Background(), "res-1", "requester-1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfiguration))
}

func TestSubmitConflictsWhenApprovalInFlight(t *testing.T) {
	f := newFixture(t, sequentialFlow())

	_, err := f.svc.Submit(context.Background(), "res-1", "requester-1")
	require.NoError(t, err)

	_, err = f.svc.Submit(context.Background(), "res-1", "requester-1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
}

// ── Decide ────────────────────────────────────────────────────────────────────

func TestDecideSequentialApproveThenReject(t *testing.T) {
	f := newFixture(t, sequentialFlow())
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "res-1", "requester-1")
	require.NoError(t, err)
	a1 := result.Request

	// Coordinator approves level 1: A1 approved, A2 spawned at level 2.
	updated, err := f.svc.Decide(ctx, DecideRequest{RequestID: a1.ID, ApproverID: "coord-1", Action: domain.ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusApproved, updated.Status)

	reqs, err := f.requests.ListByReservation(ctx, "res-1")
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	a2 := reqs[1]
	assert.Equal(t, 2, a2.LevelNumber)
	assert.Equal(t, domain.RequestStatusPending, a2.Status)
	assert.Empty(t, f.reservations.outcomes, "not finalized before the last level")

	// Admin rejects level 2: no A3, reservation outcome rejected.
	reason := "space already allocated"
	updated, err = f.svc.Decide(ctx, DecideRequest{RequestID: a2.ID, ApproverID: "admin-1", Action: domain.ActionReject, Comments: &reason})
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusRejected, updated.Status)

	reqs, err = f.requests.ListByReservation(ctx, "res-1")
	require.NoError(t, err)
	assert.Len(t, reqs, 2, "rejection terminates the flow, no further level spawned")

	require.Len(t, f.reservations.outcomes, 1)
	assert.Equal(t, "rejected", f.reservations.outcomes[0].Outcome)
	require.Len(t, f.documents.requests, 1)
	assert.Equal(t, "rejected", f.documents.requests[0].Outcome)
	assert.Len(t, f.notifier.byType(EventReservationRejected), 1)

	// Two audit actions, append-only.
	actions, err := f.svc.GetHistory(ctx, "res-1")
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, domain.ActionApprove, actions[0].Action)
	assert.Equal(t, domain.ActionReject, actions[1].Action)
}

func TestDecideFinalizesWhenAllLevelsApproved(t *testing.T) {
	f := newFixture(t, sequentialFlow())
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "res-1", "requester-1")
	require.NoError(t, err)

	_, err = f.svc.Decide(ctx, DecideRequest{RequestID: result.Request.ID, ApproverID: "coord-1", Action: domain.ActionApprove})
	require.NoError(t, err)

	reqs, _ := f.requests.ListByReservation(ctx, "res-1")
	a2 := reqs[1]

	updated, err := f.svc.Decide(ctx, DecideRequest{RequestID: a2.ID, ApproverID: "admin-1", Action: domain.ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusApproved, updated.Status)

	require.Len(t, f.reservations.outcomes, 1)
	assert.Equal(t, "approved", f.reservations.outcomes[0].Outcome)
	assert.Len(t, f.notifier.byType(EventReservationApproved), 1)
}

func TestDecideAnyLevelWinsCompletesOnFirstApproval(t *testing.T) {
	flow := sequentialFlow()
	flow.RequiresAllApprovals = false
	f := newFixture(t, flow)
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "res-1", "requester-1")
	require.NoError(t, err)

	_, err = f.svc.Decide(ctx, DecideRequest{RequestID: result.Request.ID, ApproverID: "coord-1", Action: domain.ActionApprove})
	require.NoError(t, err)

	reqs, _ := f.requests.ListByReservation(ctx, "res-1")
	assert.Len(t, reqs, 1, "first approval completes the flow, no level 2 spawned")
	require.Len(t, f.reservations.outcomes, 1)
	assert.Equal(t, "approved", f.reservations.outcomes[0].Outcome)
}

func TestDecideUnauthorizedApprover(t *testing.T) {
	f := newFixture(t, sequentialFlow())
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "res-1", "requester-1")
	require.NoError(t, err)

	_, err = f.svc.Decide(ctx, DecideRequest{RequestID: result.Request.ID, ApproverID: "member-1", Action: domain.ActionApprove})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))

	// No state change, no audit record.
	req, err := f.svc.GetRequest(ctx, result.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusPending, req.Status)
	actions, _ := f.svc.GetHistory(ctx, "res-1")
	assert.Empty(t, actions)
}

func TestDecideConflictsOnResolvedRequest(t *testing.T) {
	f := newFixture(t, sequentialFlow())
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "res-1", "requester-1")
	require.NoError(t, err)

	_, err = f.svc.Decide(ctx, DecideRequest{RequestID: result.Request.ID, ApproverID: "coord-1", Action: domain.ActionApprove})
	require.NoError(t, err)

	reason := "changed my mind"
	_, err = f.svc.Decide(ctx, DecideRequest{RequestID: result.Request.ID, ApproverID: "coord-2", Action: domain.ActionReject, Comments: &reason})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
}

func TestDecideRejectRequiresReason(t *testing.T) {
	f := newFixture(t, sequentialFlow())
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "res-1", "requester-1")
	require.NoError(t, err)

	_, err = f.svc.Decide(ctx, DecideRequest{RequestID: result.Request.ID, ApproverID: "coord-1", Action: domain.ActionReject})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestDecideFanInLevelWaitsForAllApprovers(t *testing.T) {
	flow := sequentialFlow()
	flow.Levels = flow.Levels[:1]
	flow.Levels[0].RequiresAll = true
	f := newFixture(t, flow)
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "res-1", "requester-1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Request.RequiredApprovals, "both coordinators must sign off")

	updated, err := f.svc.Decide(ctx, DecideRequest{RequestID: result.Request.ID, ApproverID: "coord-1", Action: domain.ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusPending, updated.Status)
	assert.Empty(t, f.reservations.outcomes)

	updated, err = f.svc.Decide(ctx, DecideRequest{RequestID: result.Request.ID, ApproverID: "coord-2", Action: domain.ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusApproved, updated.Status)
	require.Len(t, f.reservations.outcomes, 1)
	assert.Equal(t, "approved", f.reservations.outcomes[0].Outcome)

	actions, _ := f.svc.GetHistory(ctx, "res-1")
	assert.Len(t, actions, 2, "every sign-off is audited")
}

func TestDecideFanInRejectsDuplicateApprover(t *testing.T) {
	flow := sequentialFlow()
	flow.Levels = flow.Levels[:1]
	flow.Levels[0].RequiresAll = true
	f := newFixture(t, flow)
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "res-1", "requester-1")
	require.NoError(t, err)
	require.Equal(t, 2, result.Request.RequiredApprovals)

	_, err = f.svc.Decide(ctx, DecideRequest{RequestID: result.Request.ID, ApproverID: "coord-1", Action: domain.ActionApprove})
	require.NoError(t, err)

	// The same coordinator signing off again cannot satisfy the level.
	_, err = f.svc.Decide(ctx, DecideRequest{RequestID: result.Request.ID, ApproverID: "coord-1", Action: domain.ActionApprove})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))

	req, err := f.svc.GetRequest(ctx, result.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusPending, req.Status)
	assert.Equal(t, 1, req.ApprovalsReceived, "duplicate sign-off not counted")
	assert.Empty(t, f.reservations.outcomes)

	// A distinct approver completes the level.
	updated, err := f.svc.Decide(ctx, DecideRequest{RequestID: result.Request.ID, ApproverID: "coord-2", Action: domain.ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusApproved, updated.Status)
}

func TestSubmitConflictsAfterRejection(t *testing.T) {
	f := newFixture(t, sequentialFlow())
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "res-1", "requester-1")
	require.NoError(t, err)

	reason := "not this room"
	_, err = f.svc.Decide(ctx, DecideRequest{RequestID: result.Request.ID, ApproverID: "coord-1", Action: domain.ActionReject, Comments: &reason})
	require.NoError(t, err)

	// A rejection ends the reservation's approval for good.
	_, err = f.svc.Submit(ctx, "res-1", "requester-1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))

	reqs, err := f.svc.ListRequests(ctx, "res-1")
	require.NoError(t, err)
	assert.Len(t, reqs, 1, "no new request created after rejection")
}

func TestSubmitConflictsAfterTimeout(t *testing.T) {
	f := newFixture(t, sequentialFlow())
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "res-1", "requester-1")
	require.NoError(t, err)

	f.now = result.Request.TimeoutAt.Add(time.Minute)
	_, err = f.svc.ExpirePending(ctx, 100)
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, "res-1", "requester-1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
}

func TestSubmitAllowedAfterCancellation(t *testing.T) {
	f := newFixture(t, sequentialFlow())
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, "res-1", "requester-1")
	require.NoError(t, err)
	require.NoError(t, f.svc.Cancel(ctx, "res-1", "requester-1"))

	// Cancellation came from the requester, not a decision: a fresh
	// submission starts over at level 1.
	result, err := f.svc.Submit(ctx, "res-1", "requester-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Request.LevelNumber)
	assert.Equal(t, domain.RequestStatusPending, result.Request.Status)
}

func TestSubmitFailsWhenIdentityDownForAllApproverLevel(t *testing.T) {
	flow := sequentialFlow()
	flow.Levels = flow.Levels[:1]
	flow.Levels[0].RequiresAll = true
	f := newFixture(t, flow)
	f.identity.roleErr = errors.New(errors.ErrCodeInternal, "identity unavailable")

	_, err := f.svc.Submit(context.Background(), "res-1", "requester-1")
	require.Error(t, err, "an unsized all-approver level must not be created")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInternal))

	reqs, _ := f.svc.ListRequests(context.Background(), "res-1")
	assert.Empty(t, reqs)
}

func TestSubmitDegradesToExplicitUsersOnIdentityOutage(t *testing.T) {
	flow := sequentialFlow()
	flow.Levels = flow.Levels[:1]
	flow.Levels[0].ApproverUsers = []string{"coord-1"}
	f := newFixture(t, flow)
	f.identity.roleErr = errors.New(errors.ErrCodeInternal, "identity unavailable")

	// First-response-wins level: notification recipients degrade to the
	// explicit users, the submit itself goes through.
	result, err := f.svc.Submit(context.Background(), "res-1", "requester-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Request.RequiredApprovals)

	created := f.notifier.byType(EventApprovalRequested)
	require.Len(t, created, 1)
	assert.Equal(t, []string{"coord-1"}, created[0].recipients)
}

// ── Cancel ────────────────────────────────────────────────────────────────────

func TestCancelPendingRequest(t *testing.T) {
	f := newFixture(t, sequentialFlow())
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "res-1", "requester-1")
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(ctx, "res-1", "requester-1"))

	req, err := f.svc.GetRequest(ctx, result.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusCancelled, req.Status)

	// A late decision now conflicts.
	_, err = f.svc.Decide(ctx, DecideRequest{RequestID: result.Request.ID, ApproverID: "coord-1", Action: domain.ActionApprove})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
}

func TestCancelWithNothingPendingConflicts(t *testing.T) {
	f := newFixture(t, sequentialFlow())

	err := f.svc.Cancel(context.Background(), "res-1", "requester-1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
}

// ── Side effects stay best-effort ─────────────────────────────────────────────

func TestDocumentFailureDoesNotFailDecision(t *testing.T) {
	f := newFixture(t, sequentialFlow())
	f.documents.fail = errors.New(errors.ErrCodeInternal, "renderer down")
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "res-1", "requester-1")
	require.NoError(t, err)

	reason := "no"
	updated, err := f.svc.Decide(ctx, DecideRequest{RequestID: result.Request.ID, ApproverID: "coord-1", Action: domain.ActionReject, Comments: &reason})
	require.NoError(t, err, "document generation failure never fails the transition")
	assert.Equal(t, domain.RequestStatusRejected, updated.Status)
}
