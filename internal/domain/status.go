package domain

// RequestStatus is the lifecycle state of an ApprovalRequest.
type RequestStatus string

// Request statuses. pending is the only non-terminal state.
const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusApproved  RequestStatus = "approved"
	RequestStatusRejected  RequestStatus = "rejected"
	RequestStatusTimeout   RequestStatus = "timeout"
	RequestStatusCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no further transition is accepted from s.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestStatusApproved, RequestStatusRejected, RequestStatusTimeout, RequestStatusCancelled:
		return true
	}
	return false
}

// ActionType is a recorded approver decision.
type ActionType string

// Action types.
const (
	ActionApprove ActionType = "approve"
	ActionReject  ActionType = "reject"
)

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	return a == ActionApprove || a == ActionReject
}

// Outcome is the final approval result for a reservation.
type Outcome string

// Reservation approval outcomes.
const (
	OutcomePending   Outcome = "pending"
	OutcomeApproved  Outcome = "approved"
	OutcomeRejected  Outcome = "rejected"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)
