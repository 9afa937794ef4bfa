package client

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// Reservation is the reservation context the engine needs to resolve the
// applicable approval flow and anchor its deadlines.
type Reservation struct {
	ID           string     `json:"id"`
	ResourceID   string     `json:"resource_id"`
	ResourceType *string    `json:"resource_type,omitempty"`
	ProgramID    *string    `json:"program_id,omitempty"`
	CategoryID   *string    `json:"category_id,omitempty"`
	RequesterID  string     `json:"requester_id"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Status       string     `json:"status"`
}

// ReservationsClient talks to the reservations service (FM-1).
type ReservationsClient struct {
	client *HTTPClient
}

// NewReservationsClient creates a new reservations service client.
func NewReservationsClient(baseURL string) *ReservationsClient {
	return &ReservationsClient{client: NewHTTPClient(baseURL)}
}

// GetReservation fetches a reservation's approval-relevant context.
func (c *ReservationsClient) GetReservation(ctx context.Context, reservationID string) (*Reservation, error) {
	path := fmt.Sprintf("/api/v1/reservations/get?id=%s", url.QueryEscape(reservationID))

	var res Reservation
	if err := c.client.Get(ctx, path, &res); err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return &res, nil
}

// SetApprovalOutcomeRequest reports the engine's final verdict back to the
// reservations service.
type SetApprovalOutcomeRequest struct {
	ReservationID string `json:"reservation_id"`
	Outcome       string `json:"outcome"`
	DecidedBy     string `json:"decided_by,omitempty"`
	Comments      string `json:"comments,omitempty"`
}

// SetApprovalOutcome records the terminal approval outcome on the reservation.
func (c *ReservationsClient) SetApprovalOutcome(ctx context.Context, req SetApprovalOutcomeRequest) error {
	if err := c.client.Post(ctx, "/api/v1/reservations/approval-outcome", req, nil); err != nil {
		return fmt.Errorf("failed to set approval outcome: %w", err)
	}
	return nil
}
