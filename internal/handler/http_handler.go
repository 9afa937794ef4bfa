package handler

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/pesio-ai/be-fm-approvals/internal/domain"
	"github.com/pesio-ai/be-fm-approvals/internal/errors"
	"github.com/pesio-ai/be-fm-approvals/internal/logger"
	"github.com/pesio-ai/be-fm-approvals/internal/service"
)

// HTTPHandler exposes the approval workflow over HTTP. The acting user is
// taken from the X-User-ID header set by the gateway.
type HTTPHandler struct {
	service *service.ApprovalService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(service *service.ApprovalService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		log:     log,
	}
}

// SubmitApproval starts the approval workflow for a reservation.
func (h *HTTPHandler) SubmitApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ReservationID string `json:"reservation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.service.Submit(r.Context(), req.ReservationID, userID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}

	if result.AutoApproved {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"auto_approved": true,
		})
		return
	}
	h.writeJSON(w, http.StatusCreated, result.Request)
}

// Decide records an approver's decision against a pending request.
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		RequestID string  `json:"request_id"`
		Action    string  `json:"action"`
		Comments  *string `json:"comments,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	ip := clientIP(r)
	ua := r.UserAgent()
	dec := service.DecideRequest{
		RequestID:  body.RequestID,
		ApproverID: userID(r),
		Action:     domain.ActionType(body.Action),
		Comments:   body.Comments,
	}
	if ip != "" {
		dec.IPAddress = &ip
	}
	if ua != "" {
		dec.UserAgent = &ua
	}

	updated, err := h.service.Decide(r.Context(), dec)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// CancelApproval withdraws the pending approval when the reservation itself
// is cancelled.
func (h *HTTPHandler) CancelApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ReservationID string `json:"reservation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ReservationID == "" {
		http.Error(w, "Reservation ID is required", http.StatusBadRequest)
		return
	}

	if err := h.service.Cancel(r.Context(), req.ReservationID, userID(r)); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// GetRequest returns one approval request.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}

	req, err := h.service.GetRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// ListRequests returns a reservation's approval requests, oldest level first.
func (h *HTTPHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reservationID := r.URL.Query().Get("reservation_id")
	if reservationID == "" {
		http.Error(w, "Reservation ID is required", http.StatusBadRequest)
		return
	}

	requests, err := h.service.ListRequests(r.Context(), reservationID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": requests,
		"total":    len(requests),
	})
}

// ListPending returns the caller's approval inbox.
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uid := userID(r)
	if uid == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	requests, err := h.service.ListPendingForApprover(r.Context(), uid)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": requests,
		"total":    len(requests),
	})
}

// GetHistory returns a reservation's decision audit trail.
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reservationID := r.URL.Query().Get("reservation_id")
	if reservationID == "" {
		http.Error(w, "Reservation ID is required", http.StatusBadRequest)
		return
	}

	actions, err := h.service.GetHistory(r.Context(), reservationID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"actions": actions,
		"total":   len(actions),
	})
}

// CreateFlow creates an approval flow with its levels.
func (h *HTTPHandler) CreateFlow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var flow domain.ApprovalFlow
	if err := json.NewDecoder(r.Body).Decode(&flow); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.CreateFlow(r.Context(), &flow); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, flow)
}

// GetFlow returns one approval flow with its levels.
func (h *HTTPHandler) GetFlow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Flow ID is required", http.StatusBadRequest)
		return
	}

	flow, err := h.service.GetFlow(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, flow)
}

// ListFlows returns all active approval flows.
func (h *HTTPHandler) ListFlows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flows, err := h.service.ListFlows(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"flows": flows,
		"total": len(flows),
	})
}

// UpdateFlow updates a flow's mutable fields.
func (h *HTTPHandler) UpdateFlow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var flow domain.ApprovalFlow
	if err := json.NewDecoder(r.Body).Decode(&flow); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if flow.ID == "" {
		http.Error(w, "Flow ID is required", http.StatusBadRequest)
		return
	}

	if err := h.service.UpdateFlow(r.Context(), &flow); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, flow)
}

// DeactivateFlow logically deletes a flow.
func (h *HTTPHandler) DeactivateFlow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Flow ID is required", http.StatusBadRequest)
		return
	}

	if err := h.service.DeactivateFlow(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddLevel appends a level to a flow.
func (h *HTTPHandler) AddLevel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		FlowID string               `json:"flow_id"`
		Level  domain.ApprovalLevel `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if body.FlowID == "" {
		http.Error(w, "Flow ID is required", http.StatusBadRequest)
		return
	}

	if err := h.service.AddLevel(r.Context(), body.FlowID, &body.Level); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, body.Level)
}

// DeactivateLevel logically deletes a level.
func (h *HTTPHandler) DeactivateLevel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Level ID is required", http.StatusBadRequest)
		return
	}

	if err := h.service.DeactivateLevel(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health is the liveness probe.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response body")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  string(errors.CodeOf(err)),
	})
}

// userID extracts the acting user from the gateway-set identity header.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// clientIP prefers the first X-Forwarded-For hop over the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
