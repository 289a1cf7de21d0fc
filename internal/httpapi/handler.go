package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"qms/dispatch-service/internal/breaks"
	"qms/dispatch-service/internal/dispatch"
	"qms/dispatch-service/internal/events"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

// ScheduleSyncer reschedules a branch after its hours change.
type ScheduleSyncer interface {
	Sync(branch models.Branch) error
}

type Handler struct {
	engine    *dispatch.Engine
	breaks    *breaks.Gate
	scheduler ScheduleSyncer
	hub       *events.Hub
}

type Options struct {
	// Scheduler is optional; without it schedule updates are only stored.
	Scheduler ScheduleSyncer
	// Events enables the branch event stream.
	Events *events.Hub
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(engine *dispatch.Engine, gate *breaks.Gate, options Options) *Handler {
	return &Handler{
		engine:    engine,
		breaks:    gate,
		scheduler: options.Scheduler,
		hub:       options.Events,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)

	mux.HandleFunc("POST /api/tickets", h.handleCheckIn)
	mux.HandleFunc("GET /api/tickets/{id}", h.handleGetTicket)
	mux.HandleFunc("GET /api/tickets/{id}/history", h.handleTicketHistory)
	mux.HandleFunc("POST /api/tickets/{id}/start", h.handleStartServing)
	mux.HandleFunc("POST /api/tickets/{id}/complete", h.handleComplete)
	mux.HandleFunc("POST /api/tickets/{id}/no-show", h.handleNoShow)
	mux.HandleFunc("POST /api/tickets/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /api/tickets/{id}/transfer", h.handleTransfer)
	mux.HandleFunc("POST /api/tickets/{id}/prioritize", h.handlePrioritize)

	mux.HandleFunc("POST /api/counters/{id}/call-next", h.handleCallNext)
	mux.HandleFunc("POST /api/counters/{id}/breaks", h.handleStartBreak)
	mux.HandleFunc("GET /api/counters/{id}/breaks/active", h.handleActiveBreak)
	mux.HandleFunc("POST /api/breaks/{id}/end", h.handleEndBreak)
	mux.HandleFunc("POST /api/breaks/{id}/extend", h.handleExtendBreak)

	mux.HandleFunc("GET /api/branches/{id}/queue", h.handleSnapshot)
	mux.HandleFunc("POST /api/branches/{id}/queue/{action}", h.handleQueueAction)
	mux.HandleFunc("PUT /api/branches/{id}/schedule", h.handleUpdateSchedule)
	if h.hub != nil {
		mux.HandleFunc("GET /api/branches/{id}/events", h.handleEvents)
	}
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type checkInRequest struct {
	RequestID     string `json:"request_id"`
	BranchID      string `json:"branch_id"`
	ServiceID     string `json:"service_id"`
	Priority      string `json:"priority"`
	CustomerPhone string `json:"customer_phone"`
	CheckinMethod string `json:"checkin_method"`
}

type checkInResponse struct {
	Ticket            models.Ticket `json:"ticket"`
	Position          int           `json:"position"`
	EstimatedWaitMins int           `json:"estimated_wait_mins"`
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.BranchID = strings.TrimSpace(req.BranchID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.Priority = strings.TrimSpace(req.Priority)
	req.CustomerPhone = strings.TrimSpace(req.CustomerPhone)
	req.CheckinMethod = strings.TrimSpace(req.CheckinMethod)

	if req.BranchID == "" || req.ServiceID == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "branch_id and service_id are required")
		return
	}
	if req.RequestID != "" && !isValidUUID(req.RequestID) {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "request_id must be a UUID when provided")
		return
	}
	if req.CustomerPhone != "" && !isValidPhone(req.CustomerPhone) {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "customer_phone must be 8-16 digits")
		return
	}
	if req.CheckinMethod == "" {
		req.CheckinMethod = "kiosk"
	}

	res, err := h.engine.CheckIn(r.Context(), dispatch.CheckInRequest{
		RequestID:     req.RequestID,
		BranchID:      req.BranchID,
		ServiceID:     req.ServiceID,
		Priority:      req.Priority,
		CustomerPhone: req.CustomerPhone,
		CheckinMethod: req.CheckinMethod,
	})
	if err != nil {
		writeMappedError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !res.Created {
		status = http.StatusOK
	}
	writeJSON(w, status, checkInResponse{
		Ticket:            res.Ticket,
		Position:          res.Position,
		EstimatedWaitMins: res.EstimatedWaitMins,
	})
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := pathUUID(w, r, "ticket_id")
	if !ok {
		return
	}
	pos, err := h.engine.Position(r.Context(), ticketID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

type historyResponse struct {
	TicketID string                 `json:"ticket_id"`
	Verified bool                   `json:"verified"`
	History  []models.TicketHistory `json:"history"`
}

func (h *Handler) handleTicketHistory(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := pathUUID(w, r, "ticket_id")
	if !ok {
		return
	}
	rows, verified, err := h.engine.History(r.Context(), ticketID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{TicketID: ticketID, Verified: verified, History: rows})
}

type ticketActionRequest struct {
	UserID string `json:"user_id"`
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

// decodeAction reads the acting user for a ticket action. Auth lives in
// front of this service, so the body names the actor.
func decodeAction(w http.ResponseWriter, r *http.Request) (string, ticketActionRequest, bool) {
	ticketID, ok := pathUUID(w, r, "ticket_id")
	if !ok {
		return "", ticketActionRequest{}, false
	}
	var req ticketActionRequest
	if !decodeRequest(w, r, &req) {
		return "", ticketActionRequest{}, false
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Notes = strings.TrimSpace(req.Notes)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.UserID == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "user_id is required")
		return "", ticketActionRequest{}, false
	}
	return ticketID, req, true
}

func (h *Handler) handleStartServing(w http.ResponseWriter, r *http.Request) {
	ticketID, req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	ticket, err := h.engine.StartServing(r.Context(), ticketID, req.UserID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	ticketID, req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	ticket, err := h.engine.Complete(r.Context(), ticketID, req.UserID, req.Notes)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleNoShow(w http.ResponseWriter, r *http.Request) {
	ticketID, req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	ticket, err := h.engine.NoShow(r.Context(), ticketID, req.UserID, req.Notes)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ticketID, req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	ticket, err := h.engine.Cancel(r.Context(), ticketID, req.UserID, req.Reason)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handlePrioritize(w http.ResponseWriter, r *http.Request) {
	ticketID, req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	ticket, err := h.engine.BumpPriority(r.Context(), ticketID, req.UserID, req.Reason)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

type transferRequest struct {
	UserID      string `json:"user_id"`
	ToServiceID string `json:"to_service_id"`
	Notes       string `json:"notes"`
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := pathUUID(w, r, "ticket_id")
	if !ok {
		return
	}
	var req transferRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.ToServiceID = strings.TrimSpace(req.ToServiceID)
	if req.UserID == "" || req.ToServiceID == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "user_id and to_service_id are required")
		return
	}

	ticket, err := h.engine.Transfer(r.Context(), dispatch.TransferRequest{
		TicketID:    ticketID,
		ToServiceID: req.ToServiceID,
		ActorID:     req.UserID,
		Notes:       strings.TrimSpace(req.Notes),
	})
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

type callNextRequest struct {
	UserID    string `json:"user_id"`
	ServiceID string `json:"service_id"`
	Scope     string `json:"scope"`
}

type callNextResponse struct {
	Ticket *models.Ticket `json:"ticket"`
	Reason string         `json:"reason,omitempty"`
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	counterID := r.PathValue("id")
	var req callNextRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	res, err := h.engine.CallNext(r.Context(), dispatch.CallNextRequest{
		CounterID: counterID,
		UserID:    req.UserID,
		ServiceID: strings.TrimSpace(req.ServiceID),
		Scope:     strings.TrimSpace(req.Scope),
	})
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, callNextResponse{Ticket: res.Ticket, Reason: res.Reason})
}

type startBreakRequest struct {
	UserID       string `json:"user_id"`
	Reason       string `json:"reason"`
	DurationMins int    `json:"duration_mins"`
}

func (h *Handler) handleStartBreak(w http.ResponseWriter, r *http.Request) {
	var req startBreakRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.UserID == "" || req.Reason == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "user_id and reason are required")
		return
	}

	br, err := h.breaks.Start(r.Context(), breaks.StartRequest{
		CounterID:  r.PathValue("id"),
		ActorID:    req.UserID,
		Reason:     req.Reason,
		CustomMins: req.DurationMins,
	})
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, br)
}

func (h *Handler) handleActiveBreak(w http.ResponseWriter, r *http.Request) {
	active, err := h.breaks.Active(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrBreakNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

type endBreakRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) handleEndBreak(w http.ResponseWriter, r *http.Request) {
	breakID, ok := pathUUID(w, r, "break_id")
	if !ok {
		return
	}
	var req endBreakRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	br, err := h.breaks.End(r.Context(), breakID, strings.TrimSpace(req.UserID))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, br)
}

type extendBreakRequest struct {
	AddMins int `json:"add_mins"`
}

func (h *Handler) handleExtendBreak(w http.ResponseWriter, r *http.Request) {
	breakID, ok := pathUUID(w, r, "break_id")
	if !ok {
		return
	}
	var req extendBreakRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.AddMins <= 0 {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "add_mins must be a positive integer")
		return
	}
	br, err := h.breaks.Extend(r.Context(), breakID, req.AddMins)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, br)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.engine.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type queueActionRequest struct {
	UserID string `json:"user_id"`
	Force  bool   `json:"force"`
}

func (h *Handler) handleQueueAction(w http.ResponseWriter, r *http.Request) {
	branchID := r.PathValue("id")
	var req queueActionRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	var (
		payload any
		err     error
	)
	switch r.PathValue("action") {
	case "open":
		payload, err = h.engine.OpenQueue(r.Context(), branchID, req.Force)
	case "close":
		payload, err = h.engine.CloseQueue(r.Context(), branchID)
	case "pause":
		payload, err = h.engine.Pause(r.Context(), branchID)
	case "resume":
		payload, err = h.engine.Resume(r.Context(), branchID)
	case "reset":
		actor := strings.TrimSpace(req.UserID)
		if actor == "" {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "user_id is required")
			return
		}
		payload, err = h.engine.Reset(r.Context(), branchID, actor)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type scheduleRequest struct {
	AutoQueue        bool   `json:"auto_queue"`
	OpeningTime      string `json:"opening_time"`
	ClosingTime      string `json:"closing_time"`
	ClosedOnWeekends bool   `json:"closed_on_weekends"`
}

func (h *Handler) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	branch, err := h.engine.UpdateSchedule(r.Context(), store.ScheduleInput{
		BranchID:         r.PathValue("id"),
		AutoQueue:        req.AutoQueue,
		OpeningTime:      strings.TrimSpace(req.OpeningTime),
		ClosingTime:      strings.TrimSpace(req.ClosingTime),
		ClosedOnWeekends: req.ClosedOnWeekends,
	})
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if h.scheduler != nil {
		if err := h.scheduler.Sync(branch); err != nil {
			writeMappedError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, branch)
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func isValidPhone(value string) bool {
	if len(value) < 8 || len(value) > 16 {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	value := r.PathValue("id")
	if !isValidUUID(value) {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", name+" must be a UUID")
		return "", false
	}
	return value, true
}

// decodeRequest accepts an empty body as the zero value of target.
func decodeRequest(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func requestID(r *http.Request) string {
	return r.Header.Get(requestIDHeader)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrBranchNotFound):
		return http.StatusNotFound, "branch_not_found", "branch not found"
	case errors.Is(err, store.ErrServiceNotFound):
		return http.StatusNotFound, "service_not_found", "service not found"
	case errors.Is(err, store.ErrBreakNotFound):
		return http.StatusNotFound, "break_not_found", "break not found"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_state_transition", "ticket state does not allow this action"
	case errors.Is(err, store.ErrForbiddenActor):
		return http.StatusForbidden, "forbidden_actor", "actor is not the assigned teller"
	case errors.Is(err, store.ErrQueueNotAccepting):
		return http.StatusPreconditionFailed, "queue_not_accepting", "queue is not accepting tickets"
	case errors.Is(err, store.ErrPreconditionFailed):
		return http.StatusPreconditionFailed, "precondition_failed", err.Error()
	case errors.Is(err, store.ErrDuplicateSequence):
		return http.StatusInternalServerError, "duplicate_sequence", "ticket number already issued"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	writeError(w, requestID(r), status, code, msg)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
