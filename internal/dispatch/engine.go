// Package dispatch is the queue dispatch engine. It issues tickets, hands
// waiting customers to free counters, drives every ticket transition and
// performs the day-boundary open and close of a branch queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"qms/dispatch-service/internal/estimate"
	"qms/dispatch-service/internal/events"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/sequence"
	"qms/dispatch-service/internal/store"
)

const instrumentationName = "qms/dispatch-service/dispatch"

// Results of a call-next that found nobody to serve.
const (
	ReasonQueueEmpty       = "queue_empty"
	ReasonNoMatchingTicket = "no_matching_ticket"
)

type Option func(*Engine)

func WithPublisher(publisher events.Publisher) Option {
	return func(e *Engine) { e.publisher = publisher }
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithServiceMinutes(minutes int) Option {
	return func(e *Engine) { e.estimator = estimate.Estimator{ServiceMinutes: minutes} }
}

// WithDefaultScope sets the call-next scope used when a request names none.
func WithDefaultScope(scope string) Option {
	return func(e *Engine) { e.scope = scope }
}

func WithMeter(meter metric.Meter) Option {
	return func(e *Engine) { e.meter = meter }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

type Engine struct {
	store     store.Store
	sequence  *sequence.Generator
	publisher events.Publisher
	estimator estimate.Estimator
	logger    *zap.Logger
	tracer    trace.Tracer
	meter     metric.Meter
	now       func() time.Time
	scope     string

	callNextTotal metric.Int64Counter
	closeTickets  metric.Int64Counter
}

func New(st store.Store, seq *sequence.Generator, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		sequence:  seq,
		publisher: events.Nop{},
		estimator: estimate.Estimator{ServiceMinutes: estimate.DefaultServiceMinutes},
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
		now:       func() time.Time { return time.Now().UTC() },
		scope:     store.ScopeBranch,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("dispatch")

	// The metric API hands back no-op instruments on error.
	e.callNextTotal, _ = e.meter.Int64Counter(
		"dispatch.call_next.total",
		metric.WithDescription("Call-next requests by outcome"),
		metric.WithUnit("{request}"),
	)
	e.closeTickets, _ = e.meter.Int64Counter(
		"dispatch.close.tickets",
		metric.WithDescription("Tickets settled by a queue close"),
		metric.WithUnit("{ticket}"),
	)
	return e
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "dispatch."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.now()
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("publish event failed",
			zap.String("type", event.Type),
			zap.String("branch_id", event.BranchID),
			zap.Error(err))
	}
}

func ticketEvent(eventType string, ticket models.Ticket, payload map[string]any) events.Event {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["ticketNumber"] = ticket.TicketNumber
	payload["status"] = ticket.Status
	payload["serviceId"] = ticket.ServiceID
	event := events.Event{
		Type:     eventType,
		BranchID: ticket.BranchID,
		TicketID: ticket.TicketID,
		Payload:  payload,
	}
	if ticket.CounterID != nil {
		event.CounterID = *ticket.CounterID
	}
	return event
}

type branchDay struct {
	branch models.Branch
	loc    *time.Location
	now    time.Time
	date   string
}

func (e *Engine) loadBranchDay(ctx context.Context, branchID string) (branchDay, error) {
	branch, err := e.store.GetBranch(ctx, branchID)
	if err != nil {
		return branchDay{}, err
	}
	loc, err := branch.Location()
	if err != nil {
		return branchDay{}, err
	}
	now := e.now()
	return branchDay{branch: branch, loc: loc, now: now, date: models.BusinessDate(now, loc)}, nil
}

type CheckInRequest struct {
	RequestID     string
	BranchID      string
	ServiceID     string
	Priority      string
	CustomerPhone string
	CheckinMethod string
}

type CheckInResult struct {
	Ticket            models.Ticket
	Position          int
	EstimatedWaitMins int
	Created           bool
}

// CheckIn issues a new ticket. A repeated RequestID returns the original
// ticket without consuming a number.
func (e *Engine) CheckIn(ctx context.Context, req CheckInRequest) (res CheckInResult, err error) {
	ctx, span := e.startSpan(ctx, "CheckIn", attribute.String("branch_id", req.BranchID))
	defer func() { endSpan(span, err) }()

	if req.RequestID != "" {
		existing, err := e.store.GetTicketByRequest(ctx, req.RequestID)
		if err == nil {
			return e.checkInResult(ctx, existing, false)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return CheckInResult{}, err
		}
	}

	priority := req.Priority
	switch priority {
	case "":
		priority = models.PriorityNormal
	case models.PriorityNormal, models.PriorityVIP:
	default:
		return CheckInResult{}, fmt.Errorf("%w: unknown priority %q", store.ErrPreconditionFailed, priority)
	}

	day, err := e.loadBranchDay(ctx, req.BranchID)
	if err != nil {
		return CheckInResult{}, err
	}
	if day.branch.QueueStatus != models.QueueOpen {
		return CheckInResult{}, store.ErrQueueNotAccepting
	}
	service, err := e.store.GetService(ctx, req.ServiceID)
	if err != nil {
		return CheckInResult{}, err
	}
	if !service.Active || service.BranchID != req.BranchID {
		return CheckInResult{}, store.ErrServiceNotFound
	}

	waiting, err := e.store.ListWaiting(ctx, req.BranchID, day.date)
	if err != nil {
		return CheckInResult{}, err
	}
	number, err := e.sequence.Next(ctx, req.BranchID, service.Prefix, day.loc, day.now)
	if err != nil {
		return CheckInResult{}, err
	}
	input := store.CreateTicketInput{
		RequestID:     req.RequestID,
		BranchID:      req.BranchID,
		ServiceID:     req.ServiceID,
		TicketNumber:  number,
		BusinessDate:  day.date,
		Priority:      priority,
		CustomerPhone: req.CustomerPhone,
		CheckinMethod: req.CheckinMethod,
		Position:      len(waiting) + 1,
		CreatedAt:     day.now,
	}
	ticket, created, err := e.store.CreateTicket(ctx, input)
	if errors.Is(err, store.ErrDuplicateSequence) {
		// The counter fell behind the stored tickets; move it past them once.
		e.logger.Warn("ticket number already issued, reseeding",
			zap.String("branch_id", req.BranchID),
			zap.String("ticket_number", number))
		if input.TicketNumber, err = e.sequence.Reseed(ctx, req.BranchID, service.Prefix, day.loc, day.now); err != nil {
			return CheckInResult{}, err
		}
		ticket, created, err = e.store.CreateTicket(ctx, input)
	}
	if err != nil {
		if errors.Is(err, store.ErrDuplicateSequence) {
			e.logger.Error("ticket number already issued",
				zap.String("branch_id", req.BranchID),
				zap.String("prefix", service.Prefix),
				zap.String("ticket_number", input.TicketNumber))
		}
		return CheckInResult{}, err
	}
	if !created {
		return e.checkInResult(ctx, ticket, false)
	}

	res, err = e.checkInResult(ctx, ticket, true)
	if err != nil {
		return CheckInResult{}, err
	}
	e.publish(ctx, ticketEvent(events.TicketCreated, ticket, map[string]any{
		"position":          res.Position,
		"estimatedWaitMins": res.EstimatedWaitMins,
		"priority":          ticket.Priority,
	}))
	if ticket.IsVIP() {
		e.broadcast(ctx, ticket.BranchID)
	}
	return res, nil
}

func (e *Engine) checkInResult(ctx context.Context, ticket models.Ticket, created bool) (CheckInResult, error) {
	pos, err := e.position(ctx, ticket)
	if err != nil {
		return CheckInResult{}, err
	}
	return CheckInResult{
		Ticket:            ticket,
		Position:          pos.Position,
		EstimatedWaitMins: pos.EstimatedWaitMins,
		Created:           created,
	}, nil
}

type CallNextRequest struct {
	CounterID string
	UserID    string
	ServiceID string
	Scope     string
}

// CallNextResult carries the dispatched ticket, or a nil Ticket and the
// Reason nobody was available.
type CallNextResult struct {
	Ticket *models.Ticket
	Reason string
}

func (e *Engine) CallNext(ctx context.Context, req CallNextRequest) (res CallNextResult, err error) {
	ctx, span := e.startSpan(ctx, "CallNext", attribute.String("counter_id", req.CounterID))
	defer func() { endSpan(span, err) }()

	scope := req.Scope
	if scope == "" {
		scope = e.scope
	}
	switch scope {
	case store.ScopeBranch, store.ScopeService, store.ScopeEligible:
	default:
		return CallNextResult{}, fmt.Errorf("%w: unknown scope %q", store.ErrPreconditionFailed, scope)
	}

	counter, err := e.store.GetCounter(ctx, req.CounterID)
	if err != nil {
		return CallNextResult{}, err
	}
	day, err := e.loadBranchDay(ctx, counter.BranchID)
	if err != nil {
		return CallNextResult{}, err
	}

	ticket, err := e.store.CallNext(ctx, store.CallNextInput{
		CounterID:    req.CounterID,
		UserID:       req.UserID,
		ServiceID:    req.ServiceID,
		Scope:        scope,
		BusinessDate: day.date,
		CalledAt:     day.now,
	})
	switch {
	case errors.Is(err, store.ErrQueueEmpty):
		e.countCallNext(ctx, scope, ReasonQueueEmpty)
		return CallNextResult{Reason: ReasonQueueEmpty}, nil
	case errors.Is(err, store.ErrNoMatchingTicket):
		e.countCallNext(ctx, scope, ReasonNoMatchingTicket)
		return CallNextResult{Reason: ReasonNoMatchingTicket}, nil
	case err != nil:
		e.countCallNext(ctx, scope, "error")
		return CallNextResult{}, err
	}
	e.countCallNext(ctx, scope, "dispatched")
	span.SetAttributes(attribute.String("ticket_id", ticket.TicketID))

	e.logger.Debug("ticket dispatched",
		zap.String("ticket_id", ticket.TicketID),
		zap.String("ticket_number", ticket.TicketNumber),
		zap.String("counter_id", counter.CounterID))
	e.publish(ctx, ticketEvent(events.TicketCalled, ticket, map[string]any{
		"counterNumber": counter.Number,
		"servedBy":      req.UserID,
	}))
	e.broadcast(ctx, counter.BranchID)
	return CallNextResult{Ticket: &ticket}, nil
}

func (e *Engine) countCallNext(ctx context.Context, scope, outcome string) {
	e.callNextTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("outcome", outcome),
	))
}

// transition runs a single-ticket state change and announces it.
func (e *Engine) transition(ctx context.Context, input store.TransitionInput, eventType string, rebroadcast bool) (ticket models.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "Transition",
		attribute.String("ticket_id", input.TicketID),
		attribute.String("action", input.Action))
	defer func() { endSpan(span, err) }()

	if input.OccurredAt.IsZero() {
		input.OccurredAt = e.now()
	}
	ticket, err = e.store.Transition(ctx, input)
	if err != nil {
		return models.Ticket{}, err
	}
	payload := map[string]any{"action": input.Action}
	for k, v := range input.Metadata {
		payload[k] = v
	}
	e.publish(ctx, ticketEvent(eventType, ticket, payload))
	if rebroadcast {
		e.broadcast(ctx, ticket.BranchID)
	}
	return ticket, nil
}

// StartServing moves a called ticket to serving.
//
// The engine never leaves a ticket in called: CallNext dispatches straight
// to serving. Tickets reach called only through an external manual-call
// flow that writes the assignment itself (a supervisor console announcing a
// number before the teller starts), and this is the hook that flow uses.
func (e *Engine) StartServing(ctx context.Context, ticketID, actorID string) (models.Ticket, error) {
	return e.transition(ctx, store.TransitionInput{
		TicketID: ticketID,
		Action:   store.ActionStartServing,
		ActorID:  actorID,
	}, events.TicketServing, false)
}

func (e *Engine) Complete(ctx context.Context, ticketID, actorID, notes string) (models.Ticket, error) {
	return e.transition(ctx, store.TransitionInput{
		TicketID: ticketID,
		Action:   store.ActionComplete,
		ActorID:  actorID,
		Notes:    notes,
	}, events.TicketCompleted, false)
}

func (e *Engine) NoShow(ctx context.Context, ticketID, actorID, notes string) (models.Ticket, error) {
	return e.transition(ctx, store.TransitionInput{
		TicketID: ticketID,
		Action:   store.ActionNoShow,
		ActorID:  actorID,
		Notes:    notes,
	}, events.TicketNoShow, false)
}

func (e *Engine) Cancel(ctx context.Context, ticketID, actorID, reason string) (models.Ticket, error) {
	meta := map[string]any{}
	if reason != "" {
		meta["reason"] = reason
	}
	return e.transition(ctx, store.TransitionInput{
		TicketID: ticketID,
		Action:   store.ActionCancel,
		ActorID:  actorID,
		Metadata: meta,
	}, events.TicketCancelled, true)
}

type TransferRequest struct {
	TicketID    string
	ToServiceID string
	ActorID     string
	Notes       string
}

// Transfer re-issues the ticket under the target service's prefix and puts
// it at the back of the waiting queue.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (ticket models.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "Transfer", attribute.String("ticket_id", req.TicketID))
	defer func() { endSpan(span, err) }()

	current, err := e.store.GetTicket(ctx, req.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}
	// Reject early so a doomed transfer does not burn a number.
	if _, err := store.NextStatus(store.ActionTransfer, current.Status); err != nil {
		return models.Ticket{}, err
	}
	target, err := e.store.GetService(ctx, req.ToServiceID)
	if err != nil {
		return models.Ticket{}, err
	}
	if !target.Active || target.BranchID != current.BranchID {
		return models.Ticket{}, store.ErrServiceNotFound
	}
	day, err := e.loadBranchDay(ctx, current.BranchID)
	if err != nil {
		return models.Ticket{}, err
	}
	number, err := e.sequence.Next(ctx, current.BranchID, target.Prefix, day.loc, day.now)
	if err != nil {
		return models.Ticket{}, err
	}
	ticket, err = e.store.TransferTicket(ctx, store.TransferInput{
		TicketID:     req.TicketID,
		ToServiceID:  req.ToServiceID,
		TicketNumber: number,
		ActorID:      req.ActorID,
		Notes:        req.Notes,
		OccurredAt:   day.now,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateSequence) {
			e.logger.Error("ticket number already issued",
				zap.String("branch_id", current.BranchID),
				zap.String("prefix", target.Prefix),
				zap.String("ticket_number", number))
		}
		return models.Ticket{}, err
	}
	e.publish(ctx, ticketEvent(events.TicketTransferred, ticket, map[string]any{
		"fromServiceId":   current.ServiceID,
		"toServiceId":     target.ServiceID,
		"oldTicketNumber": current.TicketNumber,
	}))
	e.broadcast(ctx, ticket.BranchID)
	return ticket, nil
}

func (e *Engine) BumpPriority(ctx context.Context, ticketID, actorID, reason string) (ticket models.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "BumpPriority", attribute.String("ticket_id", ticketID))
	defer func() { endSpan(span, err) }()

	ticket, err = e.store.BumpPriority(ctx, store.PriorityInput{
		TicketID:   ticketID,
		ActorID:    actorID,
		Reason:     reason,
		OccurredAt: e.now(),
	})
	if err != nil {
		return models.Ticket{}, err
	}
	e.publish(ctx, ticketEvent(events.TicketPrioritized, ticket, map[string]any{
		"reason":        reason,
		"prioritizedBy": actorID,
	}))
	e.broadcast(ctx, ticket.BranchID)
	return ticket, nil
}

// History returns the ticket's audit trail and whether its hash chain still
// verifies.
func (e *Engine) History(ctx context.Context, ticketID string) ([]models.TicketHistory, bool, error) {
	if _, err := e.store.GetTicket(ctx, ticketID); err != nil {
		return nil, false, err
	}
	rows, err := e.store.ListHistory(ctx, ticketID)
	if err != nil {
		return nil, false, err
	}
	if err := store.VerifyHistory(rows); err != nil {
		e.logger.Error("ticket history does not verify", zap.String("ticket_id", ticketID), zap.Error(err))
		return rows, false, nil
	}
	return rows, true, nil
}
