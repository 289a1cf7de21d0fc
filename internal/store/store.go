package store

import (
	"context"
	"time"

	"qms/dispatch-service/internal/models"
)

// Call-next scopes.
const (
	// ScopeBranch dispatches branch-wide FIFO; any teller serves any customer.
	ScopeBranch = "branch"
	// ScopeService restricts dispatch to one service assigned to the counter.
	ScopeService = "service"
	// ScopeEligible restricts dispatch to the counter's eligible services.
	ScopeEligible = "eligible"
)

type CreateTicketInput struct {
	RequestID     string
	BranchID      string
	ServiceID     string
	TicketNumber  string
	BusinessDate  string
	Priority      string
	CustomerPhone string
	CheckinMethod string
	Position      int
	CreatedAt     time.Time
}

type CallNextInput struct {
	CounterID    string
	UserID       string
	ServiceID    string
	Scope        string
	BusinessDate string
	CalledAt     time.Time
}

type TransitionInput struct {
	TicketID   string
	Action     string
	ActorID    string
	Notes      string
	Metadata   map[string]any
	OccurredAt time.Time
}

type TransferInput struct {
	TicketID     string
	ToServiceID  string
	TicketNumber string
	ActorID      string
	Notes        string
	OccurredAt   time.Time
}

type PriorityInput struct {
	TicketID   string
	ActorID    string
	Reason     string
	OccurredAt time.Time
}

type StartBreakInput struct {
	CounterID    string
	ActorID      string
	Reason       string
	DurationMins int
	StartedAt    time.Time
}

type EndBreakInput struct {
	BreakID string
	ActorID string
	EndedAt time.Time
}

type ExtendBreakInput struct {
	BreakID string
	AddMins int
}

type CloseCountersInput struct {
	BranchID string
	ActorID  string
	ClosedAt time.Time
}

// ClosedCounters counts what CloseCounters changed.
type ClosedCounters struct {
	Counters    int
	BreaksEnded int
}

type ScheduleInput struct {
	BranchID         string
	AutoQueue        bool
	OpeningTime      string
	ClosingTime      string
	ClosedOnWeekends bool
}

type TicketStore interface {
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	GetTicketByRequest(ctx context.Context, requestID string) (models.Ticket, error)
	// ListWaiting returns the branch's waiting tickets for a business day in
	// dispatch order.
	ListWaiting(ctx context.Context, branchID, businessDate string) ([]models.Ticket, error)
	ListTickets(ctx context.Context, branchID, businessDate string, statuses ...string) ([]models.Ticket, error)
	MaxTicketSequence(ctx context.Context, branchID, prefix, businessDate string) (int64, error)
	CallNext(ctx context.Context, input CallNextInput) (models.Ticket, error)
	Transition(ctx context.Context, input TransitionInput) (models.Ticket, error)
	TransferTicket(ctx context.Context, input TransferInput) (models.Ticket, error)
	BumpPriority(ctx context.Context, input PriorityInput) (models.Ticket, error)
	ListHistory(ctx context.Context, ticketID string) ([]models.TicketHistory, error)
	// MarkAlmostTurnNotified flags the ticket once and reports whether this
	// call was the one that flagged it.
	MarkAlmostTurnNotified(ctx context.Context, ticketID string, at time.Time) (bool, error)
}

type CounterStore interface {
	GetCounter(ctx context.Context, counterID string) (models.Counter, error)
	ListCounters(ctx context.Context, branchID string) ([]models.Counter, error)
	CountOpenCounters(ctx context.Context, branchID string) (int, error)
	// CloseCounters clears every counter's current ticket and marks it
	// closed. Breaks still running are ended at ClosedAt.
	CloseCounters(ctx context.Context, input CloseCountersInput) (ClosedCounters, error)
	StartBreak(ctx context.Context, input StartBreakInput) (models.CounterBreak, error)
	EndBreak(ctx context.Context, input EndBreakInput) (models.CounterBreak, error)
	ExtendBreak(ctx context.Context, input ExtendBreakInput) (models.CounterBreak, error)
	GetBreak(ctx context.Context, breakID string) (models.CounterBreak, error)
	GetActiveBreak(ctx context.Context, counterID string) (models.CounterBreak, error)
}

type BranchStore interface {
	GetBranch(ctx context.Context, branchID string) (models.Branch, error)
	ListAutoQueueBranches(ctx context.Context) ([]models.Branch, error)
	// SetQueueStatus moves the branch queue to status. When from is non-empty
	// the current status must be one of from, else ErrInvalidTransition.
	SetQueueStatus(ctx context.Context, branchID, status string, from ...string) (models.Branch, error)
	UpdateSchedule(ctx context.Context, input ScheduleInput) (models.Branch, error)
	GetService(ctx context.Context, serviceID string) (models.Service, error)
	ListServices(ctx context.Context, branchID string) ([]models.Service, error)
}

type Store interface {
	TicketStore
	CounterStore
	BranchStore
}
