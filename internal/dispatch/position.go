package dispatch

import (
	"context"

	"qms/dispatch-service/internal/estimate"
	"qms/dispatch-service/internal/models"
)

// PositionUpdate is a waiting ticket's place in line. It is what the
// broadcaster publishes after every dispatch-affecting change.
type PositionUpdate struct {
	TicketID          string `json:"ticket_id"`
	TicketNumber      string `json:"ticket_number"`
	ServiceID         string `json:"service_id"`
	Priority          string `json:"priority"`
	Position          int    `json:"position"`
	EstimatedWaitMins int    `json:"estimated_wait_mins"`
	Urgency           string `json:"urgency"`
}

type Snapshot struct {
	Branch       models.Branch    `json:"branch"`
	BusinessDate string           `json:"business_date"`
	OpenCounters int              `json:"open_counters"`
	Waiting      []PositionUpdate `json:"waiting"`
	Counters     []models.Counter `json:"counters"`
}

// positions ranks waiting tickets, which must be in dispatch order. VIPs sort
// first, so a VIP's rank counts only VIPs ahead and a normal ticket's rank
// counts every VIP plus the normals ahead.
func (e *Engine) positions(waiting []models.Ticket, openCounters int) []PositionUpdate {
	out := make([]PositionUpdate, 0, len(waiting))
	for i, t := range waiting {
		pos := i + 1
		out = append(out, PositionUpdate{
			TicketID:          t.TicketID,
			TicketNumber:      t.TicketNumber,
			ServiceID:         t.ServiceID,
			Priority:          t.Priority,
			Position:          pos,
			EstimatedWaitMins: e.estimator.WaitMinutes(pos, openCounters),
			Urgency:           estimate.UrgencyFor(pos),
		})
	}
	return out
}

func (e *Engine) position(ctx context.Context, ticket models.Ticket) (PositionUpdate, error) {
	update := PositionUpdate{
		TicketID:     ticket.TicketID,
		TicketNumber: ticket.TicketNumber,
		ServiceID:    ticket.ServiceID,
		Priority:     ticket.Priority,
	}
	if ticket.Status != models.StatusWaiting {
		return update, nil
	}
	waiting, err := e.store.ListWaiting(ctx, ticket.BranchID, ticket.BusinessDate)
	if err != nil {
		return PositionUpdate{}, err
	}
	open, err := e.store.CountOpenCounters(ctx, ticket.BranchID)
	if err != nil {
		return PositionUpdate{}, err
	}
	for _, p := range e.positions(waiting, open) {
		if p.TicketID == ticket.TicketID {
			return p, nil
		}
	}
	return update, nil
}

type TicketPosition struct {
	Ticket models.Ticket  `json:"ticket"`
	Queue  PositionUpdate `json:"queue"`
}

// Position reports where a ticket stands. Tickets no longer waiting report
// position 0.
func (e *Engine) Position(ctx context.Context, ticketID string) (TicketPosition, error) {
	ticket, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return TicketPosition{}, err
	}
	pos, err := e.position(ctx, ticket)
	if err != nil {
		return TicketPosition{}, err
	}
	return TicketPosition{Ticket: ticket, Queue: pos}, nil
}

func (e *Engine) Snapshot(ctx context.Context, branchID string) (Snapshot, error) {
	day, err := e.loadBranchDay(ctx, branchID)
	if err != nil {
		return Snapshot{}, err
	}
	waiting, err := e.store.ListWaiting(ctx, branchID, day.date)
	if err != nil {
		return Snapshot{}, err
	}
	counters, err := e.store.ListCounters(ctx, branchID)
	if err != nil {
		return Snapshot{}, err
	}
	open := 0
	for _, c := range counters {
		if c.Status == models.CounterOpen {
			open++
		}
	}
	return Snapshot{
		Branch:       day.branch,
		BusinessDate: day.date,
		OpenCounters: open,
		Waiting:      e.positions(waiting, open),
		Counters:     counters,
	}, nil
}
