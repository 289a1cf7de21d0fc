// Package events carries dispatch notifications to collaborators. Delivery
// and formatting belong to the consumers.
package events

import (
	"context"
	"errors"
	"time"
)

const (
	TicketCreated         = "ticket.created"
	TicketCalled          = "ticket.called"
	TicketServing         = "ticket.serving"
	TicketCompleted       = "ticket.completed"
	TicketNoShow          = "ticket.no_show"
	TicketCancelled       = "ticket.cancelled"
	TicketTransferred     = "ticket.transferred"
	TicketPrioritized     = "ticket.prioritized"
	TicketPositionUpdated = "ticket.position_updated"
	TicketAlmostTurn      = "ticket.almost_turn"
	QueueOpened           = "queue.opened"
	QueueClosed           = "queue.closed"
	QueuePaused           = "queue.paused"
	QueueResumed          = "queue.resumed"
	QueueReset            = "queue.reset"
	BreakStarted          = "counter.break_started"
	BreakEnded            = "counter.break_ended"
	BreakExtended         = "counter.break_extended"
)

type Event struct {
	Type       string         `json:"type"`
	BranchID   string         `json:"branch_id"`
	TicketID   string         `json:"ticket_id,omitempty"`
	CounterID  string         `json:"counter_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
