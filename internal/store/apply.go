package store

import (
	"strings"
	"time"

	"qms/dispatch-service/internal/models"
)

// The Apply helpers mutate an in-hand ticket the same way for every store
// implementation. Callers must hold the ticket lock and persist the result,
// the counter release and the returned history metadata in one transaction.

// ApplyCall claims a waiting ticket for a counter.
func ApplyCall(ticket *models.Ticket, counter models.Counter, input CallNextInput) (map[string]any, error) {
	to, err := NextStatus(ActionCall, ticket.Status)
	if err != nil {
		return nil, err
	}
	at := input.CalledAt
	counterID := counter.CounterID
	userID := input.UserID
	ticket.Status = to
	ticket.CounterID = &counterID
	ticket.ServedByUserID = &userID
	ticket.CalledAt = &at
	ticket.ServingStartedAt = &at
	return map[string]any{
		"counterId":     counter.CounterID,
		"counterNumber": counter.Number,
		"autoServing":   true,
	}, nil
}

// ApplyTransition validates and applies a plain status transition. It returns
// the history metadata and the counter the ticket released, if any.
func ApplyTransition(ticket *models.Ticket, input TransitionInput) (map[string]any, string, error) {
	to, err := NextStatus(input.Action, ticket.Status)
	if err != nil {
		return nil, "", err
	}
	if err := CheckActor(input.Action, *ticket, input.ActorID); err != nil {
		return nil, "", err
	}

	meta := make(map[string]any, len(input.Metadata)+1)
	for k, v := range input.Metadata {
		meta[k] = v
	}
	at := input.OccurredAt
	switch to {
	case models.StatusServing:
		ticket.ServingStartedAt = &at
	case models.StatusCompleted:
		ticket.CompletedAt = &at
		start := ticket.ServingStartedAt
		if start == nil {
			start = ticket.CalledAt
		}
		if start != nil {
			meta["serviceTimeMins"] = DurationMins(*start, at)
		}
	case models.StatusNoShow, models.StatusCancelled:
		ticket.CompletedAt = &at
	}

	released := ""
	if ticket.CounterID != nil && ticket.IsActive() && ReleasesCounter(to) {
		released = *ticket.CounterID
	}
	ticket.Status = to
	ticket.Notes = appendNote(ticket.Notes, input.Notes)
	return meta, released, nil
}

// ApplyTransfer moves a ticket to another service under a new number and puts
// it back at the end of the waiting queue.
func ApplyTransfer(ticket *models.Ticket, input TransferInput) (map[string]any, string, error) {
	to, err := NextStatus(ActionTransfer, ticket.Status)
	if err != nil {
		return nil, "", err
	}
	meta := map[string]any{
		"fromServiceId":   ticket.ServiceID,
		"toServiceId":     input.ToServiceID,
		"oldTicketNumber": ticket.TicketNumber,
		"newTicketNumber": input.TicketNumber,
	}
	released := ""
	if ticket.CounterID != nil && ticket.IsActive() {
		released = *ticket.CounterID
	}
	ticket.Status = to
	ticket.ServiceID = input.ToServiceID
	ticket.TicketNumber = input.TicketNumber
	ticket.CounterID = nil
	ticket.ServedByUserID = nil
	ticket.CalledAt = nil
	ticket.ServingStartedAt = nil
	ticket.QueuedAt = input.OccurredAt
	ticket.AlmostTurnNotifiedAt = nil
	if input.Notes != "" {
		ticket.Notes = appendNote(ticket.Notes, "Transfer: "+input.Notes)
	}
	return meta, released, nil
}

// ApplyBumpPriority promotes a waiting ticket to vip without touching its
// queue time.
func ApplyBumpPriority(ticket *models.Ticket, input PriorityInput) (map[string]any, error) {
	if _, err := NextStatus(ActionBumpPriority, ticket.Status); err != nil {
		return nil, err
	}
	if ticket.IsVIP() {
		return nil, ErrAlreadyVIP
	}
	actor := input.ActorID
	at := input.OccurredAt
	ticket.Priority = models.PriorityVIP
	ticket.PriorityReason = input.Reason
	ticket.PrioritizedBy = &actor
	ticket.PrioritizedAt = &at
	return map[string]any{
		"reason":           input.Reason,
		"previousPriority": models.PriorityNormal,
	}, nil
}

func appendNote(existing, note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return existing
	}
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}

// DefaultTime returns t, or the current UTC time when t is zero.
func DefaultTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
