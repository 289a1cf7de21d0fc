package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"qms/dispatch-service/internal/events"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

// Why an open or close was a no-op.
const (
	SkipAlreadyOpen   = "already_open"
	SkipAlreadyClosed = "already_closed"
	SkipWeekend       = "weekend"
)

type OpenResult struct {
	Branch  models.Branch `json:"branch"`
	Skipped string        `json:"skipped,omitempty"`
}

type CloseSummary struct {
	Completed      int    `json:"completed"`
	Cancelled      int    `json:"cancelled"`
	CountersClosed int    `json:"counters_closed"`
	BreaksEnded    int    `json:"breaks_ended"`
	Failed         int    `json:"failed"`
	Skipped        string `json:"skipped,omitempty"`
}

type ResetSummary struct {
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
}

func isWeekend(t time.Time) bool {
	day := t.Weekday()
	return day == time.Saturday || day == time.Sunday
}

// OpenQueue starts a branch's business day: the day's sequence counters are
// dropped and the queue accepts check-ins. Branches closed on weekends stay
// closed on Saturday and Sunday local time unless force is set.
func (e *Engine) OpenQueue(ctx context.Context, branchID string, force bool) (res OpenResult, err error) {
	ctx, span := e.startSpan(ctx, "OpenQueue", attribute.String("branch_id", branchID))
	defer func() { endSpan(span, err) }()

	day, err := e.loadBranchDay(ctx, branchID)
	if err != nil {
		return OpenResult{}, err
	}
	if day.branch.QueueStatus == models.QueueOpen {
		return OpenResult{Branch: day.branch, Skipped: SkipAlreadyOpen}, nil
	}
	if !force && day.branch.ClosedOnWeekends && isWeekend(day.now.In(day.loc)) {
		e.logger.Info("weekend, queue stays closed", zap.String("branch_id", branchID))
		return OpenResult{Branch: day.branch, Skipped: SkipWeekend}, nil
	}
	if err := e.resetSequences(ctx, day); err != nil {
		return OpenResult{}, err
	}
	branch, err := e.store.SetQueueStatus(ctx, branchID, models.QueueOpen)
	if err != nil {
		return OpenResult{}, err
	}
	e.logger.Info("queue opened", zap.String("branch_id", branchID), zap.String("business_date", day.date))
	e.publish(ctx, events.Event{
		Type:     events.QueueOpened,
		BranchID: branchID,
		Payload:  map[string]any{"businessDate": day.date},
	})
	return OpenResult{Branch: branch}, nil
}

func (e *Engine) resetSequences(ctx context.Context, day branchDay) error {
	services, err := e.store.ListServices(ctx, day.branch.BranchID)
	if err != nil {
		return err
	}
	prefixes := make([]string, 0, len(services))
	for _, svc := range services {
		prefixes = append(prefixes, svc.Prefix)
	}
	return e.sequence.Reset(ctx, day.branch.BranchID, prefixes, day.loc, day.now)
}

// CloseQueue ends the business day. Serving tickets are completed, waiting
// and called tickets are cancelled, and every counter is closed. Tickets are
// settled one by one; a failure is logged and counted, not fatal.
func (e *Engine) CloseQueue(ctx context.Context, branchID string) (summary CloseSummary, err error) {
	ctx, span := e.startSpan(ctx, "CloseQueue", attribute.String("branch_id", branchID))
	defer func() { endSpan(span, err) }()

	day, err := e.loadBranchDay(ctx, branchID)
	if err != nil {
		return CloseSummary{}, err
	}
	if day.branch.QueueStatus == models.QueueClosed {
		return CloseSummary{Skipped: SkipAlreadyClosed}, nil
	}

	active, err := e.store.ListTickets(ctx, branchID, day.date,
		models.StatusWaiting, models.StatusCalled, models.StatusServing)
	if err != nil {
		return CloseSummary{}, err
	}
	for _, ticket := range active {
		input := store.TransitionInput{
			TicketID:   ticket.TicketID,
			Action:     store.ActionAutoCancel,
			ActorID:    models.SystemActorID,
			Metadata:   map[string]any{"reason": "branch_closed"},
			OccurredAt: day.now,
		}
		eventType := events.TicketCancelled
		if ticket.Status == models.StatusServing {
			input.Action = store.ActionAutoComplete
			eventType = events.TicketCompleted
		}
		updated, err := e.store.Transition(ctx, input)
		if err != nil {
			summary.Failed++
			e.logger.Warn("close: ticket not settled",
				zap.String("branch_id", branchID),
				zap.String("ticket_id", ticket.TicketID),
				zap.String("action", input.Action),
				zap.Error(err))
			continue
		}
		if input.Action == store.ActionAutoComplete {
			summary.Completed++
		} else {
			summary.Cancelled++
		}
		e.publish(ctx, ticketEvent(eventType, updated, map[string]any{"action": input.Action}))
	}

	closed, err := e.store.CloseCounters(ctx, store.CloseCountersInput{
		BranchID: branchID,
		ActorID:  models.SystemActorID,
		ClosedAt: day.now,
	})
	if err != nil {
		return summary, err
	}
	summary.CountersClosed = closed.Counters
	summary.BreaksEnded = closed.BreaksEnded
	if _, err = e.store.SetQueueStatus(ctx, branchID, models.QueueClosed); err != nil {
		return summary, err
	}

	e.closeTickets.Add(ctx, int64(summary.Completed), metric.WithAttributes(attribute.String("outcome", "completed")))
	e.closeTickets.Add(ctx, int64(summary.Cancelled), metric.WithAttributes(attribute.String("outcome", "cancelled")))
	e.closeTickets.Add(ctx, int64(summary.Failed), metric.WithAttributes(attribute.String("outcome", "failed")))
	e.logger.Info("queue closed",
		zap.String("branch_id", branchID),
		zap.Int("completed", summary.Completed),
		zap.Int("cancelled", summary.Cancelled),
		zap.Int("counters_closed", summary.CountersClosed),
		zap.Int("breaks_ended", summary.BreaksEnded),
		zap.Int("failed", summary.Failed))
	e.publish(ctx, events.Event{
		Type:     events.QueueClosed,
		BranchID: branchID,
		Payload: map[string]any{
			"completed":      summary.Completed,
			"cancelled":      summary.Cancelled,
			"countersClosed": summary.CountersClosed,
			"breaksEnded":    summary.BreaksEnded,
			"failed":         summary.Failed,
		},
	})
	return summary, nil
}

func (e *Engine) Pause(ctx context.Context, branchID string) (models.Branch, error) {
	branch, err := e.store.SetQueueStatus(ctx, branchID, models.QueuePaused, models.QueueOpen)
	if err != nil {
		return models.Branch{}, err
	}
	e.publish(ctx, events.Event{Type: events.QueuePaused, BranchID: branchID})
	return branch, nil
}

func (e *Engine) Resume(ctx context.Context, branchID string) (models.Branch, error) {
	branch, err := e.store.SetQueueStatus(ctx, branchID, models.QueueOpen, models.QueuePaused)
	if err != nil {
		return models.Branch{}, err
	}
	e.publish(ctx, events.Event{Type: events.QueueResumed, BranchID: branchID})
	return branch, nil
}

// Reset cancels the day's waiting and called tickets and drops the sequence
// counters. Numbering resumes above the highest number already issued.
func (e *Engine) Reset(ctx context.Context, branchID, actorID string) (summary ResetSummary, err error) {
	ctx, span := e.startSpan(ctx, "Reset", attribute.String("branch_id", branchID))
	defer func() { endSpan(span, err) }()

	day, err := e.loadBranchDay(ctx, branchID)
	if err != nil {
		return ResetSummary{}, err
	}
	pending, err := e.store.ListTickets(ctx, branchID, day.date, models.StatusWaiting, models.StatusCalled)
	if err != nil {
		return ResetSummary{}, err
	}
	for _, ticket := range pending {
		if _, err := e.store.Transition(ctx, store.TransitionInput{
			TicketID:   ticket.TicketID,
			Action:     store.ActionCancel,
			ActorID:    actorID,
			Metadata:   map[string]any{"reason": "queue_reset"},
			OccurredAt: day.now,
		}); err != nil {
			summary.Failed++
			e.logger.Warn("reset: ticket not cancelled",
				zap.String("ticket_id", ticket.TicketID), zap.Error(err))
			continue
		}
		summary.Cancelled++
	}
	if err := e.resetSequences(ctx, day); err != nil {
		return summary, err
	}
	e.logger.Info("queue reset",
		zap.String("branch_id", branchID),
		zap.String("actor_id", actorID),
		zap.Int("cancelled", summary.Cancelled))
	e.publish(ctx, events.Event{
		Type:     events.QueueReset,
		BranchID: branchID,
		Payload:  map[string]any{"cancelled": summary.Cancelled, "resetBy": actorID},
	})
	return summary, nil
}

// UpdateSchedule stores a branch's business hours. Callers resync the
// scheduler with the returned branch.
func (e *Engine) UpdateSchedule(ctx context.Context, input store.ScheduleInput) (models.Branch, error) {
	for _, clock := range []string{input.OpeningTime, input.ClosingTime} {
		if _, _, err := models.ParseClock(clock); err != nil {
			return models.Branch{}, fmt.Errorf("%w: %v", store.ErrPreconditionFailed, err)
		}
	}
	branch, err := e.store.UpdateSchedule(ctx, input)
	if err != nil {
		return models.Branch{}, err
	}
	e.logger.Info("branch schedule updated",
		zap.String("branch_id", branch.BranchID),
		zap.Bool("auto_queue", branch.AutoQueue),
		zap.String("opening_time", branch.OpeningTime),
		zap.String("closing_time", branch.ClosingTime))
	return branch, nil
}
