package dispatch

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"qms/dispatch-service/internal/events"
	"qms/dispatch-service/internal/models"
)

const broadcastConcurrency = 8

// broadcast recomputes and publishes the positions of a branch's waiting
// tickets. The triggering change is already committed, so failures are only
// logged.
func (e *Engine) broadcast(ctx context.Context, branchID string) {
	if _, err := e.Rebroadcast(ctx, branchID); err != nil {
		e.logger.Warn("position broadcast failed", zap.String("branch_id", branchID), zap.Error(err))
	}
}

// Rebroadcast publishes a position update for every waiting ticket of the
// branch and flags the almost-your-turn ticket of each service.
func (e *Engine) Rebroadcast(ctx context.Context, branchID string) ([]PositionUpdate, error) {
	day, err := e.loadBranchDay(ctx, branchID)
	if err != nil {
		return nil, err
	}
	waiting, err := e.store.ListWaiting(ctx, branchID, day.date)
	if err != nil {
		return nil, err
	}
	open, err := e.store.CountOpenCounters(ctx, branchID)
	if err != nil {
		return nil, err
	}
	updates := e.positions(waiting, open)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(broadcastConcurrency)
	for _, u := range updates {
		g.Go(func() error {
			return e.publisher.Publish(gctx, events.Event{
				Type:     events.TicketPositionUpdated,
				BranchID: branchID,
				TicketID: u.TicketID,
				Payload: map[string]any{
					"ticketNumber":      u.TicketNumber,
					"position":          u.Position,
					"estimatedWaitMins": u.EstimatedWaitMins,
					"urgency":           u.Urgency,
				},
				OccurredAt: day.now,
			})
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Warn("position update not delivered", zap.String("branch_id", branchID), zap.Error(err))
	}

	if err := e.notifyAlmostTurn(ctx, day, waiting, updates); err != nil {
		return updates, err
	}
	return updates, nil
}

// notifyAlmostTurn flags, once, the ticket sitting at the branch's notify
// position within its service line.
func (e *Engine) notifyAlmostTurn(ctx context.Context, day branchDay, waiting []models.Ticket, updates []PositionUpdate) error {
	notifyAt := day.branch.NotifyAtPosition
	if notifyAt <= 0 {
		return nil
	}
	seen := make(map[string]int)
	for i, t := range waiting {
		seen[t.ServiceID]++
		if seen[t.ServiceID] != notifyAt || t.AlmostTurnNotifiedAt != nil {
			continue
		}
		flagged, err := e.store.MarkAlmostTurnNotified(ctx, t.TicketID, day.now)
		if err != nil {
			return err
		}
		if !flagged {
			continue
		}
		e.publish(ctx, events.Event{
			Type:     events.TicketAlmostTurn,
			BranchID: t.BranchID,
			TicketID: t.TicketID,
			Payload: map[string]any{
				"ticketNumber":      t.TicketNumber,
				"servicePosition":   notifyAt,
				"position":          updates[i].Position,
				"estimatedWaitMins": updates[i].EstimatedWaitMins,
				"customerPhone":     t.CustomerPhone,
			},
			OccurredAt: day.now,
		})
	}
	return nil
}
