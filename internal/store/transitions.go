package store

import (
	"fmt"

	"qms/dispatch-service/internal/models"
)

// History actions double as the transition names.
const (
	ActionCreate       = "created"
	ActionCall         = "called"
	ActionStartServing = "serving"
	ActionComplete     = "completed"
	ActionNoShow       = "no_show"
	ActionCancel       = "cancelled"
	ActionTransfer     = "transferred"
	ActionBumpPriority = "priority_bumped"
	ActionAutoComplete = "auto_completed"
	ActionAutoCancel   = "auto_cancelled"
)

type transition struct {
	from       []string
	to         string
	ownerCheck bool
}

var transitionMap = map[string]transition{
	// call-next goes straight to serving; there is no confirm-arrival step.
	ActionCall:         {from: []string{models.StatusWaiting}, to: models.StatusServing},
	ActionStartServing: {from: []string{models.StatusCalled}, to: models.StatusServing, ownerCheck: true},
	ActionComplete:     {from: []string{models.StatusCalled, models.StatusServing}, to: models.StatusCompleted, ownerCheck: true},
	ActionNoShow:       {from: []string{models.StatusCalled, models.StatusServing}, to: models.StatusNoShow, ownerCheck: true},
	ActionCancel:       {from: []string{models.StatusWaiting, models.StatusCalled, models.StatusServing}, to: models.StatusCancelled},
	ActionTransfer:     {from: []string{models.StatusWaiting, models.StatusCalled, models.StatusServing}, to: models.StatusWaiting},
	ActionBumpPriority: {from: []string{models.StatusWaiting}, to: models.StatusWaiting},
	ActionAutoComplete: {from: []string{models.StatusServing}, to: models.StatusCompleted},
	ActionAutoCancel:   {from: []string{models.StatusWaiting, models.StatusCalled}, to: models.StatusCancelled},
}

func ValidTransition(action, fromStatus string) bool {
	t, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range t.from {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// NextStatus returns the status a ticket in fromStatus moves to under action.
func NextStatus(action, fromStatus string) (string, error) {
	if !ValidTransition(action, fromStatus) {
		return "", fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, fromStatus)
	}
	return transitionMap[action].to, nil
}

// CheckActor enforces that teller-owned actions are performed by the
// teller the ticket was dispatched to. The system actor bypasses the check.
func CheckActor(action string, ticket models.Ticket, actorID string) error {
	t, ok := transitionMap[action]
	if !ok || !t.ownerCheck || actorID == models.SystemActorID {
		return nil
	}
	if ticket.ServedByUserID == nil || *ticket.ServedByUserID != actorID {
		return ErrForbiddenActor
	}
	return nil
}

// ReleasesCounter reports whether a ticket reaching status no longer holds
// its counter.
func ReleasesCounter(status string) bool {
	return status != models.StatusCalled && status != models.StatusServing
}
