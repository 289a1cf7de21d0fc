package store

import (
	"errors"
	"testing"

	"qms/dispatch-service/internal/models"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{ActionCall, "waiting", true},
		{ActionCall, "serving", false},
		{ActionStartServing, "called", true},
		{ActionStartServing, "waiting", false},
		{ActionComplete, "serving", true},
		{ActionComplete, "called", true},
		{ActionComplete, "waiting", false},
		{ActionNoShow, "called", true},
		{ActionNoShow, "serving", true},
		{ActionNoShow, "waiting", false},
		{ActionCancel, "waiting", true},
		{ActionCancel, "called", true},
		{ActionTransfer, "waiting", true},
		{ActionTransfer, "serving", true},
		{ActionBumpPriority, "waiting", true},
		{ActionBumpPriority, "called", false},
		{ActionAutoComplete, "serving", true},
		{ActionAutoComplete, "waiting", false},
		{ActionAutoCancel, "waiting", true},
		{ActionAutoCancel, "called", true},
		{ActionAutoCancel, "serving", false},
		{"unknown", "waiting", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestNoTransitionOutOfTerminalState(t *testing.T) {
	terminal := []string{models.StatusCompleted, models.StatusNoShow, models.StatusCancelled}
	for action := range transitionMap {
		for _, status := range terminal {
			_, err := NextStatus(action, status)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("NextStatus(%q, %q) err=%v, want ErrInvalidTransition", action, status, err)
			}
		}
	}
}

func TestCheckActor(t *testing.T) {
	teller := "teller-1"
	ticket := models.Ticket{Status: models.StatusServing, ServedByUserID: &teller}

	if err := CheckActor(ActionComplete, ticket, teller); err != nil {
		t.Fatalf("assigned teller rejected: %v", err)
	}
	if err := CheckActor(ActionComplete, ticket, "teller-2"); !errors.Is(err, ErrForbiddenActor) {
		t.Fatalf("expected ErrForbiddenActor, got %v", err)
	}
	if err := CheckActor(ActionComplete, ticket, models.SystemActorID); err != nil {
		t.Fatalf("system actor rejected: %v", err)
	}
	if err := CheckActor(ActionCancel, ticket, "teller-2"); err != nil {
		t.Fatalf("cancel should not check owner: %v", err)
	}
	if err := CheckActor(ActionNoShow, models.Ticket{Status: models.StatusCalled}, teller); !errors.Is(err, ErrForbiddenActor) {
		t.Fatalf("unassigned ticket should reject teller, got %v", err)
	}
}

func TestErrorKinds(t *testing.T) {
	if !errors.Is(ErrCounterBusy, ErrPreconditionFailed) {
		t.Fatalf("ErrCounterBusy should be a precondition failure")
	}
	if !errors.Is(ErrTicketNotFound, ErrNotFound) {
		t.Fatalf("ErrTicketNotFound should be a not-found error")
	}
	if !errors.Is(ErrNoMatchingTicket, ErrNoCandidate) || !errors.Is(ErrQueueEmpty, ErrNoCandidate) {
		t.Fatalf("empty dispatch errors should wrap ErrNoCandidate")
	}
	if ErrTicketNotFound.Error() != "ticket not found" {
		t.Fatalf("unexpected message %q", ErrTicketNotFound.Error())
	}
}
