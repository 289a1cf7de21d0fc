package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrForbiddenActor     = errors.New("actor is not the assigned teller")
	ErrNoCandidate        = errors.New("no ticket available")
	ErrDuplicateSequence  = errors.New("duplicate ticket number")
)

var (
	ErrTicketNotFound  = fmt.Errorf("ticket %w", ErrNotFound)
	ErrCounterNotFound = fmt.Errorf("counter %w", ErrNotFound)
	ErrBranchNotFound  = fmt.Errorf("branch %w", ErrNotFound)
	ErrServiceNotFound = fmt.Errorf("service %w", ErrNotFound)
	ErrBreakNotFound   = fmt.Errorf("break %w", ErrNotFound)
)

var (
	ErrCounterNotOpen     = fmt.Errorf("%w: counter is not open", ErrPreconditionFailed)
	ErrCounterBusy        = fmt.Errorf("%w: counter already has a ticket being served", ErrPreconditionFailed)
	ErrServiceNotAssigned = fmt.Errorf("%w: service not assigned to counter", ErrPreconditionFailed)
	ErrNoAssignedTeller   = fmt.Errorf("%w: counter has no assigned teller", ErrPreconditionFailed)
	ErrBreakActive        = fmt.Errorf("%w: counter is already on break", ErrPreconditionFailed)
	ErrBreakEnded         = fmt.Errorf("%w: break already ended", ErrPreconditionFailed)
	ErrAlreadyVIP         = fmt.Errorf("%w: ticket is already vip", ErrPreconditionFailed)
	ErrQueueNotAccepting  = fmt.Errorf("%w: queue is not accepting tickets", ErrPreconditionFailed)
	ErrInvalidDuration    = fmt.Errorf("%w: invalid duration", ErrPreconditionFailed)
)

var (
	ErrQueueEmpty       = fmt.Errorf("%w: queue empty", ErrNoCandidate)
	ErrNoMatchingTicket = fmt.Errorf("%w: no waiting ticket matches counter services", ErrNoCandidate)
)
