// Package memory is an in-process store.Store. A single mutex acts as the
// dispatch arbiter: every call-next checks and claims the counter and the
// ticket under the same lock, which gives the same at-most-once guarantees
// as the row-locking PostgreSQL store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emirpasic/gods/sets/treeset"
	"github.com/google/uuid"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/sequence"
	"qms/dispatch-service/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu       sync.Mutex
	branches map[string]*models.Branch
	services map[string]*models.Service
	counters map[string]*models.Counter
	tickets  map[string]*models.Ticket
	waiting  map[string]*treeset.Set
	history  map[string][]models.TicketHistory
	breaks   map[string]*models.CounterBreak
	requests map[string]string
	numbers  map[string]string
}

func New() *Store {
	return &Store{
		branches: make(map[string]*models.Branch),
		services: make(map[string]*models.Service),
		counters: make(map[string]*models.Counter),
		tickets:  make(map[string]*models.Ticket),
		waiting:  make(map[string]*treeset.Set),
		history:  make(map[string][]models.TicketHistory),
		breaks:   make(map[string]*models.CounterBreak),
		requests: make(map[string]string),
		numbers:  make(map[string]string),
	}
}

func byDispatchOrder(a, b interface{}) int {
	ta := a.(*models.Ticket)
	tb := b.(*models.Ticket)
	switch {
	case ta.TicketID == tb.TicketID:
		return 0
	case models.DispatchBefore(*ta, *tb):
		return -1
	default:
		return 1
	}
}

func (s *Store) AddBranch(branch models.Branch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := branch
	s.branches[b.BranchID] = &b
}

func (s *Store) AddService(service models.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv := service
	s.services[sv.ServiceID] = &sv
}

func (s *Store) AddCounter(counter models.Counter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := counter
	c.ServiceIDs = append([]string(nil), counter.ServiceIDs...)
	s.counters[c.CounterID] = &c
}

func (s *Store) lane(branchID string) *treeset.Set {
	set, ok := s.waiting[branchID]
	if !ok {
		set = treeset.NewWith(byDispatchOrder)
		s.waiting[branchID] = set
	}
	return set
}

func numberKey(branchID, businessDate, number string) string {
	return branchID + "|" + businessDate + "|" + number
}

func (s *Store) appendHistory(ticketID, action, actorID string, meta map[string]any, at time.Time) error {
	rows := s.history[ticketID]
	var prev *models.TicketHistory
	if len(rows) > 0 {
		prev = &rows[len(rows)-1]
	}
	row, err := store.NewHistory(prev, ticketID, action, actorID, meta, at)
	if err != nil {
		return err
	}
	s.history[ticketID] = append(rows, row)
	return nil
}

func (s *Store) releaseCounter(counterID, ticketID string) {
	if counterID == "" {
		return
	}
	counter, ok := s.counters[counterID]
	if !ok || counter.CurrentTicketID == nil || *counter.CurrentTicketID != ticketID {
		return
	}
	counter.CurrentTicketID = nil
}

func (s *Store) CreateTicket(_ context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if input.RequestID != "" {
		if id, ok := s.requests[input.RequestID]; ok {
			return *s.tickets[id], false, nil
		}
	}
	if _, ok := s.branches[input.BranchID]; !ok {
		return models.Ticket{}, false, store.ErrBranchNotFound
	}
	key := numberKey(input.BranchID, input.BusinessDate, input.TicketNumber)
	if _, taken := s.numbers[key]; taken {
		return models.Ticket{}, false, store.ErrDuplicateSequence
	}

	createdAt := store.DefaultTime(input.CreatedAt)
	priority := input.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	ticket := &models.Ticket{
		TicketID:      uuid.NewString(),
		TicketNumber:  input.TicketNumber,
		BranchID:      input.BranchID,
		ServiceID:     input.ServiceID,
		BusinessDate:  input.BusinessDate,
		Status:        models.StatusWaiting,
		Priority:      priority,
		CustomerPhone: input.CustomerPhone,
		CheckinMethod: input.CheckinMethod,
		RequestID:     input.RequestID,
		CreatedAt:     createdAt,
		QueuedAt:      createdAt,
	}
	meta := map[string]any{"checkinMethod": input.CheckinMethod, "position": input.Position}
	if err := s.appendHistory(ticket.TicketID, store.ActionCreate, "", meta, createdAt); err != nil {
		return models.Ticket{}, false, err
	}
	s.tickets[ticket.TicketID] = ticket
	s.numbers[key] = ticket.TicketID
	if input.RequestID != "" {
		s.requests[input.RequestID] = ticket.TicketID
	}
	s.lane(ticket.BranchID).Add(ticket)
	return *ticket, true, nil
}

func (s *Store) GetTicket(_ context.Context, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return *ticket, nil
}

func (s *Store) GetTicketByRequest(_ context.Context, requestID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.requests[requestID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return *s.tickets[id], nil
}

func (s *Store) ListWaiting(_ context.Context, branchID, businessDate string) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Ticket
	it := s.lane(branchID).Iterator()
	for it.Next() {
		ticket := it.Value().(*models.Ticket)
		if ticket.BusinessDate == businessDate {
			out = append(out, *ticket)
		}
	}
	return out, nil
}

func (s *Store) ListTickets(_ context.Context, branchID, businessDate string, statuses ...string) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.BranchID != branchID || ticket.BusinessDate != businessDate {
			continue
		}
		if len(statuses) > 0 && !contains(statuses, ticket.Status) {
			continue
		}
		out = append(out, *ticket)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TicketID < out[j].TicketID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MaxTicketSequence also counts numbers freed by transfers, so they are not
// reissued.
func (s *Store) MaxTicketSequence(_ context.Context, branchID, prefix, businessDate string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scope := numberKey(branchID, businessDate, prefix+"-")
	var highest int64
	for key := range s.numbers {
		if !strings.HasPrefix(key, scope) {
			continue
		}
		number := key[len(numberKey(branchID, businessDate, "")):]
		if seq, ok := sequence.ParseSequence(number); ok && seq > highest {
			highest = seq
		}
	}
	return highest, nil
}

func (s *Store) CallNext(_ context.Context, input store.CallNextInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.counters[input.CounterID]
	if !ok {
		return models.Ticket{}, store.ErrCounterNotFound
	}
	if counter.Status != models.CounterOpen {
		return models.Ticket{}, store.ErrCounterNotOpen
	}
	if counter.CurrentTicketID != nil {
		return models.Ticket{}, store.ErrCounterBusy
	}

	eligible := func(models.Ticket) bool { return true }
	switch input.Scope {
	case store.ScopeService:
		if !counter.ServesService(input.ServiceID) {
			return models.Ticket{}, store.ErrServiceNotAssigned
		}
		eligible = func(t models.Ticket) bool { return t.ServiceID == input.ServiceID }
	case store.ScopeEligible:
		eligible = func(t models.Ticket) bool { return counter.ServesService(t.ServiceID) }
	}

	set := s.lane(counter.BranchID)
	var candidate *models.Ticket
	anyWaiting := false
	it := set.Iterator()
	for it.Next() {
		ticket := it.Value().(*models.Ticket)
		if ticket.BusinessDate != input.BusinessDate {
			continue
		}
		anyWaiting = true
		if eligible(*ticket) {
			candidate = ticket
			break
		}
	}
	if candidate == nil {
		if anyWaiting {
			return models.Ticket{}, store.ErrNoMatchingTicket
		}
		return models.Ticket{}, store.ErrQueueEmpty
	}

	claimed := *candidate
	meta, err := store.ApplyCall(&claimed, *counter, input)
	if err != nil {
		return models.Ticket{}, err
	}
	if err := s.appendHistory(claimed.TicketID, store.ActionCall, input.UserID, meta, input.CalledAt); err != nil {
		return models.Ticket{}, err
	}
	set.Remove(candidate)
	*candidate = claimed
	ticketID := claimed.TicketID
	counter.CurrentTicketID = &ticketID
	return claimed, nil
}

// mutate runs fn on a copy of the ticket and commits the copy, the waiting
// lane position and the counter release only when fn succeeds.
func (s *Store) mutate(ticketID string, fn func(t *models.Ticket) (released string, err error)) (models.Ticket, error) {
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	next := *ticket
	released, err := fn(&next)
	if err != nil {
		return models.Ticket{}, err
	}
	set := s.lane(ticket.BranchID)
	if ticket.Status == models.StatusWaiting {
		set.Remove(ticket)
	}
	*ticket = next
	if ticket.Status == models.StatusWaiting {
		set.Add(ticket)
	}
	s.releaseCounter(released, ticket.TicketID)
	return *ticket, nil
}

func (s *Store) Transition(_ context.Context, input store.TransitionInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := store.DefaultTime(input.OccurredAt)
	input.OccurredAt = at
	return s.mutate(input.TicketID, func(t *models.Ticket) (string, error) {
		meta, released, err := store.ApplyTransition(t, input)
		if err != nil {
			return "", err
		}
		return released, s.appendHistory(t.TicketID, input.Action, input.ActorID, meta, at)
	})
}

func (s *Store) TransferTicket(_ context.Context, input store.TransferInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[input.TicketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	target, ok := s.services[input.ToServiceID]
	if !ok || !target.Active || target.BranchID != ticket.BranchID {
		return models.Ticket{}, store.ErrServiceNotFound
	}
	key := numberKey(ticket.BranchID, ticket.BusinessDate, input.TicketNumber)
	if _, taken := s.numbers[key]; taken {
		return models.Ticket{}, store.ErrDuplicateSequence
	}
	at := store.DefaultTime(input.OccurredAt)
	input.OccurredAt = at
	updated, err := s.mutate(input.TicketID, func(t *models.Ticket) (string, error) {
		meta, released, err := store.ApplyTransfer(t, input)
		if err != nil {
			return "", err
		}
		return released, s.appendHistory(t.TicketID, store.ActionTransfer, input.ActorID, meta, at)
	})
	if err != nil {
		return models.Ticket{}, err
	}
	s.numbers[key] = updated.TicketID
	return updated, nil
}

func (s *Store) BumpPriority(_ context.Context, input store.PriorityInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := store.DefaultTime(input.OccurredAt)
	input.OccurredAt = at
	return s.mutate(input.TicketID, func(t *models.Ticket) (string, error) {
		meta, err := store.ApplyBumpPriority(t, input)
		if err != nil {
			return "", err
		}
		return "", s.appendHistory(t.TicketID, store.ActionBumpPriority, input.ActorID, meta, at)
	})
}

func (s *Store) ListHistory(_ context.Context, ticketID string) ([]models.TicketHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[ticketID]; !ok {
		return nil, store.ErrTicketNotFound
	}
	return append([]models.TicketHistory(nil), s.history[ticketID]...), nil
}

func (s *Store) MarkAlmostTurnNotified(_ context.Context, ticketID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return false, store.ErrTicketNotFound
	}
	if ticket.AlmostTurnNotifiedAt != nil {
		return false, nil
	}
	ticket.AlmostTurnNotifiedAt = &at
	return true, nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
