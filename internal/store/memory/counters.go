package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

func copyCounter(c *models.Counter) models.Counter {
	out := *c
	out.ServiceIDs = append([]string(nil), c.ServiceIDs...)
	return out
}

func (s *Store) GetCounter(_ context.Context, counterID string) (models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[counterID]
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return copyCounter(counter), nil
}

func (s *Store) ListCounters(_ context.Context, branchID string) ([]models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Counter
	for _, counter := range s.counters {
		if counter.BranchID == branchID {
			out = append(out, copyCounter(counter))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *Store) CountOpenCounters(_ context.Context, branchID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, counter := range s.counters {
		if counter.BranchID == branchID && counter.Status == models.CounterOpen {
			n++
		}
	}
	return n, nil
}

func (s *Store) CloseCounters(_ context.Context, input store.CloseCountersInput) (store.ClosedCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	closedAt := store.DefaultTime(input.ClosedAt)
	var res store.ClosedCounters
	for _, counter := range s.counters {
		if counter.BranchID != input.BranchID {
			continue
		}
		if counter.ActiveBreakID != nil {
			if br, ok := s.breaks[*counter.ActiveBreakID]; ok && !br.Ended() {
				s.endBreak(br, input.ActorID, closedAt)
				res.BreaksEnded++
			}
			counter.ActiveBreakID = nil
		}
		counter.CurrentTicketID = nil
		if counter.Status != models.CounterClosed {
			counter.Status = models.CounterClosed
			res.Counters++
		}
	}
	return res, nil
}

func (s *Store) endBreak(br *models.CounterBreak, actorID string, endedAt time.Time) {
	actual := store.DurationMins(br.StartedAt, endedAt)
	br.EndedAt = &endedAt
	br.ActualMins = &actual
	br.EndedBy = &actorID
}

func (s *Store) StartBreak(_ context.Context, input store.StartBreakInput) (models.CounterBreak, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[input.CounterID]
	if !ok {
		return models.CounterBreak{}, store.ErrCounterNotFound
	}
	if counter.AssignedUserID == nil {
		return models.CounterBreak{}, store.ErrNoAssignedTeller
	}
	if counter.ActiveBreakID != nil || counter.Status == models.CounterOnBreak {
		return models.CounterBreak{}, store.ErrBreakActive
	}
	startedAt := store.DefaultTime(input.StartedAt)
	br := &models.CounterBreak{
		BreakID:      uuid.NewString(),
		CounterID:    counter.CounterID,
		UserID:       *counter.AssignedUserID,
		Reason:       input.Reason,
		DurationMins: input.DurationMins,
		StartedAt:    startedAt,
		ExpectedEnd:  startedAt.Add(time.Duration(input.DurationMins) * time.Minute),
		StartedBy:    input.ActorID,
	}
	s.breaks[br.BreakID] = br
	breakID := br.BreakID
	counter.ActiveBreakID = &breakID
	counter.Status = models.CounterOnBreak
	return *br, nil
}

func (s *Store) EndBreak(_ context.Context, input store.EndBreakInput) (models.CounterBreak, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	br, ok := s.breaks[input.BreakID]
	if !ok {
		return models.CounterBreak{}, store.ErrBreakNotFound
	}
	if br.Ended() {
		return models.CounterBreak{}, store.ErrBreakEnded
	}
	s.endBreak(br, input.ActorID, store.DefaultTime(input.EndedAt))

	if counter, ok := s.counters[br.CounterID]; ok {
		if counter.ActiveBreakID != nil && *counter.ActiveBreakID == br.BreakID {
			counter.ActiveBreakID = nil
		}
		if counter.Status == models.CounterOnBreak {
			counter.Status = models.CounterOpen
		}
	}
	return *br, nil
}

func (s *Store) ExtendBreak(_ context.Context, input store.ExtendBreakInput) (models.CounterBreak, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	br, ok := s.breaks[input.BreakID]
	if !ok {
		return models.CounterBreak{}, store.ErrBreakNotFound
	}
	if br.Ended() {
		return models.CounterBreak{}, store.ErrBreakEnded
	}
	br.DurationMins += input.AddMins
	br.ExpectedEnd = br.ExpectedEnd.Add(time.Duration(input.AddMins) * time.Minute)
	return *br, nil
}

func (s *Store) GetBreak(_ context.Context, breakID string) (models.CounterBreak, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	br, ok := s.breaks[breakID]
	if !ok {
		return models.CounterBreak{}, store.ErrBreakNotFound
	}
	return *br, nil
}

func (s *Store) GetActiveBreak(_ context.Context, counterID string) (models.CounterBreak, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[counterID]
	if !ok {
		return models.CounterBreak{}, store.ErrCounterNotFound
	}
	if counter.ActiveBreakID == nil {
		return models.CounterBreak{}, store.ErrBreakNotFound
	}
	br, ok := s.breaks[*counter.ActiveBreakID]
	if !ok || br.Ended() {
		return models.CounterBreak{}, store.ErrBreakNotFound
	}
	return *br, nil
}
