package memory

import (
	"context"
	"fmt"
	"sort"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

func (s *Store) GetBranch(_ context.Context, branchID string) (models.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	branch, ok := s.branches[branchID]
	if !ok {
		return models.Branch{}, store.ErrBranchNotFound
	}
	return *branch, nil
}

func (s *Store) ListAutoQueueBranches(_ context.Context) ([]models.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Branch
	for _, branch := range s.branches {
		if branch.AutoQueue {
			out = append(out, *branch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchID < out[j].BranchID })
	return out, nil
}

func (s *Store) SetQueueStatus(_ context.Context, branchID, status string, from ...string) (models.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	branch, ok := s.branches[branchID]
	if !ok {
		return models.Branch{}, store.ErrBranchNotFound
	}
	if len(from) > 0 && !contains(from, branch.QueueStatus) {
		return models.Branch{}, fmt.Errorf("%w: queue %s to %s", store.ErrInvalidTransition, branch.QueueStatus, status)
	}
	branch.QueueStatus = status
	return *branch, nil
}

func (s *Store) UpdateSchedule(_ context.Context, input store.ScheduleInput) (models.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	branch, ok := s.branches[input.BranchID]
	if !ok {
		return models.Branch{}, store.ErrBranchNotFound
	}
	branch.AutoQueue = input.AutoQueue
	branch.OpeningTime = input.OpeningTime
	branch.ClosingTime = input.ClosingTime
	branch.ClosedOnWeekends = input.ClosedOnWeekends
	return *branch, nil
}

func (s *Store) GetService(_ context.Context, serviceID string) (models.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	service, ok := s.services[serviceID]
	if !ok {
		return models.Service{}, store.ErrServiceNotFound
	}
	return *service, nil
}

func (s *Store) ListServices(_ context.Context, branchID string) ([]models.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Service
	for _, service := range s.services {
		if service.BranchID == branchID {
			out = append(out, *service)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out, nil
}
