// Package schedule opens and closes branch queues at their local business
// hours. Each auto-queue branch owns one cron entry per action; changing a
// branch's hours removes both entries and schedules them again.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"qms/dispatch-service/internal/dispatch"
	"qms/dispatch-service/internal/models"
)

const DefaultGrace = 30 * time.Minute

const (
	ActionOpen  = "open"
	ActionClose = "close"
)

// Queue performs the day-boundary transitions.
type Queue interface {
	OpenQueue(ctx context.Context, branchID string, force bool) (dispatch.OpenResult, error)
	CloseQueue(ctx context.Context, branchID string) (dispatch.CloseSummary, error)
}

type Branches interface {
	ListAutoQueueBranches(ctx context.Context) ([]models.Branch, error)
}

type Option func(*Scheduler)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithGrace sets how far back a missed open or close is still run at start.
func WithGrace(grace time.Duration) Option {
	return func(s *Scheduler) { s.grace = grace }
}

type entries struct {
	open  cronlib.EntryID
	close cronlib.EntryID
}

type Scheduler struct {
	cron     *cronlib.Cron
	branches Branches
	queue    Queue
	logger   *zap.Logger
	now      func() time.Time
	grace    time.Duration

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]entries
}

func New(branches Branches, queue Queue, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:     cronlib.New(),
		branches: branches,
		queue:    queue,
		logger:   zap.NewNop(),
		now:      time.Now,
		grace:    DefaultGrace,
		ctx:      context.Background(),
		entries:  make(map[string]entries),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler")
	return s
}

// Spec renders a daily cron spec firing at clock (HH:MM) in timezone.
func Spec(timezone, clock string) (string, error) {
	hour, minute, err := models.ParseClock(clock)
	if err != nil {
		return "", err
	}
	if timezone == "" {
		timezone = "UTC"
	}
	return fmt.Sprintf("CRON_TZ=%s %d %d * * *", timezone, minute, hour), nil
}

// Sync replaces the branch's entries with ones matching its current hours.
// Branches without auto-queue end up with no entries.
func (s *Scheduler) Sync(branch models.Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(branch.BranchID)
	if !branch.AutoQueue {
		return nil
	}

	openSpec, err := Spec(branch.Timezone, branch.OpeningTime)
	if err != nil {
		return fmt.Errorf("branch %s opening time: %w", branch.BranchID, err)
	}
	closeSpec, err := Spec(branch.Timezone, branch.ClosingTime)
	if err != nil {
		return fmt.Errorf("branch %s closing time: %w", branch.BranchID, err)
	}

	branchID := branch.BranchID
	openID, err := s.cron.AddFunc(openSpec, func() { s.run(ActionOpen, branchID) })
	if err != nil {
		return fmt.Errorf("schedule open for %s: %w", branchID, err)
	}
	closeID, err := s.cron.AddFunc(closeSpec, func() { s.run(ActionClose, branchID) })
	if err != nil {
		s.cron.Remove(openID)
		return fmt.Errorf("schedule close for %s: %w", branchID, err)
	}
	s.entries[branchID] = entries{open: openID, close: closeID}
	s.logger.Info("branch scheduled",
		zap.String("branch_id", branchID),
		zap.String("open", openSpec),
		zap.String("close", closeSpec))
	return nil
}

func (s *Scheduler) Remove(branchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(branchID)
}

func (s *Scheduler) removeLocked(branchID string) {
	e, ok := s.entries[branchID]
	if !ok {
		return
	}
	s.cron.Remove(e.open)
	s.cron.Remove(e.close)
	delete(s.entries, branchID)
}

// NextRuns reports the next open and close fire times after now.
func (s *Scheduler) NextRuns(branchID string) (openAt, closeAt time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[branchID]
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	now := s.now()
	return s.cron.Entry(e.open).Schedule.Next(now), s.cron.Entry(e.close).Schedule.Next(now), true
}

// Start schedules every auto-queue branch, runs transitions missed within
// the grace window and starts the cron loop. Jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	branches, err := s.branches.ListAutoQueueBranches(ctx)
	if err != nil {
		return fmt.Errorf("load auto-queue branches: %w", err)
	}
	for _, branch := range branches {
		if err := s.Sync(branch); err != nil {
			s.logger.Error("branch not scheduled", zap.String("branch_id", branch.BranchID), zap.Error(err))
		}
	}

	now := s.now()
	for _, branch := range branches {
		action, err := MissedAction(branch, now, s.grace)
		if err != nil || action == "" {
			continue
		}
		s.logger.Info("running missed transition",
			zap.String("branch_id", branch.BranchID),
			zap.String("action", action))
		s.run(action, branch.BranchID)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("branches", len(branches)))
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(action, branchID string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	switch action {
	case ActionOpen:
		res, err := s.queue.OpenQueue(ctx, branchID, false)
		if err != nil {
			s.logger.Error("scheduled open failed", zap.String("branch_id", branchID), zap.Error(err))
			return
		}
		if res.Skipped != "" {
			s.logger.Info("scheduled open skipped", zap.String("branch_id", branchID), zap.String("reason", res.Skipped))
		}
	case ActionClose:
		summary, err := s.queue.CloseQueue(ctx, branchID)
		if err != nil {
			s.logger.Error("scheduled close failed", zap.String("branch_id", branchID), zap.Error(err))
			return
		}
		if summary.Failed > 0 {
			s.logger.Warn("scheduled close left tickets unsettled",
				zap.String("branch_id", branchID), zap.Int("failed", summary.Failed))
		}
	}
}

// MissedAction returns the transition whose local time today fell within
// grace before now. When both did, the later one wins.
func MissedAction(branch models.Branch, now time.Time, grace time.Duration) (string, error) {
	loc, err := branch.Location()
	if err != nil {
		return "", err
	}
	local := now.In(loc)
	at := func(clock string) (time.Time, bool, error) {
		hour, minute, err := models.ParseClock(clock)
		if err != nil {
			return time.Time{}, false, err
		}
		t := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		elapsed := local.Sub(t)
		return t, elapsed >= 0 && elapsed <= grace, nil
	}

	openAt, openDue, err := at(branch.OpeningTime)
	if err != nil {
		return "", err
	}
	closeAt, closeDue, err := at(branch.ClosingTime)
	if err != nil {
		return "", err
	}
	switch {
	case openDue && closeDue:
		if closeAt.After(openAt) {
			return ActionClose, nil
		}
		return ActionOpen, nil
	case openDue:
		return ActionOpen, nil
	case closeDue:
		return ActionClose, nil
	}
	return "", nil
}
