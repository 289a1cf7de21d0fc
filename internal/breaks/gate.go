// Package breaks manages teller break windows. A counter on break is not
// open, so call-next passes it over until the break ends.
package breaks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"qms/dispatch-service/internal/events"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

const (
	MaxDurationMins = 120
	MaxExtendMins   = 60
)

// DefaultDurations are the preset break lengths per reason. Urgent breaks
// have no preset and need an explicit duration.
var DefaultDurations = map[string]int{
	models.BreakLunch:    30,
	models.BreakPrayer:   15,
	models.BreakPersonal: 15,
	models.BreakUrgent:   0,
}

type Option func(*Gate)

func WithPublisher(publisher events.Publisher) Option {
	return func(g *Gate) { g.publisher = publisher }
}

func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

type Gate struct {
	store     store.CounterStore
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func New(st store.CounterStore, opts ...Option) *Gate {
	g := &Gate{
		store:     st,
		publisher: events.Nop{},
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.Named("breaks")
	return g
}

// ResolveDuration picks the break length: customMins when positive, else the
// reason's preset. The result must be between 1 and MaxDurationMins.
func ResolveDuration(reason string, customMins int) (int, error) {
	preset, ok := DefaultDurations[reason]
	if !ok {
		return 0, fmt.Errorf("%w: unknown break reason %q", store.ErrPreconditionFailed, reason)
	}
	minutes := preset
	if customMins > 0 {
		minutes = customMins
	}
	if minutes < 1 || minutes > MaxDurationMins {
		return 0, fmt.Errorf("%w: break must last 1-%d minutes", store.ErrInvalidDuration, MaxDurationMins)
	}
	return minutes, nil
}

type StartRequest struct {
	CounterID  string
	ActorID    string
	Reason     string
	CustomMins int
}

func (g *Gate) Start(ctx context.Context, req StartRequest) (models.CounterBreak, error) {
	minutes, err := ResolveDuration(req.Reason, req.CustomMins)
	if err != nil {
		return models.CounterBreak{}, err
	}
	counter, err := g.store.GetCounter(ctx, req.CounterID)
	if err != nil {
		return models.CounterBreak{}, err
	}
	br, err := g.store.StartBreak(ctx, store.StartBreakInput{
		CounterID:    req.CounterID,
		ActorID:      req.ActorID,
		Reason:       req.Reason,
		DurationMins: minutes,
		StartedAt:    g.now(),
	})
	if err != nil {
		return models.CounterBreak{}, err
	}
	g.logger.Info("break started",
		zap.String("counter_id", br.CounterID),
		zap.String("reason", br.Reason),
		zap.Int("duration_mins", br.DurationMins))
	g.publish(ctx, events.BreakStarted, counter.BranchID, br)
	return br, nil
}

func (g *Gate) End(ctx context.Context, breakID, actorID string) (models.CounterBreak, error) {
	br, err := g.store.EndBreak(ctx, store.EndBreakInput{BreakID: breakID, ActorID: actorID, EndedAt: g.now()})
	if err != nil {
		return models.CounterBreak{}, err
	}
	g.announce(ctx, events.BreakEnded, br)
	return br, nil
}

func (g *Gate) Extend(ctx context.Context, breakID string, addMins int) (models.CounterBreak, error) {
	if addMins < 1 || addMins > MaxExtendMins {
		return models.CounterBreak{}, fmt.Errorf("%w: extension must be 1-%d minutes", store.ErrInvalidDuration, MaxExtendMins)
	}
	br, err := g.store.ExtendBreak(ctx, store.ExtendBreakInput{BreakID: breakID, AddMins: addMins})
	if err != nil {
		return models.CounterBreak{}, err
	}
	g.announce(ctx, events.BreakExtended, br)
	return br, nil
}

type ActiveBreak struct {
	Break         models.CounterBreak `json:"break"`
	RemainingMins int                 `json:"remaining_mins"`
}

// Active returns the counter's running break, or store.ErrBreakNotFound.
func (g *Gate) Active(ctx context.Context, counterID string) (ActiveBreak, error) {
	br, err := g.store.GetActiveBreak(ctx, counterID)
	if err != nil {
		return ActiveBreak{}, err
	}
	return ActiveBreak{Break: br, RemainingMins: br.RemainingMins(g.now())}, nil
}

func (g *Gate) announce(ctx context.Context, eventType string, br models.CounterBreak) {
	counter, err := g.store.GetCounter(ctx, br.CounterID)
	if err != nil {
		g.logger.Warn("break event without counter", zap.String("break_id", br.BreakID), zap.Error(err))
		return
	}
	g.publish(ctx, eventType, counter.BranchID, br)
}

func (g *Gate) publish(ctx context.Context, eventType, branchID string, br models.CounterBreak) {
	payload := map[string]any{
		"breakId":      br.BreakID,
		"reason":       br.Reason,
		"durationMins": br.DurationMins,
		"expectedEnd":  br.ExpectedEnd,
	}
	if br.ActualMins != nil {
		payload["actualMins"] = *br.ActualMins
	}
	err := g.publisher.Publish(ctx, events.Event{
		Type:       eventType,
		BranchID:   branchID,
		CounterID:  br.CounterID,
		Payload:    payload,
		OccurredAt: g.now(),
	})
	if err != nil {
		g.logger.Warn("publish break event failed", zap.String("type", eventType), zap.Error(err))
	}
}
