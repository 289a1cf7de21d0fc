// Package sequence issues per-day ticket numbers of the form PREFIX-NNN.
//
// Counters live in a fast atomic store under
// counter:{branchID}:{prefix}:{yyyy-mm-dd}. A missing key (first use of the
// day, or a flushed store) is seeded from the highest number already
// persisted for that day, so numbers are never reissued.
package sequence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const numberPad = 3

// CounterStore is the atomic integer store backing the daily counters. Each
// method is a single atomic step on the store.
type CounterStore interface {
	// IncrExisting increments key and reports false, without creating it,
	// when key is missing.
	IncrExisting(ctx context.Context, key string) (int64, bool, error)
	// IncrFrom raises key to at least floor, creating it with an expiry at
	// expireAt when missing, then increments it.
	IncrFrom(ctx context.Context, key string, floor int64, expireAt time.Time) (int64, error)
	Del(ctx context.Context, keys ...string) error
}

// Seeder reports the highest sequence already persisted durably.
type Seeder interface {
	MaxTicketSequence(ctx context.Context, branchID, prefix, businessDate string) (int64, error)
}

type Option func(*Generator)

func WithLogger(logger *zap.Logger) Option {
	return func(g *Generator) { g.logger = logger }
}

type Generator struct {
	counters CounterStore
	seeder   Seeder
	logger   *zap.Logger
}

func New(counters CounterStore, seeder Seeder, opts ...Option) *Generator {
	g := &Generator{counters: counters, seeder: seeder, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func Key(branchID, prefix, businessDate string) string {
	return fmt.Sprintf("counter:%s:%s:%s", branchID, prefix, businessDate)
}

func Format(prefix string, seq int64) string {
	return fmt.Sprintf("%s-%0*d", prefix, numberPad, seq)
}

// ParseSequence extracts the integer after the last '-' of a ticket number.
func ParseSequence(ticketNumber string) (int64, bool) {
	idx := strings.LastIndex(ticketNumber, "-")
	if idx < 0 || idx == len(ticketNumber)-1 {
		return 0, false
	}
	seq, err := strconv.ParseInt(ticketNumber[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Next issues the next ticket number for (branch, prefix) on the business
// day of now in loc.
func (g *Generator) Next(ctx context.Context, branchID, prefix string, loc *time.Location, now time.Time) (string, error) {
	date := now.In(loc).Format(time.DateOnly)
	key := Key(branchID, prefix, date)

	seq, ok, err := g.counters.IncrExisting(ctx, key)
	if err != nil {
		return "", fmt.Errorf("sequence incr %s: %w", key, err)
	}
	if ok {
		return Format(prefix, seq), nil
	}
	return g.seeded(ctx, key, branchID, prefix, date, loc, now)
}

// Reseed issues a number that is above everything persisted for the day,
// repairing a counter that fell behind the durable store.
func (g *Generator) Reseed(ctx context.Context, branchID, prefix string, loc *time.Location, now time.Time) (string, error) {
	date := now.In(loc).Format(time.DateOnly)
	return g.seeded(ctx, Key(branchID, prefix, date), branchID, prefix, date, loc, now)
}

func (g *Generator) seeded(ctx context.Context, key, branchID, prefix, date string, loc *time.Location, now time.Time) (string, error) {
	highest, err := g.seeder.MaxTicketSequence(ctx, branchID, prefix, date)
	if err != nil {
		return "", fmt.Errorf("sequence seed %s: %w", key, err)
	}
	seq, err := g.counters.IncrFrom(ctx, key, highest, expiry(now, loc))
	if err != nil {
		return "", fmt.Errorf("sequence incr %s: %w", key, err)
	}
	if highest > 0 && seq == highest+1 {
		g.logger.Info("sequence seeded from durable store",
			zap.String("key", key), zap.Int64("seed", highest))
	}
	return Format(prefix, seq), nil
}

// Reset drops the day's counters for the given prefixes. The next number is
// seeded again from the durable store.
func (g *Generator) Reset(ctx context.Context, branchID string, prefixes []string, loc *time.Location, now time.Time) error {
	if len(prefixes) == 0 {
		return nil
	}
	date := now.In(loc).Format(time.DateOnly)
	keys := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		keys = append(keys, Key(branchID, prefix, date))
	}
	if err := g.counters.Del(ctx, keys...); err != nil {
		return fmt.Errorf("sequence reset %s: %w", branchID, err)
	}
	return nil
}

// expiry is one hour past the end of the local business day.
func expiry(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	return midnight.Add(time.Hour)
}
