package breaks

import (
	"context"
	"errors"
	"testing"
	"time"

	"qms/dispatch-service/internal/events"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
	"qms/dispatch-service/internal/store/memory"
)

type publisherFunc func(context.Context, events.Event) error

func (f publisherFunc) Publish(ctx context.Context, e events.Event) error { return f(ctx, e) }

func ptr(s string) *string { return &s }

func TestResolveDuration(t *testing.T) {
	cases := []struct {
		name    string
		reason  string
		custom  int
		want    int
		wantErr error
	}{
		{name: "lunch preset", reason: models.BreakLunch, want: 30},
		{name: "prayer preset", reason: models.BreakPrayer, want: 15},
		{name: "custom overrides", reason: models.BreakPersonal, custom: 25, want: 25},
		{name: "urgent needs custom", reason: models.BreakUrgent, wantErr: store.ErrInvalidDuration},
		{name: "urgent custom", reason: models.BreakUrgent, custom: 5, want: 5},
		{name: "too long", reason: models.BreakLunch, custom: 121, wantErr: store.ErrInvalidDuration},
		{name: "unknown reason", reason: "nap", wantErr: store.ErrPreconditionFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveDuration(tc.reason, tc.custom)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestGateLifecycle(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	st.AddBranch(models.Branch{BranchID: "branch-1", QueueStatus: models.QueueOpen})
	st.AddCounter(models.Counter{CounterID: "counter-1", BranchID: "branch-1", Number: 1, Status: models.CounterOpen, AssignedUserID: ptr("teller-1")})

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	var published []string
	gate := New(st,
		WithClock(func() time.Time { return now }),
		WithPublisher(publisherFunc(func(_ context.Context, e events.Event) error {
			if e.BranchID != "branch-1" {
				t.Errorf("event %s without branch", e.Type)
			}
			published = append(published, e.Type)
			return nil
		})),
	)

	br, err := gate.Start(ctx, StartRequest{CounterID: "counter-1", ActorID: "teller-1", Reason: models.BreakLunch})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	counter, _ := st.GetCounter(ctx, "counter-1")
	if counter.Status != models.CounterOnBreak {
		t.Fatalf("counter should be on break, got %s", counter.Status)
	}

	now = now.Add(10 * time.Minute)
	active, err := gate.Active(ctx, "counter-1")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active.RemainingMins != 20 {
		t.Fatalf("expected 20 minutes left, got %d", active.RemainingMins)
	}

	if _, err := gate.Extend(ctx, br.BreakID, 61); !errors.Is(err, store.ErrInvalidDuration) {
		t.Fatalf("expected invalid duration, got %v", err)
	}
	extended, err := gate.Extend(ctx, br.BreakID, 15)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if extended.DurationMins != 45 {
		t.Fatalf("expected 45 minutes, got %d", extended.DurationMins)
	}

	now = now.Add(30 * time.Minute)
	ended, err := gate.End(ctx, br.BreakID, "teller-1")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.ActualMins == nil || *ended.ActualMins != 40 {
		t.Fatalf("expected 40 actual minutes, got %v", ended.ActualMins)
	}
	if _, err := gate.End(ctx, br.BreakID, "teller-1"); !errors.Is(err, store.ErrBreakEnded) {
		t.Fatalf("expected break ended, got %v", err)
	}
	if _, err := gate.Active(ctx, "counter-1"); !errors.Is(err, store.ErrBreakNotFound) {
		t.Fatalf("expected no active break, got %v", err)
	}

	want := []string{events.BreakStarted, events.BreakExtended, events.BreakEnded}
	if len(published) != len(want) {
		t.Fatalf("expected events %v, got %v", want, published)
	}
	for i := range want {
		if published[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, published)
		}
	}
}
