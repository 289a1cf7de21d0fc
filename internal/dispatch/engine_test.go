package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"qms/dispatch-service/internal/events"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/sequence"
	"qms/dispatch-service/internal/store"
	"qms/dispatch-service/internal/store/memory"
)

// Monday.
var monday = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, event events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) ofType(eventType string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves time forward; check-ins at distinct times keep FIFO order
// independent of ticket ids.
func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine   *Engine
	store    *memory.Store
	counters *sequence.MemoryStore
	events   *recorder
	clock    *clock
}

func ptr(s string) *string { return &s }

func newFixture(t *testing.T, counters int, opts ...Option) *fixture {
	t.Helper()
	st := memory.New()
	st.AddBranch(models.Branch{
		BranchID:         "branch-1",
		Name:             "Main",
		Timezone:         "UTC",
		QueueStatus:      models.QueueOpen,
		NotifyAtPosition: 3,
		ClosedOnWeekends: true,
	})
	st.AddService(models.Service{ServiceID: "svc-a", BranchID: "branch-1", Name: "Teller", Prefix: "A", Active: true})
	st.AddService(models.Service{ServiceID: "svc-b", BranchID: "branch-1", Name: "Loans", Prefix: "B", Active: true})
	st.AddService(models.Service{ServiceID: "svc-x", BranchID: "branch-1", Name: "Retired", Prefix: "X", Active: false})
	for i := 1; i <= counters; i++ {
		st.AddCounter(models.Counter{
			CounterID:      fmt.Sprintf("counter-%d", i),
			BranchID:       "branch-1",
			Number:         i,
			Status:         models.CounterOpen,
			AssignedUserID: ptr(fmt.Sprintf("teller-%d", i)),
			ServiceIDs:     []string{"svc-a"},
		})
	}

	c := &clock{now: monday}
	rec := &recorder{}
	seqStore := sequence.NewMemoryStore().WithClock(c.Now)
	opts = append([]Option{WithPublisher(rec), WithClock(c.Now)}, opts...)
	return &fixture{
		engine:   New(st, sequence.New(seqStore, st), opts...),
		store:    st,
		counters: seqStore,
		events:   rec,
		clock:    c,
	}
}

func (f *fixture) checkIn(t *testing.T, service, priority string) CheckInResult {
	t.Helper()
	f.clock.Advance(time.Minute)
	res, err := f.engine.CheckIn(context.Background(), CheckInRequest{
		BranchID:      "branch-1",
		ServiceID:     service,
		Priority:      priority,
		CheckinMethod: "kiosk",
	})
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	return res
}

func (f *fixture) callNext(t *testing.T, counter int) CallNextResult {
	t.Helper()
	res, err := f.engine.CallNext(context.Background(), CallNextRequest{
		CounterID: fmt.Sprintf("counter-%d", counter),
		UserID:    fmt.Sprintf("teller-%d", counter),
	})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	return res
}

func TestCallNextConcurrentCountersGetDistinctTickets(t *testing.T) {
	const counters, tickets = 6, 10
	f := newFixture(t, counters)
	for i := 0; i < tickets; i++ {
		f.checkIn(t, "svc-a", "")
	}

	var wg sync.WaitGroup
	results := make(chan CallNextResult, counters)
	errs := make(chan error, counters)
	for i := 1; i <= counters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := f.engine.CallNext(context.Background(), CallNextRequest{
				CounterID: fmt.Sprintf("counter-%d", n),
				UserID:    fmt.Sprintf("teller-%d", n),
			})
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}(i)
	}
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		t.Fatalf("call next: %v", err)
	}

	seen := make(map[string]bool)
	for res := range results {
		if res.Ticket == nil {
			t.Fatalf("expected a ticket, got reason %s", res.Reason)
		}
		if seen[res.Ticket.TicketID] {
			t.Fatalf("ticket %s dispatched twice", res.Ticket.TicketNumber)
		}
		seen[res.Ticket.TicketID] = true
	}
	if len(seen) != counters {
		t.Fatalf("expected %d dispatched tickets, got %d", counters, len(seen))
	}
	waiting, _ := f.store.ListWaiting(context.Background(), "branch-1", "2026-03-02")
	if len(waiting) != tickets-counters {
		t.Fatalf("expected %d still waiting, got %d", tickets-counters, len(waiting))
	}
}

func TestCallNextVIPFirstThenFIFO(t *testing.T) {
	f := newFixture(t, 1)
	first := f.checkIn(t, "svc-a", models.PriorityNormal)
	vip := f.checkIn(t, "svc-a", models.PriorityVIP)
	third := f.checkIn(t, "svc-a", models.PriorityNormal)

	want := []string{vip.Ticket.TicketID, first.Ticket.TicketID, third.Ticket.TicketID}
	for _, id := range want {
		res := f.callNext(t, 1)
		if res.Ticket == nil || res.Ticket.TicketID != id {
			t.Fatalf("unexpected dispatch order, got %+v", res)
		}
		if _, err := f.engine.Complete(context.Background(), id, "teller-1", ""); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	if res := f.callNext(t, 1); res.Ticket != nil || res.Reason != ReasonQueueEmpty {
		t.Fatalf("expected empty queue, got %+v", res)
	}
}

func TestCheckInCallNextBumpScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	a1 := f.checkIn(t, "svc-a", "")
	a2 := f.checkIn(t, "svc-a", "")
	a3 := f.checkIn(t, "svc-a", "")

	for i, res := range []CheckInResult{a1, a2, a3} {
		if want := fmt.Sprintf("A-%03d", i+1); res.Ticket.TicketNumber != want {
			t.Fatalf("got %s, want %s", res.Ticket.TicketNumber, want)
		}
		if res.Position != i+1 {
			t.Fatalf("%s: position %d, want %d", res.Ticket.TicketNumber, res.Position, i+1)
		}
	}
	// Two open counters: ceil(3*10/2).
	if a3.EstimatedWaitMins != 15 {
		t.Fatalf("expected 15 minute estimate, got %d", a3.EstimatedWaitMins)
	}

	called := f.callNext(t, 1)
	if called.Ticket == nil || called.Ticket.TicketNumber != "A-001" {
		t.Fatalf("expected A-001, got %+v", called)
	}
	if called.Ticket.Status != models.StatusServing {
		t.Fatalf("call-next should start serving, got %s", called.Ticket.Status)
	}

	pos, err := f.engine.Position(ctx, a3.Ticket.TicketID)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.Queue.Position != 2 {
		t.Fatalf("A-003 should be second, got %d", pos.Queue.Position)
	}

	if _, err := f.engine.BumpPriority(ctx, a3.Ticket.TicketID, "manager-1", "elderly"); err != nil {
		t.Fatalf("bump: %v", err)
	}
	pos, _ = f.engine.Position(ctx, a3.Ticket.TicketID)
	if pos.Queue.Position != 1 {
		t.Fatalf("bumped ticket should be first, got %d", pos.Queue.Position)
	}
	pos, _ = f.engine.Position(ctx, a2.Ticket.TicketID)
	if pos.Queue.Position != 2 {
		t.Fatalf("A-002 should drop to second, got %d", pos.Queue.Position)
	}

	next := f.callNext(t, 2)
	if next.Ticket == nil || next.Ticket.TicketNumber != "A-003" {
		t.Fatalf("expected A-003, got %+v", next)
	}
	if len(f.events.ofType(events.TicketPrioritized)) != 1 {
		t.Fatalf("expected one prioritized event")
	}
	if len(f.events.ofType(events.TicketPositionUpdated)) == 0 {
		t.Fatalf("expected position updates to be broadcast")
	}
}

func TestCompleteRequiresAssignedTeller(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	f.checkIn(t, "svc-a", "")
	called := f.callNext(t, 1)

	if _, err := f.engine.Complete(ctx, called.Ticket.TicketID, "teller-2", ""); !errors.Is(err, store.ErrForbiddenActor) {
		t.Fatalf("expected forbidden actor, got %v", err)
	}
	done, err := f.engine.Complete(ctx, called.Ticket.TicketID, "teller-1", "opened account")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.CompletedAt == nil || done.Notes != "opened account" {
		t.Fatalf("unexpected completed ticket %+v", done)
	}
	if _, err := f.engine.Complete(ctx, called.Ticket.TicketID, "teller-1", ""); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("second complete should be an invalid transition, got %v", err)
	}
	counter, _ := f.store.GetCounter(ctx, "counter-1")
	if counter.CurrentTicketID != nil {
		t.Fatalf("counter should be free after completion")
	}
}

func TestCallNextNoMatchingTicket(t *testing.T) {
	f := newFixture(t, 1)
	f.checkIn(t, "svc-b", "")
	res, err := f.engine.CallNext(context.Background(), CallNextRequest{
		CounterID: "counter-1",
		UserID:    "teller-1",
		Scope:     store.ScopeEligible,
	})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if res.Ticket != nil || res.Reason != ReasonNoMatchingTicket {
		t.Fatalf("expected no matching ticket, got %+v", res)
	}
	if _, err := f.engine.CallNext(context.Background(), CallNextRequest{CounterID: "counter-1", Scope: "nearest"}); !errors.Is(err, store.ErrPreconditionFailed) {
		t.Fatalf("expected unknown scope to fail, got %v", err)
	}
}

func TestCheckInRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	if _, err := f.engine.CheckIn(ctx, CheckInRequest{BranchID: "branch-1", ServiceID: "svc-x"}); !errors.Is(err, store.ErrServiceNotFound) {
		t.Fatalf("inactive service: got %v", err)
	}
	if _, err := f.engine.CheckIn(ctx, CheckInRequest{BranchID: "branch-1", ServiceID: "svc-a", Priority: "gold"}); !errors.Is(err, store.ErrPreconditionFailed) {
		t.Fatalf("unknown priority: got %v", err)
	}
	if _, err := f.engine.Pause(ctx, "branch-1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := f.engine.CheckIn(ctx, CheckInRequest{BranchID: "branch-1", ServiceID: "svc-a"}); !errors.Is(err, store.ErrQueueNotAccepting) {
		t.Fatalf("paused queue: got %v", err)
	}
	if _, err := f.engine.Pause(ctx, "branch-1"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("double pause: got %v", err)
	}
	if _, err := f.engine.Resume(ctx, "branch-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	f.checkIn(t, "svc-a", "")
}

func TestCheckInReplayDoesNotConsumeNumber(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	req := CheckInRequest{RequestID: "kiosk-7:1", BranchID: "branch-1", ServiceID: "svc-a"}
	first, err := f.engine.CheckIn(ctx, req)
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	replay, err := f.engine.CheckIn(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Created || replay.Ticket.TicketID != first.Ticket.TicketID {
		t.Fatalf("replay should return the original ticket")
	}
	next := f.checkIn(t, "svc-a", "")
	if next.Ticket.TicketNumber != "A-002" {
		t.Fatalf("expected A-002, got %s", next.Ticket.TicketNumber)
	}
}

func TestTransferRequeuesUnderNewNumber(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.checkIn(t, "svc-a", "")
	f.checkIn(t, "svc-a", "")
	called := f.callNext(t, 1)
	f.clock.Advance(time.Minute)

	moved, err := f.engine.Transfer(ctx, TransferRequest{
		TicketID:    called.Ticket.TicketID,
		ToServiceID: "svc-b",
		ActorID:     "teller-1",
		Notes:       "needs a loan officer",
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if moved.TicketNumber != "B-001" || moved.Status != models.StatusWaiting || moved.CounterID != nil {
		t.Fatalf("unexpected transferred ticket %+v", moved)
	}
	if !moved.CreatedAt.Equal(called.Ticket.CreatedAt) {
		t.Fatalf("transfer must keep created_at")
	}
	counter, _ := f.store.GetCounter(ctx, "counter-1")
	if counter.CurrentTicketID != nil {
		t.Fatalf("transfer should free the counter")
	}
	pos, _ := f.engine.Position(ctx, moved.TicketID)
	if pos.Queue.Position != 2 {
		t.Fatalf("transferred ticket should queue at the back, got %d", pos.Queue.Position)
	}

	if _, err := f.engine.Transfer(ctx, TransferRequest{TicketID: moved.TicketID, ToServiceID: "svc-x"}); !errors.Is(err, store.ErrServiceNotFound) {
		t.Fatalf("inactive target: got %v", err)
	}
	history, _ := f.store.ListHistory(ctx, moved.TicketID)
	if last := history[len(history)-1]; last.Action != store.ActionTransfer {
		t.Fatalf("expected transfer history, got %s", last.Action)
	}
}

func TestCloseQueueSettlesTickets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	f.checkIn(t, "svc-a", "")
	f.checkIn(t, "svc-a", "")
	f.checkIn(t, "svc-a", "")
	serving := f.callNext(t, 1)

	summary, err := f.engine.CloseQueue(ctx, "branch-1")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if summary.Completed != 1 || summary.Cancelled != 2 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.CountersClosed != 2 {
		t.Fatalf("expected 2 counters closed, got %d", summary.CountersClosed)
	}
	counters, _ := f.store.ListCounters(ctx, "branch-1")
	for _, c := range counters {
		if c.Status != models.CounterClosed || c.CurrentTicketID != nil {
			t.Fatalf("counter %s not closed: %+v", c.CounterID, c)
		}
	}
	done, _ := f.store.GetTicket(ctx, serving.Ticket.TicketID)
	if done.Status != models.StatusCompleted {
		t.Fatalf("serving ticket should complete, got %s", done.Status)
	}
	history, _ := f.store.ListHistory(ctx, serving.Ticket.TicketID)
	last := history[len(history)-1]
	if last.Action != store.ActionAutoComplete || last.ActorID != models.SystemActorID {
		t.Fatalf("unexpected close history %+v", last)
	}
	var meta map[string]any
	if err := json.Unmarshal(last.Metadata, &meta); err != nil {
		t.Fatalf("history metadata: %v", err)
	}
	if meta["reason"] != "branch_closed" {
		t.Fatalf("auto-complete should record the close reason, got %v", meta)
	}
	if _, ok := meta["serviceTimeMins"]; !ok {
		t.Fatalf("auto-complete should record the service time, got %v", meta)
	}
	branch, _ := f.store.GetBranch(ctx, "branch-1")
	if branch.QueueStatus != models.QueueClosed {
		t.Fatalf("expected closed queue, got %s", branch.QueueStatus)
	}

	again, err := f.engine.CloseQueue(ctx, "branch-1")
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if again.Skipped != SkipAlreadyClosed {
		t.Fatalf("second close should be skipped, got %+v", again)
	}
}

func TestCloseQueueEndsRunningBreaks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	br, err := f.store.StartBreak(ctx, store.StartBreakInput{
		CounterID:    "counter-2",
		ActorID:      "teller-2",
		Reason:       models.BreakLunch,
		DurationMins: 30,
		StartedAt:    f.clock.Now(),
	})
	if err != nil {
		t.Fatalf("start break: %v", err)
	}
	f.clock.Advance(10 * time.Minute)

	summary, err := f.engine.CloseQueue(ctx, "branch-1")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if summary.CountersClosed != 2 || summary.BreaksEnded != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	counter, _ := f.store.GetCounter(ctx, "counter-2")
	if counter.Status != models.CounterClosed || counter.ActiveBreakID != nil {
		t.Fatalf("counter on break must close, got %+v", counter)
	}
	ended, _ := f.store.GetBreak(ctx, br.BreakID)
	if !ended.Ended() || ended.ActualMins == nil || *ended.ActualMins != 10 {
		t.Fatalf("break should end at close, got %+v", ended)
	}
	if ended.EndedBy == nil || *ended.EndedBy != models.SystemActorID {
		t.Fatalf("break should be ended by the system, got %v", ended.EndedBy)
	}

	_, err = f.store.EndBreak(ctx, store.EndBreakInput{BreakID: br.BreakID, ActorID: "teller-2", EndedAt: f.clock.Now()})
	if !errors.Is(err, store.ErrBreakEnded) {
		t.Fatalf("ending the break again should fail, got %v", err)
	}
	counter, _ = f.store.GetCounter(ctx, "counter-2")
	if counter.Status != models.CounterClosed {
		t.Fatalf("counter must stay closed, got %s", counter.Status)
	}
}

func TestOpenQueueResetsSequenceAndHonoursWeekend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.checkIn(t, "svc-a", "")
	if _, err := f.engine.CloseQueue(ctx, "branch-1"); err != nil {
		t.Fatalf("close: %v", err)
	}

	f.clock.Advance(24 * time.Hour)
	res, err := f.engine.OpenQueue(ctx, "branch-1", false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if res.Skipped != "" || res.Branch.QueueStatus != models.QueueOpen {
		t.Fatalf("unexpected open result %+v", res)
	}
	if got := f.checkIn(t, "svc-a", ""); got.Ticket.TicketNumber != "A-001" {
		t.Fatalf("new day should restart numbering, got %s", got.Ticket.TicketNumber)
	}
	if res, _ := f.engine.OpenQueue(ctx, "branch-1", false); res.Skipped != SkipAlreadyOpen {
		t.Fatalf("expected already open, got %+v", res)
	}

	if _, err := f.engine.CloseQueue(ctx, "branch-1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	f.clock.Advance(4 * 24 * time.Hour) // Saturday
	res, err = f.engine.OpenQueue(ctx, "branch-1", false)
	if err != nil {
		t.Fatalf("weekend open: %v", err)
	}
	if res.Skipped != SkipWeekend {
		t.Fatalf("expected weekend skip, got %+v", res)
	}
	if res, _ := f.engine.OpenQueue(ctx, "branch-1", true); res.Skipped != "" {
		t.Fatalf("forced open should not skip, got %+v", res)
	}
}

func TestResetCancelsAndKeepsNumbering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.checkIn(t, "svc-a", "")
	f.checkIn(t, "svc-a", "")
	serving := f.callNext(t, 1)

	summary, err := f.engine.Reset(ctx, "branch-1", "manager-1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if summary.Cancelled != 1 {
		t.Fatalf("expected 1 cancelled, got %+v", summary)
	}
	still, _ := f.store.GetTicket(ctx, serving.Ticket.TicketID)
	if still.Status != models.StatusServing {
		t.Fatalf("reset must leave serving tickets alone, got %s", still.Status)
	}
	if next := f.checkIn(t, "svc-a", ""); next.Ticket.TicketNumber != "A-003" {
		t.Fatalf("numbers must not be reissued after reset, got %s", next.Ticket.TicketNumber)
	}
}

func TestSequenceSurvivesCounterStoreFlush(t *testing.T) {
	f := newFixture(t, 1)
	for i := 1; i <= 6; i++ {
		if i == 4 {
			f.counters.Flush()
		}
		res := f.checkIn(t, "svc-a", "")
		if want := fmt.Sprintf("A-%03d", i); res.Ticket.TicketNumber != want {
			t.Fatalf("got %s, want %s", res.Ticket.TicketNumber, want)
		}
	}
}

func TestCheckInRecoversWhenCounterFallsBehind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	for i := 0; i < 3; i++ {
		f.checkIn(t, "svc-a", "")
	}
	// A reset racing the check-ins left the counter at 1 while A-001..A-003
	// are stored.
	f.counters.Flush()
	key := sequence.Key("branch-1", "A", models.BusinessDate(f.clock.Now(), time.UTC))
	if _, err := f.counters.IncrFrom(ctx, key, 0, f.clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("incr: %v", err)
	}

	if got := f.checkIn(t, "svc-a", ""); got.Ticket.TicketNumber != "A-004" {
		t.Fatalf("got %s, want A-004", got.Ticket.TicketNumber)
	}
	if got := f.checkIn(t, "svc-a", ""); got.Ticket.TicketNumber != "A-005" {
		t.Fatalf("got %s, want A-005", got.Ticket.TicketNumber)
	}
}

func TestAlmostTurnNotifiedOnce(t *testing.T) {
	f := newFixture(t, 1)
	for i := 0; i < 5; i++ {
		f.checkIn(t, "svc-a", "")
	}
	f.callNext(t, 1)
	if _, err := f.engine.Rebroadcast(context.Background(), "branch-1"); err != nil {
		t.Fatalf("rebroadcast: %v", err)
	}
	almost := f.events.ofType(events.TicketAlmostTurn)
	if len(almost) != 1 {
		t.Fatalf("expected one almost-turn event, got %d", len(almost))
	}
	if number := almost[0].Payload["ticketNumber"]; number != "A-004" {
		t.Fatalf("expected A-004 flagged, got %v", number)
	}
}
