package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

const testDate = "2026-03-02"

func TestCallNextConcurrency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ids := seedBaseData(t, ctx, pool, 8)
	const tickets = 20
	for i := 1; i <= tickets; i++ {
		createTicket(t, ctx, st, ids, fmt.Sprintf("A-%03d", i), "")
	}

	var mu sync.Mutex
	seen := make(map[string]string)
	var wg sync.WaitGroup
	errs := make(chan error, len(ids.counters))
	for i, counterID := range ids.counters {
		wg.Add(1)
		go func(counterID, userID string) {
			defer wg.Done()
			for {
				ticket, err := st.CallNext(ctx, store.CallNextInput{
					CounterID:    counterID,
					UserID:       userID,
					Scope:        store.ScopeBranch,
					BusinessDate: testDate,
				})
				if errors.Is(err, store.ErrQueueEmpty) {
					return
				}
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				if other, dup := seen[ticket.TicketID]; dup {
					mu.Unlock()
					errs <- fmt.Errorf("ticket %s dispatched to %s and %s", ticket.TicketNumber, other, counterID)
					return
				}
				seen[ticket.TicketID] = counterID
				mu.Unlock()
				if _, err := st.Transition(ctx, store.TransitionInput{TicketID: ticket.TicketID, Action: store.ActionComplete, ActorID: userID}); err != nil {
					errs <- err
					return
				}
			}
		}(counterID, fmt.Sprintf("teller-%d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("call next: %v", err)
	}
	if len(seen) != tickets {
		t.Fatalf("expected %d dispatched tickets, got %d", tickets, len(seen))
	}
}

func TestCallNextOrderAndRelease(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ids := seedBaseData(t, ctx, pool, 1)
	createTicket(t, ctx, st, ids, "A-001", models.PriorityNormal)
	vip := createTicket(t, ctx, st, ids, "A-002", models.PriorityVIP)

	called, err := st.CallNext(ctx, store.CallNextInput{CounterID: ids.counters[0], UserID: "teller-0", Scope: store.ScopeEligible, BusinessDate: testDate})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if called.TicketID != vip.TicketID {
		t.Fatalf("expected vip ticket first, got %s", called.TicketNumber)
	}
	if _, err := st.CallNext(ctx, store.CallNextInput{CounterID: ids.counters[0], UserID: "teller-0", BusinessDate: testDate}); !errors.Is(err, store.ErrCounterBusy) {
		t.Fatalf("expected counter busy, got %v", err)
	}
	if _, err := st.Transition(ctx, store.TransitionInput{TicketID: called.TicketID, Action: store.ActionComplete, ActorID: "teller-0"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	counter, err := st.GetCounter(ctx, ids.counters[0])
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if counter.CurrentTicketID != nil {
		t.Fatalf("expected counter released")
	}

	history, err := st.ListHistory(ctx, called.TicketID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 history rows, got %d", len(history))
	}
	if err := store.VerifyHistory(history); err != nil {
		t.Fatalf("verify history: %v", err)
	}
}

func TestCreateTicketIdempotency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ids := seedBaseData(t, ctx, pool, 1)
	input := store.CreateTicketInput{
		RequestID:    uuid.NewString(),
		BranchID:     ids.branch,
		ServiceID:    ids.service,
		TicketNumber: "A-001",
		BusinessDate: testDate,
	}
	first, created, err := st.CreateTicket(ctx, input)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	input.TicketNumber = "A-002"
	second, created, err := st.CreateTicket(ctx, input)
	if err != nil || created {
		t.Fatalf("replay: created=%v err=%v", created, err)
	}
	if first.TicketID != second.TicketID {
		t.Fatalf("expected same ticket ID for duplicate request")
	}

	input.RequestID = uuid.NewString()
	input.TicketNumber = "A-001"
	if _, _, err := st.CreateTicket(ctx, input); !errors.Is(err, store.ErrDuplicateSequence) {
		t.Fatalf("expected duplicate sequence, got %v", err)
	}
}

func TestMaxTicketSequenceCountsTransferredNumbers(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ids := seedBaseData(t, ctx, pool, 1)
	createTicket(t, ctx, st, ids, "A-001", "")
	last := createTicket(t, ctx, st, ids, "A-002", "")
	if _, err := st.TransferTicket(ctx, store.TransferInput{TicketID: last.TicketID, ToServiceID: ids.otherService, TicketNumber: "B-001"}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	highest, err := st.MaxTicketSequence(ctx, ids.branch, "A", testDate)
	if err != nil {
		t.Fatalf("max sequence: %v", err)
	}
	if highest != 2 {
		t.Fatalf("expected 2, got %d", highest)
	}
}

func TestCloseCountersEndsBreaks(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ids := seedBaseData(t, ctx, pool, 2)
	startedAt := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	br, err := st.StartBreak(ctx, store.StartBreakInput{
		CounterID:    ids.counters[1],
		ActorID:      "teller-1",
		Reason:       models.BreakLunch,
		DurationMins: 30,
		StartedAt:    startedAt,
	})
	if err != nil {
		t.Fatalf("start break: %v", err)
	}

	closed, err := st.CloseCounters(ctx, store.CloseCountersInput{
		BranchID: ids.branch,
		ActorID:  models.SystemActorID,
		ClosedAt: startedAt.Add(12 * time.Minute),
	})
	if err != nil {
		t.Fatalf("close counters: %v", err)
	}
	if closed.Counters != 2 || closed.BreaksEnded != 1 {
		t.Fatalf("unexpected result %+v", closed)
	}
	counter, err := st.GetCounter(ctx, ids.counters[1])
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if counter.Status != models.CounterClosed || counter.ActiveBreakID != nil {
		t.Fatalf("counter on break must close, got %+v", counter)
	}
	ended, err := st.GetBreak(ctx, br.BreakID)
	if err != nil {
		t.Fatalf("get break: %v", err)
	}
	if ended.ActualMins == nil || *ended.ActualMins != 12 {
		t.Fatalf("expected 12 actual minutes, got %v", ended.ActualMins)
	}
}

func TestMigratorStatus(t *testing.T) {
	ctx := context.Background()
	_, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	migrator, err := NewMigrator(pool)
	if err != nil {
		t.Fatalf("migrator: %v", err)
	}
	defer migrator.Close()
	statuses, err := migrator.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, st := range statuses {
		if !st.Applied {
			t.Fatalf("migration %d not applied", st.Version)
		}
	}
}

type seedIDs struct {
	branch       string
	service      string
	otherService string
	counters     []string
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	migrator, err := NewMigrator(pool)
	if err != nil {
		pool.Close()
		t.Fatalf("migrator: %v", err)
	}
	if _, err := migrator.Up(ctx); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}
	_ = migrator.Close()

	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return NewStore(pool), pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func seedBaseData(t *testing.T, ctx context.Context, pool *pgxpool.Pool, counters int) seedIDs {
	t.Helper()
	ids := seedIDs{branch: uuid.NewString(), service: uuid.NewString(), otherService: uuid.NewString()}
	exec := func(query string, args ...any) {
		t.Helper()
		if _, err := pool.Exec(ctx, query, args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	exec(`INSERT INTO branches (branch_id, name, queue_status) VALUES ($1, 'Main', 'open')`, ids.branch)
	exec(`INSERT INTO services (service_id, branch_id, name, prefix) VALUES ($1, $2, 'Teller', 'A')`, ids.service, ids.branch)
	exec(`INSERT INTO services (service_id, branch_id, name, prefix) VALUES ($1, $2, 'Loans', 'B')`, ids.otherService, ids.branch)
	for i := 0; i < counters; i++ {
		counterID := uuid.NewString()
		exec(`INSERT INTO counters (counter_id, branch_id, number, status, assigned_user_id) VALUES ($1, $2, $3, 'open', $4)`,
			counterID, ids.branch, i+1, fmt.Sprintf("teller-%d", i))
		exec(`INSERT INTO counter_services (counter_id, service_id) VALUES ($1, $2)`, counterID, ids.service)
		ids.counters = append(ids.counters, counterID)
	}
	return ids
}

func createTicket(t *testing.T, ctx context.Context, st *Store, ids seedIDs, number, priority string) models.Ticket {
	t.Helper()
	ticket, _, err := st.CreateTicket(ctx, store.CreateTicketInput{
		BranchID:     ids.branch,
		ServiceID:    ids.service,
		TicketNumber: number,
		BusinessDate: testDate,
		Priority:     priority,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create ticket %s: %v", number, err)
	}
	return ticket
}
