package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

var _ store.Store = (*Store)(nil)

const ticketNumberConstraint = "tickets_branch_date_number_key"

const ticketColumns = `ticket_id, COALESCE(request_id, ''), ticket_number, branch_id, service_id, business_date,
	status, priority, priority_reason, prioritized_by, prioritized_at, counter_id, served_by_user_id,
	customer_phone, checkin_method, notes, created_at, queued_at, called_at, serving_started_at,
	completed_at, almost_turn_notified_at`

const dispatchOrder = `CASE WHEN priority = 'vip' THEN 0 ELSE 1 END, queued_at, ticket_id`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var t models.Ticket
	err := row.Scan(&t.TicketID, &t.RequestID, &t.TicketNumber, &t.BranchID, &t.ServiceID, &t.BusinessDate,
		&t.Status, &t.Priority, &t.PriorityReason, &t.PrioritizedBy, &t.PrioritizedAt, &t.CounterID, &t.ServedByUserID,
		&t.CustomerPhone, &t.CheckinMethod, &t.Notes, &t.CreatedAt, &t.QueuedAt, &t.CalledAt, &t.ServingStartedAt,
		&t.CompletedAt, &t.AlmostTurnNotifiedAt)
	return t, err
}

func collectTickets(rows pgx.Rows) ([]models.Ticket, error) {
	defer rows.Close()
	var out []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ticket)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	var ticket models.Ticket
	created := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if input.RequestID != "" {
			existing, err := scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE request_id = $1`, input.RequestID))
			if err == nil {
				ticket = existing
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
		}

		createdAt := store.DefaultTime(input.CreatedAt).UTC().Truncate(time.Microsecond)
		priority := input.Priority
		if priority == "" {
			priority = models.PriorityNormal
		}
		ticket = models.Ticket{
			TicketID:      uuid.NewString(),
			RequestID:     input.RequestID,
			TicketNumber:  input.TicketNumber,
			BranchID:      input.BranchID,
			ServiceID:     input.ServiceID,
			BusinessDate:  input.BusinessDate,
			Status:        models.StatusWaiting,
			Priority:      priority,
			CustomerPhone: input.CustomerPhone,
			CheckinMethod: input.CheckinMethod,
			CreatedAt:     createdAt,
			QueuedAt:      createdAt,
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO tickets (
				ticket_id, request_id, ticket_number, branch_id, service_id, business_date,
				status, priority, customer_phone, checkin_method, created_at, queued_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
			ON CONFLICT (request_id) DO NOTHING
		`, ticket.TicketID, nullIfEmpty(input.RequestID), ticket.TicketNumber, ticket.BranchID, ticket.ServiceID,
			ticket.BusinessDate, ticket.Status, ticket.Priority, ticket.CustomerPhone, ticket.CheckinMethod, createdAt)
		if err != nil {
			if isUniqueViolation(err, ticketNumberConstraint) {
				return store.ErrDuplicateSequence
			}
			return err
		}
		if tag.RowsAffected() == 0 {
			// A concurrent request with the same id won the insert.
			existing, err := scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE request_id = $1`, input.RequestID))
			if err != nil {
				return err
			}
			ticket = existing
			return nil
		}
		meta := map[string]any{"checkinMethod": input.CheckinMethod, "position": input.Position}
		if err := insertHistory(ctx, tx, ticket.TicketID, store.ActionCreate, "", meta, createdAt); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, created, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	ticket, err := scanTicket(s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetTicketByRequest(ctx context.Context, requestID string) (models.Ticket, error) {
	ticket, err := scanTicket(s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE request_id = $1`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListWaiting(ctx context.Context, branchID, businessDate string) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE branch_id = $1 AND business_date = $2 AND status = 'waiting'
		ORDER BY `+dispatchOrder, branchID, businessDate)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

func (s *Store) ListTickets(ctx context.Context, branchID, businessDate string, statuses ...string) ([]models.Ticket, error) {
	if statuses == nil {
		statuses = []string{}
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE branch_id = $1 AND business_date = $2
			AND (cardinality($3::text[]) = 0 OR status = ANY($3::text[]))
		ORDER BY created_at, ticket_id
	`, branchID, businessDate, statuses)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

// MaxTicketSequence includes numbers released by transfers so they are not
// reissued after a counter reseed.
func (s *Store) MaxTicketSequence(ctx context.Context, branchID, prefix, businessDate string) (int64, error) {
	var highest int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM (
			SELECT substring(ticket_number FROM '-(\d+)$')::bigint AS seq
			FROM tickets
			WHERE branch_id = $1 AND business_date = $2 AND ticket_number LIKE $3
			UNION ALL
			SELECT substring(h.metadata->>'oldTicketNumber' FROM '-(\d+)$')::bigint
			FROM ticket_history h
			JOIN tickets t ON t.ticket_id = h.ticket_id
			WHERE t.branch_id = $1 AND t.business_date = $2 AND h.action = 'transferred'
				AND h.metadata->>'oldTicketNumber' LIKE $3
		) numbers
	`, branchID, businessDate, prefix+"-%").Scan(&highest)
	return highest, err
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, error) {
	var ticket models.Ticket
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		counter, err := scanCounter(tx.QueryRow(ctx, `SELECT `+counterColumns+` FROM counters c WHERE counter_id = $1 FOR UPDATE`, input.CounterID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrCounterNotFound
			}
			return err
		}
		if counter.Status != models.CounterOpen {
			return store.ErrCounterNotOpen
		}
		if counter.CurrentTicketID != nil {
			return store.ErrCounterBusy
		}

		filter := ""
		args := []any{counter.BranchID, input.BusinessDate}
		switch input.Scope {
		case store.ScopeService:
			if !counter.ServesService(input.ServiceID) {
				return store.ErrServiceNotAssigned
			}
			filter = "AND service_id = $3"
			args = append(args, input.ServiceID)
		case store.ScopeEligible:
			filter = "AND service_id IN (SELECT service_id FROM counter_services WHERE counter_id = $3)"
			args = append(args, counter.CounterID)
		}

		candidate, err := scanTicket(tx.QueryRow(ctx, `
			SELECT `+ticketColumns+`
			FROM tickets
			WHERE branch_id = $1 AND business_date = $2 AND status = 'waiting' `+filter+`
			ORDER BY `+dispatchOrder+`
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		`, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			return noCandidate(ctx, tx, counter.BranchID, input.BusinessDate, filter != "")
		}
		if err != nil {
			return err
		}

		calledAt := store.DefaultTime(input.CalledAt).UTC().Truncate(time.Microsecond)
		input.CalledAt = calledAt
		meta, err := store.ApplyCall(&candidate, counter, input)
		if err != nil {
			return err
		}
		if err := updateTicket(ctx, tx, candidate); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE counters SET current_ticket_id = $2 WHERE counter_id = $1`, counter.CounterID, candidate.TicketID); err != nil {
			return err
		}
		if err := insertHistory(ctx, tx, candidate.TicketID, store.ActionCall, input.UserID, meta, calledAt); err != nil {
			return err
		}
		ticket = candidate
		return nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

// noCandidate tells an empty queue apart from one whose tickets the counter
// may not take.
func noCandidate(ctx context.Context, tx pgx.Tx, branchID, businessDate string, filtered bool) error {
	if !filtered {
		return store.ErrQueueEmpty
	}
	var waiting bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM tickets WHERE branch_id = $1 AND business_date = $2 AND status = 'waiting')
	`, branchID, businessDate).Scan(&waiting); err != nil {
		return err
	}
	if waiting {
		return store.ErrNoMatchingTicket
	}
	return store.ErrQueueEmpty
}

func lockTicket(ctx context.Context, tx pgx.Tx, ticketID string) (models.Ticket, error) {
	ticket, err := scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1 FOR UPDATE`, ticketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func updateTicket(ctx context.Context, tx pgx.Tx, t models.Ticket) error {
	_, err := tx.Exec(ctx, `
		UPDATE tickets
		SET ticket_number = $2,
			service_id = $3,
			status = $4,
			priority = $5,
			priority_reason = $6,
			prioritized_by = $7,
			prioritized_at = $8,
			counter_id = $9,
			served_by_user_id = $10,
			notes = $11,
			queued_at = $12,
			called_at = $13,
			serving_started_at = $14,
			completed_at = $15,
			almost_turn_notified_at = $16
		WHERE ticket_id = $1
	`, t.TicketID, t.TicketNumber, t.ServiceID, t.Status, t.Priority, t.PriorityReason, t.PrioritizedBy, t.PrioritizedAt,
		t.CounterID, t.ServedByUserID, t.Notes, t.QueuedAt, t.CalledAt, t.ServingStartedAt, t.CompletedAt, t.AlmostTurnNotifiedAt)
	if isUniqueViolation(err, ticketNumberConstraint) {
		return store.ErrDuplicateSequence
	}
	return err
}

func releaseCounter(ctx context.Context, tx pgx.Tx, counterID, ticketID string) error {
	if counterID == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE counters SET current_ticket_id = NULL
		WHERE counter_id = $1 AND current_ticket_id = $2
	`, counterID, ticketID)
	return err
}

func (s *Store) Transition(ctx context.Context, input store.TransitionInput) (models.Ticket, error) {
	var ticket models.Ticket
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		locked, err := lockTicket(ctx, tx, input.TicketID)
		if err != nil {
			return err
		}
		input.OccurredAt = store.DefaultTime(input.OccurredAt).UTC().Truncate(time.Microsecond)
		meta, released, err := store.ApplyTransition(&locked, input)
		if err != nil {
			return err
		}
		if err := updateTicket(ctx, tx, locked); err != nil {
			return err
		}
		if err := releaseCounter(ctx, tx, released, locked.TicketID); err != nil {
			return err
		}
		if err := insertHistory(ctx, tx, locked.TicketID, input.Action, input.ActorID, meta, input.OccurredAt); err != nil {
			return err
		}
		ticket = locked
		return nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) TransferTicket(ctx context.Context, input store.TransferInput) (models.Ticket, error) {
	var ticket models.Ticket
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		locked, err := lockTicket(ctx, tx, input.TicketID)
		if err != nil {
			return err
		}
		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM services WHERE service_id = $1 AND branch_id = $2 AND active)
		`, input.ToServiceID, locked.BranchID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrServiceNotFound
		}
		input.OccurredAt = store.DefaultTime(input.OccurredAt).UTC().Truncate(time.Microsecond)
		meta, released, err := store.ApplyTransfer(&locked, input)
		if err != nil {
			return err
		}
		if err := updateTicket(ctx, tx, locked); err != nil {
			return err
		}
		if err := releaseCounter(ctx, tx, released, locked.TicketID); err != nil {
			return err
		}
		if err := insertHistory(ctx, tx, locked.TicketID, store.ActionTransfer, input.ActorID, meta, input.OccurredAt); err != nil {
			return err
		}
		ticket = locked
		return nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) BumpPriority(ctx context.Context, input store.PriorityInput) (models.Ticket, error) {
	var ticket models.Ticket
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		locked, err := lockTicket(ctx, tx, input.TicketID)
		if err != nil {
			return err
		}
		input.OccurredAt = store.DefaultTime(input.OccurredAt).UTC().Truncate(time.Microsecond)
		meta, err := store.ApplyBumpPriority(&locked, input)
		if err != nil {
			return err
		}
		if err := updateTicket(ctx, tx, locked); err != nil {
			return err
		}
		if err := insertHistory(ctx, tx, locked.TicketID, store.ActionBumpPriority, input.ActorID, meta, input.OccurredAt); err != nil {
			return err
		}
		ticket = locked
		return nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) MarkAlmostTurnNotified(ctx context.Context, ticketID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tickets SET almost_turn_notified_at = $2
		WHERE ticket_id = $1 AND almost_turn_notified_at IS NULL
	`, ticketID, at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetTicket(ctx, ticketID); err != nil {
		return false, err
	}
	return false, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
