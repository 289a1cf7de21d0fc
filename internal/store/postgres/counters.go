package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

const counterColumns = `c.counter_id, c.branch_id, c.number, c.label, c.status, c.current_ticket_id,
	c.assigned_user_id, c.active_break_id,
	ARRAY(SELECT cs.service_id FROM counter_services cs WHERE cs.counter_id = c.counter_id ORDER BY cs.service_id)`

const breakColumns = `break_id, counter_id, user_id, reason, duration_mins, started_at, expected_end,
	ended_at, actual_mins, started_by, ended_by`

func scanCounter(row pgx.Row) (models.Counter, error) {
	var c models.Counter
	err := row.Scan(&c.CounterID, &c.BranchID, &c.Number, &c.Label, &c.Status, &c.CurrentTicketID,
		&c.AssignedUserID, &c.ActiveBreakID, &c.ServiceIDs)
	return c, err
}

func scanBreak(row pgx.Row) (models.CounterBreak, error) {
	var b models.CounterBreak
	err := row.Scan(&b.BreakID, &b.CounterID, &b.UserID, &b.Reason, &b.DurationMins, &b.StartedAt, &b.ExpectedEnd,
		&b.EndedAt, &b.ActualMins, &b.StartedBy, &b.EndedBy)
	return b, err
}

func (s *Store) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	counter, err := scanCounter(s.pool.QueryRow(ctx, `SELECT `+counterColumns+` FROM counters c WHERE c.counter_id = $1`, counterID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func (s *Store) ListCounters(ctx context.Context, branchID string) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+counterColumns+` FROM counters c WHERE c.branch_id = $1 ORDER BY c.number`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Counter
	for rows.Next() {
		counter, err := scanCounter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, counter)
	}
	return out, rows.Err()
}

func (s *Store) CountOpenCounters(ctx context.Context, branchID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM counters WHERE branch_id = $1 AND status = 'open'`, branchID).Scan(&n)
	return n, err
}

func (s *Store) CloseCounters(ctx context.Context, input store.CloseCountersInput) (store.ClosedCounters, error) {
	var res store.ClosedCounters
	closedAt := store.DefaultTime(input.ClosedAt).UTC().Truncate(time.Microsecond)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE counter_breaks b
			SET ended_at = $2,
				actual_mins = ROUND(EXTRACT(EPOCH FROM ($2 - b.started_at)) / 60)::int,
				ended_by = $3
			FROM counters c
			WHERE c.counter_id = b.counter_id AND c.branch_id = $1 AND b.ended_at IS NULL
		`, input.BranchID, closedAt, input.ActorID)
		if err != nil {
			return err
		}
		res.BreaksEnded = int(tag.RowsAffected())

		if err := tx.QueryRow(ctx, `
			WITH closed AS (
				UPDATE counters SET status = 'closed'
				WHERE branch_id = $1 AND status <> 'closed'
				RETURNING 1
			)
			SELECT COUNT(*) FROM closed
		`, input.BranchID).Scan(&res.Counters); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE counters SET current_ticket_id = NULL, active_break_id = NULL WHERE branch_id = $1
		`, input.BranchID)
		return err
	})
	if err != nil {
		return store.ClosedCounters{}, err
	}
	return res, nil
}

func (s *Store) StartBreak(ctx context.Context, input store.StartBreakInput) (models.CounterBreak, error) {
	var br models.CounterBreak
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		counter, err := scanCounter(tx.QueryRow(ctx, `SELECT `+counterColumns+` FROM counters c WHERE c.counter_id = $1 FOR UPDATE`, input.CounterID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrCounterNotFound
			}
			return err
		}
		if counter.AssignedUserID == nil {
			return store.ErrNoAssignedTeller
		}
		if counter.ActiveBreakID != nil || counter.Status == models.CounterOnBreak {
			return store.ErrBreakActive
		}

		startedAt := store.DefaultTime(input.StartedAt).UTC().Truncate(time.Microsecond)
		br = models.CounterBreak{
			BreakID:      uuid.NewString(),
			CounterID:    counter.CounterID,
			UserID:       *counter.AssignedUserID,
			Reason:       input.Reason,
			DurationMins: input.DurationMins,
			StartedAt:    startedAt,
			ExpectedEnd:  startedAt.Add(time.Duration(input.DurationMins) * time.Minute),
			StartedBy:    input.ActorID,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO counter_breaks (break_id, counter_id, user_id, reason, duration_mins, started_at, expected_end, started_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, br.BreakID, br.CounterID, br.UserID, br.Reason, br.DurationMins, br.StartedAt, br.ExpectedEnd, br.StartedBy); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE counters SET status = 'on_break', active_break_id = $2 WHERE counter_id = $1
		`, counter.CounterID, br.BreakID)
		return err
	})
	if err != nil {
		return models.CounterBreak{}, err
	}
	return br, nil
}

func lockBreak(ctx context.Context, tx pgx.Tx, breakID string) (models.CounterBreak, error) {
	br, err := scanBreak(tx.QueryRow(ctx, `SELECT `+breakColumns+` FROM counter_breaks WHERE break_id = $1 FOR UPDATE`, breakID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.CounterBreak{}, store.ErrBreakNotFound
		}
		return models.CounterBreak{}, err
	}
	if br.Ended() {
		return models.CounterBreak{}, store.ErrBreakEnded
	}
	return br, nil
}

func (s *Store) EndBreak(ctx context.Context, input store.EndBreakInput) (models.CounterBreak, error) {
	var br models.CounterBreak
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		locked, err := lockBreak(ctx, tx, input.BreakID)
		if err != nil {
			return err
		}
		endedAt := store.DefaultTime(input.EndedAt).UTC().Truncate(time.Microsecond)
		actual := store.DurationMins(locked.StartedAt, endedAt)
		actor := input.ActorID
		locked.EndedAt = &endedAt
		locked.ActualMins = &actual
		locked.EndedBy = &actor
		if _, err := tx.Exec(ctx, `
			UPDATE counter_breaks SET ended_at = $2, actual_mins = $3, ended_by = $4 WHERE break_id = $1
		`, locked.BreakID, endedAt, actual, actor); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE counters
			SET active_break_id = CASE WHEN active_break_id = $2 THEN NULL ELSE active_break_id END,
				status = CASE WHEN status = 'on_break' THEN 'open' ELSE status END
			WHERE counter_id = $1
		`, locked.CounterID, locked.BreakID); err != nil {
			return err
		}
		br = locked
		return nil
	})
	if err != nil {
		return models.CounterBreak{}, err
	}
	return br, nil
}

func (s *Store) ExtendBreak(ctx context.Context, input store.ExtendBreakInput) (models.CounterBreak, error) {
	var br models.CounterBreak
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		locked, err := lockBreak(ctx, tx, input.BreakID)
		if err != nil {
			return err
		}
		locked.DurationMins += input.AddMins
		locked.ExpectedEnd = locked.ExpectedEnd.Add(time.Duration(input.AddMins) * time.Minute)
		if _, err := tx.Exec(ctx, `
			UPDATE counter_breaks SET duration_mins = $2, expected_end = $3 WHERE break_id = $1
		`, locked.BreakID, locked.DurationMins, locked.ExpectedEnd); err != nil {
			return err
		}
		br = locked
		return nil
	})
	if err != nil {
		return models.CounterBreak{}, err
	}
	return br, nil
}

func (s *Store) GetBreak(ctx context.Context, breakID string) (models.CounterBreak, error) {
	br, err := scanBreak(s.pool.QueryRow(ctx, `SELECT `+breakColumns+` FROM counter_breaks WHERE break_id = $1`, breakID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.CounterBreak{}, store.ErrBreakNotFound
		}
		return models.CounterBreak{}, err
	}
	return br, nil
}

func (s *Store) GetActiveBreak(ctx context.Context, counterID string) (models.CounterBreak, error) {
	if _, err := s.GetCounter(ctx, counterID); err != nil {
		return models.CounterBreak{}, err
	}
	br, err := scanBreak(s.pool.QueryRow(ctx, `
		SELECT `+breakColumns+`
		FROM counter_breaks
		WHERE counter_id = $1 AND ended_at IS NULL
		ORDER BY started_at DESC
		LIMIT 1
	`, counterID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.CounterBreak{}, store.ErrBreakNotFound
		}
		return models.CounterBreak{}, err
	}
	return br, nil
}
