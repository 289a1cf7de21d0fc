package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

// insertHistory appends the next hash-chained row for ticketID. The advisory
// lock serializes writers of one chain even before the first row exists.
func insertHistory(ctx context.Context, tx pgx.Tx, ticketID, action, actorID string, meta map[string]any, at time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ticketID); err != nil {
		return err
	}

	var prev *models.TicketHistory
	var last models.TicketHistory
	err := tx.QueryRow(ctx, `
		SELECT seq, hash
		FROM ticket_history
		WHERE ticket_id = $1
		ORDER BY seq DESC
		LIMIT 1
		FOR UPDATE
	`, ticketID).Scan(&last.Seq, &last.Hash)
	switch {
	case err == nil:
		prev = &last
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	row, err := store.NewHistory(prev, ticketID, action, actorID, meta, at)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_history (history_id, ticket_id, seq, action, actor_id, metadata, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, row.HistoryID, row.TicketID, row.Seq, row.Action, row.ActorID, []byte(row.Metadata), row.CreatedAt, row.PrevHash, row.Hash)
	return wrapf(err, "insert %s history for ticket %s", action, ticketID)
}

func (s *Store) ListHistory(ctx context.Context, ticketID string) ([]models.TicketHistory, error) {
	if _, err := s.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT history_id, ticket_id, seq, action, actor_id, metadata, created_at, prev_hash, hash
		FROM ticket_history
		WHERE ticket_id = $1
		ORDER BY seq ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TicketHistory
	for rows.Next() {
		var h models.TicketHistory
		var meta []byte
		if err := rows.Scan(&h.HistoryID, &h.TicketID, &h.Seq, &h.Action, &h.ActorID, &meta, &h.CreatedAt, &h.PrevHash, &h.Hash); err != nil {
			return nil, err
		}
		h.Metadata = meta
		h.CreatedAt = h.CreatedAt.UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}
