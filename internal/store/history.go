package store

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"qms/dispatch-service/internal/models"
)

var ErrHistoryTampered = errors.New("ticket history chain broken")

func ComputeHistoryHash(prevHash, ticketID, action, actorID string, metadata json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%s|%d|%s", prevHash, ticketID, action, actorID, createdAt.UTC().Format(time.RFC3339Nano), seq, metadata)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NewHistory builds the next row of a ticket's chain. prev is nil for the
// first row.
func NewHistory(prev *models.TicketHistory, ticketID, action, actorID string, metadata map[string]any, at time.Time) (models.TicketHistory, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return models.TicketHistory{}, err
	}
	seq := 1
	prevHash := ""
	if prev != nil {
		seq = prev.Seq + 1
		prevHash = prev.Hash
	}
	createdAt := at.UTC().Truncate(time.Microsecond)
	return models.TicketHistory{
		HistoryID: uuid.NewString(),
		TicketID:  ticketID,
		Seq:       seq,
		Action:    action,
		ActorID:   actorID,
		Metadata:  payload,
		CreatedAt: createdAt,
		PrevHash:  prevHash,
		Hash:      ComputeHistoryHash(prevHash, ticketID, action, actorID, payload, createdAt, seq),
	}, nil
}

// VerifyHistory checks sequence continuity and every hash link of rows,
// which must belong to one ticket in ascending seq order.
func VerifyHistory(rows []models.TicketHistory) error {
	prevHash := ""
	for i, row := range rows {
		if row.Seq != i+1 {
			return fmt.Errorf("%w: seq %d at position %d", ErrHistoryTampered, row.Seq, i)
		}
		if row.PrevHash != prevHash {
			return fmt.Errorf("%w: prev hash mismatch at seq %d", ErrHistoryTampered, row.Seq)
		}
		want := ComputeHistoryHash(row.PrevHash, row.TicketID, row.Action, row.ActorID, row.Metadata, row.CreatedAt, row.Seq)
		if want != row.Hash {
			return fmt.Errorf("%w: hash mismatch at seq %d", ErrHistoryTampered, row.Seq)
		}
		prevHash = row.Hash
	}
	return nil
}

// DurationMins rounds the elapsed time between start and end to whole minutes.
func DurationMins(start, end time.Time) int {
	return int(math.Round(end.Sub(start).Minutes()))
}
