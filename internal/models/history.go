package models

import (
	"encoding/json"
	"time"
)

type TicketHistory struct {
	HistoryID string          `json:"history_id"`
	TicketID  string          `json:"ticket_id"`
	Seq       int             `json:"seq"`
	Action    string          `json:"action"`
	ActorID   string          `json:"actor_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}
