package models

import "time"

type CounterBreak struct {
	BreakID      string     `json:"break_id"`
	CounterID    string     `json:"counter_id"`
	UserID       string     `json:"user_id"`
	Reason       string     `json:"reason"`
	DurationMins int        `json:"duration_mins"`
	StartedAt    time.Time  `json:"started_at"`
	ExpectedEnd  time.Time  `json:"expected_end"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	ActualMins   *int       `json:"actual_mins,omitempty"`
	StartedBy    string     `json:"started_by"`
	EndedBy      *string    `json:"ended_by,omitempty"`
}

const (
	BreakLunch    = "lunch"
	BreakPrayer   = "prayer"
	BreakPersonal = "personal"
	BreakUrgent   = "urgent"
)

func (b CounterBreak) Ended() bool {
	return b.EndedAt != nil
}

// RemainingMins is the time left until the expected end, never negative.
func (b CounterBreak) RemainingMins(now time.Time) int {
	left := b.ExpectedEnd.Sub(now)
	if left <= 0 {
		return 0
	}
	return int((left + time.Minute - 1) / time.Minute)
}
