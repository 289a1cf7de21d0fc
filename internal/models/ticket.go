package models

import "time"

type Ticket struct {
	TicketID             string     `json:"ticket_id"`
	TicketNumber         string     `json:"ticket_number"`
	BranchID             string     `json:"branch_id"`
	ServiceID            string     `json:"service_id"`
	BusinessDate         string     `json:"business_date"`
	Status               string     `json:"status"`
	Priority             string     `json:"priority"`
	PriorityReason       string     `json:"priority_reason,omitempty"`
	PrioritizedBy        *string    `json:"prioritized_by,omitempty"`
	PrioritizedAt        *time.Time `json:"prioritized_at,omitempty"`
	CounterID            *string    `json:"counter_id,omitempty"`
	ServedByUserID       *string    `json:"served_by_user_id,omitempty"`
	CustomerPhone        string     `json:"customer_phone,omitempty"`
	CheckinMethod        string     `json:"checkin_method,omitempty"`
	Notes                string     `json:"notes,omitempty"`
	RequestID            string     `json:"request_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	QueuedAt             time.Time  `json:"queued_at"`
	CalledAt             *time.Time `json:"called_at,omitempty"`
	ServingStartedAt     *time.Time `json:"serving_started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	AlmostTurnNotifiedAt *time.Time `json:"-"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusServing   = "serving"
	StatusCompleted = "completed"
	StatusNoShow    = "no_show"
	StatusCancelled = "cancelled"
)

const (
	PriorityNormal = "normal"
	PriorityVIP    = "vip"
)

// SystemActorID marks transitions performed by the service itself.
const SystemActorID = "SYSTEM"

func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusNoShow, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the ticket occupies a counter.
func (t Ticket) IsActive() bool {
	return t.Status == StatusCalled || t.Status == StatusServing
}

func (t Ticket) IsVIP() bool {
	return t.Priority == PriorityVIP
}

// DispatchBefore orders waiting tickets the way call-next selects them:
// vip first, then queue time, then id.
func DispatchBefore(a, b Ticket) bool {
	if a.IsVIP() != b.IsVIP() {
		return a.IsVIP()
	}
	if !a.QueuedAt.Equal(b.QueuedAt) {
		return a.QueuedAt.Before(b.QueuedAt)
	}
	return a.TicketID < b.TicketID
}
