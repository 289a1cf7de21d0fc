package models

type Counter struct {
	CounterID       string   `json:"counter_id"`
	BranchID        string   `json:"branch_id"`
	Number          int      `json:"number"`
	Label           string   `json:"label,omitempty"`
	Status          string   `json:"status"`
	CurrentTicketID *string  `json:"current_ticket_id,omitempty"`
	AssignedUserID  *string  `json:"assigned_user_id,omitempty"`
	ActiveBreakID   *string  `json:"active_break_id,omitempty"`
	ServiceIDs      []string `json:"service_ids"`
}

const (
	CounterOpen    = "open"
	CounterClosed  = "closed"
	CounterOnBreak = "on_break"
)

func (c Counter) ServesService(serviceID string) bool {
	for _, id := range c.ServiceIDs {
		if id == serviceID {
			return true
		}
	}
	return false
}
