// Package estimate derives wait times and urgency tiers from queue positions.
package estimate

// DefaultServiceMinutes is the assumed duration of one counter interaction.
const DefaultServiceMinutes = 10

const (
	UrgencyImminent    = "imminent"
	UrgencyApproaching = "approaching"
	UrgencyNormal      = "normal"
)

// WaitMinutes estimates the wait for a ticket at position with the default
// per-interaction time.
func WaitMinutes(position, activeCounters int) int {
	return Estimator{ServiceMinutes: DefaultServiceMinutes}.WaitMinutes(position, activeCounters)
}

type Estimator struct {
	ServiceMinutes int
}

// WaitMinutes is position*ServiceMinutes spread over the open counters,
// rounded up. With no open counters the total is returned unscaled.
func (e Estimator) WaitMinutes(position, activeCounters int) int {
	minutes := e.ServiceMinutes
	if minutes <= 0 {
		minutes = DefaultServiceMinutes
	}
	if position <= 0 {
		return 0
	}
	total := position * minutes
	if activeCounters <= 0 {
		return total
	}
	return (total + activeCounters - 1) / activeCounters
}

func UrgencyFor(position int) string {
	switch {
	case position <= 2:
		return UrgencyImminent
	case position <= 5:
		return UrgencyApproaching
	default:
		return UrgencyNormal
	}
}
