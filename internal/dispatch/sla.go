package dispatch

import "time"

// RemainingMinutes returns the minutes left before the ticket breaches its
// SLA at the given instant: the engineer's average TTR minus the minutes
// elapsed since assignment. Negative values indicate breach; the magnitude
// is the overage. Pure function, recomputed on every read.
func RemainingMinutes(t *Ticket, e *Engineer, now time.Time) int {
	avg := DefaultAvgTTRMin
	if e != nil && e.AvgTTRMin > 0 {
		avg = e.AvgTTRMin
	}
	elapsed := int(now.Sub(t.AssignedAt).Minutes())
	return avg - elapsed
}
