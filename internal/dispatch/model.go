package dispatch

import "time"

// TicketStatus tracks where a ticket is in its lifecycle.
type TicketStatus string

const (
	// StatusInProgress means assigned and being worked
	StatusInProgress TicketStatus = "in_progress"

	// StatusSolved means resolved, terminal
	StatusSolved TicketStatus = "solved"
)

const (
	// DefaultAvgTTRMin is assumed when an engineer has no recorded
	// average time-to-resolution.
	DefaultAvgTTRMin = 30

	// SeverityOutage is the highest severity tier. Three or more open
	// tickets at this tier suggest a system-wide outage.
	SeverityOutage = "P1"

	// GateSampleSize caps how many open tickets are handed to the oracle
	// as context for the duplicate/outage check.
	GateSampleSize = 10
)

// Engineer is a roster member eligible for ticket assignment. Skills and
// seniority are passed through to the Decision Oracle and never interpreted
// here; CurrentLoad is mutated only through the store's atomic deltas.
type Engineer struct {
	Name        string   `json:"name"`
	Skills      []string `json:"skills,omitempty"`
	Seniority   string   `json:"seniority,omitempty"`
	CurrentLoad int      `json:"current_load"`
	AvgTTRMin   int      `json:"avg_ttr_min,omitempty"`
}

// Ticket is a tracked incident report from submission through resolution.
type Ticket struct {
	ID         string       `json:"id"`
	Reporter   string       `json:"reporter"`
	Issue      string       `json:"issue"`
	AssignedTo string       `json:"assigned_to"`
	Severity   string       `json:"severity"`
	Status     TicketStatus `json:"status"`
	AssignedAt time.Time    `json:"assigned_at"`
	Feedback   string       `json:"feedback,omitempty"`
}

// IncidentStatus is the oracle's judgment on a new report against the open
// ticket set. Ephemeral; never persisted.
type IncidentStatus struct {
	IsDuplicate bool   `json:"is_duplicate"`
	DuplicateOf string `json:"duplicate_of,omitempty"`
	IsOutage    bool   `json:"is_outage"`
	Reason      string `json:"reason,omitempty"`
}

// AssignmentDecision is the oracle's candidate ranking output. Only the
// fields copied onto a Ticket outlive the operation that requested it.
type AssignmentDecision struct {
	TechStack    string `json:"tech_stack"`
	Severity     string `json:"severity"`
	Sentiment    string `json:"sentiment"`
	Reasoning    string `json:"reasoning"`
	AssignedTo   string `json:"assigned_to"`
	SuggestedFix string `json:"suggested_fix"`
}
