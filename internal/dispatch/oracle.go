package dispatch

import "context"

// Oracle is the external reasoning capability judging semantic duplication,
// outage correlation and candidate ranking. Implementations are
// non-deterministic, latency-bearing and fallible; callers must treat every
// error as either OracleUnavailable or OracleMalformed (see OracleError).
type Oracle interface {
	// CheckIncidentStatus judges a new report against a bounded sample of
	// open tickets. Read-only and purely advisory.
	CheckIncidentStatus(ctx context.Context, issue string, open []Ticket) (*IncidentStatus, error)

	// Decide ranks the eligible roster for the issue and returns a
	// candidate. Names in exclude must not be considered. The returned
	// AssignedTo is validated against the roster by the caller before any
	// state is mutated.
	Decide(ctx context.Context, issue string, eligible []Engineer, exclude []string) (*AssignmentDecision, error)
}
