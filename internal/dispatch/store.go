package dispatch

import (
	"context"
	"time"
)

// Store is the persistence interface for engineers and tickets.
//
// IncrementLoad and DecrementLoad must be atomic deltas, not read-modify-write
// at the application layer: under concurrent submissions the final
// current_load must equal the number of in-progress tickets assigned to that
// engineer regardless of interleaving. DecrementLoad floors at zero and
// returns ErrLoadUnderflow when the value was already zero, so callers can
// record the invariant violation. Both return ErrUnknownEngineer for names
// not in the roster.
//
// ResolveTicket is conditional on the ticket still being in progress and
// reports whether it transitioned, which makes resolution idempotent.
type Store interface {
	ListEngineers(ctx context.Context) ([]Engineer, error)
	GetEngineer(ctx context.Context, name string) (*Engineer, bool, error)
	UpsertEngineer(ctx context.Context, e *Engineer) error
	IncrementLoad(ctx context.Context, name string) (newLoad int, err error)
	DecrementLoad(ctx context.Context, name string) (newLoad int, err error)

	ListOpenTickets(ctx context.Context) ([]Ticket, error)
	GetTicket(ctx context.Context, id string) (*Ticket, bool, error)
	InsertTicket(ctx context.Context, t *Ticket) (id string, err error)
	ResolveTicket(ctx context.Context, id, feedback string) (resolved bool, err error)
	ReassignTicket(ctx context.Context, id, assignee string, at time.Time) error

	// ResetAll zeroes every engineer's load and deletes all tickets.
	// Admin escape hatch; not gated by any business rule.
	ResetAll(ctx context.Context) error
}
