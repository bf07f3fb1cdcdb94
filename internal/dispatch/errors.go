package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrNoEligibleEngineer means the roster is empty after exclusions.
	// Always a hard failure; nothing may be mutated once it is detected.
	ErrNoEligibleEngineer = errors.New("no eligible engineer")

	// ErrUnknownTicket means a ticket ID did not resolve.
	ErrUnknownTicket = errors.New("unknown ticket")

	// ErrUnknownEngineer means an engineer name did not resolve.
	ErrUnknownEngineer = errors.New("unknown engineer")

	// ErrTicketSolved means an operation targeted a terminal ticket.
	ErrTicketSolved = errors.New("ticket already solved")

	// ErrLoadUnderflow means a decrement found current_load already at
	// zero. The store floors the value; the caller must record the
	// invariant violation rather than swallow it.
	ErrLoadUnderflow = errors.New("load underflow: current_load already zero")
)

// OracleErrorKind classifies Decision Oracle failures.
type OracleErrorKind string

const (
	// OracleUnavailable covers network errors, timeouts and non-2xx API
	// responses.
	OracleUnavailable OracleErrorKind = "unavailable"

	// OracleMalformed covers schema violations in the oracle's output,
	// including a candidate name absent from the eligible roster.
	OracleMalformed OracleErrorKind = "malformed"
)

// OracleError wraps a Decision Oracle failure with its kind and the
// operation ("check_incident" or "decide") that produced it.
type OracleError struct {
	Kind OracleErrorKind
	Op   string
	Err  error
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("oracle %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *OracleError) Unwrap() error { return e.Err }

// IsOracleError reports whether err is an OracleError of the given kind.
func IsOracleError(err error, kind OracleErrorKind) bool {
	var oe *OracleError
	return errors.As(err, &oe) && oe.Kind == kind
}
