package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/linnemanlabs/dispatch/internal/dispatch")

// Disposition is the terminal state of a submission.
type Disposition string

const (
	DispositionAssigned  Disposition = "assigned"
	DispositionDuplicate Disposition = "duplicate"
)

// SubmitOutcome is the result of SubmitReport. A duplicate rejection and an
// outage escalation are successful outcomes, distinguishable from hard
// failures which are returned as errors.
type SubmitOutcome struct {
	Disposition    Disposition         `json:"disposition"`
	Ticket         *Ticket             `json:"ticket,omitempty"`
	Decision       *AssignmentDecision `json:"decision,omitempty"`
	DuplicateOf    string              `json:"duplicate_of,omitempty"`
	Reason         string              `json:"reason,omitempty"`
	OutageDetected bool                `json:"outage_detected"`

	// GateWarning is set when the duplicate/outage gate failed closed;
	// the submission still proceeded as neither duplicate nor outage.
	GateWarning string `json:"gate_warning,omitempty"`
}

// ResolveOutcome is the result of ResolveTicket.
type ResolveOutcome struct {
	Ticket        *Ticket `json:"ticket"`
	AlreadySolved bool    `json:"already_solved"`
}

// RefuseOutcome is the result of RefuseTicket.
type RefuseOutcome struct {
	Ticket   *Ticket             `json:"ticket"`
	Decision *AssignmentDecision `json:"decision"`
}

// BoardEntry is an open ticket annotated with its SLA position.
type BoardEntry struct {
	Ticket           Ticket `json:"ticket"`
	RemainingMinutes int    `json:"remaining_minutes"`
	Breached         bool   `json:"breached"`
}

// Service is the triage and assignment orchestrator. Each operation runs to
// completion; the oracle call and store mutations are awaited fully, and an
// oracle failure during assignment aborts with no partial mutation.
type Service struct {
	store    Store
	oracle   Oracle
	notifier Notifier
	logger   log.Logger
	metrics  *Metrics
	now      func() time.Time
}

// NewService creates the orchestrator. notifier may be nil (no outbound
// alerts); logger may be nil (nop); metrics may be nil (unexported registry).
func NewService(store Store, oracle Oracle, notifier Notifier, logger log.Logger, metrics *Metrics) *Service {
	if store == nil {
		panic(xerrors.New("store is required"))
	}
	if oracle == nil {
		panic(xerrors.New("oracle is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	return &Service{
		store:    store,
		oracle:   oracle,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// SetClock overrides the service's notion of now. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SubmitReport gates a new report through the duplicate/outage check and,
// unless rejected as a duplicate, assigns it to an engineer chosen by the
// oracle. Gating completes strictly before any load or ticket mutation.
func (s *Service) SubmitReport(ctx context.Context, reporter, issue string) (*SubmitOutcome, error) {
	ctx, span := tracer.Start(ctx, "dispatch.SubmitReport")
	defer span.End()

	open, err := s.store.ListOpenTickets(ctx)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("list open tickets: %w", err))
	}

	status, warning := s.gate(ctx, issue, open)
	out := &SubmitOutcome{GateWarning: warning}

	if status.IsOutage {
		// Escalate before any per-ticket action. Escalation does not
		// suppress normal assignment of the triggering report.
		out.OutageDetected = true
		s.metrics.OutagesTotal.Inc()
		s.logger.Warn(ctx, "system-wide outage detected", "reason", status.Reason)
		s.notify(ctx, &Notification{Kind: NotifyOutage, Issue: issue, Reason: status.Reason})
	}

	if status.IsDuplicate {
		out.Disposition = DispositionDuplicate
		out.DuplicateOf = status.DuplicateOf
		out.Reason = status.Reason
		s.metrics.SubmitsTotal.WithLabelValues(string(DispositionDuplicate)).Inc()
		s.logger.Info(ctx, "report rejected as duplicate", "duplicate_of", status.DuplicateOf)
		return out, nil
	}

	roster, err := s.store.ListEngineers(ctx)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("list engineers: %w", err))
	}
	if len(roster) == 0 {
		return nil, s.fail(span, ErrNoEligibleEngineer)
	}

	decision, err := s.decide(ctx, issue, roster, nil)
	if err != nil {
		return nil, s.fail(span, err)
	}

	now := s.now()
	if _, err := s.store.IncrementLoad(ctx, decision.AssignedTo); err != nil {
		return nil, s.fail(span, fmt.Errorf("increment load: %w", err))
	}

	t := &Ticket{
		Reporter:   reporter,
		Issue:      issue,
		AssignedTo: decision.AssignedTo,
		Severity:   decision.Severity,
		Status:     StatusInProgress,
		AssignedAt: now,
	}
	id, err := s.store.InsertTicket(ctx, t)
	if err != nil {
		// The increment and the insert are one unit: compensate so a
		// failed insert cannot leave an orphaned load unit behind.
		if _, derr := s.store.DecrementLoad(ctx, decision.AssignedTo); derr != nil {
			s.logger.Error(ctx, derr, "compensating decrement failed", "engineer", decision.AssignedTo)
		}
		return nil, s.fail(span, fmt.Errorf("insert ticket: %w", err))
	}
	t.ID = id

	span.SetAttributes(
		attribute.String("dispatch.ticket.id", t.ID),
		attribute.String("dispatch.ticket.assigned_to", t.AssignedTo),
	)

	s.metrics.SubmitsTotal.WithLabelValues(string(DispositionAssigned)).Inc()
	s.logger.Info(ctx, "report assigned",
		"ticket_id", t.ID,
		"assigned_to", t.AssignedTo,
		"severity", t.Severity,
	)

	s.notify(ctx, &Notification{Kind: NotifyAssignment, Issue: issue, Ticket: t, Decision: decision})

	out.Disposition = DispositionAssigned
	out.Ticket = t
	out.Decision = decision
	return out, nil
}

// ResolveTicket marks a ticket solved, records the feedback, and decrements
// the assignee's load exactly once. Resolving an already-solved ticket is a
// no-op that reports AlreadySolved.
func (s *Service) ResolveTicket(ctx context.Context, id, feedback string) (*ResolveOutcome, error) {
	ctx, span := tracer.Start(ctx, "dispatch.ResolveTicket")
	defer span.End()
	span.SetAttributes(attribute.String("dispatch.ticket.id", id))

	t, ok, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("get ticket: %w", err))
	}
	if !ok {
		return nil, s.fail(span, fmt.Errorf("%w: %s", ErrUnknownTicket, id))
	}

	// The conditional update is the idempotency guard: it only
	// transitions tickets still in progress.
	resolved, err := s.store.ResolveTicket(ctx, id, feedback)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("resolve ticket: %w", err))
	}
	if !resolved {
		s.metrics.ResolutionsTotal.WithLabelValues("already_solved").Inc()
		return &ResolveOutcome{Ticket: t, AlreadySolved: true}, nil
	}

	if _, err := s.store.DecrementLoad(ctx, t.AssignedTo); err != nil {
		if !errors.Is(err, ErrLoadUnderflow) {
			return nil, s.fail(span, fmt.Errorf("decrement load: %w", err))
		}
		s.recordUnderflow(ctx, err, t.AssignedTo, id)
	}

	t.Status = StatusSolved
	t.Feedback = feedback

	s.metrics.ResolutionsTotal.WithLabelValues("solved").Inc()
	s.logger.Info(ctx, "ticket resolved", "ticket_id", id, "engineer", t.AssignedTo)
	return &ResolveOutcome{Ticket: t}, nil
}

// RefuseTicket reassigns an open ticket away from its current engineer. The
// post-exclusion roster is validated and the oracle consulted before any load
// mutation, so an oracle failure or empty roster can never leak a load unit.
// A completed refusal is load-neutral across the roster.
func (s *Service) RefuseTicket(ctx context.Context, id string) (*RefuseOutcome, error) {
	ctx, span := tracer.Start(ctx, "dispatch.RefuseTicket")
	defer span.End()
	span.SetAttributes(attribute.String("dispatch.ticket.id", id))

	t, ok, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("get ticket: %w", err))
	}
	if !ok {
		return nil, s.fail(span, fmt.Errorf("%w: %s", ErrUnknownTicket, id))
	}
	if t.Status != StatusInProgress {
		return nil, s.fail(span, fmt.Errorf("%w: %s", ErrTicketSolved, id))
	}
	refuser := t.AssignedTo

	roster, err := s.store.ListEngineers(ctx)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("list engineers: %w", err))
	}
	eligible := roster[:0:0]
	for _, e := range roster {
		if e.Name != refuser {
			eligible = append(eligible, e)
		}
	}
	if len(eligible) == 0 {
		return nil, s.fail(span, ErrNoEligibleEngineer)
	}

	decision, err := s.decide(ctx, t.Issue, eligible, []string{refuser})
	if err != nil {
		return nil, s.fail(span, err)
	}
	if decision.AssignedTo == refuser {
		return nil, s.fail(span, &OracleError{
			Kind: OracleMalformed,
			Op:   "decide",
			Err:  fmt.Errorf("candidate %q is the refusing engineer", refuser),
		})
	}

	now := s.now()
	if _, err := s.store.IncrementLoad(ctx, decision.AssignedTo); err != nil {
		return nil, s.fail(span, fmt.Errorf("increment load: %w", err))
	}
	if err := s.store.ReassignTicket(ctx, id, decision.AssignedTo, now); err != nil {
		if _, derr := s.store.DecrementLoad(ctx, decision.AssignedTo); derr != nil {
			s.logger.Error(ctx, derr, "compensating decrement failed", "engineer", decision.AssignedTo)
		}
		return nil, s.fail(span, fmt.Errorf("reassign ticket: %w", err))
	}
	if _, err := s.store.DecrementLoad(ctx, refuser); err != nil {
		if !errors.Is(err, ErrLoadUnderflow) {
			return nil, s.fail(span, fmt.Errorf("decrement load: %w", err))
		}
		s.recordUnderflow(ctx, err, refuser, id)
	}

	t.AssignedTo = decision.AssignedTo
	t.AssignedAt = now

	s.metrics.ReassignmentsTotal.Inc()
	s.logger.Info(ctx, "ticket reassigned",
		"ticket_id", id,
		"from", refuser,
		"to", decision.AssignedTo,
	)

	s.notify(ctx, &Notification{Kind: NotifyAssignment, Issue: t.Issue, Ticket: t, Decision: decision})

	return &RefuseOutcome{Ticket: t, Decision: decision}, nil
}

// Board lists open tickets with their SLA position at the current instant.
func (s *Service) Board(ctx context.Context) ([]BoardEntry, error) {
	open, err := s.store.ListOpenTickets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open tickets: %w", err)
	}

	now := s.now()
	entries := make([]BoardEntry, 0, len(open))
	for i := range open {
		t := open[i]
		eng, ok, err := s.store.GetEngineer(ctx, t.AssignedTo)
		if err != nil {
			return nil, fmt.Errorf("get engineer %s: %w", t.AssignedTo, err)
		}
		if !ok {
			eng = nil
		}
		rem := RemainingMinutes(&t, eng, now)
		entries = append(entries, BoardEntry{
			Ticket:           t,
			RemainingMinutes: rem,
			Breached:         rem < 0,
		})
	}
	return entries, nil
}

// Engineers returns the current roster.
func (s *Service) Engineers(ctx context.Context) ([]Engineer, error) {
	return s.store.ListEngineers(ctx)
}

// ResetAllLoads zeroes every engineer's load and deletes all tickets.
func (s *Service) ResetAllLoads(ctx context.Context) error {
	if err := s.store.ResetAll(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	s.logger.Info(ctx, "all loads reset, tickets deleted")
	return nil
}

// gate runs the duplicate/outage check. With no open tickets it
// short-circuits without consulting the oracle. Oracle failures fail closed:
// the report is treated as neither duplicate nor outage and the warning is
// surfaced on the outcome.
func (s *Service) gate(ctx context.Context, issue string, open []Ticket) (*IncidentStatus, string) {
	if len(open) == 0 {
		return &IncidentStatus{Reason: "no open tickets"}, ""
	}

	sample := open
	if len(sample) > GateSampleSize {
		sample = sample[:GateSampleSize]
	}

	start := time.Now()
	status, err := s.oracle.CheckIncidentStatus(ctx, issue, sample)
	s.metrics.OracleDuration.WithLabelValues("check_incident").Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.OracleCallsTotal.WithLabelValues("check_incident", "error").Inc()
		s.metrics.GateFailClosed.Inc()
		s.logger.Warn(ctx, "incident gate failed closed", "error", err.Error())
		return &IncidentStatus{}, fmt.Sprintf("incident gate unavailable: %v", err)
	}
	s.metrics.OracleCallsTotal.WithLabelValues("check_incident", "ok").Inc()
	return status, ""
}

// decide requests a candidate from the oracle and validates the referenced
// engineer against the eligible roster before anything is mutated.
func (s *Service) decide(ctx context.Context, issue string, eligible []Engineer, exclude []string) (*AssignmentDecision, error) {
	start := time.Now()
	decision, err := s.oracle.Decide(ctx, issue, eligible, exclude)
	s.metrics.OracleDuration.WithLabelValues("decide").Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.OracleCallsTotal.WithLabelValues("decide", "error").Inc()
		var oe *OracleError
		if errors.As(err, &oe) {
			return nil, err
		}
		return nil, &OracleError{Kind: OracleUnavailable, Op: "decide", Err: err}
	}
	s.metrics.OracleCallsTotal.WithLabelValues("decide", "ok").Inc()

	for i := range eligible {
		if eligible[i].Name == decision.AssignedTo {
			return decision, nil
		}
	}
	return nil, &OracleError{
		Kind: OracleMalformed,
		Op:   "decide",
		Err:  fmt.Errorf("%w: candidate %q not in eligible roster", ErrUnknownEngineer, decision.AssignedTo),
	}
}

// notify delivers best-effort; failures are counted and logged, never fatal.
func (s *Service) notify(ctx context.Context, n *Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, n); err != nil {
		s.metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "error").Inc()
		s.logger.Warn(ctx, "notification failed", "kind", string(n.Kind), "error", err.Error())
		return
	}
	s.metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "ok").Inc()
}

func (s *Service) recordUnderflow(ctx context.Context, err error, engineer, ticketID string) {
	// Clamped at the store, but never silently: this indicates a prior
	// accounting bug.
	s.metrics.LoadClampsTotal.Inc()
	s.logger.Error(ctx, err, "invariant violation: load decrement clamped",
		"engineer", engineer,
		"ticket_id", ticketID,
	)
}

// fail records the error on the operation span and passes it through.
func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
