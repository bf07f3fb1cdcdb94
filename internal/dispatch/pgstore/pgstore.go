// Package pgstore provides a PostgreSQL implementation of dispatch.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/dispatch/internal/dispatch"
)

var tracer = otel.Tracer("github.com/linnemanlabs/dispatch/internal/dispatch/pgstore")

//go:embed schema.sql
var schema string

// Store persists engineers and tickets in PostgreSQL. Load deltas are single
// UPDATE statements, so they stay atomic under concurrent operations without
// application-level locking.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const engineerColumns = `name, skills, seniority, current_load, avg_ttr_min`

const ticketColumns = `id, reporter, issue, assigned_to, severity, status, assigned_at, feedback`

// ListEngineers returns the full roster ordered by name.
func (s *Store) ListEngineers(ctx context.Context) ([]dispatch.Engineer, error) {
	ctx, span := s.span(ctx, "pgstore.ListEngineers", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+engineerColumns+` FROM engineers ORDER BY name`)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("query engineers: %w", err))
	}
	defer rows.Close()

	var out []dispatch.Engineer
	for rows.Next() {
		e, err := scanEngineer(rows)
		if err != nil {
			return nil, s.fail(span, err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(span, fmt.Errorf("iterate engineers: %w", err))
	}
	return out, nil
}

// GetEngineer retrieves an engineer by name.
func (s *Store) GetEngineer(ctx context.Context, name string) (*dispatch.Engineer, bool, error) {
	ctx, span := s.span(ctx, "pgstore.GetEngineer", "SELECT")
	defer span.End()

	row := s.pool.QueryRow(ctx, `SELECT `+engineerColumns+` FROM engineers WHERE name = $1`, name)
	e, err := scanEngineer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, s.fail(span, err)
	}
	return e, true, nil
}

// UpsertEngineer inserts or replaces an engineer keyed by name.
func (s *Store) UpsertEngineer(ctx context.Context, e *dispatch.Engineer) error {
	ctx, span := s.span(ctx, "pgstore.UpsertEngineer", "UPSERT")
	defer span.End()

	skillsJSON, err := json.Marshal(e.Skills)
	if err != nil {
		return s.fail(span, fmt.Errorf("marshal skills: %w", err))
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO engineers (name, skills, seniority, current_load, avg_ttr_min)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			skills      = EXCLUDED.skills,
			seniority   = EXCLUDED.seniority,
			avg_ttr_min = EXCLUDED.avg_ttr_min`,
		e.Name, skillsJSON, e.Seniority, e.CurrentLoad, e.AvgTTRMin,
	)
	if err != nil {
		return s.fail(span, fmt.Errorf("upsert engineer: %w", err))
	}
	return nil
}

// IncrementLoad adds one to current_load in a single statement.
func (s *Store) IncrementLoad(ctx context.Context, name string) (int, error) {
	ctx, span := s.span(ctx, "pgstore.IncrementLoad", "UPDATE")
	defer span.End()

	var load int
	err := s.pool.QueryRow(ctx,
		`UPDATE engineers SET current_load = current_load + 1 WHERE name = $1 RETURNING current_load`,
		name,
	).Scan(&load)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", dispatch.ErrUnknownEngineer, name)
		}
		return 0, s.fail(span, fmt.Errorf("increment load: %w", err))
	}
	return load, nil
}

// DecrementLoad subtracts one in a single statement guarded by
// current_load > 0, distinguishing underflow from an unknown engineer.
func (s *Store) DecrementLoad(ctx context.Context, name string) (int, error) {
	ctx, span := s.span(ctx, "pgstore.DecrementLoad", "UPDATE")
	defer span.End()

	var load int
	err := s.pool.QueryRow(ctx,
		`UPDATE engineers SET current_load = current_load - 1
		 WHERE name = $1 AND current_load > 0
		 RETURNING current_load`,
		name,
	).Scan(&load)
	if err == nil {
		return load, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, s.fail(span, fmt.Errorf("decrement load: %w", err))
	}

	// No row matched: either the engineer is unknown or the load was
	// already zero.
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM engineers WHERE name = $1)`, name,
	).Scan(&exists); err != nil {
		return 0, s.fail(span, fmt.Errorf("check engineer: %w", err))
	}
	if !exists {
		return 0, fmt.Errorf("%w: %s", dispatch.ErrUnknownEngineer, name)
	}
	return 0, fmt.Errorf("%w: %s", dispatch.ErrLoadUnderflow, name)
}

// ListOpenTickets returns in-progress tickets, oldest assignment first.
func (s *Store) ListOpenTickets(ctx context.Context) ([]dispatch.Ticket, error) {
	ctx, span := s.span(ctx, "pgstore.ListOpenTickets", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE status = $1 ORDER BY assigned_at`,
		string(dispatch.StatusInProgress),
	)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("query tickets: %w", err))
	}
	defer rows.Close()

	var out []dispatch.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, s.fail(span, err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(span, fmt.Errorf("iterate tickets: %w", err))
	}
	return out, nil
}

// GetTicket retrieves a ticket by ID.
func (s *Store) GetTicket(ctx context.Context, id string) (*dispatch.Ticket, bool, error) {
	ctx, span := s.span(ctx, "pgstore.GetTicket", "SELECT")
	defer span.End()

	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, s.fail(span, err)
	}
	return t, true, nil
}

// InsertTicket stores the ticket under a freshly minted ULID.
func (s *Store) InsertTicket(ctx context.Context, t *dispatch.Ticket) (string, error) {
	ctx, span := s.span(ctx, "pgstore.InsertTicket", "INSERT")
	defer span.End()

	id := ulid.Make().String()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tickets (id, reporter, issue, assigned_to, severity, status, assigned_at, feedback)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, t.Reporter, t.Issue, t.AssignedTo, t.Severity, string(t.Status), t.AssignedAt, t.Feedback,
	)
	if err != nil {
		return "", s.fail(span, fmt.Errorf("insert ticket: %w", err))
	}
	return id, nil
}

// ResolveTicket conditionally transitions in_progress -> solved. The status
// guard in the WHERE clause is what makes resolution idempotent.
func (s *Store) ResolveTicket(ctx context.Context, id, feedback string) (bool, error) {
	ctx, span := s.span(ctx, "pgstore.ResolveTicket", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE tickets SET status = $2, feedback = $3 WHERE id = $1 AND status = $4`,
		id, string(dispatch.StatusSolved), feedback, string(dispatch.StatusInProgress),
	)
	if err != nil {
		return false, s.fail(span, fmt.Errorf("resolve ticket: %w", err))
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tickets WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, s.fail(span, fmt.Errorf("check ticket: %w", err))
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", dispatch.ErrUnknownTicket, id)
	}
	return false, nil
}

// ReassignTicket retargets an in-progress ticket and resets its assignment
// timestamp.
func (s *Store) ReassignTicket(ctx context.Context, id, assignee string, at time.Time) error {
	ctx, span := s.span(ctx, "pgstore.ReassignTicket", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE tickets SET assigned_to = $2, assigned_at = $3 WHERE id = $1 AND status = $4`,
		id, assignee, at, string(dispatch.StatusInProgress),
	)
	if err != nil {
		return s.fail(span, fmt.Errorf("reassign ticket: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", dispatch.ErrUnknownTicket, id)
	}
	return nil
}

// ResetAll zeroes every load and deletes all tickets in one transaction.
func (s *Store) ResetAll(ctx context.Context) error {
	ctx, span := s.span(ctx, "pgstore.ResetAll", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return s.fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx, `DELETE FROM tickets`); err != nil {
		return s.fail(span, fmt.Errorf("delete tickets: %w", err))
	}
	if _, err := tx.Exec(ctx, `UPDATE engineers SET current_load = 0`); err != nil {
		return s.fail(span, fmt.Errorf("zero loads: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return s.fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Store) span(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func (s *Store) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func scanEngineer(row pgx.Row) (*dispatch.Engineer, error) {
	var (
		e          dispatch.Engineer
		skillsJSON []byte
	)
	if err := row.Scan(&e.Name, &skillsJSON, &e.Seniority, &e.CurrentLoad, &e.AvgTTRMin); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan engineer: %w", err)
	}
	if err := json.Unmarshal(skillsJSON, &e.Skills); err != nil {
		return nil, fmt.Errorf("unmarshal skills: %w", err)
	}
	return &e, nil
}

func scanTicket(row pgx.Row) (*dispatch.Ticket, error) {
	var (
		t      dispatch.Ticket
		status string
	)
	if err := row.Scan(&t.ID, &t.Reporter, &t.Issue, &t.AssignedTo, &t.Severity, &status, &t.AssignedAt, &t.Feedback); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan ticket: %w", err)
	}
	t.Status = dispatch.TicketStatus(status)
	return &t, nil
}
