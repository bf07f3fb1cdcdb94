// Package memstore provides an in-memory implementation of dispatch.Store.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/dispatch/internal/dispatch"
)

// Store holds engineers and tickets in memory. Suitable for dev/testing.
// All load deltas happen under the store lock, so they are atomic with
// respect to each other exactly like the SQL single-statement updates.
type Store struct {
	mu        sync.RWMutex
	engineers map[string]*dispatch.Engineer
	roster    []string // engineer insertion order
	tickets   map[string]*dispatch.Ticket
	order     []string // ticket insertion order
}

// New initializes an empty in-memory Store.
func New() *Store {
	return &Store{
		engineers: make(map[string]*dispatch.Engineer),
		tickets:   make(map[string]*dispatch.Ticket),
	}
}

// ListEngineers returns the roster in insertion order. Returns copies.
func (s *Store) ListEngineers(_ context.Context) ([]dispatch.Engineer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]dispatch.Engineer, 0, len(s.roster))
	for _, name := range s.roster {
		out = append(out, *s.engineers[name])
	}
	return out, nil
}

// GetEngineer retrieves an engineer by name. Returns a copy.
func (s *Store) GetEngineer(_ context.Context, name string) (*dispatch.Engineer, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.engineers[name]
	if !ok {
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

// UpsertEngineer inserts or replaces an engineer keyed by name.
func (s *Store) UpsertEngineer(_ context.Context, e *dispatch.Engineer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.engineers[e.Name]; !ok {
		s.roster = append(s.roster, e.Name)
	}
	cp := *e
	s.engineers[e.Name] = &cp
	return nil
}

// IncrementLoad atomically adds one to the engineer's open-ticket count.
func (s *Store) IncrementLoad(_ context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.engineers[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", dispatch.ErrUnknownEngineer, name)
	}
	e.CurrentLoad++
	return e.CurrentLoad, nil
}

// DecrementLoad atomically subtracts one, flooring at zero. A decrement that
// finds the count already at zero reports ErrLoadUnderflow.
func (s *Store) DecrementLoad(_ context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.engineers[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", dispatch.ErrUnknownEngineer, name)
	}
	if e.CurrentLoad == 0 {
		return 0, fmt.Errorf("%w: %s", dispatch.ErrLoadUnderflow, name)
	}
	e.CurrentLoad--
	return e.CurrentLoad, nil
}

// ListOpenTickets returns in-progress tickets in insertion order. Copies.
func (s *Store) ListOpenTickets(_ context.Context) ([]dispatch.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dispatch.Ticket
	for _, id := range s.order {
		if t := s.tickets[id]; t.Status == dispatch.StatusInProgress {
			out = append(out, *t)
		}
	}
	return out, nil
}

// GetTicket retrieves a ticket by ID. Returns a copy.
func (s *Store) GetTicket(_ context.Context, id string) (*dispatch.Ticket, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, false, nil
	}
	cp := *t
	return &cp, true, nil
}

// InsertTicket stores a copy of the ticket under a freshly minted ID.
func (s *Store) InsertTicket(_ context.Context, t *dispatch.Ticket) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := ulid.Make().String()
	cp := *t
	cp.ID = id
	s.tickets[id] = &cp
	s.order = append(s.order, id)
	return id, nil
}

// ResolveTicket transitions an in-progress ticket to solved and records the
// feedback. Reports false without error when the ticket was already solved.
func (s *Store) ResolveTicket(_ context.Context, id, feedback string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", dispatch.ErrUnknownTicket, id)
	}
	if t.Status != dispatch.StatusInProgress {
		return false, nil
	}
	t.Status = dispatch.StatusSolved
	t.Feedback = feedback
	return true, nil
}

// ReassignTicket points an in-progress ticket at a new assignee and resets
// its assignment timestamp.
func (s *Store) ReassignTicket(_ context.Context, id, assignee string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return fmt.Errorf("%w: %s", dispatch.ErrUnknownTicket, id)
	}
	if t.Status != dispatch.StatusInProgress {
		return fmt.Errorf("%w: %s", dispatch.ErrTicketSolved, id)
	}
	t.AssignedTo = assignee
	t.AssignedAt = at
	return nil
}

// ResetAll zeroes every engineer's load and deletes all tickets.
func (s *Store) ResetAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.engineers {
		e.CurrentLoad = 0
	}
	s.tickets = make(map[string]*dispatch.Ticket)
	s.order = nil
	return nil
}
