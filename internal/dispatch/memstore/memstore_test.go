package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/dispatch/internal/dispatch"
)

func TestStore_UpsertAndList(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.UpsertEngineer(ctx, &dispatch.Engineer{Name: "ana", Skills: []string{"go"}, Seniority: "senior"})
	_ = s.UpsertEngineer(ctx, &dispatch.Engineer{Name: "bo"})

	roster, err := s.ListEngineers(ctx)
	if err != nil {
		t.Fatalf("ListEngineers: %v", err)
	}
	if len(roster) != 2 {
		t.Fatalf("roster = %d, want 2", len(roster))
	}
	if roster[0].Name != "ana" || roster[1].Name != "bo" {
		t.Errorf("roster order = [%s %s], want insertion order", roster[0].Name, roster[1].Name)
	}

	// Upsert replaces without duplicating the roster entry.
	_ = s.UpsertEngineer(ctx, &dispatch.Engineer{Name: "ana", Seniority: "staff"})
	roster, _ = s.ListEngineers(ctx)
	if len(roster) != 2 {
		t.Fatalf("roster after re-upsert = %d, want 2", len(roster))
	}
	if roster[0].Seniority != "staff" {
		t.Errorf("seniority = %q, want %q", roster[0].Seniority, "staff")
	}
}

func TestStore_GetEngineerMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.GetEngineer(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetEngineer: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing engineer")
	}
}

func TestStore_LoadDeltas(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.UpsertEngineer(ctx, &dispatch.Engineer{Name: "ana"})

	if n, err := s.IncrementLoad(ctx, "ana"); err != nil || n != 1 {
		t.Fatalf("IncrementLoad = (%d, %v), want (1, nil)", n, err)
	}
	if n, err := s.IncrementLoad(ctx, "ana"); err != nil || n != 2 {
		t.Fatalf("IncrementLoad = (%d, %v), want (2, nil)", n, err)
	}
	if n, err := s.DecrementLoad(ctx, "ana"); err != nil || n != 1 {
		t.Fatalf("DecrementLoad = (%d, %v), want (1, nil)", n, err)
	}

	if _, err := s.IncrementLoad(ctx, "ghost"); !errors.Is(err, dispatch.ErrUnknownEngineer) {
		t.Errorf("increment unknown: err = %v, want ErrUnknownEngineer", err)
	}
}

func TestStore_DecrementFloorsAtZero(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.UpsertEngineer(ctx, &dispatch.Engineer{Name: "ana"})

	n, err := s.DecrementLoad(ctx, "ana")
	if !errors.Is(err, dispatch.ErrLoadUnderflow) {
		t.Fatalf("err = %v, want ErrLoadUnderflow", err)
	}
	if n != 0 {
		t.Errorf("load = %d, want 0", n)
	}

	e, _, _ := s.GetEngineer(ctx, "ana")
	if e.CurrentLoad != 0 {
		t.Errorf("stored load = %d, want 0 (never negative)", e.CurrentLoad)
	}
}

func TestStore_InsertAndGetTicket(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	id, err := s.InsertTicket(ctx, &dispatch.Ticket{
		Reporter:   "reporter",
		Issue:      "db timeouts",
		AssignedTo: "ana",
		Status:     dispatch.StatusInProgress,
	})
	if err != nil {
		t.Fatalf("InsertTicket: %v", err)
	}
	if id == "" {
		t.Fatal("expected minted ticket ID")
	}

	got, ok, err := s.GetTicket(ctx, id)
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if !ok {
		t.Fatal("expected ticket to be found")
	}
	if got.ID != id || got.Issue != "db timeouts" {
		t.Errorf("ticket = %+v", got)
	}
}

func TestStore_ListOpenTicketsFiltersSolved(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	a, _ := s.InsertTicket(ctx, &dispatch.Ticket{Issue: "a", AssignedTo: "ana", Status: dispatch.StatusInProgress})
	b, _ := s.InsertTicket(ctx, &dispatch.Ticket{Issue: "b", AssignedTo: "ana", Status: dispatch.StatusInProgress})
	if _, err := s.ResolveTicket(ctx, a, "fixed"); err != nil {
		t.Fatalf("ResolveTicket: %v", err)
	}

	open, err := s.ListOpenTickets(ctx)
	if err != nil {
		t.Fatalf("ListOpenTickets: %v", err)
	}
	if len(open) != 1 || open[0].ID != b {
		t.Fatalf("open = %+v, want just %s", open, b)
	}
}

func TestStore_ResolveIdempotency(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	id, _ := s.InsertTicket(ctx, &dispatch.Ticket{Issue: "a", AssignedTo: "ana", Status: dispatch.StatusInProgress})

	resolved, err := s.ResolveTicket(ctx, id, "fixed")
	if err != nil || !resolved {
		t.Fatalf("first resolve = (%v, %v), want (true, nil)", resolved, err)
	}
	resolved, err = s.ResolveTicket(ctx, id, "fixed again")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if resolved {
		t.Error("second resolve reported a transition")
	}

	got, _, _ := s.GetTicket(ctx, id)
	if got.Feedback != "fixed" {
		t.Errorf("feedback = %q, want first resolution's feedback kept", got.Feedback)
	}

	if _, err := s.ResolveTicket(ctx, "ghost", ""); !errors.Is(err, dispatch.ErrUnknownTicket) {
		t.Errorf("resolve unknown: err = %v, want ErrUnknownTicket", err)
	}
}

func TestStore_ReassignTicket(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	id, _ := s.InsertTicket(ctx, &dispatch.Ticket{Issue: "a", AssignedTo: "ana", Status: dispatch.StatusInProgress})

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.ReassignTicket(ctx, id, "bo", at); err != nil {
		t.Fatalf("ReassignTicket: %v", err)
	}
	got, _, _ := s.GetTicket(ctx, id)
	if got.AssignedTo != "bo" {
		t.Errorf("assigned_to = %q, want %q", got.AssignedTo, "bo")
	}
	if !got.AssignedAt.Equal(at) {
		t.Errorf("assigned_at = %v, want %v", got.AssignedAt, at)
	}

	_, _ = s.ResolveTicket(ctx, id, "fixed")
	if err := s.ReassignTicket(ctx, id, "ana", at); !errors.Is(err, dispatch.ErrTicketSolved) {
		t.Errorf("reassign solved: err = %v, want ErrTicketSolved", err)
	}
}

func TestStore_ResetAll(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.UpsertEngineer(ctx, &dispatch.Engineer{Name: "ana", CurrentLoad: 3})
	_, _ = s.InsertTicket(ctx, &dispatch.Ticket{Issue: "a", AssignedTo: "ana", Status: dispatch.StatusInProgress})

	if err := s.ResetAll(ctx); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}

	e, _, _ := s.GetEngineer(ctx, "ana")
	if e.CurrentLoad != 0 {
		t.Errorf("load = %d, want 0", e.CurrentLoad)
	}
	open, _ := s.ListOpenTickets(ctx)
	if len(open) != 0 {
		t.Errorf("open = %d, want 0", len(open))
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.UpsertEngineer(ctx, &dispatch.Engineer{Name: "ana"})

	e, _, _ := s.GetEngineer(ctx, "ana")
	e.CurrentLoad = 99

	again, _, _ := s.GetEngineer(ctx, "ana")
	if again.CurrentLoad != 0 {
		t.Error("mutating a returned engineer leaked into the store")
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	const n = 100

	for i := range n {
		_ = s.UpsertEngineer(ctx, &dispatch.Engineer{Name: fmt.Sprintf("eng-%d", i)})
	}

	var wg sync.WaitGroup
	wg.Add(n * 3)
	for i := range n {
		name := fmt.Sprintf("eng-%d", i)

		go func() {
			defer wg.Done()
			_, _ = s.IncrementLoad(ctx, name)
		}()

		go func() {
			defer wg.Done()
			_, _, _ = s.GetEngineer(ctx, name)
			_, _ = s.ListEngineers(ctx)
		}()

		go func() {
			defer wg.Done()
			_, _ = s.InsertTicket(ctx, &dispatch.Ticket{Issue: name, AssignedTo: name, Status: dispatch.StatusInProgress})
			_, _ = s.ListOpenTickets(ctx)
		}()
	}
	wg.Wait()

	roster, _ := s.ListEngineers(ctx)
	for _, e := range roster {
		if e.CurrentLoad != 1 {
			t.Fatalf("%s load = %d, want 1", e.Name, e.CurrentLoad)
		}
	}
}
