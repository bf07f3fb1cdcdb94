// Package dispatchapi exposes the orchestrator's operations over HTTP. It is
// the presentation boundary: every mutating route sits behind the session
// acknowledgement gate, and hard failures map to status codes distinct from
// the duplicate/outage outcomes so callers can render the correct state.
package dispatchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/dispatch/internal/authmw"
	"github.com/linnemanlabs/dispatch/internal/dispatch"
)

// DispatchService defines the business operations the API needs.
type DispatchService interface {
	SubmitReport(ctx context.Context, reporter, issue string) (*dispatch.SubmitOutcome, error)
	ResolveTicket(ctx context.Context, id, feedback string) (*dispatch.ResolveOutcome, error)
	RefuseTicket(ctx context.Context, id string) (*dispatch.RefuseOutcome, error)
	Board(ctx context.Context) ([]dispatch.BoardEntry, error)
	Engineers(ctx context.Context) ([]dispatch.Engineer, error)
	ResetAllLoads(ctx context.Context) error
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	svc      DispatchService
	sessions *authmw.Sessions
}

// New creates a new API handler.
func New(logger log.Logger, svc DispatchService, sessions *authmw.Sessions) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("dispatch service is required"))
	}
	if sessions == nil {
		sessions = authmw.NewSessions()
	}
	return &API{
		logger:   logger,
		svc:      svc,
		sessions: sessions,
	}
}

// RegisterRoutes attaches API endpoints to the router. Everything except the
// acceptance endpoint requires an acknowledgement token.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/session/accept", a.handleAcceptTerms)

		r.Group(func(r chi.Router) {
			r.Use(a.sessions.Require)
			r.Post("/reports", a.handleSubmitReport)
			r.Post("/tickets/{id}/resolve", a.handleResolveTicket)
			r.Post("/tickets/{id}/refuse", a.handleRefuseTicket)
			r.Get("/board", a.handleBoard)
			r.Get("/engineers", a.handleEngineers)
			r.Post("/admin/reset", a.handleReset)
		})
	})
}

func (a *API) handleAcceptTerms(w http.ResponseWriter, r *http.Request) {
	token := a.sessions.Issue()
	a.logger.Info(r.Context(), "terms accepted, session token issued")
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

func (a *API) handleBoard(w http.ResponseWriter, r *http.Request) {
	entries, err := a.svc.Board(r.Context())
	if err != nil {
		a.writeError(w, r, err, "failed to build board")
		return
	}
	if entries == nil {
		entries = []dispatch.BoardEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleEngineers(w http.ResponseWriter, r *http.Request) {
	roster, err := a.svc.Engineers(r.Context())
	if err != nil {
		a.writeError(w, r, err, "failed to list engineers")
		return
	}
	if roster == nil {
		roster = []dispatch.Engineer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"engineers": roster})
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.ResetAllLoads(r.Context()); err != nil {
		a.writeError(w, r, err, "reset failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps domain errors onto status codes. Oracle failures surface
// as 502 so callers can distinguish them from their own bad requests.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	a.logger.Error(r.Context(), err, msg)

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dispatch.ErrUnknownTicket), errors.Is(err, dispatch.ErrUnknownEngineer):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrNoEligibleEngineer), errors.Is(err, dispatch.ErrTicketSolved):
		status = http.StatusConflict
	}
	var oe *dispatch.OracleError
	if errors.As(err, &oe) {
		status = http.StatusBadGateway
	}

	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
