package dispatchapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type submitRequest struct {
	Reporter string `json:"reporter"`
	Issue    string `json:"issue"`
}

type resolveRequest struct {
	Feedback string `json:"feedback"`
}

func (a *API) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if req.Reporter == "" || req.Issue == "" {
		http.Error(w, `{"error":"reporter and issue are required"}`, http.StatusBadRequest)
		return
	}

	out, err := a.svc.SubmitReport(r.Context(), req.Reporter, req.Issue)
	if err != nil {
		a.writeError(w, r, err, "submit report failed")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("dispatch.disposition", string(out.Disposition)))

	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleResolveTicket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	out, err := a.svc.ResolveTicket(r.Context(), id, req.Feedback)
	if err != nil {
		a.writeError(w, r, err, "resolve ticket failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleRefuseTicket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	out, err := a.svc.RefuseTicket(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "refuse ticket failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}
