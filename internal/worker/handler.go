package worker

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"tradecore/internal/apperr"
	"tradecore/internal/httputil"
	"tradecore/internal/types"
)

type Handler struct {
	registry *Registry
}

func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/workers", h.list)
	r.Post("/workers/{id}/toggle", h.toggle)
	r.Post("/workers/{id}/mode", h.setMode)
	r.Post("/workers/{id}/run", h.runOnce)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.registry.Snapshot(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"workers": statuses})
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) toggle(w http.ResponseWriter, r *http.Request) {
	id := types.WorkerID(chi.URLParam(r, "id"))
	var req toggleRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Validation("invalid json body"))
		return
	}
	status, err := h.registry.Toggle(r.Context(), id, req.Enabled)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

type modeRequest struct {
	Mode types.WorkerMode `json:"mode"`
}

func (h *Handler) setMode(w http.ResponseWriter, r *http.Request) {
	id := types.WorkerID(chi.URLParam(r, "id"))
	var req modeRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Validation("invalid json body"))
		return
	}
	if !req.Mode.Valid() {
		httputil.WriteError(w, apperr.Validation("mode must be auto or manual"))
		return
	}
	status, err := h.registry.SetMode(r.Context(), id, req.Mode)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

type runRequest struct {
	Limit  int  `json:"limit,omitempty"`
	DryRun bool `json:"dry_run,omitempty"`
}

func (h *Handler) runOnce(w http.ResponseWriter, r *http.Request) {
	id := types.WorkerID(chi.URLParam(r, "id"))
	var req runRequest
	if r.ContentLength > 0 {
		if err := httputil.ReadJSON(r, &req); err != nil {
			httputil.WriteError(w, apperr.Validation("invalid json body"))
			return
		}
	}
	stats, err := h.registry.RunOnce(r.Context(), id, PassOptions{Limit: req.Limit, DryRun: req.DryRun})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "dry_run": req.DryRun, "stats": stats})
}
