package ledger

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"tradecore/internal/apperr"
	"tradecore/internal/httputil"
	"tradecore/internal/store"
)

type Handler struct {
	svc   *Service
	store store.Store
}

func NewHandler(svc *Service, st store.Store) *Handler {
	return &Handler{svc: svc, store: st}
}

// Routes is the public read surface.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/accounts/{id}", h.get)
	r.Get("/accounts/{id}/transactions", h.transactions)
}

// InternalRoutes is the back-office provisioning surface.
func (h *Handler) InternalRoutes(r chi.Router) {
	r.Post("/accounts", h.open)
	r.Get("/accounts", h.list)
	r.Post("/accounts/{id}/deposit", h.deposit)
}

type openRequest struct {
	UserID         string          `json:"user_id"`
	ClientID       string          `json:"client_id"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Validation("invalid json body"))
		return
	}
	acc, err := h.svc.Open(r.Context(), req.UserID, req.ClientID, req.OpeningBalance)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, acc)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.ListAccounts(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	acc, err := h.store.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acc)
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Validation("invalid json body"))
		return
	}
	acc, err := h.svc.Deposit(r.Context(), chi.URLParam(r, "id"), req.Amount)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acc)
}

func (h *Handler) transactions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			httputil.WriteError(w, apperr.Validation("limit must be between 1 and 500"))
			return
		}
		limit = n
	}
	txns, err := h.store.ListTransactions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}
