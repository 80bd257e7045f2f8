package positions

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"tradecore/internal/httputil"
	"tradecore/internal/model"
	"tradecore/internal/store"
)

// QuoteSource resolves last traded prices for marking positions.
type QuoteSource interface {
	Last(symbol string) (decimal.Decimal, bool)
}

type Handler struct {
	store  store.Store
	quotes QuoteSource
}

func NewHandler(st store.Store, quotes QuoteSource) *Handler {
	return &Handler{store: st, quotes: quotes}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/accounts/{id}/positions", h.list)
}

// positionView is a position marked against the latest quote. Unrealized
// figures are omitted when no quote is available.
type positionView struct {
	model.Position
	LastPrice     *decimal.Decimal `json:"last_price,omitempty"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl,omitempty"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	if _, err := h.store.GetAccount(r.Context(), accountID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	book, err := h.store.ListPositions(r.Context(), accountID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	views := make([]positionView, 0, len(book))
	totalUnrealized := decimal.Zero
	for _, p := range book {
		v := positionView{Position: p}
		if ltp, ok := h.quotes.Last(p.Symbol); ok {
			pnl := UnrealizedPnL(p, ltp)
			v.LastPrice = &ltp
			v.UnrealizedPnL = &pnl
			totalUnrealized = totalUnrealized.Add(pnl)
		}
		views = append(views, v)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"positions":            views,
		"total_unrealized_pnl": totalUnrealized,
	})
}
