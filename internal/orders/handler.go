package orders

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"tradecore/internal/apperr"
	"tradecore/internal/charges"
	"tradecore/internal/httputil"
	"tradecore/internal/types"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/orders", h.place)
	r.Get("/orders", h.list)
	r.Get("/orders/{id}", h.get)
	r.Post("/orders/{id}/cancel", h.cancel)
	r.Post("/margin/preview", h.preview)
}

type placeResponse struct {
	Order   any             `json:"order"`
	Charges *charges.Result `json:"charges"`
}

func (h *Handler) place(w http.ResponseWriter, r *http.Request) {
	var req PlaceRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Validation("invalid json body"))
		return
	}
	order, res, err := h.svc.Place(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, placeResponse{Order: order, Charges: res})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		httputil.WriteError(w, apperr.Validation("account_id query parameter is required"))
		return
	}
	status := types.OrderStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		httputil.WriteError(w, apperr.Validation("unknown status filter"))
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			httputil.WriteError(w, apperr.Validation("limit must be between 1 and 500"))
			return
		}
		limit = n
	}
	orders, err := h.svc.store.ListOrders(r.Context(), accountID, status, limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.store.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, order)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, order)
}

type previewRequest struct {
	Symbol      string            `json:"symbol"`
	Segment     types.Segment     `json:"segment"`
	ProductType types.ProductType `json:"product_type"`
	Side        types.OrderSide   `json:"side"`
	Quantity    decimal.Decimal   `json:"quantity"`
	Price       decimal.Decimal   `json:"price"`
}

// preview computes the full margin and charge breakdown without placing
// an order.
func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Validation("invalid json body"))
		return
	}
	price := req.Price
	if !price.GreaterThan(decimal.Zero) {
		ltp, ok := h.svc.quotes.Last(req.Symbol)
		if !ok {
			httputil.WriteError(w, apperr.Validation("no quote available for %s", req.Symbol))
			return
		}
		price = ltp
	}
	cfg, err := h.svc.ChargeConfig(r.Context(), req.Segment, req.ProductType)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	res, err := charges.Compute(charges.Input{
		Symbol:      req.Symbol,
		Segment:     req.Segment,
		ProductType: req.ProductType,
		Side:        req.Side,
		Quantity:    req.Quantity,
		Price:       price,
	}, cfg)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}
