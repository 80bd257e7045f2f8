package risk

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"tradecore/internal/apperr"
	"tradecore/internal/charges"
	"tradecore/internal/httputil"
	"tradecore/internal/model"
	"tradecore/internal/store"
	"tradecore/internal/types"
)

type Handler struct {
	monitor *Monitor
	store   store.Store
}

func NewHandler(monitor *Monitor, st store.Store) *Handler {
	return &Handler{monitor: monitor, store: st}
}

// Routes is the public read surface.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/accounts/{id}/risk", h.snapshot)
	r.Get("/risk/config", h.getConfig)
}

// OperatorRoutes carries config writes; mounted behind operator auth.
func (h *Handler) OperatorRoutes(r chi.Router) {
	r.Put("/risk/config", h.putConfig)
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.monitor.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

type configResponse struct {
	Segment     types.Segment     `json:"segment"`
	ProductType types.ProductType `json:"product_type"`
	Config      charges.Config    `json:"config"`
	Default     bool              `json:"default"`
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	segment := types.Segment(r.URL.Query().Get("segment"))
	product := types.ProductType(r.URL.Query().Get("product_type"))
	if !segment.Valid() || !product.Valid() {
		httputil.WriteError(w, apperr.Validation("segment and product_type query parameters are required"))
		return
	}
	row, err := h.store.GetRiskConfig(r.Context(), segment, product)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	resp := configResponse{Segment: segment, ProductType: product}
	if row == nil {
		resp.Config = charges.DefaultConfig(segment, product)
		resp.Default = true
	} else {
		resp.Config = charges.Config{
			Leverage:      row.Leverage,
			BrokerageFlat: row.BrokerageFlat,
			BrokerageRate: row.BrokerageRate,
			BrokerageCap:  row.BrokerageCap,
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

type putConfigRequest struct {
	Segment       types.Segment     `json:"segment"`
	ProductType   types.ProductType `json:"product_type"`
	Leverage      decimal.Decimal   `json:"leverage"`
	BrokerageFlat decimal.Decimal   `json:"brokerage_flat"`
	BrokerageRate decimal.Decimal   `json:"brokerage_rate"`
	BrokerageCap  decimal.Decimal   `json:"brokerage_cap"`
}

func (h *Handler) putConfig(w http.ResponseWriter, r *http.Request) {
	var req putConfigRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Validation("invalid json body"))
		return
	}
	if !req.Segment.Valid() || !req.ProductType.Valid() {
		httputil.WriteError(w, apperr.Validation("unknown segment or product type"))
		return
	}
	if !req.Leverage.GreaterThan(decimal.Zero) {
		httputil.WriteError(w, apperr.Validation("leverage must be positive"))
		return
	}
	row := &model.RiskConfigRow{
		Segment:       req.Segment,
		ProductType:   req.ProductType,
		Leverage:      req.Leverage,
		BrokerageFlat: req.BrokerageFlat,
		BrokerageRate: req.BrokerageRate,
		BrokerageCap:  req.BrokerageCap,
	}
	if err := h.store.PutRiskConfig(r.Context(), row); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, row)
}
