// Package httpserver assembles the chi router: public trading surface,
// internal back-office endpoints, the operator control plane, metrics and
// the websocket event stream.
package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradecore/internal/events"
	"tradecore/internal/httputil"
	"tradecore/internal/ledger"
	"tradecore/internal/metrics"
	"tradecore/internal/orders"
	"tradecore/internal/positions"
	"tradecore/internal/risk"
	"tradecore/internal/worker"
)

type Deps struct {
	Auth      *Auth
	Accounts  *ledger.Handler
	Orders    *orders.Handler
	Positions *positions.Handler
	Risk      *risk.Handler
	Workers   *worker.Handler
	Hub       *events.Hub
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(securityHeaders)
	r.Use(metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", d.Hub.ServeWS)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/operator/token", d.Auth.IssueToken)

		// Trading surface.
		d.Orders.Routes(r)
		d.Positions.Routes(r)
		d.Risk.Routes(r)
		d.Accounts.Routes(r)

		// Back-office provisioning rides on the internal token.
		r.Group(func(r chi.Router) {
			r.Use(d.Auth.RequireInternal)
			d.Accounts.InternalRoutes(r)
		})

		// Operator control plane.
		r.Group(func(r chi.Router) {
			r.Use(d.Auth.RequireOperator)
			d.Workers.Routes(r)
			d.Risk.OperatorRoutes(r)
		})
	})

	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
