package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"tradecore/internal/events"
	"tradecore/internal/ledger"
	"tradecore/internal/marketdata"
	"tradecore/internal/orders"
	"tradecore/internal/positions"
	"tradecore/internal/risk"
	"tradecore/internal/store"
	"tradecore/internal/types"
	"tradecore/internal/worker"
)

const (
	operatorToken = "operator-secret"
	internalToken = "internal-secret"
)

type env struct {
	router http.Handler
	store  store.Store
	quotes *marketdata.Quotes
	orders *orders.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory()
	quotes := marketdata.NewQuotes(map[string]decimal.Decimal{"RELIANCE": decimal.NewFromInt(2850)})
	hub := events.NewHub("", log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	led := ledger.NewService(st, log)
	pm := positions.NewManager(st, led, log)
	orderSvc := orders.NewService(st, led, pm, quotes, nil, hub, log)
	monitor := risk.NewMonitor(st, quotes, orderSvc, hub, risk.Thresholds{
		WarningPct:  decimal.NewFromInt(80),
		CriticalPct: decimal.NewFromInt(90),
		AutoClose:   true,
	}, log)
	registry := worker.NewRegistry(st, 30*time.Second, 100, log)
	registry.Register(worker.Worker{
		ID:       types.WorkerOrderExecution,
		Label:    "order execution",
		Interval: time.Second,
		Pass: func(ctx context.Context, opts worker.PassOptions) (worker.PassStats, error) {
			scanned, executed, errs, err := orderSvc.ExecutePass(ctx, 0, opts.Limit, opts.DryRun)
			return worker.PassStats{Scanned: scanned, Executed: executed, Errors: errs}, err
		},
	})

	hash, err := bcrypt.GenerateFromPassword([]byte(operatorToken), bcrypt.MinCost)
	require.NoError(t, err)
	auth := NewAuth("tradecore-test", "test-jwt-secret", time.Hour, string(hash), internalToken)

	router := NewRouter(Deps{
		Auth:      auth,
		Accounts:  ledger.NewHandler(led, st),
		Orders:    orders.NewHandler(orderSvc),
		Positions: positions.NewHandler(st, quotes),
		Risk:      risk.NewHandler(monitor, st),
		Workers:   worker.NewHandler(registry),
		Hub:       hub,
	})
	return &env{router: router, store: st, quotes: quotes, orders: orderSvc}
}

func (e *env) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func internalHeaders() map[string]string {
	return map[string]string{"X-Internal-Token": internalToken}
}

func (e *env) openAccount(t *testing.T, balance string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/accounts", map[string]any{
		"user_id":         "u1",
		"client_id":       "CL001",
		"opening_balance": balance,
	}, internalHeaders())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var acc struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acc))
	return acc.ID
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAccountProvisioningRequiresInternalToken(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/v1/accounts", map[string]any{
		"user_id": "u1", "client_id": "CL001", "opening_balance": "1000",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	id := e.openAccount(t, "1000")
	assert.NotEmpty(t, id)

	// Reads are public.
	rec = e.do(t, http.MethodGet, "/v1/accounts/"+id, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPlaceOrderOverHTTP(t *testing.T) {
	e := newEnv(t)
	id := e.openAccount(t, "100000")

	rec := e.do(t, http.MethodPost, "/v1/orders", map[string]any{
		"account_id":      id,
		"symbol":          "RELIANCE",
		"segment":         "EQUITY",
		"product_type":    "INTRADAY",
		"side":            "BUY",
		"type":            "LIMIT",
		"quantity":        "10",
		"price":           "100",
		"allow_off_hours": true,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Order struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"order"`
		Charges struct {
			MarginRequired string `json:"margin_required"`
		} `json:"charges"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "PENDING", resp.Order.Status)
	assert.Equal(t, "200", resp.Charges.MarginRequired)
}

func TestPlaceOrderInsufficientMargin(t *testing.T) {
	e := newEnv(t)
	id := e.openAccount(t, "100")

	rec := e.do(t, http.MethodPost, "/v1/orders", map[string]any{
		"account_id":      id,
		"symbol":          "RELIANCE",
		"segment":         "EQUITY",
		"product_type":    "INTRADAY",
		"side":            "BUY",
		"type":            "LIMIT",
		"quantity":        "100",
		"price":           "2850",
		"allow_off_hours": true,
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "insufficient_margin", resp.Kind)
}

func TestMarginPreview(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/v1/margin/preview", map[string]any{
		"symbol":       "NIFTY",
		"segment":      "EQUITY",
		"product_type": "INTRADAY",
		"side":         "BUY",
		"quantity":     "100",
		"price":        "25000",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res struct {
		MarginRequired string `json:"margin_required"`
		Brokerage      string `json:"brokerage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "500000", res.MarginRequired)
	assert.Equal(t, "20", res.Brokerage)
}

func TestOperatorTokenFlow(t *testing.T) {
	e := newEnv(t)

	// No bearer token.
	rec := e.do(t, http.MethodGet, "/v1/workers", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong operator secret.
	rec = e.do(t, http.MethodPost, "/v1/operator/token", map[string]any{"token": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Exchange the secret for a JWT.
	rec = e.do(t, http.MethodPost, "/v1/operator/token", map[string]any{"token": operatorToken}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	require.NotEmpty(t, tok.AccessToken)

	bearer := map[string]string{"Authorization": "Bearer " + tok.AccessToken}
	rec = e.do(t, http.MethodGet, "/v1/workers", nil, bearer)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Garbage bearer tokens are rejected.
	rec = e.do(t, http.MethodGet, "/v1/workers", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWorkerRunOnceOverHTTP(t *testing.T) {
	e := newEnv(t)
	id := e.openAccount(t, "100000")

	rec := e.do(t, http.MethodPost, "/v1/orders", map[string]any{
		"account_id":      id,
		"symbol":          "RELIANCE",
		"segment":         "EQUITY",
		"product_type":    "INTRADAY",
		"side":            "BUY",
		"type":            "LIMIT",
		"quantity":        "10",
		"price":           "100",
		"allow_off_hours": true,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/operator/token", map[string]any{"token": operatorToken}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))

	bearer := map[string]string{"Authorization": "Bearer " + tok.AccessToken}
	rec = e.do(t, http.MethodPost, "/v1/workers/order_execution/run", map[string]any{}, bearer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Stats struct {
			Scanned  int `json:"scanned"`
			Executed int `json:"executed"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Stats.Scanned)
	assert.Equal(t, 1, resp.Stats.Executed)
}

func TestRiskConfigSurface(t *testing.T) {
	e := newEnv(t)

	// Public read falls back to defaults.
	rec := e.do(t, http.MethodGet, "/v1/risk/config?segment=EQUITY&product_type=INTRADAY", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Default bool `json:"default"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Default)

	// Writes need operator auth.
	body := map[string]any{
		"segment": "EQUITY", "product_type": "INTRADAY", "leverage": "200",
	}
	rec = e.do(t, http.MethodPut, "/v1/risk/config", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tokRec := e.do(t, http.MethodPost, "/v1/operator/token", map[string]any{"token": operatorToken}, nil)
	require.Equal(t, http.StatusOK, tokRec.Code)
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(tokRec.Body.Bytes(), &tok))
	rec = e.do(t, http.MethodPut, "/v1/risk/config", body, map[string]string{"Authorization": "Bearer " + tok.AccessToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/v1/risk/config?segment=EQUITY&product_type=INTRADAY", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Default)
}

func TestCancelOrderOverHTTP(t *testing.T) {
	e := newEnv(t)
	id := e.openAccount(t, "100000")

	rec := e.do(t, http.MethodPost, "/v1/orders", map[string]any{
		"account_id":      id,
		"symbol":          "RELIANCE",
		"segment":         "EQUITY",
		"product_type":    "INTRADAY",
		"side":            "BUY",
		"type":            "LIMIT",
		"quantity":        "10",
		"price":           "100",
		"allow_off_hours": true,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var placed struct {
		Order struct {
			ID string `json:"id"`
		} `json:"order"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &placed))

	rec = e.do(t, http.MethodPost, "/v1/orders/"+placed.Order.ID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/v1/orders/"+placed.Order.ID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "second cancel conflicts")
}
