package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/internal/apperr"
	"tradecore/internal/model"
	"tradecore/internal/types"
)

// Memory is an in-process Store used by tests and database-less local runs.
type Memory struct {
	txMu         sync.Mutex // serializes WithTx blocks
	mu           sync.Mutex
	accounts     map[string]*model.TradingAccount
	orders       map[string]*model.Order
	orderRefs    map[string]string
	positions    map[string]*model.Position
	transactions []model.Transaction
	workers      map[types.WorkerID]*model.WorkerState
	riskConfig   map[string]*model.RiskConfigRow
}

func NewMemory() *Memory {
	return &Memory{
		accounts:   make(map[string]*model.TradingAccount),
		orders:     make(map[string]*model.Order),
		orderRefs:  make(map[string]string),
		positions:  make(map[string]*model.Position),
		workers:    make(map[types.WorkerID]*model.WorkerState),
		riskConfig: make(map[string]*model.RiskConfigRow),
	}
}

func riskKey(segment types.Segment, product types.ProductType) string {
	return string(segment) + "|" + string(product)
}

// WithTx serializes the block behind txMu and restores a snapshot of the
// whole store when fn fails, so an aborted settlement leaves no partial
// writes behind.
func (m *Memory) WithTx(ctx context.Context, fn func(Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	snap := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts     map[string]*model.TradingAccount
	orders       map[string]*model.Order
	orderRefs    map[string]string
	positions    map[string]*model.Position
	transactions []model.Transaction
	workers      map[types.WorkerID]*model.WorkerState
	riskConfig   map[string]*model.RiskConfigRow
}

func (m *Memory) snapshot() memorySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := memorySnapshot{
		accounts:     make(map[string]*model.TradingAccount, len(m.accounts)),
		orders:       make(map[string]*model.Order, len(m.orders)),
		orderRefs:    make(map[string]string, len(m.orderRefs)),
		positions:    make(map[string]*model.Position, len(m.positions)),
		transactions: append([]model.Transaction(nil), m.transactions...),
		workers:      make(map[types.WorkerID]*model.WorkerState, len(m.workers)),
		riskConfig:   make(map[string]*model.RiskConfigRow, len(m.riskConfig)),
	}
	for k, v := range m.accounts {
		cp := *v
		snap.accounts[k] = &cp
	}
	for k, v := range m.orders {
		cp := *v
		snap.orders[k] = &cp
	}
	for k, v := range m.orderRefs {
		snap.orderRefs[k] = v
	}
	for k, v := range m.positions {
		cp := *v
		snap.positions[k] = &cp
	}
	for k, v := range m.workers {
		cp := *v
		if v.Heartbeat != nil {
			hb := *v.Heartbeat
			cp.Heartbeat = &hb
		}
		snap.workers[k] = &cp
	}
	for k, v := range m.riskConfig {
		cp := *v
		snap.riskConfig[k] = &cp
	}
	return snap
}

func (m *Memory) restore(snap memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = snap.accounts
	m.orders = snap.orders
	m.orderRefs = snap.orderRefs
	m.positions = snap.positions
	m.transactions = snap.transactions
	m.workers = snap.workers
	m.riskConfig = snap.riskConfig
}

func (m *Memory) CreateAccount(ctx context.Context, acc *model.TradingAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc.ID == "" {
		acc.ID = uuid.New().String()
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	cp := *acc
	m.accounts[acc.ID] = &cp
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, id string) (*model.TradingAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return nil, apperr.NotFound("account %s not found", id)
	}
	cp := *acc
	return &cp, nil
}

func (m *Memory) ListAccounts(ctx context.Context) ([]model.TradingAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.TradingAccount, 0, len(m.accounts))
	for _, acc := range m.accounts {
		out = append(out, *acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ApplyAccountDelta(ctx context.Context, id string, balance, available, used decimal.Decimal) (*model.TradingAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return nil, apperr.NotFound("account %s not found", id)
	}
	acc.Balance = acc.Balance.Add(balance)
	acc.AvailableMargin = acc.AvailableMargin.Add(available)
	acc.UsedMargin = acc.UsedMargin.Add(used)
	cp := *acc
	return &cp, nil
}

func (m *Memory) CreateOrder(ctx context.Context, o *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ClientRef != "" {
		if _, seen := m.orderRefs[o.ClientRef]; seen {
			return apperr.DuplicateOrder(o.ClientRef)
		}
	}
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	cp := *o
	m.orders[o.ID] = &cp
	if o.ClientRef != "" {
		m.orderRefs[o.ClientRef] = o.ID
	}
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, apperr.NotFound("order %s not found", id)
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) ListOrders(ctx context.Context, accountID string, status types.OrderStatus, limit int) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Order
	for _, o := range m.orders {
		if accountID != "" && o.AccountID != accountID {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListExecutableOrders(ctx context.Context, createdBefore time.Time, limit int) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Order
	for _, o := range m.orders {
		if o.Status != types.OrderStatusPending {
			continue
		}
		if o.CreatedAt.After(createdBefore) {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkOrderExecuted(ctx context.Context, id string, filledQty, avgPrice decimal.Decimal, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return false, apperr.NotFound("order %s not found", id)
	}
	if o.Status != types.OrderStatusPending {
		return false, nil
	}
	o.Status = types.OrderStatusExecuted
	o.FilledQuantity = filledQty
	o.AveragePrice = &avgPrice
	at = at.UTC()
	o.ExecutedAt = &at
	return true, nil
}

func (m *Memory) MarkOrderCancelled(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return false, apperr.NotFound("order %s not found", id)
	}
	if o.Status != types.OrderStatusPending {
		return false, nil
	}
	o.Status = types.OrderStatusCancelled
	at = at.UTC()
	o.CancelledAt = &at
	return true, nil
}

func positionKey(accountID, symbol string, product types.ProductType) string {
	return accountID + "|" + symbol + "|" + string(product)
}

func (m *Memory) GetPosition(ctx context.Context, accountID, symbol string, product types.ProductType) (*model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionKey(accountID, symbol, product)]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) UpsertPosition(ctx context.Context, p *model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	m.positions[positionKey(p.AccountID, p.Symbol, p.ProductType)] = &cp
	return nil
}

func (m *Memory) DeletePosition(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, p := range m.positions {
		if p.ID == id {
			delete(m.positions, key)
			return nil
		}
	}
	return nil
}

func (m *Memory) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Position
	for _, p := range m.positions {
		if accountID != "" && p.AccountID != accountID {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *Memory) ListAllPositions(ctx context.Context) ([]model.Position, error) {
	return m.ListPositions(ctx, "")
}

func (m *Memory) AppendTransaction(ctx context.Context, t *model.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.transactions = append(m.transactions, *t)
	return nil
}

func (m *Memory) ListTransactions(ctx context.Context, accountID string, limit int) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Transaction
	for i := len(m.transactions) - 1; i >= 0; i-- {
		t := m.transactions[i]
		if accountID != "" && t.AccountID != accountID {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) GetWorkerState(ctx context.Context, id types.WorkerID) (*model.WorkerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workers[id]
	if !ok {
		return nil, nil
	}
	cp := *ws
	if ws.Heartbeat != nil {
		hb := *ws.Heartbeat
		cp.Heartbeat = &hb
	}
	return &cp, nil
}

func (m *Memory) ensureWorkerLocked(id types.WorkerID) *model.WorkerState {
	ws, ok := m.workers[id]
	if !ok {
		ws = &model.WorkerState{ID: id, Enabled: true, Mode: types.WorkerModeAuto}
		m.workers[id] = ws
	}
	return ws
}

func (m *Memory) SetWorkerEnabled(ctx context.Context, id types.WorkerID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.ensureWorkerLocked(id)
	ws.Enabled = enabled
	ws.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) SetWorkerMode(ctx context.Context, id types.WorkerID, mode types.WorkerMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.ensureWorkerLocked(id)
	ws.Mode = mode
	ws.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) SaveHeartbeat(ctx context.Context, id types.WorkerID, hb model.Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.ensureWorkerLocked(id)
	cp := hb
	ws.Heartbeat = &cp
	started := hb.StartedAt.UTC()
	ws.LastRunAt = &started
	ws.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) GetRiskConfig(ctx context.Context, segment types.Segment, product types.ProductType) (*model.RiskConfigRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.riskConfig[riskKey(segment, product)]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (m *Memory) PutRiskConfig(ctx context.Context, row *model.RiskConfigRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *row
	m.riskConfig[riskKey(row.Segment, row.ProductType)] = &cp
	return nil
}
