package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/apperr"
	"tradecore/internal/model"
	"tradecore/internal/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func seedAccount(t *testing.T, m *Memory) string {
	t.Helper()
	acc := &model.TradingAccount{
		UserID:          "u1",
		ClientID:        "CL001",
		Balance:         d("1000"),
		AvailableMargin: d("1000"),
	}
	require.NoError(t, m.CreateAccount(context.Background(), acc))
	return acc.ID
}

func seedOrder(t *testing.T, m *Memory, accountID, ref string) *model.Order {
	t.Helper()
	o := &model.Order{
		AccountID:   accountID,
		Symbol:      "RELIANCE",
		Segment:     types.SegmentEquity,
		ProductType: types.ProductTypeIntraday,
		Side:        types.OrderSideBuy,
		Type:        types.OrderTypeMarket,
		Status:      types.OrderStatusPending,
		Quantity:    d("10"),
		ClientRef:   ref,
	}
	require.NoError(t, m.CreateOrder(context.Background(), o))
	return o
}

func TestApplyAccountDeltaIsAdditive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := seedAccount(t, m)

	acc, err := m.ApplyAccountDelta(ctx, id, d("0"), d("-300"), d("300"))
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(d("1000")))
	assert.True(t, acc.AvailableMargin.Equal(d("700")))
	assert.True(t, acc.UsedMargin.Equal(d("300")))

	_, err = m.ApplyAccountDelta(ctx, "missing", d("1"), d("1"), d("1"))
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestCreateOrderDuplicateClientRef(t *testing.T) {
	m := NewMemory()
	id := seedAccount(t, m)
	seedOrder(t, m, id, "ref-1")

	err := m.CreateOrder(context.Background(), &model.Order{
		AccountID: id,
		Status:    types.OrderStatusPending,
		ClientRef: "ref-1",
	})
	assert.True(t, apperr.IsKind(err, apperr.KindDuplicateOrder))

	// Empty refs never collide.
	seedOrder(t, m, id, "")
	seedOrder(t, m, id, "")
}

func TestMarkOrderTransitionsAreConditional(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := seedAccount(t, m)
	o := seedOrder(t, m, id, "")
	now := time.Now().UTC()

	ok, err := m.MarkOrderExecuted(ctx, o.ID, d("10"), d("100"), now)
	require.NoError(t, err)
	assert.True(t, ok)

	// Already executed: both transitions refuse.
	ok, err = m.MarkOrderExecuted(ctx, o.ID, d("10"), d("100"), now)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = m.MarkOrderCancelled(ctx, o.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusExecuted, got.Status)
	require.NotNil(t, got.AveragePrice)
	assert.True(t, got.AveragePrice.Equal(d("100")))
}

func TestListExecutableOrdersFiltersAndSorts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := seedAccount(t, m)

	base := time.Now().UTC().Add(-time.Minute)
	newer := seedOrder(t, m, id, "")
	older := seedOrder(t, m, id, "")
	executed := seedOrder(t, m, id, "")

	setCreated := func(orderID string, at time.Time) {
		m.mu.Lock()
		m.orders[orderID].CreatedAt = at
		m.mu.Unlock()
	}
	setCreated(older.ID, base)
	setCreated(newer.ID, base.Add(10*time.Second))
	setCreated(executed.ID, base)
	_, err := m.MarkOrderExecuted(ctx, executed.ID, d("10"), d("100"), time.Now().UTC())
	require.NoError(t, err)

	out, err := m.ListExecutableOrders(ctx, base.Add(30*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, older.ID, out[0].ID, "oldest first")
	assert.Equal(t, newer.ID, out[1].ID)

	// Cutoff excludes the newer order.
	out, err = m.ListExecutableOrders(ctx, base.Add(5*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, older.ID, out[0].ID)
}

func TestPositionRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := seedAccount(t, m)

	got, err := m.GetPosition(ctx, id, "RELIANCE", types.ProductTypeIntraday)
	require.NoError(t, err)
	assert.Nil(t, got, "no position yet")

	p := &model.Position{
		AccountID:    id,
		Symbol:       "RELIANCE",
		Segment:      types.SegmentEquity,
		ProductType:  types.ProductTypeIntraday,
		Quantity:     d("10"),
		AveragePrice: d("100"),
	}
	require.NoError(t, m.UpsertPosition(ctx, p))
	require.NotEmpty(t, p.ID)

	got, err = m.GetPosition(ctx, id, "RELIANCE", types.ProductTypeIntraday)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Quantity.Equal(d("10")))

	// Same key upserts in place, different product type is a new row.
	p.Quantity = d("20")
	require.NoError(t, m.UpsertPosition(ctx, p))
	all, err := m.ListPositions(ctx, id)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Quantity.Equal(d("20")))

	require.NoError(t, m.DeletePosition(ctx, p.ID))
	got, err = m.GetPosition(ctx, id, "RELIANCE", types.ProductTypeIntraday)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWorkerStateDefaults(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	state, err := m.GetWorkerState(ctx, types.WorkerOrderExecution)
	require.NoError(t, err)
	assert.Nil(t, state, "never persisted")

	require.NoError(t, m.SetWorkerMode(ctx, types.WorkerOrderExecution, types.WorkerModeManual))
	state, err = m.GetWorkerState(ctx, types.WorkerOrderExecution)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.Enabled, "defaults to enabled")
	assert.Equal(t, types.WorkerModeManual, state.Mode)
}

func TestRiskConfigRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	row, err := m.GetRiskConfig(ctx, types.SegmentEquity, types.ProductTypeIntraday)
	require.NoError(t, err)
	assert.Nil(t, row)

	require.NoError(t, m.PutRiskConfig(ctx, &model.RiskConfigRow{
		Segment:     types.SegmentEquity,
		ProductType: types.ProductTypeIntraday,
		Leverage:    d("200"),
	}))
	row, err = m.GetRiskConfig(ctx, types.SegmentEquity, types.ProductTypeIntraday)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.Leverage.Equal(d("200")))
}

func TestMarkOrderCancelledRecordsTimestamp(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := seedAccount(t, m)
	o := seedOrder(t, m, id, "")
	at := time.Now().UTC()

	ok, err := m.MarkOrderCancelled(ctx, o.ID, at)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)
	assert.True(t, got.CancelledAt.Equal(at))
}

func TestWithTxRollsBackOnError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := seedAccount(t, m)
	o := seedOrder(t, m, id, "")

	err := m.WithTx(ctx, func(tx Store) error {
		ok, err := tx.MarkOrderExecuted(ctx, o.ID, d("10"), d("100"), time.Now().UTC())
		require.NoError(t, err)
		require.True(t, ok)
		if _, err := tx.ApplyAccountDelta(ctx, id, d("-50"), d("-50"), d("0")); err != nil {
			return err
		}
		return errors.New("settlement failed")
	})
	require.Error(t, err)

	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusPending, got.Status, "transition rolled back")

	acc, err := m.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(d("1000")), "balance rolled back, got %s", acc.Balance)
	assert.True(t, acc.AvailableMargin.Equal(d("1000")))
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := seedAccount(t, m)

	err := m.WithTx(ctx, func(tx Store) error {
		_, err := tx.ApplyAccountDelta(ctx, id, d("100"), d("100"), d("0"))
		return err
	})
	require.NoError(t, err)

	acc, err := m.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(d("1100")))
}
