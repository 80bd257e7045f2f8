package positions

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/ledger"
	"tradecore/internal/model"
	"tradecore/internal/store"
	"tradecore/internal/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type fixture struct {
	store   store.Store
	ledger  *ledger.Service
	manager *Manager
	account string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	led := ledger.NewService(st, log)
	acc, err := led.Open(context.Background(), "u1", "CL001", d("100000"))
	require.NoError(t, err)
	return &fixture{
		store:   st,
		ledger:  led,
		manager: NewManager(st, led, log),
		account: acc.ID,
	}
}

func (f *fixture) fill(t *testing.T, side types.OrderSide, qty, price, margin string) Outcome {
	t.Helper()
	out, err := f.manager.Apply(context.Background(), Fill{
		AccountID:   f.account,
		OrderID:     "order-" + qty + "-" + price,
		Symbol:      "RELIANCE",
		Segment:     types.SegmentEquity,
		ProductType: types.ProductTypeIntraday,
		Side:        side,
		Quantity:    d(qty),
		Price:       d(price),
		OrderMargin: d(margin),
	})
	require.NoError(t, err)
	return out
}

func TestWeightedAverageOnIncrease(t *testing.T) {
	f := newFixture(t)

	out := f.fill(t, types.OrderSideBuy, "10", "100", "200")
	require.NotNil(t, out.Position)
	assert.True(t, out.Position.Quantity.Equal(d("10")))
	assert.True(t, out.Position.AveragePrice.Equal(d("100")))

	out = f.fill(t, types.OrderSideBuy, "10", "200", "400")
	require.NotNil(t, out.Position)
	assert.True(t, out.Position.Quantity.Equal(d("20")))
	assert.True(t, out.Position.AveragePrice.Equal(d("150")), "avg %s", out.Position.AveragePrice)
	assert.True(t, out.Position.MarginBlocked.Equal(d("600")))
}

func TestReduceRealizesPnLAndReleasesProportionally(t *testing.T) {
	f := newFixture(t)
	f.fill(t, types.OrderSideBuy, "10", "100", "200")
	f.fill(t, types.OrderSideBuy, "10", "200", "400")

	out := f.fill(t, types.OrderSideSell, "5", "180", "0")
	assert.True(t, out.RealizedPnL.Equal(d("150")), "pnl %s", out.RealizedPnL)
	require.NotNil(t, out.Position)
	assert.True(t, out.Position.Quantity.Equal(d("15")))
	assert.True(t, out.Position.AveragePrice.Equal(d("150")), "reducing never moves the average")
	// 5 of 20 closed: a quarter of the 600 blocked comes back.
	assert.True(t, out.ReleasedMargin.Equal(d("150")), "released %s", out.ReleasedMargin)
	assert.True(t, out.Position.MarginBlocked.Equal(d("450")))
}

func TestFullCloseDeletesPosition(t *testing.T) {
	f := newFixture(t)
	f.fill(t, types.OrderSideBuy, "10", "100", "200")
	f.fill(t, types.OrderSideBuy, "10", "200", "400")
	f.fill(t, types.OrderSideSell, "5", "180", "0")

	out := f.fill(t, types.OrderSideSell, "15", "160", "0")
	assert.True(t, out.Closed)
	assert.True(t, out.RealizedPnL.Equal(d("150")), "pnl %s", out.RealizedPnL)
	// Everything still blocked comes back on a full close.
	assert.True(t, out.ReleasedMargin.Equal(d("450")))

	pos, err := f.store.GetPosition(context.Background(), f.account, "RELIANCE", types.ProductTypeIntraday)
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestFlipThroughZero(t *testing.T) {
	f := newFixture(t)
	f.fill(t, types.OrderSideBuy, "10", "100", "200")

	out := f.fill(t, types.OrderSideSell, "15", "120", "300")
	assert.True(t, out.RealizedPnL.Equal(d("200")), "pnl on the 10 closed, %s", out.RealizedPnL)
	require.NotNil(t, out.Position)
	assert.True(t, out.Position.Quantity.Equal(d("-5")))
	assert.True(t, out.Position.AveragePrice.Equal(d("120")), "remainder opens at the fill price")
	// Two thirds of the sell's margin closed exposure; the rest backs the
	// new short.
	assert.True(t, out.Position.MarginBlocked.Equal(d("100")), "blocked %s", out.Position.MarginBlocked)
}

func TestRealizedLossDebitsAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.BlockMargin(ctx, f.account, d("200"), ledger.Ref{Description: "block"})
	require.NoError(t, err)
	f.fill(t, types.OrderSideBuy, "10", "100", "200")

	out := f.fill(t, types.OrderSideSell, "10", "90", "0")
	assert.True(t, out.Closed)
	assert.True(t, out.RealizedPnL.Equal(d("-100")))

	acc, err := f.store.GetAccount(ctx, f.account)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(d("99900")), "balance %s", acc.Balance)
	assert.True(t, acc.UsedMargin.IsZero())
	assert.True(t, acc.AvailableMargin.Equal(acc.Balance))
}

func TestShortPositionPnL(t *testing.T) {
	f := newFixture(t)
	f.fill(t, types.OrderSideSell, "10", "500", "1000")

	out := f.fill(t, types.OrderSideBuy, "10", "450", "0")
	assert.True(t, out.Closed)
	assert.True(t, out.RealizedPnL.Equal(d("500")), "shorts profit when price falls, %s", out.RealizedPnL)
}

func TestUnrealizedPnL(t *testing.T) {
	long := newPos(d("10"), d("100"))
	assert.True(t, UnrealizedPnL(long, d("120")).Equal(d("200")))
	assert.True(t, UnrealizedPnL(long, d("90")).Equal(d("-100")))

	short := newPos(d("-10"), d("100"))
	assert.True(t, UnrealizedPnL(short, d("90")).Equal(d("100")))
	assert.True(t, UnrealizedPnL(short, d("120")).Equal(d("-200")))
}

func newPos(qty, avg decimal.Decimal) model.Position {
	return model.Position{Quantity: qty, AveragePrice: avg}
}

func TestConcurrentFillsOnOneKeyLoseNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.manager.Apply(ctx, Fill{
				AccountID:   f.account,
				OrderID:     fmt.Sprintf("order-%d", i),
				Symbol:      "RELIANCE",
				Segment:     types.SegmentEquity,
				ProductType: types.ProductTypeIntraday,
				Side:        types.OrderSideBuy,
				Quantity:    d("1"),
				Price:       d("100"),
				OrderMargin: d("20"),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	pos, err := f.store.GetPosition(ctx, f.account, "RELIANCE", types.ProductTypeIntraday)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(d("100")), "quantity %s, every fill must be counted", pos.Quantity)
	assert.True(t, pos.AveragePrice.Equal(d("100")), "average price %s", pos.AveragePrice)
	assert.True(t, pos.MarginBlocked.Equal(d("2000")), "blocked %s", pos.MarginBlocked)
}
