package ledger

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/store"
	"tradecore/internal/types"
)

func newService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(st, log), st
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestOpenSeedsBalance(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	acc, err := svc.Open(ctx, "u1", "CL001", d("50000"))
	require.NoError(t, err)
	assert.NotEmpty(t, acc.ID)
	assert.True(t, acc.Balance.Equal(d("50000")))
	assert.True(t, acc.AvailableMargin.Equal(d("50000")))
	assert.True(t, acc.UsedMargin.IsZero())

	txns, err := st.ListTransactions(ctx, acc.ID, 10)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, types.TransactionTypeCredit, txns[0].Type)
	assert.Equal(t, "opening balance", txns[0].Description)
}

func TestOpenRejectsBadInput(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Open(ctx, "", "CL001", d("100"))
	assert.Error(t, err)
	_, err = svc.Open(ctx, "u1", "CL001", d("-1"))
	assert.Error(t, err)
}

func TestBlockAndReleaseRoundTrip(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	acc, err := svc.Open(ctx, "u1", "CL001", d("10000"))
	require.NoError(t, err)

	after, err := svc.BlockMargin(ctx, acc.ID, d("2500"), Ref{OrderID: "o1", Description: "margin blocked for order"})
	require.NoError(t, err)
	assert.True(t, after.Balance.Equal(d("10000")), "blocking never touches balance")
	assert.True(t, after.AvailableMargin.Equal(d("7500")))
	assert.True(t, after.UsedMargin.Equal(d("2500")))

	after, err = svc.ReleaseMargin(ctx, acc.ID, d("2500"), Ref{OrderID: "o1", Description: "margin released"})
	require.NoError(t, err)
	assert.True(t, after.AvailableMargin.Equal(d("10000")))
	assert.True(t, after.UsedMargin.IsZero())
}

func TestDebitCreditMoveBalanceAndAvailable(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	acc, err := svc.Open(ctx, "u1", "CL001", d("1000"))
	require.NoError(t, err)

	after, err := svc.Debit(ctx, acc.ID, d("300"), Ref{Description: "charges"})
	require.NoError(t, err)
	assert.True(t, after.Balance.Equal(d("700")))
	assert.True(t, after.AvailableMargin.Equal(d("700")))
	assert.True(t, after.UsedMargin.IsZero())

	after, err = svc.Credit(ctx, acc.ID, d("50"), Ref{Description: "realized profit"})
	require.NoError(t, err)
	assert.True(t, after.Balance.Equal(d("750")))
	assert.True(t, after.AvailableMargin.Equal(d("750")))
}

func TestEveryMutationWritesOneTransaction(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	acc, err := svc.Open(ctx, "u1", "CL001", d("10000"))
	require.NoError(t, err)

	_, err = svc.BlockMargin(ctx, acc.ID, d("100"), Ref{OrderID: "o1", Description: "block"})
	require.NoError(t, err)
	_, err = svc.ReleaseMargin(ctx, acc.ID, d("100"), Ref{OrderID: "o1", Description: "release"})
	require.NoError(t, err)
	_, err = svc.Debit(ctx, acc.ID, d("10"), Ref{Description: "debit"})
	require.NoError(t, err)
	_, err = svc.Credit(ctx, acc.ID, d("10"), Ref{Description: "credit"})
	require.NoError(t, err)

	txns, err := st.ListTransactions(ctx, acc.ID, 0)
	require.NoError(t, err)
	// Opening balance plus the four primitives.
	assert.Len(t, txns, 5)
	for _, txn := range txns {
		assert.True(t, txn.Amount.GreaterThan(decimal.Zero), "amounts are stored unsigned")
	}
}

func TestZeroAmountIsNoOp(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	acc, err := svc.Open(ctx, "u1", "CL001", d("1000"))
	require.NoError(t, err)

	after, err := svc.BlockMargin(ctx, acc.ID, decimal.Zero, Ref{Description: "noop"})
	require.NoError(t, err)
	assert.True(t, after.AvailableMargin.Equal(d("1000")))

	txns, err := st.ListTransactions(ctx, acc.ID, 0)
	require.NoError(t, err)
	assert.Len(t, txns, 1, "no transaction row for a zero delta")
}

func TestDepositValidatesAmount(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	acc, err := svc.Open(ctx, "u1", "CL001", d("1000"))
	require.NoError(t, err)

	_, err = svc.Deposit(ctx, acc.ID, d("0"))
	assert.Error(t, err)

	after, err := svc.Deposit(ctx, acc.ID, d("250"))
	require.NoError(t, err)
	assert.True(t, after.Balance.Equal(d("1250")))
}
