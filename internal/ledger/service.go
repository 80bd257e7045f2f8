// Package ledger exposes the only mutation primitives for trading account
// balances: block, release, debit, credit. Each is one atomic additive
// update plus an append-only transaction record.
package ledger

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"tradecore/internal/apperr"
	"tradecore/internal/model"
	"tradecore/internal/store"
	"tradecore/internal/types"
)

// Ref ties a ledger mutation back to the order/position that caused it.
type Ref struct {
	OrderID     string
	PositionID  string
	Description string
}

type Service struct {
	store store.Store
	log   *slog.Logger
}

func NewService(st store.Store, log *slog.Logger) *Service {
	return &Service{store: st, log: log}
}

// WithStore returns a copy bound to st, used to run ledger mutations inside
// a store transaction.
func (s *Service) WithStore(st store.Store) *Service {
	cp := *s
	cp.store = st
	return &cp
}

// BlockMargin moves amount from available to used margin. It does not
// enforce non-negativity: controlled overdraft is allowed during risk
// liquidation, so callers pre-validate and a negative post-state is only
// warned about.
func (s *Service) BlockMargin(ctx context.Context, accountID string, amount decimal.Decimal, ref Ref) (*model.TradingAccount, error) {
	return s.apply(ctx, accountID, decimal.Zero, amount.Neg(), amount, types.TransactionTypeDebit, ref)
}

// ReleaseMargin is the inverse of BlockMargin.
func (s *Service) ReleaseMargin(ctx context.Context, accountID string, amount decimal.Decimal, ref Ref) (*model.TradingAccount, error) {
	return s.apply(ctx, accountID, decimal.Zero, amount, amount.Neg(), types.TransactionTypeCredit, ref)
}

// Debit removes funds: balance and availableMargin move together, used
// margin is untouched.
func (s *Service) Debit(ctx context.Context, accountID string, amount decimal.Decimal, ref Ref) (*model.TradingAccount, error) {
	return s.apply(ctx, accountID, amount.Neg(), amount.Neg(), decimal.Zero, types.TransactionTypeDebit, ref)
}

// Credit adds funds: balance and availableMargin move together.
func (s *Service) Credit(ctx context.Context, accountID string, amount decimal.Decimal, ref Ref) (*model.TradingAccount, error) {
	return s.apply(ctx, accountID, amount, amount, decimal.Zero, types.TransactionTypeCredit, ref)
}

func (s *Service) apply(ctx context.Context, accountID string, balance, available, used decimal.Decimal, txnType types.TransactionType, ref Ref) (*model.TradingAccount, error) {
	amount := balance.Abs()
	if amount.IsZero() {
		amount = available.Abs()
	}
	if amount.IsZero() {
		return s.store.GetAccount(ctx, accountID)
	}

	acc, err := s.store.ApplyAccountDelta(ctx, accountID, balance, available, used)
	if err != nil {
		return nil, err
	}
	if acc.AvailableMargin.LessThan(decimal.Zero) || acc.UsedMargin.LessThan(decimal.Zero) {
		s.log.Warn("account margin went negative",
			"account_id", accountID,
			"available_margin", acc.AvailableMargin.String(),
			"used_margin", acc.UsedMargin.String(),
			"description", ref.Description,
		)
	}

	txn := &model.Transaction{
		AccountID:   accountID,
		Amount:      amount,
		Type:        txnType,
		Description: ref.Description,
	}
	if ref.OrderID != "" {
		txn.OrderID = &ref.OrderID
	}
	if ref.PositionID != "" {
		txn.PositionID = &ref.PositionID
	}
	if err := s.store.AppendTransaction(ctx, txn); err != nil {
		// The balance mutation committed; a lost audit row is logged, not
		// rolled back, so money is never left in flight.
		s.log.Error("failed to append transaction", "account_id", accountID, "err", err)
	}
	return acc, nil
}

// Open provisions a trading account with an opening balance. Registration
// itself happens outside the engine.
func (s *Service) Open(ctx context.Context, userID, clientID string, openingBalance decimal.Decimal) (*model.TradingAccount, error) {
	if userID == "" || clientID == "" {
		return nil, apperr.Validation("user_id and client_id are required")
	}
	if openingBalance.LessThan(decimal.Zero) {
		return nil, apperr.Validation("opening balance must not be negative")
	}
	acc := &model.TradingAccount{
		UserID:          userID,
		ClientID:        clientID,
		Balance:         openingBalance,
		AvailableMargin: openingBalance,
		UsedMargin:      decimal.Zero,
	}
	if err := s.store.CreateAccount(ctx, acc); err != nil {
		return nil, err
	}
	if openingBalance.GreaterThan(decimal.Zero) {
		txn := &model.Transaction{
			AccountID:   acc.ID,
			Amount:      openingBalance,
			Type:        types.TransactionTypeCredit,
			Description: "opening balance",
		}
		if err := s.store.AppendTransaction(ctx, txn); err != nil {
			s.log.Error("failed to append opening transaction", "account_id", acc.ID, "err", err)
		}
	}
	return acc, nil
}

// Deposit credits external funds into the account.
func (s *Service) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (*model.TradingAccount, error) {
	if !amount.GreaterThan(decimal.Zero) {
		return nil, apperr.Validation("deposit amount must be positive")
	}
	return s.Credit(ctx, accountID, amount, Ref{Description: "deposit"})
}
