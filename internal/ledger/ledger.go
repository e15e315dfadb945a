// Package ledger applies balance mutations with exact decimal arithmetic.
// Every deduction appends exactly one ledger entry; the decrement and the
// append commit together or not at all.
package ledger

import (
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/upow-network/imagepool/internal/fault"
	"github.com/upow-network/imagepool/internal/storage"
)

// minAmount is the smallest deductible amount.
var minAmount = decimal.RequireFromString("0.001")

// maxFractionDigits caps deduction amounts at 8 decimal places.
const maxFractionDigits = 8

// Reasons recorded on ledger entries.
const (
	ReasonDeductUser = "deduct_user_balance"
	ReasonDeductPool = "deduct_pool_balance"
)

// Ledger validates and applies balance deductions.
type Ledger struct {
	db  *storage.DB
	log *zap.Logger
}

// New creates a Ledger over the given store.
func New(db *storage.DB, log *zap.Logger) *Ledger {
	return &Ledger{db: db, log: log}
}

// parseAmount validates a deduction amount: well formed, at least 0.001,
// and no more than 8 fractional digits.
func parseAmount(amount string) (decimal.Decimal, error) {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fault.Validation("invalid deduction amount format")
	}
	if amt.Cmp(minAmount) < 0 {
		return decimal.Zero, fault.Validation("deduction amount must be at least %s", minAmount)
	}
	if amt.Exponent() < -maxFractionDigits {
		return decimal.Zero, fault.Validation("deduction amount exceeds %d decimal places", maxFractionDigits)
	}
	return amt, nil
}

// Balance returns a wallet's current balance.
func (l *Ledger) Balance(wallet string) (decimal.Decimal, error) {
	p, err := l.db.GetParticipant(wallet)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fault.NotFound("wallet address not found")
	}
	if err != nil {
		return decimal.Zero, fault.Transient(err, "load balance")
	}

	bal, err := decimal.NewFromString(p.Balance)
	if err != nil {
		return decimal.Zero, fault.Transient(err, "stored balance is not a decimal")
	}
	return bal, nil
}

// Deduct subtracts amount from the wallet's balance and appends one ledger
// entry. The balance write is conditional on the balance observed here; a
// concurrent mutation surfaces as a state conflict.
func (l *Ledger) Deduct(wallet, amount, reason string) (decimal.Decimal, error) {
	amt, err := parseAmount(amount)
	if err != nil {
		return decimal.Zero, err
	}

	bal, err := l.Balance(wallet)
	if err != nil {
		return decimal.Zero, err
	}

	newBal := bal.Sub(amt)
	if newBal.IsNegative() {
		return decimal.Zero, fault.InsufficientBalance("deduction %s exceeds current balance %s", amt, bal)
	}

	err = l.db.DeductBalance(wallet, bal.String(), newBal.String(), amt.String(), reason, time.Now().Unix())
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fault.Conflict("balance changed concurrently")
	}
	if err != nil {
		return decimal.Zero, fault.Transient(err, "deduct balance")
	}

	l.log.Info("balance deducted",
		zap.String("wallet", wallet),
		zap.String("amount", amt.String()),
		zap.String("reason", reason),
		zap.String("new_balance", newBal.String()))
	return newBal, nil
}

// DeductReserve subtracts amount from the pool's own reserve account.
func (l *Ledger) DeductReserve(amount string) (decimal.Decimal, error) {
	return l.Deduct(storage.ReserveWallet, amount, ReasonDeductPool)
}

// Entries returns a page of a wallet's ledger entries, newest first.
func (l *Ledger) Entries(wallet string, page, pageSize int) ([]storage.LedgerEntry, int, error) {
	entries, total, err := l.db.LedgerEntries(wallet, page, pageSize)
	if err != nil {
		return nil, 0, fault.Transient(err, "list ledger entries")
	}
	return entries, total, nil
}
