package state

import (
	"errors"
	"fmt"

	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrInsufficientPool     = errors.New("insurance fund pool insufficient")
	ErrAccountNotNegative   = errors.New("account collateral balance is not negative")
	ErrCoverExceedsDeficit  = errors.New("cover amount exceeds account deficit")
	ErrFeePoolInsufficient  = errors.New("protocol fee pool insufficient")
	ErrNegativeSequencerFee = errors.New("sequencer fee must not be negative")
)

// InsuranceFund is the protocol-owned collateral buffer. The pool is
// denominated in the collateral asset and is never negative. Assets seized
// by collateral liquidation are held as ordinary balances of Account().
type InsuranceFund struct {
	undo       *ledger.UndoLog
	balances   *ledger.BalanceLedger
	collateral common.Address
	account    common.Address
	allowed    ledger.AllowList

	pool fpmath.Fixed
}

func NewInsuranceFund(undo *ledger.UndoLog, balances *ledger.BalanceLedger, collateral, account common.Address, callers ...ledger.Caller) *InsuranceFund {
	return &InsuranceFund{
		undo:       undo,
		balances:   balances,
		collateral: collateral,
		account:    account,
		allowed:    ledger.NewAllowList(callers...),
	}
}

func (f *InsuranceFund) Pool() fpmath.Fixed {
	return f.pool
}

// Account is the address holding seized non-collateral assets.
func (f *InsuranceFund) Account() common.Address {
	return f.account
}

// Deposit credits the pool after custody has collected the asset.
func (f *InsuranceFund) Deposit(caller ledger.Caller, amount fpmath.Fixed) error {
	if err := f.allowed.Check(caller); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: deposit %s", ErrInvalidAmount, amount)
	}
	return f.setPool(f.pool.Add(amount))
}

// EmergencyWithdraw debits the pool; the caller pays the amount out through
// custody.
func (f *InsuranceFund) EmergencyWithdraw(caller ledger.Caller, amount fpmath.Fixed) error {
	if err := f.allowed.Check(caller); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: withdraw %s", ErrInvalidAmount, amount)
	}
	if amount.GreaterThan(f.pool) {
		return fmt.Errorf("%w: withdraw %s, pool %s", ErrInsufficientPool, amount, f.pool)
	}
	return f.setPool(f.pool.Sub(amount))
}

// CollectLiquidationPenalty credits a penalty charged on a liquidation.
func (f *InsuranceFund) CollectLiquidationPenalty(caller ledger.Caller, amount fpmath.Fixed) error {
	if err := f.allowed.Check(caller); err != nil {
		return err
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: penalty %s", ErrInvalidAmount, amount)
	}
	if amount.IsZero() {
		return nil
	}
	return f.setPool(f.pool.Add(amount))
}

// CoverLoss moves amount from the pool into a negative collateral balance.
// The full amount is paid or the call fails; nothing is clamped.
func (f *InsuranceFund) CoverLoss(caller ledger.Caller, account common.Address, amount fpmath.Fixed) error {
	if err := f.allowed.Check(caller); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: cover %s", ErrInvalidAmount, amount)
	}
	bal := f.balances.Balance(account, f.collateral)
	if !bal.IsNegative() {
		return fmt.Errorf("%w: %s has %s", ErrAccountNotNegative, account.Hex(), bal)
	}
	if amount.GreaterThan(bal.Neg()) {
		return fmt.Errorf("%w: cover %s, deficit %s", ErrCoverExceedsDeficit, amount, bal.Neg())
	}
	return f.Payout(caller, account, amount)
}

// Payout pays amount of collateral from the pool to account.
func (f *InsuranceFund) Payout(caller ledger.Caller, account common.Address, amount fpmath.Fixed) error {
	if err := f.allowed.Check(caller); err != nil {
		return err
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: payout %s", ErrInvalidAmount, amount)
	}
	if amount.GreaterThan(f.pool) {
		return fmt.Errorf("%w: need %s, pool %s", ErrInsufficientPool, amount, f.pool)
	}
	if err := f.balances.ApplyDeltas(ledger.CallerClearing, []ledger.BalanceDelta{
		{Account: account, Asset: f.collateral, Amount: amount},
	}); err != nil {
		return err
	}
	return f.setPool(f.pool.Sub(amount))
}

func (f *InsuranceFund) setPool(v fpmath.Fixed) error {
	if v.IsNegative() {
		return fmt.Errorf("%w: pool would be %s", ErrInsufficientPool, v)
	}
	if err := v.CheckRange(); err != nil {
		return err
	}
	ledger.SetValue(f.undo, &f.pool, v)
	return nil
}

// Restore sets the pool from a snapshot. Not recorded in the undo log.
func (f *InsuranceFund) Restore(pool fpmath.Fixed) {
	f.pool = pool
}
