package state_test

import (
	"errors"
	"testing"

	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

var (
	collateral = common.HexToAddress("0xc0")
	insurance  = common.HexToAddress("0x1f")
	trader     = common.HexToAddress("0xa1")
)

func newFund(t *testing.T) (*ledger.UndoLog, *ledger.BalanceLedger, *state.InsuranceFund) {
	t.Helper()
	undo := ledger.NewUndoLog()
	bl := ledger.NewBalanceLedger(undo, nil, ledger.CallerProcessor, ledger.CallerClearing)
	bl.RegisterAsset(collateral)
	return undo, bl, state.NewInsuranceFund(undo, bl, collateral, insurance, ledger.CallerProcessor, ledger.CallerLiquidation)
}

func TestInsuranceFund_DepositAndEmergencyWithdraw(t *testing.T) {
	_, _, fund := newFund(t)

	if err := fund.Deposit(ledger.CallerProcessor, fpmath.Zero()); !errors.Is(err, state.ErrInvalidAmount) {
		t.Fatalf("zero deposit: expected ErrInvalidAmount, got %v", err)
	}
	if err := fund.Deposit(ledger.CallerProcessor, fpmath.NewFromInt(100)); err != nil {
		t.Fatal(err)
	}
	if err := fund.EmergencyWithdraw(ledger.CallerProcessor, fpmath.NewFromInt(101)); !errors.Is(err, state.ErrInsufficientPool) {
		t.Fatalf("over-withdraw: expected ErrInsufficientPool, got %v", err)
	}
	if err := fund.EmergencyWithdraw(ledger.CallerProcessor, fpmath.NewFromInt(100)); err != nil {
		t.Fatal(err)
	}
	if !fund.Pool().IsZero() {
		t.Errorf("pool = %s, want 0", fund.Pool())
	}
}

func TestInsuranceFund_CoverLoss(t *testing.T) {
	_, bl, fund := newFund(t)
	if err := bl.ApplyDeltas(ledger.CallerProcessor, []ledger.BalanceDelta{
		{Account: trader, Asset: collateral, Amount: fpmath.NewFromInt(-40)},
	}); err != nil {
		t.Fatal(err)
	}
	if err := fund.Deposit(ledger.CallerProcessor, fpmath.NewFromInt(30)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		account common.Address
		amount  int64
		wantErr error
	}{
		{"zero amount", trader, 0, state.ErrInvalidAmount},
		{"non-negative account", insurance, 10, state.ErrAccountNotNegative},
		{"more than deficit", trader, 41, state.ErrCoverExceedsDeficit},
		{"pool cannot cover in full", trader, 35, state.ErrInsufficientPool},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fund.CoverLoss(ledger.CallerProcessor, tt.account, fpmath.NewFromInt(tt.amount))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if !fund.Pool().Equal(fpmath.NewFromInt(30)) {
				t.Errorf("pool changed on failure: %s", fund.Pool())
			}
		})
	}

	if err := fund.CoverLoss(ledger.CallerProcessor, trader, fpmath.NewFromInt(25)); err != nil {
		t.Fatal(err)
	}
	if got := bl.Balance(trader, collateral); !got.Equal(fpmath.NewFromInt(-15)) {
		t.Errorf("trader balance = %s, want -15", got)
	}
	if !fund.Pool().Equal(fpmath.NewFromInt(5)) {
		t.Errorf("pool = %s, want 5", fund.Pool())
	}
}

func TestInsuranceFund_RollbackRestoresPool(t *testing.T) {
	undo, _, fund := newFund(t)
	if err := fund.Deposit(ledger.CallerProcessor, fpmath.NewFromInt(10)); err != nil {
		t.Fatal(err)
	}
	sp := undo.Savepoint()
	if err := fund.CollectLiquidationPenalty(ledger.CallerLiquidation, fpmath.NewFromInt(3)); err != nil {
		t.Fatal(err)
	}
	undo.RollbackTo(sp)
	if !fund.Pool().Equal(fpmath.NewFromInt(10)) {
		t.Errorf("pool = %s, want 10", fund.Pool())
	}
}

func TestFeePool_RebatesCannotOverdraw(t *testing.T) {
	pool := state.NewFeePool(ledger.NewUndoLog(), ledger.CallerProcessor, ledger.CallerMatching)
	if err := pool.AccrueTrading(ledger.CallerMatching, fpmath.NewFromInt(5)); err != nil {
		t.Fatal(err)
	}
	if err := pool.AccrueTrading(ledger.CallerMatching, fpmath.NewFromInt(-6)); !errors.Is(err, state.ErrFeePoolInsufficient) {
		t.Fatalf("expected ErrFeePoolInsufficient, got %v", err)
	}
	if err := pool.AccrueSequencer(ledger.CallerMatching, fpmath.NewFromInt(-1)); !errors.Is(err, state.ErrNegativeSequencerFee) {
		t.Fatalf("expected ErrNegativeSequencerFee, got %v", err)
	}
	claimed, err := pool.Claim(ledger.CallerProcessor)
	if err != nil {
		t.Fatal(err)
	}
	if !claimed.Trading.Equal(fpmath.NewFromInt(5)) || !pool.Trading().IsZero() {
		t.Errorf("claim = %+v, remaining %s", claimed, pool.Trading())
	}
}

func TestStateStores_RejectUnlistedCaller(t *testing.T) {
	_, _, fund := newFund(t)
	if err := fund.Deposit(ledger.CallerVault, fpmath.NewFromInt(10)); !errors.Is(err, ledger.ErrUnauthorizedCaller) {
		t.Fatalf("deposit: expected ErrUnauthorizedCaller, got %v", err)
	}
	if err := fund.CollectLiquidationPenalty(ledger.CallerMatching, fpmath.NewFromInt(1)); !errors.Is(err, ledger.ErrUnauthorizedCaller) {
		t.Fatalf("penalty: expected ErrUnauthorizedCaller, got %v", err)
	}
	if err := fund.Payout(ledger.CallerClearing, trader, fpmath.NewFromInt(1)); !errors.Is(err, ledger.ErrUnauthorizedCaller) {
		t.Fatalf("payout: expected ErrUnauthorizedCaller, got %v", err)
	}
	if !fund.Pool().IsZero() {
		t.Errorf("pool = %s, want 0", fund.Pool())
	}

	pool := state.NewFeePool(ledger.NewUndoLog(), ledger.CallerMatching)
	if err := pool.AccrueTrading(ledger.CallerVault, fpmath.NewFromInt(1)); !errors.Is(err, ledger.ErrUnauthorizedCaller) {
		t.Fatalf("accrue: expected ErrUnauthorizedCaller, got %v", err)
	}
	if _, err := pool.Claim(ledger.CallerMatching); err != nil {
		t.Fatalf("claim by listed caller: %v", err)
	}
	if _, err := pool.Claim(ledger.CallerProcessor); !errors.Is(err, ledger.ErrUnauthorizedCaller) {
		t.Fatalf("claim: expected ErrUnauthorizedCaller, got %v", err)
	}
}
