package core_test

import (
	"testing"

	"PerpSettle/internal/capability"
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/operation"
	"PerpSettle/internal/state"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: Admin Calls
// ============================================================================

func TestAdmin_DepositCreditsBalance(t *testing.T) {
	h := newHarness(t)

	out, err := h.admin(core.AdminCall{Kind: core.AdminDeposit, Account: alice.Addr, Asset: usdc, Amount: fx("125.5")})
	require.NoError(t, err)
	require.Equal(t, int64(1), out.Command.Seq)
	require.Equal(t, core.KindAdmin, out.Command.Kind)

	d := onlyEvent[event.Deposit](t, out, event.EventTypeDeposit)
	requireFx(t, "125.5", d.Balance)
	require.Nil(t, out.Envelopes[0].RecordSeq)
	require.Equal(t, uint32(0), h.eng.Counter())
}

func TestAdmin_RoleChecks(t *testing.T) {
	h := newHarness(t)

	_, err := h.admin(core.AdminCall{Kind: core.AdminDeposit, Caller: admin.Addr, Account: alice.Addr, Asset: usdc, Amount: fx("1")})
	require.ErrorIs(t, err, core.ErrUnauthorized)

	_, err = h.admin(core.AdminCall{Kind: core.AdminInsuranceDeposit, Caller: depositor.Addr, Amount: fx("1")})
	require.ErrorIs(t, err, core.ErrUnauthorized)

	_, err = h.admin(core.AdminCall{Kind: "mint", Amount: fx("1")})
	require.ErrorIs(t, err, core.ErrUnknownAdmin)

	_, err = h.eng.ExecuteAdmin(core.AdminCall{Kind: core.AdminDeposit, Caller: depositor.Addr, Account: alice.Addr, Asset: usdc, Amount: fx("1")})
	require.ErrorIs(t, err, core.ErrMissingID)

	require.Equal(t, int64(0), h.eng.CommandSeq())
}

func TestAdmin_DuplicateIDSkipped(t *testing.T) {
	h := newHarness(t)
	call := core.AdminCall{ID: "dep-1", Kind: core.AdminDeposit, Account: alice.Addr, Asset: usdc, Amount: fx("10")}

	out, err := h.admin(call)
	require.NoError(t, err)
	require.NotNil(t, out)

	out, err = h.admin(call)
	require.NoError(t, err)
	require.Nil(t, out)
	requireFx(t, "10", h.balance(alice.Addr, usdc))
}

func TestAdmin_FailedCallLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	before := h.eng.StateHash()

	_, err := h.admin(core.AdminCall{Kind: core.AdminDeposit, Account: alice.Addr, Asset: usdc, Amount: fx("0")})
	require.ErrorIs(t, err, core.ErrInvalidAmount)
	_, err = h.admin(core.AdminCall{Kind: core.AdminDeposit, Account: alice.Addr, Asset: alice.Addr, Amount: fx("1")})
	require.ErrorIs(t, err, ledger.ErrUnsupportedAsset)

	require.Equal(t, int64(0), h.eng.CommandSeq())
	require.Equal(t, before, h.eng.StateHash())
	require.Empty(t, h.drain())
}

func TestAdmin_SupplyCap(t *testing.T) {
	h := newHarness(t)

	_, err := h.admin(core.AdminCall{Kind: core.AdminSetSupplyCap, Asset: weth, Amount: fx("3000")})
	require.NoError(t, err)
	h.deposit(alice.Addr, weth, "1")

	_, err = h.admin(core.AdminCall{Kind: core.AdminDeposit, Account: bob.Addr, Asset: weth, Amount: fx("0.5")})
	require.ErrorIs(t, err, ledger.ErrSupplyCapExceeded)
	requireFx(t, "0", h.balance(bob.Addr, weth))

	// Withdrawals are never capped and make room again.
	h.batch(withdraw(alice, alice, weth, "0.5", 1))
	h.deposit(bob.Addr, weth, "0.5")

	// A zero cap removes the limit.
	_, err = h.admin(core.AdminCall{Kind: core.AdminSetSupplyCap, Asset: weth, Amount: fx("0")})
	require.NoError(t, err)
	h.deposit(bob.Addr, weth, "10")
	require.NoError(t, h.eng.View(func(r core.Reader) error {
		_, capped := r.SupplyCap(weth)
		require.False(t, capped)
		requireFx(t, "11", r.TotalSupply(weth))
		return nil
	}))
}

func TestAdmin_InsuranceDepositAndWithdraw(t *testing.T) {
	h := newHarness(t)

	_, err := h.admin(core.AdminCall{Kind: core.AdminInsuranceDeposit, Amount: fx("100")})
	require.NoError(t, err)

	out, err := h.admin(core.AdminCall{Kind: core.AdminInsuranceWithdraw, Account: alice.Addr, Amount: fx("40")})
	require.NoError(t, err)
	require.Len(t, out.Payouts, 1)
	require.Equal(t, capability.PayoutInsuranceWithdraw, out.Payouts[0].Kind)
	require.Equal(t, usdc, out.Payouts[0].Asset)
	requireFx(t, "60", onlyEvent[event.InsuranceWithdraw](t, out, event.EventTypeInsuranceWithdraw).Pool)

	_, err = h.admin(core.AdminCall{Kind: core.AdminInsuranceWithdraw, Account: alice.Addr, Amount: fx("61")})
	require.ErrorIs(t, err, state.ErrInsufficientPool)

	_, err = h.admin(core.AdminCall{Kind: core.AdminInsuranceWithdraw, Amount: fx("1")})
	require.ErrorIs(t, err, core.ErrZeroAddress)
}

func TestAdmin_CoverLoss(t *testing.T) {
	h := newHarness(t)
	h.roundTrip(dave, "100", "70", 1)
	_, err := h.admin(core.AdminCall{Kind: core.AdminInsuranceDeposit, Amount: fx("100")})
	require.NoError(t, err)

	_, err = h.admin(core.AdminCall{Kind: core.AdminCoverLoss, Account: dave.Addr, Amount: fx("31")})
	require.ErrorIs(t, err, state.ErrCoverExceedsDeficit)

	out, err := h.admin(core.AdminCall{Kind: core.AdminCoverLoss, Account: dave.Addr, Amount: fx("30")})
	require.NoError(t, err)
	c := onlyEvent[event.CoverLoss](t, out, event.EventTypeCoverLoss)
	require.Equal(t, "insurance", c.Source)
	requireFx(t, "0", c.Balance)

	_, err = h.admin(core.AdminCall{Kind: core.AdminCoverLoss, Account: dave.Addr, Amount: fx("1")})
	require.ErrorIs(t, err, state.ErrAccountNotNegative)

	require.NoError(t, h.eng.View(func(r core.Reader) error {
		requireFx(t, "70", r.InsurancePool())
		return nil
	}))
}

func TestAdmin_ClaimFees(t *testing.T) {
	h := newHarness(t)

	_, err := h.admin(core.AdminCall{Kind: core.AdminClaimFees, Account: carol.Addr})
	require.ErrorIs(t, err, core.ErrInvalidAmount)

	m := match(
		orderWithFee(alice, operation.SideBuy, "1", "100", 1, "1"),
		orderWithFee(bob, operation.SideSell, "1", "100", 1, "2"),
	)
	m.SequencerFee = fx("0.5")
	h.batch(m)

	out, err := h.admin(core.AdminCall{Kind: core.AdminClaimFees, Account: carol.Addr})
	require.NoError(t, err)
	require.Len(t, out.Payouts, 1)
	require.Equal(t, capability.PayoutFeeClaim, out.Payouts[0].Kind)
	requireFx(t, "3.5", out.Payouts[0].Amount)

	fc := onlyEvent[event.FeeClaim](t, out, event.EventTypeFeeClaim)
	requireFx(t, "3", fc.Trading)
	requireFx(t, "0.5", fc.Sequencer)

	require.NoError(t, h.eng.View(func(r core.Reader) error {
		requireFx(t, "0", r.Fees().Trading)
		requireFx(t, "0", r.Fees().Sequencer)
		return nil
	}))
}

func TestAdmin_CallDigestCoversEveryField(t *testing.T) {
	call := core.AdminCall{ID: "x", Kind: core.AdminDeposit, Caller: depositor.Addr, Account: alice.Addr, Asset: usdc, Amount: fx("1")}
	d1, err := call.Digest()
	require.NoError(t, err)

	call.Amount = fx("2")
	d2, err := call.Digest()
	require.NoError(t, err)
	require.NotEqual(t, d1, d2)

	signer, err := capability.Recover(d2, depositor.Sign(d2))
	require.NoError(t, err)
	require.Equal(t, depositor.Addr, signer)
}
