package vault_test

import (
	"testing"

	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	usdc      = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	vaultAddr = common.HexToAddress("0x000000000000000000000000000000000000fa17")
	recipient = common.HexToAddress("0x000000000000000000000000000000000000fee5")
	alice     = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type fixedPrice struct{}

func (fixedPrice) PriceInUSD(common.Address) (fpmath.Fixed, error) { return fpmath.One(), nil }

type fixture struct {
	undo     *ledger.UndoLog
	accounts *ledger.AccountBook
	balances *ledger.BalanceLedger
	vaults   *vault.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	undo := ledger.NewUndoLog()
	accounts := ledger.NewAccountBook(undo, ledger.CallerProcessor, ledger.CallerVault)
	balances := ledger.NewBalanceLedger(undo, fixedPrice{}, ledger.CallerProcessor, ledger.CallerVault)
	balances.RegisterAsset(usdc)
	positions := ledger.NewPositionLedger(undo, balances, usdc, ledger.CallerMatching)
	f := &fixture{
		undo:     undo,
		accounts: accounts,
		balances: balances,
		vaults:   vault.NewEngine(undo, accounts, balances, positions),
	}
	f.credit(t, alice, "1000")
	f.credit(t, bob, "1000")
	undo.Commit()
	return f
}

func (f *fixture) credit(t *testing.T, account common.Address, amount string) {
	t.Helper()
	require.NoError(t, f.balances.ApplyDeltas(ledger.CallerProcessor, []ledger.BalanceDelta{
		{Account: account, Asset: usdc, Amount: fpmath.MustParse(amount)},
	}))
}

func (f *fixture) balance(account common.Address) fpmath.Fixed {
	return f.balances.Balance(account, usdc)
}

func requireFixed(t *testing.T, want string, got fpmath.Fixed) {
	t.Helper()
	require.True(t, fpmath.MustParse(want).Equal(got), "want %s, got %s", want, got)
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.vaults.Register(vaultAddr, recipient, vault.MaxProfitShareBps+1)
	require.ErrorIs(t, err, vault.ErrInvalidProfitShare)

	_, err = f.vaults.Register(vaultAddr, common.Address{}, 1000)
	require.ErrorIs(t, err, vault.ErrInvalidFeeRecipient)

	_, err = f.vaults.Register(vaultAddr, vaultAddr, 1000)
	require.ErrorIs(t, err, vault.ErrInvalidFeeRecipient)

	_, err = f.vaults.Register(alice, recipient, 1000)
	require.ErrorIs(t, err, vault.ErrVaultNotEmpty)

	evt, err := f.vaults.Register(vaultAddr, recipient, 1000)
	require.NoError(t, err)
	require.Equal(t, uint16(1000), evt.ProfitShareBps)
	require.True(t, f.accounts.IsVault(vaultAddr))

	other := common.HexToAddress("0x000000000000000000000000000000000000fa18")
	_, err = f.vaults.Register(other, recipient, 1000)
	require.ErrorIs(t, err, vault.ErrFeeRecipientUsed)
}

func TestDepositAndWithdraw_ProfitShare(t *testing.T) {
	f := newFixture(t)
	_, err := f.vaults.Register(vaultAddr, recipient, 1000)
	require.NoError(t, err)

	stake, cover, err := f.vaults.Deposit(alice, vaultAddr, fpmath.MustParse("100"))
	require.NoError(t, err)
	require.Nil(t, cover)
	requireFixed(t, "1", stake.NAV)
	requireFixed(t, "100", stake.Shares)
	requireFixed(t, "900", f.balance(alice))

	// Trading profit lifts NAV to 1.5.
	f.credit(t, vaultAddr, "50")
	nav, err := f.vaults.NAV(vaultAddr)
	require.NoError(t, err)
	requireFixed(t, "1.5", nav)

	unstake, err := f.vaults.Withdraw(alice, vaultAddr, fpmath.MustParse("100"))
	require.NoError(t, err)
	requireFixed(t, "150", unstake.Proceeds)
	requireFixed(t, "5", unstake.ProfitFee)
	requireFixed(t, "1045", f.balance(alice))
	requireFixed(t, "5", f.balance(recipient))
	requireFixed(t, "0", f.balance(vaultAddr))

	require.True(t, f.vaults.Stake(vaultAddr, alice).Shares.IsZero())
	v, ok := f.vaults.Vault(vaultAddr)
	require.True(t, ok)
	require.True(t, v.TotalShares.IsZero())
}

func TestWithdraw_LossPaysNoFee(t *testing.T) {
	f := newFixture(t)
	_, err := f.vaults.Register(vaultAddr, recipient, 5000)
	require.NoError(t, err)
	_, _, err = f.vaults.Deposit(alice, vaultAddr, fpmath.MustParse("200"))
	require.NoError(t, err)

	f.credit(t, vaultAddr, "-100")

	unstake, err := f.vaults.Withdraw(alice, vaultAddr, fpmath.MustParse("50"))
	require.NoError(t, err)
	requireFixed(t, "0.5", unstake.NAV)
	requireFixed(t, "25", unstake.Proceeds)
	require.True(t, unstake.ProfitFee.IsZero())
	requireFixed(t, "0", f.balance(recipient))

	_, err = f.vaults.Withdraw(alice, vaultAddr, fpmath.MustParse("151"))
	require.ErrorIs(t, err, vault.ErrInsufficientShares)
}

func TestDeposit_CoversNegativeVaultFirst(t *testing.T) {
	f := newFixture(t)
	_, err := f.vaults.Register(vaultAddr, recipient, 0)
	require.NoError(t, err)
	f.credit(t, vaultAddr, "-30")

	stake, cover, err := f.vaults.Deposit(bob, vaultAddr, fpmath.MustParse("130"))
	require.NoError(t, err)
	require.NotNil(t, cover)
	requireFixed(t, "30", cover.Amount)
	requireFixed(t, "30", stake.Covered)
	requireFixed(t, "100", stake.Shares)
	requireFixed(t, "100", f.balance(vaultAddr))

	_, cover, err = f.vaults.Deposit(bob, vaultAddr, fpmath.MustParse("10"))
	require.NoError(t, err)
	require.Nil(t, cover)
}

func TestDeposit_Rejects(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.vaults.Deposit(alice, vaultAddr, fpmath.MustParse("1"))
	require.ErrorIs(t, err, vault.ErrVaultNotRegistered)

	_, err = f.vaults.Register(vaultAddr, recipient, 0)
	require.NoError(t, err)

	_, _, err = f.vaults.Deposit(vaultAddr, vaultAddr, fpmath.MustParse("1"))
	require.ErrorIs(t, err, vault.ErrInvalidStaker)

	_, _, err = f.vaults.Deposit(alice, vaultAddr, fpmath.Zero())
	require.ErrorIs(t, err, vault.ErrInvalidAmount)

	_, _, err = f.vaults.Deposit(alice, vaultAddr, fpmath.MustParse("1000.5"))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestRollbackUndoesStake(t *testing.T) {
	f := newFixture(t)
	_, err := f.vaults.Register(vaultAddr, recipient, 0)
	require.NoError(t, err)
	f.undo.Commit()

	sp := f.undo.Savepoint()
	_, _, err = f.vaults.Deposit(alice, vaultAddr, fpmath.MustParse("100"))
	require.NoError(t, err)
	f.undo.RollbackTo(sp)

	require.True(t, f.vaults.Stake(vaultAddr, alice).Shares.IsZero())
	v, _ := f.vaults.Vault(vaultAddr)
	require.True(t, v.TotalShares.IsZero())
	requireFixed(t, "1000", f.balance(alice))
}

func TestExportImport(t *testing.T) {
	f := newFixture(t)
	_, err := f.vaults.Register(vaultAddr, recipient, 250)
	require.NoError(t, err)
	_, _, err = f.vaults.Deposit(alice, vaultAddr, fpmath.MustParse("40"))
	require.NoError(t, err)

	st := f.vaults.Export()
	require.Len(t, st.Vaults, 1)
	require.Len(t, st.Stakes, 1)

	g := newFixture(t)
	g.vaults.Import(st)
	requireFixed(t, "40", g.vaults.Stake(vaultAddr, alice).Shares)

	// Imported fee recipients stay reserved.
	other := common.HexToAddress("0x000000000000000000000000000000000000fa18")
	_, err = g.vaults.Register(other, recipient, 0)
	require.ErrorIs(t, err, vault.ErrFeeRecipientUsed)
}
