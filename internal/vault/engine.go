package vault

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidProfitShare  = errors.New("profit share above 10000 bps")
	ErrInvalidFeeRecipient = errors.New("invalid fee recipient")
	ErrFeeRecipientUsed    = errors.New("fee recipient already used")
	ErrVaultNotEmpty       = errors.New("vault candidate holds balances or positions")
	ErrVaultNotRegistered  = errors.New("vault not registered")
	ErrInvalidStaker       = errors.New("invalid staker")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientShares  = errors.New("insufficient shares")
	ErrZeroShares          = errors.New("stake mints no shares")
	ErrNegativeVault       = errors.New("vault balance would go negative")
)

// MaxProfitShareBps is 100%.
const MaxProfitShareBps = 10_000

// Vault is a registered pooled account.
type Vault struct {
	FeeRecipient   common.Address `json:"fee_recipient"`
	ProfitShareBps uint16         `json:"profit_share_bps"`
	TotalShares    fpmath.Fixed   `json:"total_shares"`
}

// Stake is one staker's holding in a vault.
type Stake struct {
	Shares        fpmath.Fixed `json:"shares"`
	AvgEntryPrice fpmath.Fixed `json:"avg_entry_price"`
}

type stakeKey struct {
	Vault  common.Address
	Staker common.Address
}

// Engine converts collateral into and out of vault shares at NAV.
type Engine struct {
	undo       *ledger.UndoLog
	accounts   *ledger.AccountBook
	balances   *ledger.BalanceLedger
	positions  *ledger.PositionLedger
	collateral common.Address

	vaults     map[common.Address]Vault
	stakes     map[stakeKey]Stake
	recipients map[common.Address]common.Address
}

func NewEngine(undo *ledger.UndoLog, accounts *ledger.AccountBook, balances *ledger.BalanceLedger, positions *ledger.PositionLedger) *Engine {
	return &Engine{
		undo:       undo,
		accounts:   accounts,
		balances:   balances,
		positions:  positions,
		collateral: positions.Collateral(),
		vaults:     make(map[common.Address]Vault),
		stakes:     make(map[stakeKey]Stake),
		recipients: make(map[common.Address]common.Address),
	}
}

func (e *Engine) Vault(addr common.Address) (Vault, bool) {
	v, ok := e.vaults[addr]
	return v, ok
}

func (e *Engine) Stake(vault, staker common.Address) Stake {
	return e.stakes[stakeKey{Vault: vault, Staker: staker}]
}

// NAV returns the vault's collateral per share. It is 1 while no shares are
// outstanding or the balance is not positive.
func (e *Engine) NAV(vault common.Address) (fpmath.Fixed, error) {
	v := e.vaults[vault]
	return nav(e.balances.Balance(vault, e.collateral), v.TotalShares)
}

func nav(balance, shares fpmath.Fixed) (fpmath.Fixed, error) {
	if shares.IsZero() || !balance.IsPositive() {
		return fpmath.One(), nil
	}
	return fpmath.Div(balance, shares)
}

// Register converts an empty Main account into a vault. The caller has
// verified the vault's signature.
func (e *Engine) Register(vault, feeRecipient common.Address, profitShareBps uint16) (*event.VaultRegistered, error) {
	if profitShareBps > MaxProfitShareBps {
		return nil, fmt.Errorf("%w: %d", ErrInvalidProfitShare, profitShareBps)
	}
	switch {
	case feeRecipient == (common.Address{}):
		return nil, fmt.Errorf("%w: zero address", ErrInvalidFeeRecipient)
	case feeRecipient == vault:
		return nil, fmt.Errorf("%w: vault cannot receive its own fees", ErrInvalidFeeRecipient)
	case e.accounts.Type(feeRecipient) != ledger.AccountMain:
		return nil, fmt.Errorf("%w: %s is a %s", ErrInvalidFeeRecipient, feeRecipient.Hex(), e.accounts.Type(feeRecipient))
	}
	if owner, used := e.recipients[feeRecipient]; used {
		return nil, fmt.Errorf("%w: %s already collects for %s", ErrFeeRecipientUsed, feeRecipient.Hex(), owner.Hex())
	}
	if _, isRecipient := e.recipients[vault]; isRecipient {
		return nil, fmt.Errorf("%w: %s is a fee recipient", ErrInvalidFeeRecipient, vault.Hex())
	}
	if !e.balances.IsEmpty(vault) || e.positions.HasAnyPosition(vault) {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotEmpty, vault.Hex())
	}
	if err := e.accounts.MarkVault(ledger.CallerVault, vault); err != nil {
		return nil, err
	}

	ledger.SetMapValue(e.undo, e.vaults, vault, Vault{FeeRecipient: feeRecipient, ProfitShareBps: profitShareBps})
	ledger.SetMapValue(e.undo, e.recipients, feeRecipient, vault)
	return &event.VaultRegistered{
		Result:         event.Success(),
		Vault:          vault,
		FeeRecipient:   feeRecipient,
		ProfitShareBps: profitShareBps,
	}, nil
}

// Deposit moves amount of collateral from staker into vault. A negative vault
// balance is covered first; shares are minted on the remainder at the
// post-cover NAV. The returned CoverLoss is nil when nothing was covered.
func (e *Engine) Deposit(staker, vault common.Address, amount fpmath.Fixed) (*event.Stake, *event.CoverLoss, error) {
	v, ok := e.vaults[vault]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrVaultNotRegistered, vault.Hex())
	}
	if staker == vault || e.accounts.IsVault(staker) {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidStaker, staker.Hex())
	}
	if !amount.IsPositive() {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if bal := e.balances.Balance(staker, e.collateral); bal.LessThan(amount) {
		return nil, nil, fmt.Errorf("%w: staker has %s, stakes %s", ledger.ErrInsufficientBalance, bal, amount)
	}

	before := e.balances.Balance(vault, e.collateral)
	covered := fpmath.Zero()
	if before.IsNegative() {
		covered = fpmath.Min(amount, before.Neg())
	}
	remainder := amount.Sub(covered)

	price, err := nav(before.Add(covered), v.TotalShares)
	if err != nil {
		return nil, nil, err
	}
	shares := fpmath.Zero()
	if remainder.IsPositive() {
		shares, err = fpmath.Div(remainder, price)
		if err != nil {
			return nil, nil, err
		}
		if shares.IsZero() {
			return nil, nil, fmt.Errorf("%w: %s at NAV %s", ErrZeroShares, remainder, price)
		}
	}

	if err := e.balances.ApplyDeltas(ledger.CallerVault, []ledger.BalanceDelta{
		{Account: staker, Asset: e.collateral, Amount: amount.Neg()},
		{Account: vault, Asset: e.collateral, Amount: amount},
	}); err != nil {
		return nil, nil, err
	}

	var cover *event.CoverLoss
	if covered.IsPositive() {
		cover = &event.CoverLoss{
			Result:  event.Success(),
			Account: vault,
			Amount:  covered,
			Source:  "stake",
			Balance: before.Add(covered),
		}
	}

	if shares.IsPositive() {
		key := stakeKey{Vault: vault, Staker: staker}
		pos := e.stakes[key]
		avg, err := fpmath.WeightedAverage(pos.Shares, pos.AvgEntryPrice, shares, price)
		if err != nil {
			return nil, nil, err
		}
		ledger.SetMapValue(e.undo, e.stakes, key, Stake{Shares: pos.Shares.Add(shares), AvgEntryPrice: avg})
		v.TotalShares = v.TotalShares.Add(shares)
		ledger.SetMapValue(e.undo, e.vaults, vault, v)
	}

	return &event.Stake{
		Result:      event.Success(),
		Staker:      staker,
		Vault:       vault,
		Amount:      amount,
		Covered:     covered,
		NAV:         price,
		Shares:      shares,
		TotalShares: v.TotalShares,
	}, cover, nil
}

// Withdraw burns shares at the current NAV. The profit above the staker's
// average entry price pays the vault's profit share to the fee recipient.
func (e *Engine) Withdraw(staker, vault common.Address, shares fpmath.Fixed) (*event.Unstake, error) {
	v, ok := e.vaults[vault]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotRegistered, vault.Hex())
	}
	if !shares.IsPositive() {
		return nil, fmt.Errorf("%w: %s shares", ErrInvalidAmount, shares)
	}
	key := stakeKey{Vault: vault, Staker: staker}
	pos := e.stakes[key]
	if pos.Shares.LessThan(shares) {
		return nil, fmt.Errorf("%w: holds %s, unstakes %s", ErrInsufficientShares, pos.Shares, shares)
	}

	balance := e.balances.Balance(vault, e.collateral)
	price, err := nav(balance, v.TotalShares)
	if err != nil {
		return nil, err
	}
	proceeds, err := fpmath.Mul(shares, price)
	if err != nil {
		return nil, err
	}
	if balance.Sub(proceeds).IsNegative() {
		return nil, fmt.Errorf("%w: balance %s, proceeds %s", ErrNegativeVault, balance, proceeds)
	}
	cost, err := fpmath.Mul(shares, pos.AvgEntryPrice)
	if err != nil {
		return nil, err
	}
	fee := fpmath.Zero()
	if profit := proceeds.Sub(cost); profit.IsPositive() {
		fee = fpmath.MulBps(profit, uint64(v.ProfitShareBps))
	}

	deltas := []ledger.BalanceDelta{
		{Account: vault, Asset: e.collateral, Amount: proceeds.Neg()},
		{Account: staker, Asset: e.collateral, Amount: proceeds.Sub(fee)},
	}
	if fee.IsPositive() {
		deltas = append(deltas, ledger.BalanceDelta{Account: v.FeeRecipient, Asset: e.collateral, Amount: fee})
	}
	if err := e.balances.ApplyDeltas(ledger.CallerVault, deltas); err != nil {
		return nil, err
	}

	remaining := pos.Shares.Sub(shares)
	if remaining.IsZero() {
		ledger.DeleteMapValue(e.undo, e.stakes, key)
	} else {
		ledger.SetMapValue(e.undo, e.stakes, key, Stake{Shares: remaining, AvgEntryPrice: pos.AvgEntryPrice})
	}
	v.TotalShares = v.TotalShares.Sub(shares)
	ledger.SetMapValue(e.undo, e.vaults, vault, v)

	return &event.Unstake{
		Result:      event.Success(),
		Staker:      staker,
		Vault:       vault,
		Shares:      shares,
		NAV:         price,
		Proceeds:    proceeds,
		ProfitFee:   fee,
		TotalShares: v.TotalShares,
	}, nil
}

// --- Snapshot ---

type VaultRecord struct {
	Address common.Address `json:"address"`
	Vault
}

type StakeRecord struct {
	Vault  common.Address `json:"vault"`
	Staker common.Address `json:"staker"`
	Stake
}

type State struct {
	Vaults []VaultRecord `json:"vaults"`
	Stakes []StakeRecord `json:"stakes"`
}

func (e *Engine) Export() State {
	var st State
	for addr, v := range e.vaults {
		st.Vaults = append(st.Vaults, VaultRecord{Address: addr, Vault: v})
	}
	sort.Slice(st.Vaults, func(i, j int) bool {
		return bytes.Compare(st.Vaults[i].Address[:], st.Vaults[j].Address[:]) < 0
	})
	for k, s := range e.stakes {
		st.Stakes = append(st.Stakes, StakeRecord{Vault: k.Vault, Staker: k.Staker, Stake: s})
	}
	sort.Slice(st.Stakes, func(i, j int) bool {
		if c := bytes.Compare(st.Stakes[i].Vault[:], st.Stakes[j].Vault[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(st.Stakes[i].Staker[:], st.Stakes[j].Staker[:]) < 0
	})
	return st
}

func (e *Engine) Import(st State) {
	clear(e.vaults)
	clear(e.stakes)
	clear(e.recipients)
	for _, v := range st.Vaults {
		e.vaults[v.Address] = v.Vault
		e.recipients[v.FeeRecipient] = v.Address
	}
	for _, s := range st.Stakes {
		e.stakes[stakeKey{Vault: s.Vault, Staker: s.Staker}] = s.Stake
	}
}
