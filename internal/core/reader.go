package core

import (
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"PerpSettle/internal/vault"

	"github.com/ethereum/go-ethereum/common"
)

// Status describes the committed tip of the engine.
type Status struct {
	CommandSeq int64       `json:"command_seq"`
	Counter    uint32      `json:"counter"`
	StateHash  common.Hash `json:"state_hash"`
}

// Reader exposes committed state to queries. It is only valid inside
// Engine.View.
type Reader interface {
	Status() Status
	Collateral() common.Address
	Assets() []common.Address
	Balance(account, asset common.Address) fpmath.Fixed
	TotalSupply(asset common.Address) fpmath.Fixed
	SupplyCap(asset common.Address) (fpmath.Fixed, bool)
	Position(account common.Address, market ledger.MarketID) (ledger.Position, bool)
	Positions(account common.Address) []ledger.PositionRecord
	Market(market ledger.MarketID) ledger.Market
	KnownMarket(market ledger.MarketID) bool
	Fees() state.FeePoolState
	InsurancePool() fpmath.Fixed
	InsuranceAccount() common.Address
	Vault(addr common.Address) (VaultView, bool)
	Stake(addr, staker common.Address) vault.Stake
	NonceUsed(purpose ledger.Purpose, account common.Address, nonce uint64) bool
	OrderFilled(digest common.Hash) fpmath.Fixed
	AccountType(addr common.Address) ledger.AccountType
	Parent(addr common.Address) (common.Address, bool)
	IsActive(addr common.Address) bool
	IsDelegate(account, signer common.Address) bool
}

type reader struct {
	e *Engine
}

func (r reader) Status() Status {
	return Status{
		CommandSeq: r.e.commandSeq,
		Counter:    r.e.sequence.Expected(),
		StateHash:  r.e.hasher.GetPrevHash(),
	}
}

func (r reader) Collateral() common.Address { return r.e.cfg.Collateral }
func (r reader) Assets() []common.Address   { return r.e.balances.Assets() }

func (r reader) Balance(account, asset common.Address) fpmath.Fixed {
	return r.e.balances.Balance(account, asset)
}

func (r reader) TotalSupply(asset common.Address) fpmath.Fixed {
	return r.e.balances.TotalSupply(asset)
}

func (r reader) SupplyCap(asset common.Address) (fpmath.Fixed, bool) {
	return r.e.balances.SupplyCap(asset)
}

func (r reader) Position(account common.Address, market ledger.MarketID) (ledger.Position, bool) {
	return r.e.positions.Position(account, market), r.e.positions.HasPosition(account, market)
}

func (r reader) Positions(account common.Address) []ledger.PositionRecord {
	return r.e.positions.Positions(account)
}

func (r reader) Market(market ledger.MarketID) ledger.Market { return r.e.positions.Market(market) }
func (r reader) KnownMarket(market ledger.MarketID) bool     { return r.e.matcher.KnownMarket(market) }
func (r reader) Fees() state.FeePoolState                    { return r.e.fees.Export() }
func (r reader) InsurancePool() fpmath.Fixed                 { return r.e.insurance.Pool() }
func (r reader) InsuranceAccount() common.Address            { return r.e.insurance.Account() }

func (r reader) Vault(addr common.Address) (VaultView, bool) {
	return r.e.vaultView(addr)
}

func (r reader) Stake(addr, staker common.Address) vault.Stake {
	return r.e.vaults.Stake(addr, staker)
}

func (r reader) NonceUsed(purpose ledger.Purpose, account common.Address, nonce uint64) bool {
	return r.e.nonces.IsUsed(purpose, account, nonce)
}

func (r reader) OrderFilled(digest common.Hash) fpmath.Fixed {
	return r.e.matcher.Filled(digest)
}

func (r reader) AccountType(addr common.Address) ledger.AccountType {
	return r.e.accounts.Type(addr)
}

func (r reader) Parent(addr common.Address) (common.Address, bool) {
	return r.e.accounts.Parent(addr)
}

func (r reader) IsActive(addr common.Address) bool {
	return r.e.accounts.IsActive(addr)
}

func (r reader) IsDelegate(account, signer common.Address) bool {
	return r.e.accounts.IsDelegate(account, signer)
}
