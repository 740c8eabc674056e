package core

import (
	"encoding/json"
	"fmt"

	"PerpSettle/internal/capability"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AdminKind names a direct, non-batched call.
type AdminKind string

const (
	AdminDeposit             AdminKind = "deposit"
	AdminInsuranceDeposit    AdminKind = "insurance_deposit"
	AdminInsuranceWithdraw   AdminKind = "insurance_withdraw"
	AdminCoverLoss           AdminKind = "cover_loss"
	AdminSetSupplyCap        AdminKind = "set_supply_cap"
	AdminClaimFees           AdminKind = "claim_fees"
	AdminSetSubaccountActive AdminKind = "set_subaccount_active"
)

// Role returns the role a caller must hold to make the call.
func (k AdminKind) Role() (capability.Role, error) {
	switch k {
	case AdminDeposit:
		return capability.RoleDepositor, nil
	case AdminInsuranceDeposit, AdminInsuranceWithdraw, AdminCoverLoss,
		AdminSetSupplyCap, AdminClaimFees, AdminSetSubaccountActive:
		return capability.RoleAdmin, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAdmin, k)
}

// AdminCall is one direct call. Account is the target account, the
// withdrawal destination or the fee recipient depending on Kind. Amount is
// the USD cap for SetSupplyCap.
type AdminCall struct {
	ID      string         `json:"id"`
	Kind    AdminKind      `json:"kind"`
	Caller  common.Address `json:"caller"`
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Amount  fpmath.Fixed   `json:"amount"`
	Active  bool           `json:"active"`
}

const adminDigestPrefix = "PerpSettle admin call:"

// Digest is the keccak256 hash a caller signs to submit the call.
func (c AdminCall) Digest() (common.Hash, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash([]byte(adminDigestPrefix), body), nil
}

// Command is one entry of the command log: a committed batch or admin call.
// Replaying the log in Seq order from a snapshot reproduces state.
type Command struct {
	Seq       int64          `json:"seq"`
	Kind      string         `json:"kind"`
	BatchID   string         `json:"batch_id,omitempty"`
	Caller    common.Address `json:"caller"`
	Records   [][]byte       `json:"records,omitempty"`
	Admin     *AdminCall     `json:"admin,omitempty"`
	StateHash common.Hash    `json:"state_hash"`
}

// DedupID returns the id the command is deduplicated under.
func (c Command) DedupID() string {
	if c.Admin != nil {
		return c.Admin.ID
	}
	return c.BatchID
}

// Output is everything a committed command hands to the service shell.
type Output struct {
	Command   Command
	Envelopes []*event.EventEnvelope
	Payouts   []capability.Payout
	PrevHash  [32]byte
	StateHash [32]byte

	// Post-commit values of every key the command wrote.
	Balances  []ledger.BalanceRecord
	Positions []ledger.PositionRecord
	Markets   []ledger.MarketRecord
	Vaults    []VaultView
}

// VaultView is a vault with its current NAV per share.
type VaultView struct {
	Address common.Address `json:"address"`
	vault.Vault
	Balance fpmath.Fixed `json:"balance"`
	NAV     fpmath.Fixed `json:"nav"`
}
