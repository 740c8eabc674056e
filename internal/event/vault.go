package event

import (
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

type VaultRegistered struct {
	Result
	Vault          common.Address `json:"vault"`
	FeeRecipient   common.Address `json:"fee_recipient"`
	ProfitShareBps uint16         `json:"profit_share_bps"`
}

func (v *VaultRegistered) EventType() EventType       { return EventTypeVaultRegistered }
func (v *VaultRegistered) MarketID() *ledger.MarketID { return nil }

// Stake records shares minted to Staker. Covered is the part of Amount
// absorbed by a negative vault balance before minting.
type Stake struct {
	Result
	Staker      common.Address `json:"staker"`
	Vault       common.Address `json:"vault"`
	Amount      fpmath.Fixed   `json:"amount"`
	Nonce       uint64         `json:"nonce"`
	Covered     fpmath.Fixed   `json:"covered"`
	NAV         fpmath.Fixed   `json:"nav"`
	Shares      fpmath.Fixed   `json:"shares"`
	TotalShares fpmath.Fixed   `json:"total_shares"`
}

func (s *Stake) EventType() EventType       { return EventTypeStake }
func (s *Stake) MarketID() *ledger.MarketID { return nil }

type Unstake struct {
	Result
	Staker      common.Address `json:"staker"`
	Vault       common.Address `json:"vault"`
	Shares      fpmath.Fixed   `json:"shares"`
	Nonce       uint64         `json:"nonce"`
	NAV         fpmath.Fixed   `json:"nav"`
	Proceeds    fpmath.Fixed   `json:"proceeds"`
	ProfitFee   fpmath.Fixed   `json:"profit_fee"`
	TotalShares fpmath.Fixed   `json:"total_shares"`
}

func (u *Unstake) EventType() EventType       { return EventTypeUnstake }
func (u *Unstake) MarketID() *ledger.MarketID { return nil }

// CoverLoss records a negative collateral balance being topped up, either
// by the insurance pool or by a stake into a vault in deficit.
type CoverLoss struct {
	Result
	Account common.Address `json:"account"`
	Amount  fpmath.Fixed   `json:"amount"`
	Source  string         `json:"source"`
	Balance fpmath.Fixed   `json:"balance"`
}

func (c *CoverLoss) EventType() EventType       { return EventTypeCoverLoss }
func (c *CoverLoss) MarketID() *ledger.MarketID { return nil }
