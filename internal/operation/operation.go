package operation

import (
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

type Side uint8

const (
	SideBuy  Side = 0
	SideSell Side = 1
)

func (s Side) String() string {
	if s == SideBuy {
		return "buy"
	}
	return "sell"
}

// Order is the signed trading intent. Size and price are non-negative.
type Order struct {
	Sender common.Address  `json:"sender"`
	Size   fpmath.Fixed    `json:"size"`
	Price  fpmath.Fixed    `json:"price"`
	Nonce  uint64          `json:"nonce"`
	Market ledger.MarketID `json:"market"`
	Side   Side            `json:"side"`
}

// SignedOrder is one 164-byte side of a match payload.
type SignedOrder struct {
	Order
	Signature     []byte         `json:"signature"`
	Signer        common.Address `json:"signer"`
	IsLiquidation bool           `json:"is_liquidation"`
	Fee           fpmath.Fixed   `json:"fee"`
}

// Referral credits a share of the taker fee to Referrer.
type Referral struct {
	Referrer  common.Address `json:"referrer"`
	RebateBps uint16         `json:"rebate_bps"`
}

// Match is the body shared by MatchOrders and MatchLiquidation.
type Match struct {
	Maker        SignedOrder  `json:"maker"`
	Taker        SignedOrder  `json:"taker"`
	SequencerFee fpmath.Fixed `json:"sequencer_fee"`
	Referral     *Referral    `json:"referral,omitempty"`
	// Penalty is only ever set on MatchLiquidation.
	Penalty fpmath.Fixed `json:"penalty"`
}

// Operation is the closed set of record variants. The unexported accept
// method keeps the set closed to this package.
type Operation interface {
	Opcode() Opcode
	accept(h Handler) error
	appendPayload(b []byte) ([]byte, error)
}

// Handler has one method per variant. Dispatch is checked by the compiler:
// adding a variant adds a method every handler must implement.
type Handler interface {
	HandleAddSigner(op *AddSigner) error
	HandleMatchOrders(op *MatchOrders) error
	HandleMatchLiquidation(op *MatchLiquidation) error
	HandleUpdateFunding(op *UpdateFunding) error
	HandleWithdraw(op *Withdraw) error
	HandleTransfer(op *Transfer) error
	HandleCrossLedgerTransfer(op *CrossLedgerTransfer) error
	HandleLiquidate(op *Liquidate) error
	HandleRegisterVault(op *RegisterVault) error
	HandleStake(op *Stake) error
	HandleUnstake(op *Unstake) error
}

// Dispatch routes op to the matching Handler method.
func Dispatch(op Operation, h Handler) error {
	return op.accept(h)
}

type AddSigner struct {
	Sender    common.Address `json:"sender"`
	Signer    common.Address `json:"signer"`
	Nonce     uint64         `json:"nonce"`
	Signature []byte         `json:"signature"`
}

type MatchOrders struct {
	Match
}

type MatchLiquidation struct {
	Match
}

type FundingUpdate struct {
	Market     ledger.MarketID `json:"market"`
	IndexDelta fpmath.Fixed    `json:"index_delta"`
}

type UpdateFunding struct {
	Updates []FundingUpdate `json:"updates"`
}

type Withdraw struct {
	Sender    common.Address `json:"sender"`
	Asset     common.Address `json:"asset"`
	Amount    fpmath.Fixed   `json:"amount"`
	Nonce     uint64         `json:"nonce"`
	Signature []byte         `json:"signature"`
}

type Transfer struct {
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Asset     common.Address `json:"asset"`
	Amount    fpmath.Fixed   `json:"amount"`
	Nonce     uint64         `json:"nonce"`
	Signature []byte         `json:"signature"`
}

type CrossLedgerTransfer struct {
	Sender            common.Address `json:"sender"`
	Recipient         common.Address `json:"recipient"`
	Asset             common.Address `json:"asset"`
	Amount            fpmath.Fixed   `json:"amount"`
	DestinationLedger uint32         `json:"destination_ledger"`
	Nonce             uint64         `json:"nonce"`
	Signature         []byte         `json:"signature"`
}

// LiquidationRequest seizes Amount of a non-collateral Asset from an account
// whose collateral balance is negative.
type LiquidationRequest struct {
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Amount  fpmath.Fixed   `json:"amount"`
	Nonce   uint64         `json:"nonce"`
}

type Liquidate struct {
	Requests []LiquidationRequest `json:"requests"`
}

type RegisterVault struct {
	Vault          common.Address `json:"vault"`
	FeeRecipient   common.Address `json:"fee_recipient"`
	ProfitShareBps uint16         `json:"profit_share_bps"`
	Signature      []byte         `json:"signature"`
}

type Stake struct {
	Staker    common.Address `json:"staker"`
	Vault     common.Address `json:"vault"`
	Amount    fpmath.Fixed   `json:"amount"`
	Nonce     uint64         `json:"nonce"`
	Signature []byte         `json:"signature"`
}

type Unstake struct {
	Staker    common.Address `json:"staker"`
	Vault     common.Address `json:"vault"`
	Shares    fpmath.Fixed   `json:"shares"`
	Nonce     uint64         `json:"nonce"`
	Signature []byte         `json:"signature"`
}

func (*AddSigner) Opcode() Opcode           { return OpAddSigner }
func (*MatchOrders) Opcode() Opcode         { return OpMatchOrders }
func (*MatchLiquidation) Opcode() Opcode    { return OpMatchLiquidation }
func (*UpdateFunding) Opcode() Opcode       { return OpUpdateFunding }
func (*Withdraw) Opcode() Opcode            { return OpWithdraw }
func (*Transfer) Opcode() Opcode            { return OpTransfer }
func (*CrossLedgerTransfer) Opcode() Opcode { return OpCrossLedgerTransfer }
func (*Liquidate) Opcode() Opcode           { return OpLiquidate }
func (*RegisterVault) Opcode() Opcode       { return OpRegisterVault }
func (*Stake) Opcode() Opcode               { return OpStake }
func (*Unstake) Opcode() Opcode             { return OpUnstake }

func (op *AddSigner) accept(h Handler) error           { return h.HandleAddSigner(op) }
func (op *MatchOrders) accept(h Handler) error         { return h.HandleMatchOrders(op) }
func (op *MatchLiquidation) accept(h Handler) error    { return h.HandleMatchLiquidation(op) }
func (op *UpdateFunding) accept(h Handler) error       { return h.HandleUpdateFunding(op) }
func (op *Withdraw) accept(h Handler) error            { return h.HandleWithdraw(op) }
func (op *Transfer) accept(h Handler) error            { return h.HandleTransfer(op) }
func (op *CrossLedgerTransfer) accept(h Handler) error { return h.HandleCrossLedgerTransfer(op) }
func (op *Liquidate) accept(h Handler) error           { return h.HandleLiquidate(op) }
func (op *RegisterVault) accept(h Handler) error       { return h.HandleRegisterVault(op) }
func (op *Stake) accept(h Handler) error               { return h.HandleStake(op) }
func (op *Unstake) accept(h Handler) error             { return h.HandleUnstake(op) }
