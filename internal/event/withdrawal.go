package event

import (
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Withdrawal is the outcome of a signed withdraw. On success a custody
// payout for Amount follows the commit.
type Withdrawal struct {
	Result
	Sender  common.Address `json:"sender"`
	Asset   common.Address `json:"asset"`
	Amount  fpmath.Fixed   `json:"amount"`
	Nonce   uint64         `json:"nonce"`
	Balance fpmath.Fixed   `json:"balance"`
}

func (w *Withdrawal) EventType() EventType       { return EventTypeWithdrawal }
func (w *Withdrawal) MarketID() *ledger.MarketID { return nil }

// CrossLedgerTransfer debits the sender and hands the amount to another
// ledger through custody.
type CrossLedgerTransfer struct {
	Result
	Sender            common.Address `json:"sender"`
	Recipient         common.Address `json:"recipient"`
	Asset             common.Address `json:"asset"`
	Amount            fpmath.Fixed   `json:"amount"`
	DestinationLedger uint32         `json:"destination_ledger"`
	Nonce             uint64         `json:"nonce"`
}

func (c *CrossLedgerTransfer) EventType() EventType       { return EventTypeCrossLedgerTransfer }
func (c *CrossLedgerTransfer) MarketID() *ledger.MarketID { return nil }
