package event

import (
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

type InsuranceDeposit struct {
	Result
	Amount fpmath.Fixed `json:"amount"`
	Pool   fpmath.Fixed `json:"pool"`
}

func (i *InsuranceDeposit) EventType() EventType       { return EventTypeInsuranceDeposit }
func (i *InsuranceDeposit) MarketID() *ledger.MarketID { return nil }

type InsuranceWithdraw struct {
	Result
	To     common.Address `json:"to"`
	Amount fpmath.Fixed   `json:"amount"`
	Pool   fpmath.Fixed   `json:"pool"`
}

func (i *InsuranceWithdraw) EventType() EventType       { return EventTypeInsuranceWithdraw }
func (i *InsuranceWithdraw) MarketID() *ledger.MarketID { return nil }

// FeeClaim empties the fee pool to Recipient.
type FeeClaim struct {
	Result
	Recipient common.Address `json:"recipient"`
	Trading   fpmath.Fixed   `json:"trading"`
	Sequencer fpmath.Fixed   `json:"sequencer"`
}

func (f *FeeClaim) EventType() EventType       { return EventTypeFeeClaim }
func (f *FeeClaim) MarketID() *ledger.MarketID { return nil }
