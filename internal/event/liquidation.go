package event

import (
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Liquidation is the outcome of one request in a batched collateral
// liquidation. Each request gets its own event.
type Liquidation struct {
	Result
	Index       int            `json:"index"`
	Account     common.Address `json:"account"`
	Asset       common.Address `json:"asset"`
	Amount      fpmath.Fixed   `json:"amount"`
	Nonce       uint64         `json:"nonce"`
	SeizedValue fpmath.Fixed   `json:"seized_value"`
	Payout      fpmath.Fixed   `json:"payout"`
	Penalty     fpmath.Fixed   `json:"penalty"`
}

func (l *Liquidation) EventType() EventType       { return EventTypeLiquidation }
func (l *Liquidation) MarketID() *ledger.MarketID { return nil }
