package event

import (
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Deposit records custody-collected funds credited to an account.
type Deposit struct {
	Result
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Amount  fpmath.Fixed   `json:"amount"`
	Balance fpmath.Fixed   `json:"balance"`
}

func (d *Deposit) EventType() EventType       { return EventTypeDeposit }
func (d *Deposit) MarketID() *ledger.MarketID { return nil }
