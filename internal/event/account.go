package event

import (
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

type SignerAdded struct {
	Result
	Account common.Address `json:"account"`
	Signer  common.Address `json:"signer"`
	Nonce   uint64         `json:"nonce"`
}

func (s *SignerAdded) EventType() EventType       { return EventTypeSignerAdded }
func (s *SignerAdded) MarketID() *ledger.MarketID { return nil }

// Transfer moves a balance between a Main and its subaccounts.
// CreatedSubaccount is set when To was attached to From by this transfer.
type Transfer struct {
	Result
	From              common.Address `json:"from"`
	To                common.Address `json:"to"`
	Asset             common.Address `json:"asset"`
	Amount            fpmath.Fixed   `json:"amount"`
	Nonce             uint64         `json:"nonce"`
	CreatedSubaccount bool           `json:"created_subaccount,omitempty"`
}

func (t *Transfer) EventType() EventType       { return EventTypeTransfer }
func (t *Transfer) MarketID() *ledger.MarketID { return nil }
