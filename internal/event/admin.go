package event

import (
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// SupplyCapSet records a change to an asset's USD supply cap. A zero cap
// means uncapped.
type SupplyCapSet struct {
	Result
	Asset  common.Address `json:"asset"`
	USDCap fpmath.Fixed   `json:"usd_cap"`
}

func (s *SupplyCapSet) EventType() EventType       { return EventTypeSupplyCapSet }
func (s *SupplyCapSet) MarketID() *ledger.MarketID { return nil }

type SubaccountStatus struct {
	Result
	Subaccount common.Address `json:"subaccount"`
	Active     bool           `json:"active"`
}

func (s *SubaccountStatus) EventType() EventType       { return EventTypeSubaccountStatus }
func (s *SubaccountStatus) MarketID() *ledger.MarketID { return nil }
