package event

import (
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
)

// FundingUpdate records a change to a market's cumulative funding index.
// Positions pick it up on their next touch.
type FundingUpdate struct {
	Result
	Market          ledger.MarketID `json:"market"`
	IndexDelta      fpmath.Fixed    `json:"index_delta"`
	CumulativeIndex fpmath.Fixed    `json:"cumulative_index"`
}

func (f *FundingUpdate) EventType() EventType { return EventTypeFundingUpdate }

func (f *FundingUpdate) MarketID() *ledger.MarketID {
	id := f.Market
	return &id
}
