package event

import (
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// FeeRecord lists every fee charged or paid by a match. Positive maker and
// taker fees are charges; negative ones are rebates from the fee pool.
type FeeRecord struct {
	Maker              fpmath.Fixed `json:"maker"`
	Taker              fpmath.Fixed `json:"taker"`
	ReferralRebate     fpmath.Fixed `json:"referral_rebate"`
	LiquidationPenalty fpmath.Fixed `json:"liquidation_penalty"`
	Sequencer          fpmath.Fixed `json:"sequencer"`
}

// MatchSide is one counterparty's view of a fill.
type MatchSide struct {
	Account     common.Address  `json:"account"`
	OrderDigest common.Hash     `json:"order_digest"`
	Nonce       uint64          `json:"nonce"`
	BaseDelta   fpmath.Fixed    `json:"base_delta"`
	QuoteDelta  fpmath.Fixed    `json:"quote_delta"`
	Filled      fpmath.Fixed    `json:"filled"`
	IsMatched   bool            `json:"is_matched"`
	Funding     fpmath.Fixed    `json:"funding"`
	Realized    fpmath.Fixed    `json:"realized"`
	Position    ledger.Position `json:"position"`
}

// Match represents a settled maker/taker fill.
type Match struct {
	Result
	Market      ledger.MarketID `json:"market"`
	Liquidation bool            `json:"liquidation"`
	Fill        fpmath.Fixed    `json:"fill"`
	Price       fpmath.Fixed    `json:"price"`
	Fees        FeeRecord       `json:"fees"`
	Referrer    *common.Address `json:"referrer,omitempty"`
	Maker       MatchSide       `json:"maker"`
	Taker       MatchSide       `json:"taker"`
}

func (m *Match) EventType() EventType { return EventTypeMatch }

func (m *Match) MarketID() *ledger.MarketID {
	id := m.Market
	return &id
}
