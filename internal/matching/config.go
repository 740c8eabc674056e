package matching

import (
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
)

// Config bounds the fees a match may carry.
type Config struct {
	// Maximum |maker fee| and |taker fee| as a fraction of notional.
	MaxFeeRate fpmath.Fixed
	// Absolute cap on the taker-paid sequencer fee.
	MaxSequencerFee fpmath.Fixed
	// Maximum liquidation penalty as a fraction of notional.
	MaxPenaltyRate fpmath.Fixed
	// Tradeable markets. Empty allows any market id.
	Markets []ledger.MarketID
}

func DefaultConfig() Config {
	return Config{
		MaxFeeRate:      fpmath.MustParse("0.02"),
		MaxSequencerFee: fpmath.One(),
		MaxPenaltyRate:  fpmath.MustParse("0.1"),
	}
}
