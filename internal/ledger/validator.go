package ledger

import (
	"fmt"

	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// InvariantValidator cross-checks the aggregate counters against the
// underlying records. It walks every entry, so it runs in tests and when
// invariant checking is enabled in configuration, not on the hot path.
type InvariantValidator struct {
	balances  *BalanceLedger
	positions *PositionLedger
}

func NewInvariantValidator(balances *BalanceLedger, positions *PositionLedger) *InvariantValidator {
	return &InvariantValidator{
		balances:  balances,
		positions: positions,
	}
}

// ValidateSupply verifies totalSupply equals the sum of balances per asset.
func (v *InvariantValidator) ValidateSupply() error {
	sums := make(map[common.Address]fpmath.Fixed)
	for k, b := range v.balances.balances {
		sums[k.Asset] = sums[k.Asset].Add(b)
	}
	for _, asset := range v.balances.Assets() {
		if got, want := sums[asset], v.balances.TotalSupply(asset); !got.Equal(want) {
			return fmt.Errorf("supply mismatch for %s: balances sum %s, supply %s", asset.Hex(), got, want)
		}
	}
	return nil
}

// ValidateOpenInterest verifies each market's open interest equals the sum
// of long position sizes.
func (v *InvariantValidator) ValidateOpenInterest() error {
	longs := make(map[MarketID]fpmath.Fixed)
	for k, p := range v.positions.positions {
		longs[k.Market] = longs[k.Market].Add(p.Size.PositivePart())
	}
	for id, m := range v.positions.markets {
		if !longs[id].Equal(m.OpenInterest) {
			return fmt.Errorf("open interest mismatch market %d: longs %s, recorded %s", id, longs[id], m.OpenInterest)
		}
	}
	return nil
}

// ValidateNetSize verifies long and short sizes cancel in every market.
func (v *InvariantValidator) ValidateNetSize() error {
	net := make(map[MarketID]fpmath.Fixed)
	for k, p := range v.positions.positions {
		net[k.Market] = net[k.Market].Add(p.Size)
	}
	for id, n := range net {
		if !n.IsZero() {
			return fmt.Errorf("market %d net size %s, want 0", id, n)
		}
	}
	return nil
}

// ValidateAll runs every check and returns the first failure.
func (v *InvariantValidator) ValidateAll() error {
	if err := v.ValidateSupply(); err != nil {
		return err
	}
	if err := v.ValidateOpenInterest(); err != nil {
		return err
	}
	return v.ValidateNetSize()
}
