package capability

import (
	"errors"
	"fmt"
	"sync"

	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var ErrNoPrice = errors.New("no price for asset")

// PriceOracle answers priceInUsd(asset).
type PriceOracle interface {
	PriceInUSD(asset common.Address) (fpmath.Fixed, error)
}

// StaticOracle serves configured prices. SetPrice lets an operator feed move
// them without a restart.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[common.Address]fpmath.Fixed
}

func NewStaticOracle(prices map[common.Address]fpmath.Fixed) *StaticOracle {
	o := &StaticOracle{prices: make(map[common.Address]fpmath.Fixed, len(prices))}
	for a, p := range prices {
		o.prices[a] = p
	}
	return o
}

func (o *StaticOracle) SetPrice(asset common.Address, price fpmath.Fixed) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[asset] = price
}

func (o *StaticOracle) PriceInUSD(asset common.Address) (fpmath.Fixed, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.prices[asset]
	if !ok {
		return fpmath.Fixed{}, fmt.Errorf("%w: %s", ErrNoPrice, asset.Hex())
	}
	return p, nil
}
