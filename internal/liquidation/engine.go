package liquidation

import (
	"errors"
	"fmt"

	"PerpSettle/internal/capability"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/matching"
	"PerpSettle/internal/operation"
	"PerpSettle/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotLiquidatable   = errors.New("account collateral balance is not negative")
	ErrCollateralAsset   = errors.New("collateral asset cannot be seized")
	ErrInvalidAmount     = errors.New("liquidation amount must be positive")
	ErrInsufficientAsset = errors.New("account holds less than the requested amount")
	ErrInvalidPrice      = errors.New("asset price must be positive")
)

// Engine runs forced-taker matches and batched collateral liquidations.
// Margin evaluation happens upstream; the engine trusts the LIQUIDATOR role
// and the order flags.
type Engine struct {
	undo        *ledger.UndoLog
	matcher     *matching.Engine
	balances    *ledger.BalanceLedger
	nonces      *ledger.NonceSet
	insurance   *state.InsuranceFund
	oracle      capability.PriceOracle
	collateral  common.Address
	penaltyRate fpmath.Fixed
}

type Deps struct {
	Undo      *ledger.UndoLog
	Matcher   *matching.Engine
	Balances  *ledger.BalanceLedger
	Nonces    *ledger.NonceSet
	Insurance *state.InsuranceFund
	Oracle    capability.PriceOracle
}

func NewEngine(collateral common.Address, penaltyRate fpmath.Fixed, deps Deps) *Engine {
	return &Engine{
		undo:        deps.Undo,
		matcher:     deps.Matcher,
		balances:    deps.Balances,
		nonces:      deps.Nonces,
		insurance:   deps.Insurance,
		oracle:      deps.Oracle,
		collateral:  collateral,
		penaltyRate: penaltyRate,
	}
}

// ForcedMatch settles a match with the liquidated account as taker. Errors
// are batch-fatal, exactly as for a regular match.
func (e *Engine) ForcedMatch(m *operation.Match) (*event.Match, error) {
	return e.matcher.Match(ledger.CallerLiquidation, m, matching.ModeLiquidation)
}

// Liquidate processes each request independently. A failed request rolls
// back only its own effects; its nonce stays consumed once reached.
func (e *Engine) Liquidate(requests []operation.LiquidationRequest) []*event.Liquidation {
	out := make([]*event.Liquidation, 0, len(requests))
	for i, req := range requests {
		evt := &event.Liquidation{
			Index:   i,
			Account: req.Account,
			Asset:   req.Asset,
			Amount:  req.Amount,
			Nonce:   req.Nonce,
		}
		if err := e.nonces.Use(ledger.CallerLiquidation, ledger.PurposeLiquidation, req.Account, req.Nonce); err != nil {
			evt.Result = event.Failure(err)
			out = append(out, evt)
			continue
		}

		sp := e.undo.Savepoint()
		if err := e.seize(req, evt); err != nil {
			e.undo.RollbackTo(sp)
			evt.SeizedValue, evt.Payout, evt.Penalty = fpmath.Zero(), fpmath.Zero(), fpmath.Zero()
			evt.Result = event.Failure(err)
		} else {
			evt.Result = event.Success()
		}
		out = append(out, evt)
	}
	return out
}

// seize moves amount of asset to the insurance account and pays its value,
// less the penalty share, out of the pool in collateral.
func (e *Engine) seize(req operation.LiquidationRequest, evt *event.Liquidation) error {
	if req.Asset == e.collateral {
		return ErrCollateralAsset
	}
	if bal := e.balances.Balance(req.Account, e.collateral); !bal.IsNegative() {
		return fmt.Errorf("%w: %s has %s", ErrNotLiquidatable, req.Account.Hex(), bal)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}
	if held := e.balances.Balance(req.Account, req.Asset); req.Amount.GreaterThan(held) {
		return fmt.Errorf("%w: want %s, holds %s", ErrInsufficientAsset, req.Amount, held)
	}

	price, err := e.price(req.Asset)
	if err != nil {
		return err
	}
	collateralPrice, err := e.price(e.collateral)
	if err != nil {
		return err
	}
	usd, err := fpmath.Mul(req.Amount, price)
	if err != nil {
		return err
	}
	value, err := fpmath.Div(usd, collateralPrice)
	if err != nil {
		return err
	}
	penalty, err := fpmath.Mul(value, e.penaltyRate)
	if err != nil {
		return err
	}
	payout := value.Sub(penalty)

	if err := e.balances.ApplyDeltas(ledger.CallerLiquidation, []ledger.BalanceDelta{
		{Account: req.Account, Asset: req.Asset, Amount: req.Amount.Neg()},
		{Account: e.insurance.Account(), Asset: req.Asset, Amount: req.Amount},
	}); err != nil {
		return err
	}
	if err := e.insurance.Payout(ledger.CallerLiquidation, req.Account, payout); err != nil {
		return err
	}

	evt.SeizedValue = value
	evt.Payout = payout
	evt.Penalty = penalty
	return nil
}

func (e *Engine) price(asset common.Address) (fpmath.Fixed, error) {
	p, err := e.oracle.PriceInUSD(asset)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	if !p.IsPositive() {
		return fpmath.Fixed{}, fmt.Errorf("%w: %s at %s", ErrInvalidPrice, asset.Hex(), p)
	}
	return p, nil
}
