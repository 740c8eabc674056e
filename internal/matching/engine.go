package matching

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"PerpSettle/internal/capability"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/operation"
	"PerpSettle/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrSameSide            = errors.New("orders are on the same side")
	ErrSameAccount         = errors.New("orders share a sender")
	ErrSelfTrade           = errors.New("orders belong to the same main account")
	ErrLiquidationFlag     = errors.New("invalid liquidation flags")
	ErrMarketMismatch      = errors.New("orders are on different markets")
	ErrUnknownMarket       = errors.New("unknown market")
	ErrPriceNotCrossing    = errors.New("order prices do not cross")
	ErrOrderNonceUsed      = errors.New("order nonce already used")
	ErrInvalidOrder        = errors.New("invalid order")
	ErrZeroFill            = errors.New("nothing left to fill")
	ErrFeeOverCap          = errors.New("trading fee over cap")
	ErrSequencerFeeOverCap = errors.New("sequencer fee over cap")
	ErrPenaltyOverCap      = errors.New("liquidation penalty over cap")
	ErrNegativeFee         = errors.New("fee must not be negative")
	ErrInvalidReferral     = errors.New("invalid referral")
)

// Mode selects which liquidation flags a match must carry.
type Mode uint8

const (
	ModeRegular Mode = iota
	ModeLiquidation
)

// OrderAuthorizer checks that signer may sign orders for account. Holders of
// the given roles are accepted in place of a delegation.
type OrderAuthorizer interface {
	AuthorizeSigner(account, signer common.Address, digest common.Hash, sig []byte, roles ...capability.Role) error
}

// Engine validates and settles maker/taker pairs. It owns cumulative fill
// tracking; all other state lives in the ledgers it is handed.
type Engine struct {
	cfg     Config
	markets map[ledger.MarketID]struct{}
	domain  capability.Domain
	undo    *ledger.UndoLog
	auth    OrderAuthorizer

	accounts  *ledger.AccountBook
	balances  *ledger.BalanceLedger
	positions *ledger.PositionLedger
	nonces    *ledger.NonceSet
	fees      *state.FeePool
	insurance *state.InsuranceFund

	filled map[common.Hash]fpmath.Fixed
}

// Deps groups the stores the engine settles into.
type Deps struct {
	Undo      *ledger.UndoLog
	Auth      OrderAuthorizer
	Accounts  *ledger.AccountBook
	Balances  *ledger.BalanceLedger
	Positions *ledger.PositionLedger
	Nonces    *ledger.NonceSet
	Fees      *state.FeePool
	Insurance *state.InsuranceFund
}

func NewEngine(cfg Config, domain capability.Domain, deps Deps) *Engine {
	var markets map[ledger.MarketID]struct{}
	if len(cfg.Markets) > 0 {
		markets = make(map[ledger.MarketID]struct{}, len(cfg.Markets))
		for _, m := range cfg.Markets {
			markets[m] = struct{}{}
		}
	}
	return &Engine{
		cfg:       cfg,
		markets:   markets,
		domain:    domain,
		undo:      deps.Undo,
		auth:      deps.Auth,
		accounts:  deps.Accounts,
		balances:  deps.Balances,
		positions: deps.Positions,
		nonces:    deps.Nonces,
		fees:      deps.Fees,
		insurance: deps.Insurance,
		filled:    make(map[common.Hash]fpmath.Fixed),
	}
}

// KnownMarket reports whether market is tradeable.
func (e *Engine) KnownMarket(market ledger.MarketID) bool {
	if e.markets == nil {
		return true
	}
	_, ok := e.markets[market]
	return ok
}

// Filled returns the cumulative filled size of the order with digest.
func (e *Engine) Filled(digest common.Hash) fpmath.Fixed {
	return e.filled[digest]
}

// OrderDigest is the fill-tracking identity of an order.
func (e *Engine) OrderDigest(o operation.Order) common.Hash {
	return operation.Digest(e.domain, o)
}

// Match settles one fill between m.Maker and m.Taker. Every error is fatal
// to the enclosing batch; the caller rolls back whatever was applied.
func (e *Engine) Match(caller ledger.Caller, m *operation.Match, mode Mode) (*event.Match, error) {
	maker, taker := m.Maker, m.Taker
	if err := e.validatePair(maker, taker, mode); err != nil {
		return nil, err
	}

	makerDigest := e.OrderDigest(maker.Order)
	takerDigest := e.OrderDigest(taker.Order)
	if err := e.auth.AuthorizeSigner(maker.Sender, maker.Signer, makerDigest, maker.Signature); err != nil {
		return nil, fmt.Errorf("maker: %w", err)
	}
	var takerRoles []capability.Role
	if mode == ModeLiquidation {
		takerRoles = append(takerRoles, capability.RoleLiquidator)
	}
	if err := e.auth.AuthorizeSigner(taker.Sender, taker.Signer, takerDigest, taker.Signature, takerRoles...); err != nil {
		return nil, fmt.Errorf("taker: %w", err)
	}

	for _, o := range []operation.SignedOrder{maker, taker} {
		if e.nonces.IsUsed(ledger.PurposeOrder, o.Sender, o.Nonce) {
			return nil, fmt.Errorf("%w: %s/%d", ErrOrderNonceUsed, o.Sender.Hex(), o.Nonce)
		}
	}

	makerFilled, takerFilled := e.filled[makerDigest], e.filled[takerDigest]
	fill := fpmath.Min(maker.Size.Sub(makerFilled), taker.Size.Sub(takerFilled))
	if !fill.IsPositive() {
		return nil, fmt.Errorf("%w: maker %s/%s, taker %s/%s", ErrZeroFill, makerFilled, maker.Size, takerFilled, taker.Size)
	}
	price := maker.Price
	notional, err := fpmath.Notional(fill, price)
	if err != nil {
		return nil, fmt.Errorf("notional: %w", err)
	}

	fees, err := e.checkFees(m, notional, takerFilled.IsZero(), mode)
	if err != nil {
		return nil, err
	}
	if m.Referral != nil && m.Referral.Referrer == taker.Sender {
		return nil, fmt.Errorf("%w: taker refers itself", ErrInvalidReferral)
	}

	makerDelta, err := sideDelta(maker, fill, price, notional, maker.Fee)
	if err != nil {
		return nil, err
	}
	takerCharge := taker.Fee.Add(fees.Sequencer).Add(fees.LiquidationPenalty)
	takerDelta, err := sideDelta(taker, fill, price, notional, takerCharge)
	if err != nil {
		return nil, err
	}

	settlements, err := e.positions.ApplyDeltas(caller, []ledger.PositionDelta{makerDelta, takerDelta})
	if err != nil {
		return nil, fmt.Errorf("settle positions: %w", err)
	}

	if err := e.fees.AccrueTrading(caller, maker.Fee.Add(taker.Fee).Sub(fees.ReferralRebate)); err != nil {
		return nil, err
	}
	if err := e.fees.AccrueSequencer(caller, fees.Sequencer); err != nil {
		return nil, err
	}
	if fees.ReferralRebate.IsPositive() {
		if err := e.balances.ApplyDeltas(caller, []ledger.BalanceDelta{{
			Account: m.Referral.Referrer,
			Asset:   e.positions.Collateral(),
			Amount:  fees.ReferralRebate,
		}}); err != nil {
			return nil, fmt.Errorf("referral rebate: %w", err)
		}
	}
	if err := e.insurance.CollectLiquidationPenalty(caller, fees.LiquidationPenalty); err != nil {
		return nil, err
	}

	makerMatched, err := e.recordFill(caller, maker, makerDigest, fill)
	if err != nil {
		return nil, err
	}
	takerMatched, err := e.recordFill(caller, taker, takerDigest, fill)
	if err != nil {
		return nil, err
	}

	evt := &event.Match{
		Result:      event.Success(),
		Market:      maker.Market,
		Liquidation: mode == ModeLiquidation,
		Fill:        fill,
		Price:       price,
		Fees:        fees,
		Maker:       matchSide(maker, makerDigest, makerDelta, settlements[0], e.filled[makerDigest], makerMatched),
		Taker:       matchSide(taker, takerDigest, takerDelta, settlements[1], e.filled[takerDigest], takerMatched),
	}
	if m.Referral != nil {
		ref := m.Referral.Referrer
		evt.Referrer = &ref
	}
	return evt, nil
}

func (e *Engine) validatePair(maker, taker operation.SignedOrder, mode Mode) error {
	if maker.Side == taker.Side {
		return fmt.Errorf("%w: both %s", ErrSameSide, maker.Side)
	}
	if maker.Sender == taker.Sender {
		return fmt.Errorf("%w: %s", ErrSameAccount, maker.Sender.Hex())
	}
	if e.accounts.MainOf(maker.Sender) == e.accounts.MainOf(taker.Sender) {
		return fmt.Errorf("%w: %s and %s", ErrSelfTrade, maker.Sender.Hex(), taker.Sender.Hex())
	}
	switch mode {
	case ModeRegular:
		if maker.IsLiquidation || taker.IsLiquidation {
			return fmt.Errorf("%w: liquidation order in a regular match", ErrLiquidationFlag)
		}
	case ModeLiquidation:
		if !taker.IsLiquidation || maker.IsLiquidation {
			return fmt.Errorf("%w: exactly the taker must be flagged", ErrLiquidationFlag)
		}
	}
	if maker.Market != taker.Market {
		return fmt.Errorf("%w: %d vs %d", ErrMarketMismatch, maker.Market, taker.Market)
	}
	if !e.KnownMarket(maker.Market) {
		return fmt.Errorf("%w: %d", ErrUnknownMarket, maker.Market)
	}
	for _, o := range []operation.SignedOrder{maker, taker} {
		if !o.Size.IsPositive() || !o.Price.IsPositive() {
			return fmt.Errorf("%w: %s size %s price %s", ErrInvalidOrder, o.Sender.Hex(), o.Size, o.Price)
		}
	}
	if maker.Side == operation.SideBuy && maker.Price.LessThan(taker.Price) {
		return fmt.Errorf("%w: maker buys at %s, taker sells at %s", ErrPriceNotCrossing, maker.Price, taker.Price)
	}
	if maker.Side == operation.SideSell && maker.Price.GreaterThan(taker.Price) {
		return fmt.Errorf("%w: maker sells at %s, taker buys at %s", ErrPriceNotCrossing, maker.Price, taker.Price)
	}
	return nil
}

// checkFees enforces the caps and returns the fees actually charged.
func (e *Engine) checkFees(m *operation.Match, notional fpmath.Fixed, firstTouch bool, mode Mode) (event.FeeRecord, error) {
	maxFee, err := fpmath.Mul(notional, e.cfg.MaxFeeRate)
	if err != nil {
		return event.FeeRecord{}, err
	}
	if m.Maker.Fee.Abs().GreaterThan(maxFee) {
		return event.FeeRecord{}, fmt.Errorf("%w: maker fee %s, cap %s", ErrFeeOverCap, m.Maker.Fee, maxFee)
	}
	if m.Taker.Fee.Abs().GreaterThan(maxFee) {
		return event.FeeRecord{}, fmt.Errorf("%w: taker fee %s, cap %s", ErrFeeOverCap, m.Taker.Fee, maxFee)
	}

	if m.SequencerFee.IsNegative() {
		return event.FeeRecord{}, fmt.Errorf("%w: sequencer fee %s", ErrNegativeFee, m.SequencerFee)
	}
	if m.SequencerFee.GreaterThan(e.cfg.MaxSequencerFee) {
		return event.FeeRecord{}, fmt.Errorf("%w: %s, cap %s", ErrSequencerFeeOverCap, m.SequencerFee, e.cfg.MaxSequencerFee)
	}

	if m.Penalty.IsNegative() {
		return event.FeeRecord{}, fmt.Errorf("%w: penalty %s", ErrNegativeFee, m.Penalty)
	}
	if mode != ModeLiquidation && !m.Penalty.IsZero() {
		return event.FeeRecord{}, fmt.Errorf("%w: penalty on a regular match", ErrLiquidationFlag)
	}
	maxPenalty, err := fpmath.Mul(notional, e.cfg.MaxPenaltyRate)
	if err != nil {
		return event.FeeRecord{}, err
	}
	if m.Penalty.GreaterThan(maxPenalty) {
		return event.FeeRecord{}, fmt.Errorf("%w: %s, cap %s", ErrPenaltyOverCap, m.Penalty, maxPenalty)
	}

	rec := event.FeeRecord{
		Maker:              m.Maker.Fee,
		Taker:              m.Taker.Fee,
		LiquidationPenalty: m.Penalty,
	}
	if firstTouch {
		rec.Sequencer = m.SequencerFee
	}
	if m.Referral != nil {
		if m.Referral.RebateBps > 10_000 {
			return event.FeeRecord{}, fmt.Errorf("%w: %d bps", ErrInvalidReferral, m.Referral.RebateBps)
		}
		if m.Referral.Referrer == (common.Address{}) {
			return event.FeeRecord{}, fmt.Errorf("%w: zero referrer", ErrInvalidReferral)
		}
		if m.Taker.Fee.IsPositive() {
			rec.ReferralRebate = fpmath.MulBps(m.Taker.Fee, uint64(m.Referral.RebateBps))
		}
	}
	return rec, nil
}

// sideDelta converts a fill into one side's position delta. charge is
// subtracted from the quote side.
func sideDelta(o operation.SignedOrder, fill, price, notional, charge fpmath.Fixed) (ledger.PositionDelta, error) {
	d := ledger.PositionDelta{Account: o.Sender, Market: o.Market, FillPrice: price}
	if o.Side == operation.SideBuy {
		d.BaseDelta = fill
		d.QuoteDelta = notional.Neg()
	} else {
		d.BaseDelta = fill.Neg()
		d.QuoteDelta = notional
	}
	d.QuoteDelta = d.QuoteDelta.Sub(charge)
	if err := d.QuoteDelta.CheckRange(); err != nil {
		return d, err
	}
	return d, nil
}

// recordFill advances cumulativeFilled and consumes the order nonce once the
// order is complete.
func (e *Engine) recordFill(caller ledger.Caller, o operation.SignedOrder, digest common.Hash, fill fpmath.Fixed) (bool, error) {
	next := e.filled[digest].Add(fill)
	if next.GreaterThan(o.Size) {
		return false, fmt.Errorf("%w: fill %s exceeds size %s", ErrInvalidOrder, next, o.Size)
	}
	ledger.SetMapValue(e.undo, e.filled, digest, next)
	if !next.Equal(o.Size) {
		return false, nil
	}
	if err := e.nonces.Use(caller, ledger.PurposeOrder, o.Sender, o.Nonce); err != nil {
		return false, err
	}
	return true, nil
}

func matchSide(o operation.SignedOrder, digest common.Hash, d ledger.PositionDelta, s ledger.Settlement, filled fpmath.Fixed, matched bool) event.MatchSide {
	return event.MatchSide{
		Account:     o.Sender,
		OrderDigest: digest,
		Nonce:       o.Nonce,
		BaseDelta:   d.BaseDelta,
		QuoteDelta:  d.QuoteDelta,
		Filled:      filled,
		IsMatched:   matched,
		Funding:     s.Funding,
		Realized:    s.Realized,
		Position:    s.After,
	}
}

// --- Snapshot ---

type FillRecord struct {
	Digest common.Hash  `json:"digest"`
	Filled fpmath.Fixed `json:"filled"`
}

func (e *Engine) Export() []FillRecord {
	out := make([]FillRecord, 0, len(e.filled))
	for d, f := range e.filled {
		out = append(out, FillRecord{Digest: d, Filled: f})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Digest[:], out[j].Digest[:]) < 0
	})
	return out
}

func (e *Engine) Import(records []FillRecord) {
	clear(e.filled)
	for _, r := range records {
		e.filled[r.Digest] = r.Filled
	}
}
