package ledger

import (
	"bytes"
	"fmt"
	"sort"

	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// MarketID is the product index of a perpetual market.
type MarketID uint8

// PositionKey identifies one (account, market) position.
type PositionKey struct {
	Account common.Address
	Market  MarketID
}

// Position is a perpetual position. QuoteBalance carries the unrealized
// cash side (entry cost, fees, funding) until the position closes or flips.
type Position struct {
	Size             fpmath.Fixed `json:"size"`
	QuoteBalance     fpmath.Fixed `json:"quote_balance"`
	LastFundingIndex fpmath.Fixed `json:"last_funding_index"`
}

// Market holds per-market accumulators.
type Market struct {
	CumulativeFundingIndex fpmath.Fixed `json:"cumulative_funding_index"`
	OpenInterest           fpmath.Fixed `json:"open_interest"`
}

// PositionDelta is one side of a fill.
type PositionDelta struct {
	Account    common.Address
	Market     MarketID
	BaseDelta  fpmath.Fixed
	QuoteDelta fpmath.Fixed
	FillPrice  fpmath.Fixed
}

// Settlement describes what ApplyDeltas did to one position.
type Settlement struct {
	Account  common.Address `json:"account"`
	Market   MarketID       `json:"market"`
	Before   Position       `json:"before"`
	After    Position       `json:"after"`
	Funding  fpmath.Fixed   `json:"funding"`
	Realized fpmath.Fixed   `json:"realized"`
}

// PositionLedger stores positions and markets. Realized quote is paid into
// the collateral asset of the balance ledger in the same all-or-nothing call.
type PositionLedger struct {
	undo       *UndoLog
	allowed    AllowList
	balances   *BalanceLedger
	collateral common.Address

	positions map[PositionKey]Position
	markets   map[MarketID]Market

	touched map[PositionKey]struct{}
}

func NewPositionLedger(undo *UndoLog, balances *BalanceLedger, collateral common.Address, callers ...Caller) *PositionLedger {
	return &PositionLedger{
		undo:       undo,
		allowed:    NewAllowList(callers...),
		balances:   balances,
		collateral: collateral,
		positions:  make(map[PositionKey]Position),
		markets:    make(map[MarketID]Market),
		touched:    make(map[PositionKey]struct{}),
	}
}

func (l *PositionLedger) Collateral() common.Address {
	return l.collateral
}

func (l *PositionLedger) Position(account common.Address, market MarketID) Position {
	return l.positions[PositionKey{Account: account, Market: market}]
}

// HasPosition reports whether the (account, market) record exists, even at
// zero size.
func (l *PositionLedger) HasPosition(account common.Address, market MarketID) bool {
	_, ok := l.positions[PositionKey{Account: account, Market: market}]
	return ok
}

// HasAnyPosition reports whether account has ever held a position.
func (l *PositionLedger) HasAnyPosition(account common.Address) bool {
	for k := range l.positions {
		if k.Account == account {
			return true
		}
	}
	return false
}

func (l *PositionLedger) Market(market MarketID) Market {
	return l.markets[market]
}

// UpdateFundingIndex adds delta to a market's cumulative funding index.
func (l *PositionLedger) UpdateFundingIndex(caller Caller, market MarketID, delta fpmath.Fixed) (Market, error) {
	if err := l.allowed.Check(caller); err != nil {
		return Market{}, err
	}
	m := l.markets[market]
	m.CumulativeFundingIndex = m.CumulativeFundingIndex.Add(delta)
	if err := m.CumulativeFundingIndex.CheckRange(); err != nil {
		return Market{}, fmt.Errorf("funding index market %d: %w", market, err)
	}
	SetMapValue(l.undo, l.markets, market, m)
	return m, nil
}

// ApplyDeltas settles funding on every touched position, applies the fills
// and realizes closed or flipped exposure into the balance ledger. Either
// every delta applies or none does.
func (l *PositionLedger) ApplyDeltas(caller Caller, deltas []PositionDelta) ([]Settlement, error) {
	if err := l.allowed.Check(caller); err != nil {
		return nil, err
	}

	working := make(map[PositionKey]Position, len(deltas))
	order := make([]PositionKey, 0, len(deltas))
	marketsNext := make(map[MarketID]Market)
	settlements := make([]Settlement, 0, len(deltas))
	var realized []BalanceDelta

	for _, d := range deltas {
		key := PositionKey{Account: d.Account, Market: d.Market}
		pos, seen := working[key]
		if !seen {
			pos = l.positions[key]
			order = append(order, key)
		}
		m, ok := marketsNext[d.Market]
		if !ok {
			m = l.markets[d.Market]
		}

		s, err := settle(pos, m.CumulativeFundingIndex, d)
		if err != nil {
			return nil, fmt.Errorf("position %s/%d: %w", d.Account.Hex(), d.Market, err)
		}
		s.Account = d.Account
		s.Market = d.Market

		m.OpenInterest = m.OpenInterest.
			Add(s.After.Size.PositivePart()).
			Sub(s.Before.Size.PositivePart())
		if err := m.OpenInterest.CheckRange(); err != nil {
			return nil, fmt.Errorf("open interest market %d: %w", d.Market, err)
		}

		working[key] = s.After
		marketsNext[d.Market] = m
		settlements = append(settlements, s)
		if !s.Realized.IsZero() {
			realized = append(realized, BalanceDelta{Account: d.Account, Asset: l.collateral, Amount: s.Realized})
		}
	}

	if err := l.balances.ApplyDeltas(caller, realized); err != nil {
		return nil, fmt.Errorf("realize pnl: %w", err)
	}

	for _, key := range order {
		SetMapValue(l.undo, l.positions, key, working[key])
		l.touched[key] = struct{}{}
	}
	markets := make([]MarketID, 0, len(marketsNext))
	for id := range marketsNext {
		markets = append(markets, id)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i] < markets[j] })
	for _, id := range markets {
		SetMapValue(l.undo, l.markets, id, marketsNext[id])
	}
	return settlements, nil
}

// settle folds accrued funding and one fill into a position.
func settle(pos Position, index fpmath.Fixed, d PositionDelta) (Settlement, error) {
	s := Settlement{Before: pos}

	funding, err := fpmath.FundingOwed(index, pos.LastFundingIndex, pos.Size)
	if err != nil {
		return s, err
	}
	s.Funding = funding

	quote := pos.QuoteBalance.Sub(funding).Add(d.QuoteDelta)
	newSize := pos.Size.Add(d.BaseDelta)

	switch {
	case newSize.IsZero():
		s.Realized = quote
		quote = fpmath.Zero()
	case pos.Size.Sign()*newSize.Sign() < 0:
		// Flip: the newly opened leg keeps its own entry cost.
		opened, err := fpmath.Mul(newSize, d.FillPrice)
		if err != nil {
			return s, err
		}
		openQuote := opened.Neg()
		s.Realized = quote.Sub(openQuote)
		quote = openQuote
	}

	s.After = Position{Size: newSize, QuoteBalance: quote, LastFundingIndex: index}
	for _, v := range []fpmath.Fixed{s.After.Size, s.After.QuoteBalance, s.Realized} {
		if err := v.CheckRange(); err != nil {
			return s, err
		}
	}
	return s, nil
}

// DrainTouched returns the positions written since the previous call and
// resets the set.
func (l *PositionLedger) DrainTouched() []PositionKey {
	out := make([]PositionKey, 0, len(l.touched))
	for k := range l.touched {
		out = append(out, k)
	}
	clear(l.touched)
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Account[:], out[j].Account[:]); c != 0 {
			return c < 0
		}
		return out[i].Market < out[j].Market
	})
	return out
}

// --- Snapshot ---

type PositionRecord struct {
	Account common.Address `json:"account"`
	Market  MarketID       `json:"market"`
	Position
}

type MarketRecord struct {
	ID MarketID `json:"market"`
	Market
}

type PositionLedgerState struct {
	Markets   []MarketRecord   `json:"markets"`
	Positions []PositionRecord `json:"positions"`
}

func (l *PositionLedger) Export() PositionLedgerState {
	var st PositionLedgerState
	for id, m := range l.markets {
		st.Markets = append(st.Markets, MarketRecord{ID: id, Market: m})
	}
	sort.Slice(st.Markets, func(i, j int) bool { return st.Markets[i].ID < st.Markets[j].ID })
	for k, p := range l.positions {
		st.Positions = append(st.Positions, PositionRecord{Account: k.Account, Market: k.Market, Position: p})
	}
	sort.Slice(st.Positions, func(i, j int) bool {
		if c := bytes.Compare(st.Positions[i].Account[:], st.Positions[j].Account[:]); c != 0 {
			return c < 0
		}
		return st.Positions[i].Market < st.Positions[j].Market
	})
	return st
}

func (l *PositionLedger) Import(st PositionLedgerState) {
	clear(l.markets)
	clear(l.positions)
	for _, m := range st.Markets {
		l.markets[m.ID] = m.Market
	}
	for _, p := range st.Positions {
		l.positions[PositionKey{Account: p.Account, Market: p.Market}] = p.Position
	}
}

// Positions returns every position record for account in market order.
func (l *PositionLedger) Positions(account common.Address) []PositionRecord {
	var out []PositionRecord
	for k, p := range l.positions {
		if k.Account == account {
			out = append(out, PositionRecord{Account: k.Account, Market: k.Market, Position: p})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}
