package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnsupportedAsset    = errors.New("unsupported asset")
	ErrSupplyCapExceeded   = errors.New("asset supply cap exceeded")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidCap          = errors.New("invalid supply cap")
)

// PriceOracle resolves an asset's USD price for supply-cap enforcement.
type PriceOracle interface {
	PriceInUSD(asset common.Address) (fpmath.Fixed, error)
}

// BalanceKey identifies one (account, asset) balance.
type BalanceKey struct {
	Account common.Address
	Asset   common.Address
}

// BalanceDelta is one signed change in an ApplyDeltas call.
type BalanceDelta struct {
	Account common.Address
	Asset   common.Address
	Amount  fpmath.Fixed
}

// BalanceLedger is the spot balance store. Every mutation goes through
// ApplyDeltas, which applies the full list or nothing.
type BalanceLedger struct {
	undo    *UndoLog
	allowed AllowList
	oracle  PriceOracle

	balances map[BalanceKey]fpmath.Fixed
	supply   map[common.Address]fpmath.Fixed
	caps     map[common.Address]fpmath.Fixed
	assets   map[common.Address]struct{}

	// keys written since the last DrainTouched; not rolled back
	touched map[BalanceKey]struct{}
}

func NewBalanceLedger(undo *UndoLog, oracle PriceOracle, callers ...Caller) *BalanceLedger {
	return &BalanceLedger{
		undo:     undo,
		allowed:  NewAllowList(callers...),
		oracle:   oracle,
		balances: make(map[BalanceKey]fpmath.Fixed),
		supply:   make(map[common.Address]fpmath.Fixed),
		caps:     make(map[common.Address]fpmath.Fixed),
		assets:   make(map[common.Address]struct{}),
		touched:  make(map[BalanceKey]struct{}),
	}
}

// RegisterAsset adds asset to the supported set. Called from configuration
// at startup; idempotent.
func (l *BalanceLedger) RegisterAsset(asset common.Address) {
	if _, ok := l.assets[asset]; ok {
		return
	}
	SetMapValue(l.undo, l.assets, asset, struct{}{})
}

func (l *BalanceLedger) IsSupported(asset common.Address) bool {
	_, ok := l.assets[asset]
	return ok
}

// Assets returns the supported assets in address order.
func (l *BalanceLedger) Assets() []common.Address {
	out := make([]common.Address, 0, len(l.assets))
	for a := range l.assets {
		out = append(out, a)
	}
	sortAddresses(out)
	return out
}

func (l *BalanceLedger) Balance(account, asset common.Address) fpmath.Fixed {
	return l.balances[BalanceKey{Account: account, Asset: asset}]
}

func (l *BalanceLedger) TotalSupply(asset common.Address) fpmath.Fixed {
	return l.supply[asset]
}

// SupplyCap returns the USD cap for asset, if one is set.
func (l *BalanceLedger) SupplyCap(asset common.Address) (fpmath.Fixed, bool) {
	c, ok := l.caps[asset]
	return c, ok
}

// IsEmpty reports whether account holds a zero balance in every asset.
func (l *BalanceLedger) IsEmpty(account common.Address) bool {
	for a := range l.assets {
		if !l.Balance(account, a).IsZero() {
			return false
		}
	}
	return true
}

// SetSupplyCap sets the USD cap for asset. A zero cap removes it.
func (l *BalanceLedger) SetSupplyCap(caller Caller, asset common.Address, usdCap fpmath.Fixed) error {
	if err := l.allowed.Check(caller); err != nil {
		return err
	}
	if !l.IsSupported(asset) {
		return fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
	}
	if usdCap.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidCap, usdCap)
	}
	if usdCap.IsZero() {
		DeleteMapValue(l.undo, l.caps, asset)
		return nil
	}
	SetMapValue(l.undo, l.caps, asset, usdCap)
	return nil
}

// ApplyDeltas applies every delta or none. Net supply changes per asset are
// checked against the asset's USD cap through the price oracle.
func (l *BalanceLedger) ApplyDeltas(caller Caller, deltas []BalanceDelta) error {
	if err := l.allowed.Check(caller); err != nil {
		return err
	}
	if len(deltas) == 0 {
		return nil
	}

	next := make(map[BalanceKey]fpmath.Fixed, len(deltas))
	order := make([]BalanceKey, 0, len(deltas))
	netSupply := make(map[common.Address]fpmath.Fixed)
	assetOrder := make([]common.Address, 0, 2)

	for _, d := range deltas {
		if !l.IsSupported(d.Asset) {
			return fmt.Errorf("%w: %s", ErrUnsupportedAsset, d.Asset.Hex())
		}
		key := BalanceKey{Account: d.Account, Asset: d.Asset}
		cur, seen := next[key]
		if !seen {
			cur = l.balances[key]
			order = append(order, key)
		}
		updated := cur.Add(d.Amount)
		if err := updated.CheckRange(); err != nil {
			return fmt.Errorf("balance %s/%s: %w", d.Account.Hex(), d.Asset.Hex(), err)
		}
		next[key] = updated

		if _, ok := netSupply[d.Asset]; !ok {
			assetOrder = append(assetOrder, d.Asset)
		}
		netSupply[d.Asset] = netSupply[d.Asset].Add(d.Amount)
	}

	newSupply := make(map[common.Address]fpmath.Fixed, len(assetOrder))
	for _, asset := range assetOrder {
		s := l.supply[asset].Add(netSupply[asset])
		if err := s.CheckRange(); err != nil {
			return fmt.Errorf("supply %s: %w", asset.Hex(), err)
		}
		newSupply[asset] = s
		if netSupply[asset].IsPositive() {
			if err := l.checkCap(asset, s); err != nil {
				return err
			}
		}
	}

	for _, key := range order {
		SetMapValue(l.undo, l.balances, key, next[key])
		l.touched[key] = struct{}{}
	}
	for _, asset := range assetOrder {
		SetMapValue(l.undo, l.supply, asset, newSupply[asset])
	}
	return nil
}

func (l *BalanceLedger) checkCap(asset common.Address, supply fpmath.Fixed) error {
	usdCap, ok := l.caps[asset]
	if !ok {
		return nil
	}
	if l.oracle == nil {
		return fmt.Errorf("%w: no price source for %s", ErrSupplyCapExceeded, asset.Hex())
	}
	price, err := l.oracle.PriceInUSD(asset)
	if err != nil {
		return fmt.Errorf("price %s: %w", asset.Hex(), err)
	}
	usd, err := fpmath.Mul(supply, price)
	if err != nil {
		return fmt.Errorf("supply value %s: %w", asset.Hex(), err)
	}
	if usd.GreaterThan(usdCap) {
		return fmt.Errorf("%w: %s supply worth %s USD, cap %s", ErrSupplyCapExceeded, asset.Hex(), usd, usdCap)
	}
	return nil
}

// DrainTouched returns the keys written since the previous call, sorted,
// and resets the set. Keys from rolled-back writes may be included.
func (l *BalanceLedger) DrainTouched() []BalanceKey {
	out := make([]BalanceKey, 0, len(l.touched))
	for k := range l.touched {
		out = append(out, k)
	}
	clear(l.touched)
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Account[:], out[j].Account[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Asset[:], out[j].Asset[:]) < 0
	})
	return out
}

// --- Snapshot ---

type BalanceRecord struct {
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Amount  fpmath.Fixed   `json:"amount"`
}

type AssetRecord struct {
	Asset  common.Address `json:"asset"`
	Supply fpmath.Fixed   `json:"supply"`
	Cap    *fpmath.Fixed  `json:"cap,omitempty"`
}

type BalanceLedgerState struct {
	Assets   []AssetRecord   `json:"assets"`
	Balances []BalanceRecord `json:"balances"`
}

func (l *BalanceLedger) Export() BalanceLedgerState {
	var st BalanceLedgerState
	for _, a := range l.Assets() {
		rec := AssetRecord{Asset: a, Supply: l.supply[a]}
		if c, ok := l.caps[a]; ok {
			c := c
			rec.Cap = &c
		}
		st.Assets = append(st.Assets, rec)
	}
	for k, v := range l.balances {
		if v.IsZero() {
			continue
		}
		st.Balances = append(st.Balances, BalanceRecord{Account: k.Account, Asset: k.Asset, Amount: v})
	}
	sort.Slice(st.Balances, func(i, j int) bool {
		if c := bytes.Compare(st.Balances[i].Account[:], st.Balances[j].Account[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(st.Balances[i].Asset[:], st.Balances[j].Asset[:]) < 0
	})
	return st
}

func (l *BalanceLedger) Import(st BalanceLedgerState) {
	clear(l.balances)
	clear(l.supply)
	clear(l.caps)
	clear(l.assets)
	for _, a := range st.Assets {
		l.assets[a.Asset] = struct{}{}
		l.supply[a.Asset] = a.Supply
		if a.Cap != nil {
			l.caps[a.Asset] = *a.Cap
		}
	}
	for _, b := range st.Balances {
		l.balances[BalanceKey{Account: b.Account, Asset: b.Asset}] = b.Amount
	}
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
}
