package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
)

// StateReader gives read-locked access to committed engine state.
type StateReader interface {
	View(fn func(r core.Reader) error) error
}

// QueryService answers reads from the engine's committed in-memory state.
// The database is only used for the projection watermark and the
// integrity check, and may be nil.
type QueryService struct {
	state   StateReader
	db      *sql.DB
	metrics *observability.Metrics
}

func NewQueryService(state StateReader, db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{state: state, db: db, metrics: metrics}
}

// GetStatus returns the committed tip and the projection watermark.
func (qs *QueryService) GetStatus(ctx context.Context, _ *EmptyRequest) (resp *StatusResponse, err error) {
	defer qs.track("GetStatus", time.Now(), &err)

	resp = &StatusResponse{ProjectionSeq: -1}
	qs.state.View(func(r core.Reader) error {
		st := r.Status()
		resp.CommandSeq = st.CommandSeq
		resp.Counter = st.Counter
		resp.StateHash = st.StateHash.Hex()
		return nil
	})
	if qs.db != nil {
		seq, err := qs.getWatermark(ctx)
		if err != nil {
			return nil, fmt.Errorf("watermark: %w", err)
		}
		resp.ProjectionSeq = seq
	}
	return resp, nil
}

// GetAccount returns an account's type and activation state.
func (qs *QueryService) GetAccount(_ context.Context, req *AccountRequest) (resp *AccountResponse, err error) {
	defer qs.track("GetAccount", time.Now(), &err)

	account, err := parseAddress("account", req.Account)
	if err != nil {
		return nil, err
	}
	resp = &AccountResponse{Account: account.Hex()}
	qs.state.View(func(r core.Reader) error {
		resp.Type = r.AccountType(account).String()
		if parent, ok := r.Parent(account); ok {
			resp.Parent = parent.Hex()
		}
		resp.Active = r.IsActive(account)
		resp.AsOfSequence = r.Status().CommandSeq
		return nil
	})
	return resp, nil
}

func (qs *QueryService) GetPosition(_ context.Context, req *PositionRequest) (resp *PositionResponse, err error) {
	defer qs.track("GetPosition", time.Now(), &err)

	account, err := parseAddress("account", req.Account)
	if err != nil {
		return nil, err
	}
	market, err := parseMarket(req.Market)
	if err != nil {
		return nil, err
	}
	qs.state.View(func(r core.Reader) error {
		pos, open := r.Position(account, market)
		resp = positionResponse(ledger.PositionRecord{Account: account, Market: market, Position: pos}, open)
		resp.AsOfSequence = r.Status().CommandSeq
		return nil
	})
	return resp, nil
}

// GetPositions returns every open position of an account.
func (qs *QueryService) GetPositions(_ context.Context, req *AccountRequest) (resp *PositionsResponse, err error) {
	defer qs.track("GetPositions", time.Now(), &err)

	account, err := parseAddress("account", req.Account)
	if err != nil {
		return nil, err
	}
	resp = &PositionsResponse{Positions: []PositionResponse{}}
	qs.state.View(func(r core.Reader) error {
		resp.AsOfSequence = r.Status().CommandSeq
		for _, rec := range r.Positions(account) {
			p := positionResponse(rec, true)
			p.AsOfSequence = resp.AsOfSequence
			resp.Positions = append(resp.Positions, *p)
		}
		return nil
	})
	return resp, nil
}

func positionResponse(rec ledger.PositionRecord, open bool) *PositionResponse {
	return &PositionResponse{
		Account:          rec.Account.Hex(),
		Market:           uint32(rec.Market),
		Size:             dec(rec.Position.Size),
		QuoteBalance:     dec(rec.Position.QuoteBalance),
		LastFundingIndex: dec(rec.Position.LastFundingIndex),
		Open:             open,
	}
}

// GetMarket returns a market's funding index and open interest.
func (qs *QueryService) GetMarket(_ context.Context, req *MarketRequest) (resp *MarketResponse, err error) {
	defer qs.track("GetMarket", time.Now(), &err)

	market, err := parseMarket(req.Market)
	if err != nil {
		return nil, err
	}
	qs.state.View(func(r core.Reader) error {
		m := r.Market(market)
		resp = &MarketResponse{
			Market:                 uint32(market),
			Tradeable:              r.KnownMarket(market),
			CumulativeFundingIndex: dec(m.CumulativeFundingIndex),
			OpenInterest:           dec(m.OpenInterest),
			AsOfSequence:           r.Status().CommandSeq,
		}
		return nil
	})
	return resp, nil
}

// GetFees returns unclaimed fee accrual.
func (qs *QueryService) GetFees(_ context.Context, _ *EmptyRequest) (resp *FeesResponse, err error) {
	defer qs.track("GetFees", time.Now(), &err)

	qs.state.View(func(r core.Reader) error {
		f := r.Fees()
		resp = &FeesResponse{
			Trading:      dec(f.Trading),
			Sequencer:    dec(f.Sequencer),
			Total:        dec(f.Trading.Add(f.Sequencer)),
			AsOfSequence: r.Status().CommandSeq,
		}
		return nil
	})
	return resp, nil
}

func (qs *QueryService) GetInsurance(_ context.Context, _ *EmptyRequest) (resp *InsuranceResponse, err error) {
	defer qs.track("GetInsurance", time.Now(), &err)

	qs.state.View(func(r core.Reader) error {
		resp = &InsuranceResponse{
			Account:      r.InsuranceAccount().Hex(),
			Pool:         dec(r.InsurancePool()),
			AsOfSequence: r.Status().CommandSeq,
		}
		return nil
	})
	return resp, nil
}

func (qs *QueryService) GetVault(_ context.Context, req *VaultRequest) (resp *VaultResponse, err error) {
	defer qs.track("GetVault", time.Now(), &err)

	addr, err := parseAddress("vault", req.Vault)
	if err != nil {
		return nil, err
	}
	err = qs.state.View(func(r core.Reader) error {
		v, ok := r.Vault(addr)
		if !ok {
			return fmt.Errorf("%w: vault %s", ErrNotFound, addr.Hex())
		}
		resp = &VaultResponse{
			Vault:          addr.Hex(),
			FeeRecipient:   v.FeeRecipient.Hex(),
			ProfitShareBps: uint32(v.ProfitShareBps),
			TotalShares:    dec(v.TotalShares),
			Balance:        dec(v.Balance),
			NAV:            dec(v.NAV),
			AsOfSequence:   r.Status().CommandSeq,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetStake returns a staker's shares and their value at the current NAV.
func (qs *QueryService) GetStake(_ context.Context, req *StakeRequest) (resp *StakeResponse, err error) {
	defer qs.track("GetStake", time.Now(), &err)

	addr, err := parseAddress("vault", req.Vault)
	if err != nil {
		return nil, err
	}
	staker, err := parseAddress("staker", req.Staker)
	if err != nil {
		return nil, err
	}
	err = qs.state.View(func(r core.Reader) error {
		v, ok := r.Vault(addr)
		if !ok {
			return fmt.Errorf("%w: vault %s", ErrNotFound, addr.Hex())
		}
		s := r.Stake(addr, staker)
		value, err := fpmath.Mul(s.Shares, v.NAV)
		if err != nil {
			return err
		}
		resp = &StakeResponse{
			Vault:         addr.Hex(),
			Staker:        staker.Hex(),
			Shares:        dec(s.Shares),
			AvgEntryPrice: dec(s.AvgEntryPrice),
			Value:         dec(value),
			AsOfSequence:  r.Status().CommandSeq,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetNonce reports whether a nonce is used under a purpose.
func (qs *QueryService) GetNonce(_ context.Context, req *NonceRequest) (resp *NonceResponse, err error) {
	defer qs.track("GetNonce", time.Now(), &err)

	purpose, ok := ledger.ParsePurpose(strings.ToLower(req.Purpose))
	if !ok {
		return nil, fmt.Errorf("%w: unknown nonce purpose %q", ErrInvalidArgument, req.Purpose)
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		return nil, err
	}
	qs.state.View(func(r core.Reader) error {
		resp = &NonceResponse{
			Purpose:      purpose.String(),
			Account:      account.Hex(),
			Nonce:        req.Nonce,
			Used:         r.NonceUsed(purpose, account, req.Nonce),
			AsOfSequence: r.Status().CommandSeq,
		}
		return nil
	})
	return resp, nil
}

// GetOrder returns the cumulative filled size of an order digest.
func (qs *QueryService) GetOrder(_ context.Context, req *OrderRequest) (resp *OrderResponse, err error) {
	defer qs.track("GetOrder", time.Now(), &err)

	s := strings.TrimPrefix(req.Digest, "0x")
	if len(s) != 2*common.HashLength {
		return nil, fmt.Errorf("%w: digest must be 32 bytes of hex", ErrInvalidArgument)
	}
	if _, err := hexutil.Decode("0x" + s); err != nil {
		return nil, fmt.Errorf("%w: digest: %v", ErrInvalidArgument, err)
	}
	digest := common.HexToHash(s)
	qs.state.View(func(r core.Reader) error {
		resp = &OrderResponse{
			Digest:       digest.Hex(),
			Filled:       dec(r.OrderFilled(digest)),
			AsOfSequence: r.Status().CommandSeq,
		}
		return nil
	})
	return resp, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks the command log hash chain and, when projections
// have caught up, that projected balances sum to each asset's supply.
func (qs *QueryService) VerifyIntegrity(ctx context.Context, _ *EmptyRequest) (report *IntegrityReport, err error) {
	defer qs.track("VerifyIntegrity", time.Now(), &err)

	if qs.db == nil {
		return nil, fmt.Errorf("%w: no database configured", ErrNotFound)
	}
	report = &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT c1.seq
		FROM settle_log.commands c1
		JOIN settle_log.commands c2 ON c2.seq = c1.seq - 1
		WHERE c1.prev_hash <> c2.state_hash
		ORDER BY c1.seq
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	watermark, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	projected, err := qs.projectedSupply(ctx)
	if err != nil {
		return nil, err
	}

	qs.state.View(func(r core.Reader) error {
		report.AsOfSequence = r.Status().CommandSeq
		if watermark != report.AsOfSequence {
			return nil
		}
		report.SupplyChecked = true
		for _, asset := range r.Assets() {
			supply := r.TotalSupply(asset)
			sum, ok := projected[asset]
			if !ok {
				sum = fpmath.Zero()
			}
			if !sum.Equal(supply) {
				report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
					Asset:     asset.Hex(),
					Supply:    dec(supply),
					Projected: dec(sum),
				})
			}
		}
		return nil
	})

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT command_seq FROM projections.watermark WHERE id = 1
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) projectedSupply(ctx context.Context) (map[common.Address]fpmath.Fixed, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(amount)::TEXT FROM projections.balances GROUP BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[common.Address]fpmath.Fixed)
	for rows.Next() {
		var asset, total string
		if err := rows.Scan(&asset, &total); err != nil {
			return nil, err
		}
		v, err := fpmath.Parse(total)
		if err != nil {
			return nil, fmt.Errorf("projected supply of %s: %w", asset, err)
		}
		out[common.HexToAddress(asset)] = v
	}
	return out, rows.Err()
}

func (qs *QueryService) track(method string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if *errp == nil {
		qs.metrics.QueryRequests.WithLabelValues(method, "ok").Inc()
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(method, "error").Inc()
	qs.metrics.QueryErrors.WithLabelValues(method, ErrorCode(*errp)).Inc()
}

// ErrorCode names the class of a query error for metrics and transports.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not an address", ErrInvalidArgument, field, s)
	}
	return common.HexToAddress(s), nil
}

func parseMarket(m uint32) (ledger.MarketID, error) {
	if m > 0xff {
		return 0, fmt.Errorf("%w: market %d out of range", ErrInvalidArgument, m)
	}
	return ledger.MarketID(m), nil
}

// dec formats f with trailing zeros trimmed.
func dec(f fpmath.Fixed) string {
	return f.Decimal().String()
}
