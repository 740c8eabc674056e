package matching_test

import (
	"testing"

	"PerpSettle/internal/capability"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/matching"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/operation"
	"PerpSettle/internal/state"
	"PerpSettle/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const market = ledger.MarketID(1)

var (
	usdc      = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	insurance = common.HexToAddress("0x00000000000000000000000000000000000001f0")
	alice     = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol     = common.HexToAddress("0x00000000000000000000000000000000000ca201")
	referrer  = common.HexToAddress("0x0000000000000000000000000000000000000ef0")
)

// allowAll accepts every signature; authorization is covered by the
// capability tests.
type allowAll struct{}

func (allowAll) AuthorizeSigner(common.Address, common.Address, common.Hash, []byte, ...capability.Role) error {
	return nil
}

type unitPrice struct{}

func (unitPrice) PriceInUSD(common.Address) (fpmath.Fixed, error) { return fpmath.One(), nil }

type fixture struct {
	undo      *ledger.UndoLog
	accounts  *ledger.AccountBook
	balances  *ledger.BalanceLedger
	positions *ledger.PositionLedger
	nonces    *ledger.NonceSet
	fees      *state.FeePool
	insurance *state.InsuranceFund
	engine    *matching.Engine
}

func newFixture(t *testing.T, cfg matching.Config) *fixture {
	t.Helper()
	undo := ledger.NewUndoLog()
	accounts := ledger.NewAccountBook(undo, ledger.CallerProcessor)
	balances := ledger.NewBalanceLedger(undo, unitPrice{}, ledger.CallerProcessor, ledger.CallerMatching)
	balances.RegisterAsset(usdc)
	positions := ledger.NewPositionLedger(undo, balances, usdc, ledger.CallerMatching)
	nonces := ledger.NewNonceSet(undo, ledger.CallerMatching)
	fees := state.NewFeePool(undo, ledger.CallerMatching)
	f := &fixture{
		undo:      undo,
		accounts:  accounts,
		balances:  balances,
		positions: positions,
		nonces:    nonces,
		fees:      fees,
		insurance: state.NewInsuranceFund(undo, balances, usdc, insurance, ledger.CallerMatching),
	}
	f.engine = matching.NewEngine(cfg, testutil.Domain(), matching.Deps{
		Undo:      undo,
		Auth:      allowAll{},
		Accounts:  accounts,
		Balances:  balances,
		Positions: positions,
		Nonces:    nonces,
		Fees:      fees,
		Insurance: f.insurance,
	})
	undo.Commit()
	return f
}

func order(sender common.Address, side operation.Side, size, price string, nonce uint64, fee string) operation.SignedOrder {
	return operation.SignedOrder{
		Order: operation.Order{
			Sender: sender,
			Size:   fpmath.MustParse(size),
			Price:  fpmath.MustParse(price),
			Nonce:  nonce,
			Market: market,
			Side:   side,
		},
		Signer: sender,
		Fee:    fpmath.MustParse(fee),
	}
}

func requireFixed(t *testing.T, want string, got fpmath.Fixed) {
	t.Helper()
	require.True(t, fpmath.MustParse(want).Equal(got), "want %s, got %s", want, got)
}

func TestMatch_PartialFillsAndSequencerFeeOnFirstTouch(t *testing.T) {
	f := newFixture(t, matching.DefaultConfig())

	maker := order(alice, operation.SideSell, "10", "100", 1, "0.5")
	taker := order(bob, operation.SideBuy, "4", "101", 7, "1")

	evt, err := f.engine.Match(ledger.CallerMatching, &operation.Match{
		Maker: maker, Taker: taker, SequencerFee: fpmath.MustParse("0.2"),
	}, matching.ModeRegular)
	require.NoError(t, err)

	requireFixed(t, "4", evt.Fill)
	requireFixed(t, "100", evt.Price)
	requireFixed(t, "0.2", evt.Fees.Sequencer)
	require.False(t, evt.Maker.IsMatched)
	require.True(t, evt.Taker.IsMatched)

	requireFixed(t, "-4", f.positions.Position(alice, market).Size)
	requireFixed(t, "399.5", f.positions.Position(alice, market).QuoteBalance)
	requireFixed(t, "4", f.positions.Position(bob, market).Size)
	requireFixed(t, "-401.2", f.positions.Position(bob, market).QuoteBalance)
	requireFixed(t, "1.5", f.fees.Trading())
	requireFixed(t, "0.2", f.fees.Sequencer())
	requireFixed(t, "4", f.engine.Filled(f.engine.OrderDigest(maker.Order)))
	require.True(t, f.nonces.IsUsed(ledger.PurposeOrder, bob, 7))
	require.False(t, f.nonces.IsUsed(ledger.PurposeOrder, alice, 1))

	// The maker's remainder fills against a second taker.
	second := order(carol, operation.SideBuy, "20", "100", 3, "0")
	evt, err = f.engine.Match(ledger.CallerMatching, &operation.Match{
		Maker: maker, Taker: second,
	}, matching.ModeRegular)
	require.NoError(t, err)
	requireFixed(t, "6", evt.Fill)
	require.True(t, evt.Maker.IsMatched)
	require.False(t, evt.Taker.IsMatched)
	require.True(t, f.nonces.IsUsed(ledger.PurposeOrder, alice, 1))

	// Continuing to fill carol's order skips the sequencer fee.
	other := order(alice, operation.SideSell, "5", "100", 2, "0")
	evt, err = f.engine.Match(ledger.CallerMatching, &operation.Match{
		Maker: other, Taker: second, SequencerFee: fpmath.MustParse("0.3"),
	}, matching.ModeRegular)
	require.NoError(t, err)
	require.True(t, evt.Fees.Sequencer.IsZero())
	requireFixed(t, "0.2", f.fees.Sequencer())
	requireFixed(t, "11", f.engine.Filled(f.engine.OrderDigest(second.Order)))
}

func TestMatch_CompletedOrderNonceRejected(t *testing.T) {
	f := newFixture(t, matching.DefaultConfig())
	maker := order(alice, operation.SideSell, "1", "100", 1, "0")

	_, err := f.engine.Match(ledger.CallerMatching, &operation.Match{
		Maker: maker, Taker: order(bob, operation.SideBuy, "1", "100", 1, "0"),
	}, matching.ModeRegular)
	require.NoError(t, err)

	_, err = f.engine.Match(ledger.CallerMatching, &operation.Match{
		Maker: maker, Taker: order(carol, operation.SideBuy, "1", "100", 1, "0"),
	}, matching.ModeRegular)
	require.ErrorIs(t, err, matching.ErrOrderNonceUsed)
}

func TestMatch_Referral(t *testing.T) {
	f := newFixture(t, matching.DefaultConfig())

	_, err := f.engine.Match(ledger.CallerMatching, &operation.Match{
		Maker:    order(alice, operation.SideBuy, "2", "50", 1, "0.1"),
		Taker:    order(bob, operation.SideSell, "2", "50", 1, "1"),
		Referral: &operation.Referral{Referrer: referrer, RebateBps: 5000},
	}, matching.ModeRegular)
	require.NoError(t, err)

	requireFixed(t, "0.5", f.balances.Balance(referrer, usdc))
	requireFixed(t, "0.6", f.fees.Trading())

	_, err = f.engine.Match(ledger.CallerMatching, &operation.Match{
		Maker:    order(alice, operation.SideBuy, "2", "50", 2, "0"),
		Taker:    order(bob, operation.SideSell, "2", "50", 2, "0"),
		Referral: &operation.Referral{Referrer: bob, RebateBps: 100},
	}, matching.ModeRegular)
	require.ErrorIs(t, err, matching.ErrInvalidReferral)
}

func TestMatch_Rejections(t *testing.T) {
	sub := common.HexToAddress("0x000000000000000000000000000000000000a115")

	cases := []struct {
		name  string
		match func() *operation.Match
		mode  matching.Mode
		want  error
	}{
		{
			name: "same side",
			match: func() *operation.Match {
				return &operation.Match{
					Maker: order(alice, operation.SideBuy, "1", "100", 1, "0"),
					Taker: order(bob, operation.SideBuy, "1", "100", 1, "0"),
				}
			},
			want: matching.ErrSameSide,
		},
		{
			name: "same sender",
			match: func() *operation.Match {
				return &operation.Match{
					Maker: order(alice, operation.SideBuy, "1", "100", 1, "0"),
					Taker: order(alice, operation.SideSell, "1", "100", 2, "0"),
				}
			},
			want: matching.ErrSameAccount,
		},
		{
			name: "subaccount of the maker",
			match: func() *operation.Match {
				return &operation.Match{
					Maker: order(alice, operation.SideBuy, "1", "100", 1, "0"),
					Taker: order(sub, operation.SideSell, "1", "100", 1, "0"),
				}
			},
			want: matching.ErrSelfTrade,
		},
		{
			name: "prices do not cross",
			match: func() *operation.Match {
				return &operation.Match{
					Maker: order(alice, operation.SideSell, "1", "100", 1, "0"),
					Taker: order(bob, operation.SideBuy, "1", "99", 1, "0"),
				}
			},
			want: matching.ErrPriceNotCrossing,
		},
		{
			name: "taker fee over cap",
			match: func() *operation.Match {
				return &operation.Match{
					Maker: order(alice, operation.SideSell, "4", "100", 1, "0"),
					Taker: order(bob, operation.SideBuy, "4", "100", 1, "9"),
				}
			},
			want: matching.ErrFeeOverCap,
		},
		{
			name: "sequencer fee over cap",
			match: func() *operation.Match {
				return &operation.Match{
					Maker:        order(alice, operation.SideSell, "4", "100", 1, "0"),
					Taker:        order(bob, operation.SideBuy, "4", "100", 1, "0"),
					SequencerFee: fpmath.MustParse("1.5"),
				}
			},
			want: matching.ErrSequencerFeeOverCap,
		},
		{
			name: "penalty on regular match",
			match: func() *operation.Match {
				return &operation.Match{
					Maker:   order(alice, operation.SideSell, "4", "100", 1, "0"),
					Taker:   order(bob, operation.SideBuy, "4", "100", 1, "0"),
					Penalty: fpmath.MustParse("1"),
				}
			},
			want: matching.ErrLiquidationFlag,
		},
		{
			name: "liquidation without taker flag",
			match: func() *operation.Match {
				return &operation.Match{
					Maker: order(alice, operation.SideSell, "4", "100", 1, "0"),
					Taker: order(bob, operation.SideBuy, "4", "100", 1, "0"),
				}
			},
			mode: matching.ModeLiquidation,
			want: matching.ErrLiquidationFlag,
		},
		{
			name: "liquidation with flagged maker",
			match: func() *operation.Match {
				m := &operation.Match{
					Maker: order(alice, operation.SideSell, "4", "100", 1, "0"),
					Taker: order(bob, operation.SideBuy, "4", "100", 1, "0"),
				}
				m.Maker.IsLiquidation, m.Taker.IsLiquidation = true, true
				return m
			},
			mode: matching.ModeLiquidation,
			want: matching.ErrLiquidationFlag,
		},
		{
			name: "different markets",
			match: func() *operation.Match {
				m := &operation.Match{
					Maker: order(alice, operation.SideSell, "1", "100", 1, "0"),
					Taker: order(bob, operation.SideBuy, "1", "100", 1, "0"),
				}
				m.Taker.Market = 2
				return m
			},
			want: matching.ErrMarketMismatch,
		},
		{
			name: "unknown market",
			match: func() *operation.Match {
				m := &operation.Match{
					Maker: order(alice, operation.SideSell, "1", "100", 1, "0"),
					Taker: order(bob, operation.SideBuy, "1", "100", 1, "0"),
				}
				m.Maker.Market, m.Taker.Market = 9, 9
				return m
			},
			want: matching.ErrUnknownMarket,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := matching.DefaultConfig()
			cfg.Markets = []ledger.MarketID{market}
			f := newFixture(t, cfg)
			require.NoError(t, f.accounts.CreateSubaccount(ledger.CallerProcessor, alice, sub))

			_, err := f.engine.Match(ledger.CallerMatching, tc.match(), tc.mode)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestMatch_LiquidationCollectsPenalty(t *testing.T) {
	f := newFixture(t, matching.DefaultConfig())

	taker := order(bob, operation.SideBuy, "4", "100", 1, "0")
	taker.IsLiquidation = true

	evt, err := f.engine.Match(ledger.CallerMatching, &operation.Match{
		Maker:   order(alice, operation.SideSell, "2", "100", 1, "0"),
		Taker:   taker,
		Penalty: fpmath.MustParse("3"),
	}, matching.ModeLiquidation)
	require.NoError(t, err)
	require.True(t, evt.Liquidation)
	requireFixed(t, "-203", f.positions.Position(bob, market).QuoteBalance)

	_, err = f.engine.Match(ledger.CallerMatching, &operation.Match{
		Maker:   order(alice, operation.SideSell, "2", "100", 2, "0"),
		Taker:   taker,
		Penalty: fpmath.MustParse("21"),
	}, matching.ModeLiquidation)
	require.ErrorIs(t, err, matching.ErrPenaltyOverCap)
}

// Every unit of quote leaving the two traders lands in the fee pool, the
// referrer's balance or the insurance fund.
func TestMatch_ConservesValue(t *testing.T) {
	f := newFixture(t, matching.DefaultConfig())

	taker := order(bob, operation.SideBuy, "2", "100", 1, "1")
	taker.IsLiquidation = true

	evt, err := f.engine.Match(ledger.CallerMatching, &operation.Match{
		Maker:        order(alice, operation.SideSell, "2", "100", 1, "-0.2"),
		Taker:        taker,
		SequencerFee: fpmath.MustParse("0.1"),
		Penalty:      fpmath.MustParse("2"),
		Referral:     &operation.Referral{Referrer: referrer, RebateBps: 2000},
	}, matching.ModeLiquidation)
	require.NoError(t, err)
	requireFixed(t, "0.2", evt.Fees.ReferralRebate)

	makerPos := f.positions.Position(alice, market)
	takerPos := f.positions.Position(bob, market)
	requireFixed(t, "-2", makerPos.Size)
	requireFixed(t, "2", takerPos.Size)
	requireFixed(t, "0", makerPos.Size.Add(takerPos.Size))

	requireFixed(t, "200.2", makerPos.QuoteBalance)
	requireFixed(t, "-203.1", takerPos.QuoteBalance)
	requireFixed(t, "0.6", f.fees.Trading())
	requireFixed(t, "0.1", f.fees.Sequencer())
	requireFixed(t, "0.2", f.balances.Balance(referrer, usdc))
	requireFixed(t, "2", f.insurance.Pool())

	total := makerPos.QuoteBalance.
		Add(takerPos.QuoteBalance).
		Add(f.fees.Trading()).
		Add(f.fees.Sequencer()).
		Add(f.balances.Balance(referrer, usdc)).
		Add(f.insurance.Pool())
	requireFixed(t, "0", total)
}

func TestMatch_RebateBeyondPoolRejected(t *testing.T) {
	f := newFixture(t, matching.DefaultConfig())

	_, err := f.engine.Match(ledger.CallerMatching, &operation.Match{
		Maker: order(alice, operation.SideSell, "2", "100", 1, "-1"),
		Taker: order(bob, operation.SideBuy, "2", "100", 1, "0"),
	}, matching.ModeRegular)
	require.ErrorIs(t, err, state.ErrFeePoolInsufficient)
	require.True(t, f.fees.Trading().IsZero())
}

func TestMatch_UnlistedCallerRejected(t *testing.T) {
	f := newFixture(t, matching.DefaultConfig())

	_, err := f.engine.Match(ledger.CallerVault, &operation.Match{
		Maker: order(alice, operation.SideSell, "1", "100", 1, "0"),
		Taker: order(bob, operation.SideBuy, "1", "100", 1, "0"),
	}, matching.ModeRegular)
	require.ErrorIs(t, err, ledger.ErrUnauthorizedCaller)
}

func TestExportImportFills(t *testing.T) {
	f := newFixture(t, matching.DefaultConfig())
	maker := order(alice, operation.SideSell, "3", "10", 1, "0")
	_, err := f.engine.Match(ledger.CallerMatching, &operation.Match{
		Maker: maker, Taker: order(bob, operation.SideBuy, "1", "10", 1, "0"),
	}, matching.ModeRegular)
	require.NoError(t, err)

	g := newFixture(t, matching.DefaultConfig())
	g.engine.Import(f.engine.Export())
	requireFixed(t, "1", g.engine.Filled(g.engine.OrderDigest(maker.Order)))
}
