package core_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"PerpSettle/internal/capability"
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/matching"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/operation"
	"PerpSettle/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var (
	usdc      = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	weth      = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	insurance = common.HexToAddress("0x00000000000000000000000000000000000001f0")

	sequencer  = testutil.NewKey("sequencer")
	admin      = testutil.NewKey("admin")
	depositor  = testutil.NewKey("depositor")
	liquidator = testutil.NewKey("liquidator")

	alice = testutil.NewKey("alice")
	bob   = testutil.NewKey("bob")
	carol = testutil.NewKey("carol")
	dave  = testutil.NewKey("dave")
)

const market ledger.MarketID = 1

// harness drives one engine with unique batch ids and tracks every
// committed output.
type harness struct {
	t       *testing.T
	eng     *core.Engine
	persist chan *core.Output
	batches int
	calls   int
}

func testConfig() core.Config {
	return core.Config{
		Domain:                 testutil.Domain(),
		Collateral:             usdc,
		InsuranceAccount:       insurance,
		Assets:                 []common.Address{weth},
		Matching:               matching.DefaultConfig(),
		LiquidationPenaltyRate: fpmath.MustParse("0.05"),
		CheckInvariants:        true,
	}
}

func newEngine(persist chan *core.Output) *core.Engine {
	return newEngineWith(testConfig(), persist)
}

func newEngineWith(cfg core.Config, persist chan *core.Output) *core.Engine {
	roles := capability.NewStaticRoles(map[capability.Role][]common.Address{
		capability.RoleSequencer:  {sequencer.Addr},
		capability.RoleAdmin:      {admin.Addr},
		capability.RoleDepositor:  {depositor.Addr},
		capability.RoleLiquidator: {liquidator.Addr},
	})
	oracle := capability.NewStaticOracle(map[common.Address]fpmath.Fixed{
		usdc: fpmath.One(),
		weth: fpmath.NewFromInt(3000),
	})
	deps := core.Deps{
		Roles:    roles,
		Verifier: capability.NewECDSAVerifier(),
		Oracle:   oracle,
		Logger:   zerolog.Nop(),
	}
	if persist != nil {
		deps.PersistChan = persist
	}
	return core.NewEngine(cfg, deps)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	persist := make(chan *core.Output, 256)
	return &harness{t: t, eng: newEngine(persist), persist: persist}
}

// records encodes ops with consecutive sequence ids from the engine's
// current counter.
func (h *harness) records(ops ...operation.Operation) [][]byte {
	h.t.Helper()
	next := h.eng.Counter()
	out := make([][]byte, len(ops))
	for i, op := range ops {
		out[i] = testutil.Record(h.t, next+uint32(i), op)
	}
	return out
}

func (h *harness) nextBatchID() string {
	h.batches++
	return fmt.Sprintf("batch-%d", h.batches)
}

// batch submits ops as one batch and requires it to commit.
func (h *harness) batch(ops ...operation.Operation) *core.Output {
	h.t.Helper()
	out, err := h.eng.ProcessBatch(sequencer.Addr, h.nextBatchID(), h.records(ops...))
	require.NoError(h.t, err)
	require.NotNil(h.t, out)
	return out
}

// batchErr submits ops and requires the batch to be rejected.
func (h *harness) batchErr(ops ...operation.Operation) *core.FatalError {
	h.t.Helper()
	out, err := h.eng.ProcessBatch(sequencer.Addr, h.nextBatchID(), h.records(ops...))
	require.Error(h.t, err)
	require.Nil(h.t, out)
	var fe *core.FatalError
	require.True(h.t, errors.As(err, &fe), "want *FatalError, got %T: %v", err, err)
	return fe
}

func (h *harness) admin(call core.AdminCall) (*core.Output, error) {
	h.t.Helper()
	h.calls++
	if call.ID == "" {
		call.ID = fmt.Sprintf("call-%d", h.calls)
	}
	if call.Caller == (common.Address{}) {
		call.Caller = admin.Addr
		if call.Kind == core.AdminDeposit {
			call.Caller = depositor.Addr
		}
	}
	return h.eng.ExecuteAdmin(call)
}

func (h *harness) deposit(account common.Address, asset common.Address, amount string) {
	h.t.Helper()
	out, err := h.admin(core.AdminCall{Kind: core.AdminDeposit, Account: account, Asset: asset, Amount: fx(amount)})
	require.NoError(h.t, err)
	require.NotNil(h.t, out)
}

func (h *harness) balance(account, asset common.Address) fpmath.Fixed {
	var bal fpmath.Fixed
	require.NoError(h.t, h.eng.View(func(r core.Reader) error {
		bal = r.Balance(account, asset)
		return nil
	}))
	return bal
}

func (h *harness) position(account common.Address) ledger.Position {
	var pos ledger.Position
	require.NoError(h.t, h.eng.View(func(r core.Reader) error {
		pos, _ = r.Position(account, market)
		return nil
	}))
	return pos
}

// drain returns every output emitted so far.
func (h *harness) drain() []*core.Output {
	var outs []*core.Output
	for {
		select {
		case out := <-h.persist:
			outs = append(outs, out)
		default:
			return outs
		}
	}
}

func fx(s string) fpmath.Fixed { return testutil.Fx(s) }

func requireFx(t *testing.T, want string, got fpmath.Fixed, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, got.Equal(fx(want)), "want %s, got %s %v", want, got, msgAndArgs)
}

// --- operation builders ---

func order(k testutil.Key, side operation.Side, size, price string, nonce uint64) operation.SignedOrder {
	return orderWithFee(k, side, size, price, nonce, "0")
}

func orderWithFee(k testutil.Key, side operation.Side, size, price string, nonce uint64, fee string) operation.SignedOrder {
	return testutil.SignOrder(k, operation.Order{
		Sender: k.Addr,
		Size:   fx(size),
		Price:  fx(price),
		Nonce:  nonce,
		Market: market,
		Side:   side,
	}, fx(fee))
}

func match(maker, taker operation.SignedOrder) *operation.MatchOrders {
	return &operation.MatchOrders{Match: operation.Match{
		Maker:        maker,
		Taker:        taker,
		SequencerFee: fpmath.Zero(),
	}}
}

func withdraw(k testutil.Key, signer testutil.Key, asset common.Address, amount string, nonce uint64) *operation.Withdraw {
	op := &operation.Withdraw{Sender: k.Addr, Asset: asset, Amount: fx(amount), Nonce: nonce}
	op.Signature = testutil.SignDigest(signer, op)
	return op
}

func transfer(from testutil.Key, to common.Address, amount string, nonce uint64) *operation.Transfer {
	op := &operation.Transfer{From: from.Addr, To: to, Asset: usdc, Amount: fx(amount), Nonce: nonce}
	op.Signature = testutil.SignDigest(from, op)
	return op
}

func registerVault(v testutil.Key, feeRecipient common.Address, bps uint16) *operation.RegisterVault {
	op := &operation.RegisterVault{Vault: v.Addr, FeeRecipient: feeRecipient, ProfitShareBps: bps}
	op.Signature = testutil.SignDigest(v, op)
	return op
}

func stake(k testutil.Key, v common.Address, amount string, nonce uint64) *operation.Stake {
	op := &operation.Stake{Staker: k.Addr, Vault: v, Amount: fx(amount), Nonce: nonce}
	op.Signature = testutil.SignDigest(k, op)
	return op
}

func unstake(k testutil.Key, v common.Address, shares string, nonce uint64) *operation.Unstake {
	op := &operation.Unstake{Staker: k.Addr, Vault: v, Shares: fx(shares), Nonce: nonce}
	op.Signature = testutil.SignDigest(k, op)
	return op
}

// roundTrip opens and closes a one-unit position for k against bob, moving
// k's collateral balance by exit-entry.
func (h *harness) roundTrip(k testutil.Key, entry, exit string, nonce uint64) {
	h.t.Helper()
	h.batch(
		match(order(k, operation.SideBuy, "1", entry, nonce), order(bob, operation.SideSell, "1", entry, 9000+nonce)),
		match(order(k, operation.SideSell, "1", exit, nonce+1), order(bob, operation.SideBuy, "1", exit, 9001+nonce)),
	)
}

// --- event helpers ---

func events[T any](t *testing.T, out *core.Output, et event.EventType) []*T {
	t.Helper()
	var got []*T
	for _, env := range out.Envelopes {
		if env.EventType != et {
			continue
		}
		v := new(T)
		require.NoError(t, json.Unmarshal(env.Payload, v))
		got = append(got, v)
	}
	return got
}

func onlyEvent[T any](t *testing.T, out *core.Output, et event.EventType) *T {
	t.Helper()
	got := events[T](t, out, et)
	require.Len(t, got, 1, "events of type %s", et)
	return got[0]
}
