package core_test

import (
	"encoding/json"
	"testing"

	"PerpSettle/internal/core"
	"PerpSettle/internal/operation"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

// busyHistory runs a mix of admin calls, matches, soft failures, funding
// and vault traffic.
func busyHistory(h *harness) {
	h.deposit(alice.Addr, usdc, "1000")
	h.deposit(carol.Addr, usdc, "500")
	h.batch(
		match(order(alice, operation.SideBuy, "2", "100", 1), order(bob, operation.SideSell, "2", "100", 1)),
		withdraw(alice, alice, usdc, "10", 1),
		withdraw(alice, alice, usdc, "10", 1),
	)
	h.batch(&operation.UpdateFunding{Updates: []operation.FundingUpdate{{Market: market, IndexDelta: fx("0.5")}}})
	h.batch(registerVault(vaultKey, feeRecipient, 1000))
	h.batch(stake(carol, vaultKey.Addr, "200", 1))
	h.batch(match(order(alice, operation.SideSell, "1", "110", 2), order(bob, operation.SideBuy, "1", "110", 2)))
	_, err := h.admin(core.AdminCall{Kind: core.AdminInsuranceDeposit, Amount: fx("50")})
	require.NoError(h.t, err)
	h.batch(unstake(carol, vaultKey.Addr, "50", 1))
}

func checksum(t *testing.T, e *core.Engine) [32]byte {
	t.Helper()
	sum, err := e.CreateSnapshotState().Checksum()
	require.NoError(t, err)
	return sum
}

// ============================================================================
// Test: Replay and State Hash
// ============================================================================

func TestReplay_ReproducesStateHash(t *testing.T) {
	h := newHarness(t)
	busyHistory(h)
	outs := h.drain()
	require.Len(t, outs, int(h.eng.CommandSeq()))

	replica := newEngine(nil)
	for _, out := range outs {
		got, err := replica.Replay(out.Command)
		require.NoError(t, err, "command %d", out.Command.Seq)
		require.Equal(t, out.StateHash, got.StateHash)
		require.Equal(t, len(out.Envelopes), len(got.Envelopes))
		require.Len(t, got.Payouts, len(out.Payouts))
		for i, p := range out.Payouts {
			require.Equal(t, p.Account, got.Payouts[i].Account)
			requireFx(t, p.Amount.String(), got.Payouts[i].Amount)
		}
	}

	require.Equal(t, h.eng.StateHash(), replica.StateHash())
	require.Equal(t, h.eng.Counter(), replica.Counter())
	require.Equal(t, checksum(t, h.eng), checksum(t, replica))
}

func TestReplay_HashChainsFromGenesis(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, core.GenesisHash(), h.eng.StateHash())

	h.deposit(alice.Addr, usdc, "1")
	h.deposit(alice.Addr, usdc, "1")
	outs := h.drain()
	require.Len(t, outs, 2)
	require.Equal(t, core.GenesisHash(), outs[0].PrevHash)
	require.Equal(t, outs[0].StateHash, outs[1].PrevHash)
	require.NotEqual(t, outs[0].StateHash, outs[1].StateHash)
}

func TestReplay_DetectsTamperedHash(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice.Addr, usdc, "10")
	cmd := h.drain()[0].Command
	cmd.StateHash = common.HexToHash("0x01")

	_, err := newEngine(nil).Replay(cmd)
	require.ErrorIs(t, err, core.ErrHashMismatch)
}

func TestReplay_RejectsOutOfOrderCommand(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice.Addr, usdc, "10")
	h.deposit(alice.Addr, usdc, "10")
	outs := h.drain()

	_, err := newEngine(nil).Replay(outs[1].Command)
	require.ErrorIs(t, err, core.ErrCommandOutOfOrder)
}

func TestReplay_MarksCommandsProcessed(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice.Addr, usdc, "100")
	records := h.records(withdraw(alice, alice, usdc, "10", 1))
	_, err := h.eng.ProcessBatch(sequencer.Addr, "replayed", records)
	require.NoError(t, err)

	replica := newEngine(nil)
	for _, out := range h.drain() {
		_, err := replica.Replay(out.Command)
		require.NoError(t, err)
	}

	out, err := replica.ProcessBatch(sequencer.Addr, "replayed", records)
	require.NoError(t, err)
	require.Nil(t, out)
}

// ============================================================================
// Test: Snapshots
// ============================================================================

func TestSnapshot_RestoreContinuesChain(t *testing.T) {
	h := newHarness(t)
	busyHistory(h)

	raw, err := json.Marshal(h.eng.CreateSnapshotState())
	require.NoError(t, err)
	var snap core.SnapshotState
	require.NoError(t, json.Unmarshal(raw, &snap))

	restored := newHarness(t)
	require.NoError(t, restored.eng.RestoreFromSnapshot(&snap))
	require.Equal(t, checksum(t, h.eng), checksum(t, restored.eng))
	require.Equal(t, h.eng.CommandSeq(), restored.eng.CommandSeq())

	next := []operation.Operation{
		match(order(alice, operation.SideSell, "1", "120", 3), order(bob, operation.SideBuy, "1", "120", 3)),
		withdraw(alice, alice, usdc, "5", 2),
	}
	a := h.batch(next...)
	b := restored.batch(next...)
	require.Equal(t, a.StateHash, b.StateHash)
	require.Equal(t, a.Command.Seq, b.Command.Seq)
}

func TestSnapshot_RejectsUnknownVersion(t *testing.T) {
	h := newHarness(t)
	snap := h.eng.CreateSnapshotState()
	snap.Version = core.SnapshotVersion + 1
	require.Error(t, newEngine(nil).RestoreFromSnapshot(snap))
}
