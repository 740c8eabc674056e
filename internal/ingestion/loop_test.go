package ingestion_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"PerpSettle/internal/capability"
	"PerpSettle/internal/core"
	"PerpSettle/internal/ingestion"
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
	insurance = common.HexToAddress("0x00000000000000000000000000000000000001f0")
	sequencer = testutil.NewKey("sequencer")
	admin     = testutil.NewKey("admin")
	depositor = testutil.NewKey("depositor")
	alice     = testutil.NewKey("alice")
)

func newEngine() *core.Engine {
	return core.NewEngine(core.Config{
		Domain:           testutil.Domain(),
		Collateral:       usdc,
		InsuranceAccount: insurance,
		Matching:         matching.DefaultConfig(),
	}, core.Deps{
		Roles: capability.NewStaticRoles(map[capability.Role][]common.Address{
			capability.RoleSequencer: {sequencer.Addr},
			capability.RoleAdmin:     {admin.Addr},
			capability.RoleDepositor: {depositor.Addr},
		}),
		Verifier: capability.NewECDSAVerifier(),
		Oracle:   capability.NewStaticOracle(map[common.Address]fpmath.Fixed{usdc: fpmath.One()}),
		Logger:   zerolog.Nop(),
	})
}

func withdrawRecord(t *testing.T, seq uint32, nonce uint64) []byte {
	op := &operation.Withdraw{Sender: alice.Addr, Asset: usdc, Amount: testutil.Fx("1"), Nonce: nonce}
	op.Signature = testutil.SignDigest(alice, op)
	return testutil.Record(t, seq, op)
}

// settled records which hook the loop called for each batch.
type settled struct {
	outcomes chan string
}

func (s *settled) batch(id string, caller common.Address, records ...[]byte) ingestion.RawBatch {
	return ingestion.RawBatch{
		BatchID:  id,
		Caller:   caller,
		Records:  records,
		AckFunc:  func() { s.outcomes <- id + ":ack" },
		NakFunc:  func() { s.outcomes <- id + ":nak" },
		TermFunc: func() { s.outcomes <- id + ":term" },
	}
}

func (s *settled) next(t *testing.T) string {
	t.Helper()
	select {
	case o := <-s.outcomes:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("batch not settled")
		return ""
	}
}

// ============================================================================
// Test: Batch Loop
// ============================================================================

func TestRunBatchLoop_SettlesEachOutcome(t *testing.T) {
	eng := newEngine()
	batches := make(chan ingestion.RawBatch, 8)
	s := &settled{outcomes: make(chan string, 8)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		ingestion.RunBatchLoop(ctx, batches, eng, nil, zerolog.Nop())
		close(done)
	}()

	// Soft failure still commits and advances the counter.
	batches <- s.batch("b1", sequencer.Addr, withdrawRecord(t, 0, 1))
	require.Equal(t, "b1:ack", s.next(t))

	// Redelivery of a committed batch is acked without reapplying.
	batches <- s.batch("b1", sequencer.Addr, withdrawRecord(t, 0, 1))
	require.Equal(t, "b1:ack", s.next(t))

	// A sequence gap rejects the batch for good.
	batches <- s.batch("b2", sequencer.Addr, withdrawRecord(t, 5, 2))
	require.Equal(t, "b2:term", s.next(t))

	// So does an unauthorized caller.
	batches <- s.batch("b3", alice.Addr, withdrawRecord(t, 1, 2))
	require.Equal(t, "b3:term", s.next(t))

	require.Equal(t, uint32(1), eng.Counter())
	require.Equal(t, int64(1), eng.CommandSeq())

	close(batches)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on closed channel")
	}
}

// flakyProcessor fails its first call with a non-fatal error.
type flakyProcessor struct {
	calls int
	next  ingestion.BatchProcessor
}

func (p *flakyProcessor) ProcessBatch(caller common.Address, batchID string, records [][]byte) (*core.Output, error) {
	p.calls++
	if p.calls == 1 {
		return nil, errors.New("connection reset")
	}
	return p.next.ProcessBatch(caller, batchID, records)
}

func TestRunBatchLoop_NaksTransientFailures(t *testing.T) {
	eng := newEngine()
	proc := &flakyProcessor{next: eng}
	batches := make(chan ingestion.RawBatch, 4)
	s := &settled{outcomes: make(chan string, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ingestion.RunBatchLoop(ctx, batches, proc, nil, zerolog.Nop())

	batches <- s.batch("b1", sequencer.Addr, withdrawRecord(t, 0, 1))
	require.Equal(t, "b1:nak", s.next(t))
	require.Equal(t, uint32(0), eng.Counter())

	// The redelivered batch commits.
	batches <- s.batch("b1", sequencer.Addr, withdrawRecord(t, 0, 1))
	require.Equal(t, "b1:ack", s.next(t))
	require.Equal(t, uint32(1), eng.Counter())
	require.Equal(t, 2, proc.calls)
}
