package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"PerpSettle/internal/capability"
	"PerpSettle/internal/core"
	"PerpSettle/internal/ingestion"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingCustody struct {
	collected  []common.Address
	payouts    []capability.Payout
	collectErr error
}

func (c *recordingCustody) Collect(_ context.Context, from, _ common.Address, _ fpmath.Fixed) error {
	if c.collectErr != nil {
		return c.collectErr
	}
	c.collected = append(c.collected, from)
	return nil
}

func (c *recordingCustody) Payout(_ context.Context, p capability.Payout) error {
	c.payouts = append(c.payouts, p)
	return nil
}

func signedRequest(t *testing.T, k testutil.Key, call core.AdminCall) []byte {
	t.Helper()
	call.Caller = k.Addr
	digest, err := call.Digest()
	require.NoError(t, err)
	body, err := json.Marshal(ingestion.AdminRequest{Call: call, Signature: k.Sign(digest)})
	require.NoError(t, err)
	return body
}

func newAdminServer(eng *core.Engine, custody capability.Custody) *ingestion.AdminServer {
	return ingestion.NewAdminServer(eng, capability.NewECDSAVerifier(), custody, usdc, zerolog.Nop())
}

// ============================================================================
// Test: Admin Transport
// ============================================================================

func TestAdminServer_DepositCollectsThenCredits(t *testing.T) {
	eng := newEngine()
	custody := &recordingCustody{}
	srv := newAdminServer(eng, custody)

	reply := srv.Handle(context.Background(), signedRequest(t, depositor, core.AdminCall{
		ID: "dep-1", Kind: core.AdminDeposit, Account: alice.Addr, Asset: usdc, Amount: testutil.Fx("25"),
	}))
	require.Empty(t, reply.Error)
	require.Equal(t, int64(1), reply.CommandSeq)
	require.Equal(t, common.Hash(eng.StateHash()), reply.StateHash)
	require.Equal(t, []common.Address{alice.Addr}, custody.collected)
	require.Empty(t, custody.payouts)

	require.NoError(t, eng.View(func(r core.Reader) error {
		require.True(t, r.Balance(alice.Addr, usdc).Equal(testutil.Fx("25")))
		return nil
	}))
}

func TestAdminServer_DuplicateIsRefunded(t *testing.T) {
	eng := newEngine()
	custody := &recordingCustody{}
	srv := newAdminServer(eng, custody)
	req := signedRequest(t, depositor, core.AdminCall{
		ID: "dep-1", Kind: core.AdminDeposit, Account: alice.Addr, Asset: usdc, Amount: testutil.Fx("25"),
	})

	require.Empty(t, srv.Handle(context.Background(), req).Error)
	reply := srv.Handle(context.Background(), req)
	require.True(t, reply.Duplicate)

	require.Len(t, custody.payouts, 1)
	require.Equal(t, capability.PayoutRefund, custody.payouts[0].Kind)
	require.Equal(t, alice.Addr, custody.payouts[0].Account)
	require.Equal(t, int64(1), eng.CommandSeq())
}

func TestAdminServer_RejectedCallIsRefunded(t *testing.T) {
	eng := newEngine()
	custody := &recordingCustody{}
	srv := newAdminServer(eng, custody)

	// Admin holds no depositor role.
	reply := srv.Handle(context.Background(), signedRequest(t, admin, core.AdminCall{
		ID: "dep-1", Kind: core.AdminDeposit, Account: alice.Addr, Asset: usdc, Amount: testutil.Fx("25"),
	}))
	require.Contains(t, reply.Error, core.ErrUnauthorized.Error())
	require.Len(t, custody.payouts, 1)
	require.Equal(t, int64(0), eng.CommandSeq())
}

func TestAdminServer_ForgedSignature(t *testing.T) {
	eng := newEngine()
	custody := &recordingCustody{}
	srv := newAdminServer(eng, custody)

	call := core.AdminCall{ID: "ins-1", Kind: core.AdminInsuranceDeposit, Caller: admin.Addr, Amount: testutil.Fx("10")}
	digest, err := call.Digest()
	require.NoError(t, err)
	body, err := json.Marshal(ingestion.AdminRequest{Call: call, Signature: alice.Sign(digest)})
	require.NoError(t, err)

	reply := srv.Handle(context.Background(), body)
	require.Contains(t, reply.Error, ingestion.ErrCallerSignature.Error())
	require.Empty(t, custody.collected)
	require.Equal(t, int64(0), eng.CommandSeq())
}

func TestAdminServer_CollectFailureSkipsCall(t *testing.T) {
	eng := newEngine()
	custody := &recordingCustody{collectErr: errors.New("allowance too low")}
	srv := newAdminServer(eng, custody)

	reply := srv.Handle(context.Background(), signedRequest(t, admin, core.AdminCall{
		ID: "ins-1", Kind: core.AdminInsuranceDeposit, Amount: testutil.Fx("10"),
	}))
	require.Contains(t, reply.Error, "allowance too low")
	require.Empty(t, custody.payouts)
	require.Equal(t, int64(0), eng.CommandSeq())
}

func TestAdminServer_NonDepositSkipsCustody(t *testing.T) {
	eng := newEngine()
	custody := &recordingCustody{}
	srv := newAdminServer(eng, custody)

	reply := srv.Handle(context.Background(), signedRequest(t, admin, core.AdminCall{
		ID: "cap-1", Kind: core.AdminSetSupplyCap, Asset: usdc, Amount: testutil.Fx("1000"),
	}))
	require.Empty(t, reply.Error)
	require.Empty(t, custody.collected)

	reply = srv.Handle(context.Background(), []byte("{not json"))
	require.Contains(t, reply.Error, "decode request")
}
