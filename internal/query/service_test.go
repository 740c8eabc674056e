package query_test

import (
	"context"
	"testing"

	"PerpSettle/internal/capability"
	"PerpSettle/internal/core"
	"PerpSettle/internal/matching"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/operation"
	"PerpSettle/internal/query"
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

func setup(t *testing.T) (*core.Engine, *query.QueryService) {
	t.Helper()
	eng := core.NewEngine(core.Config{
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

	_, err := eng.ExecuteAdmin(core.AdminCall{
		ID:      "deposit-1",
		Kind:    core.AdminDeposit,
		Caller:  depositor.Addr,
		Account: alice.Addr,
		Asset:   usdc,
		Amount:  testutil.Fx("100"),
	})
	require.NoError(t, err)
	return eng, query.NewQueryService(eng, nil, nil)
}

func TestGetBalance(t *testing.T) {
	_, qs := setup(t)

	resp, err := qs.GetBalance(context.Background(), &query.BalanceRequest{
		Account: alice.Addr.Hex(),
		Asset:   usdc.Hex(),
	})
	require.NoError(t, err)
	require.Equal(t, "100", resp.Amount)
	require.Equal(t, "100", resp.TotalSupply)
	require.Nil(t, resp.SupplyCapUSD)
	require.Equal(t, int64(1), resp.AsOfSequence)
}

func TestGetBalance_InvalidAddress(t *testing.T) {
	_, qs := setup(t)

	_, err := qs.GetBalance(context.Background(), &query.BalanceRequest{Account: "alice", Asset: usdc.Hex()})
	require.ErrorIs(t, err, query.ErrInvalidArgument)
	require.Equal(t, "invalid_argument", query.ErrorCode(err))
}

func TestGetStatus_WithoutDatabase(t *testing.T) {
	eng, qs := setup(t)

	resp, err := qs.GetStatus(context.Background(), &query.EmptyRequest{})
	require.NoError(t, err)
	require.Equal(t, int64(1), resp.CommandSeq)
	require.Equal(t, uint32(0), resp.Counter)
	require.Equal(t, common.Hash(eng.StateHash()).Hex(), resp.StateHash)
	require.Equal(t, int64(-1), resp.ProjectionSeq)
}

func TestGetNonce_AfterWithdraw(t *testing.T) {
	eng, qs := setup(t)

	op := &operation.Withdraw{Sender: alice.Addr, Asset: usdc, Amount: testutil.Fx("1"), Nonce: 7}
	op.Signature = testutil.SignDigest(alice, op)
	_, err := eng.ProcessBatch(sequencer.Addr, "b1", [][]byte{testutil.Record(t, 0, op)})
	require.NoError(t, err)

	resp, err := qs.GetNonce(context.Background(), &query.NonceRequest{
		Purpose: "withdraw",
		Account: alice.Addr.Hex(),
		Nonce:   7,
	})
	require.NoError(t, err)
	require.True(t, resp.Used)

	resp, err = qs.GetNonce(context.Background(), &query.NonceRequest{Purpose: "Withdraw", Account: alice.Addr.Hex(), Nonce: 8})
	require.NoError(t, err)
	require.False(t, resp.Used)

	_, err = qs.GetNonce(context.Background(), &query.NonceRequest{Purpose: "mint", Account: alice.Addr.Hex()})
	require.ErrorIs(t, err, query.ErrInvalidArgument)

	bal, err := qs.GetBalance(context.Background(), &query.BalanceRequest{Account: alice.Addr.Hex(), Asset: usdc.Hex()})
	require.NoError(t, err)
	require.Equal(t, "99", bal.Amount)
}

func TestGetVault_NotFound(t *testing.T) {
	_, qs := setup(t)

	_, err := qs.GetVault(context.Background(), &query.VaultRequest{Vault: alice.Addr.Hex()})
	require.ErrorIs(t, err, query.ErrNotFound)
	require.Equal(t, "not_found", query.ErrorCode(err))
}

func TestGetMarketAndPosition_Empty(t *testing.T) {
	_, qs := setup(t)

	m, err := qs.GetMarket(context.Background(), &query.MarketRequest{Market: 1})
	require.NoError(t, err)
	require.Equal(t, "0", m.OpenInterest)

	_, err = qs.GetMarket(context.Background(), &query.MarketRequest{Market: 256})
	require.ErrorIs(t, err, query.ErrInvalidArgument)

	p, err := qs.GetPosition(context.Background(), &query.PositionRequest{Account: alice.Addr.Hex(), Market: 1})
	require.NoError(t, err)
	require.False(t, p.Open)
	require.Equal(t, "0", p.Size)

	ps, err := qs.GetPositions(context.Background(), &query.AccountRequest{Account: alice.Addr.Hex()})
	require.NoError(t, err)
	require.Empty(t, ps.Positions)
}

func TestGetOrder_Digest(t *testing.T) {
	_, qs := setup(t)

	resp, err := qs.GetOrder(context.Background(), &query.OrderRequest{Digest: common.Hash{1}.Hex()})
	require.NoError(t, err)
	require.Equal(t, "0", resp.Filled)

	_, err = qs.GetOrder(context.Background(), &query.OrderRequest{Digest: "0x1234"})
	require.ErrorIs(t, err, query.ErrInvalidArgument)
}

func TestFeesAndInsurance(t *testing.T) {
	_, qs := setup(t)

	fees, err := qs.GetFees(context.Background(), &query.EmptyRequest{})
	require.NoError(t, err)
	require.Equal(t, "0", fees.Total)

	ins, err := qs.GetInsurance(context.Background(), &query.EmptyRequest{})
	require.NoError(t, err)
	require.Equal(t, insurance.Hex(), ins.Account)
	require.Equal(t, "0", ins.Pool)
}

func TestAccount(t *testing.T) {
	_, qs := setup(t)

	resp, err := qs.GetAccount(context.Background(), &query.AccountRequest{Account: alice.Addr.Hex()})
	require.NoError(t, err)
	require.Equal(t, "Main", resp.Type)
	require.True(t, resp.Active)
	require.Empty(t, resp.Parent)
}
