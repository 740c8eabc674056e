package server_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"PerpSettle/internal/capability"
	"PerpSettle/internal/core"
	"PerpSettle/internal/matching"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/query"
	"PerpSettle/internal/server"
	"PerpSettle/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var (
	usdc      = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	depositor = testutil.NewKey("depositor")
	alice     = testutil.NewKey("alice")
)

func newQueryService(t *testing.T) *query.QueryService {
	t.Helper()
	eng := core.NewEngine(core.Config{
		Domain:           testutil.Domain(),
		Collateral:       usdc,
		InsuranceAccount: common.HexToAddress("0x00000000000000000000000000000000000001f0"),
		Matching:         matching.DefaultConfig(),
	}, core.Deps{
		Roles: capability.NewStaticRoles(map[capability.Role][]common.Address{
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
		Amount:  testutil.Fx("250.5"),
	})
	require.NoError(t, err)
	return query.NewQueryService(eng, nil, nil)
}

func dialBufconn(t *testing.T, srv *server.GRPCServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(server.CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPC_QueryOverJSONCodec(t *testing.T) {
	srv := server.NewGRPCServer("", "", &server.ServerDeps{QueryService: newQueryService(t), Logger: zerolog.Nop()})
	conn := dialBufconn(t, srv)
	ctx := context.Background()

	var bal query.BalanceResponse
	err := conn.Invoke(ctx, server.FullMethod("GetBalance"),
		&query.BalanceRequest{Account: alice.Addr.Hex(), Asset: usdc.Hex()}, &bal)
	require.NoError(t, err)
	require.Equal(t, "250.5", bal.Amount)

	var st query.StatusResponse
	require.NoError(t, conn.Invoke(ctx, server.FullMethod("GetStatus"), &query.EmptyRequest{}, &st))
	require.Equal(t, int64(1), st.CommandSeq)

	err = conn.Invoke(ctx, server.FullMethod("GetVault"), &query.VaultRequest{Vault: alice.Addr.Hex()}, &query.VaultResponse{})
	require.Equal(t, codes.NotFound, status.Code(err))

	err = conn.Invoke(ctx, server.FullMethod("GetBalance"), &query.BalanceRequest{Account: "nope"}, &query.BalanceResponse{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_HealthFollowsServing(t *testing.T) {
	srv := server.NewGRPCServer("", "", &server.ServerDeps{QueryService: newQueryService(t), Logger: zerolog.Nop()})
	conn := dialBufconn(t, srv)
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		// The health service is protobuf; override the default JSON subtype.
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.ServiceName},
			grpc.CallContentSubtype("proto"))
		require.NoError(t, err)
		return resp.Status
	}

	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
	srv.SetServing(true)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
}

func TestHTTP_Routes(t *testing.T) {
	health := observability.NewHealthChecker()
	handler, err := server.NewHTTPHandler(newQueryService(t), health)
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	get := func(path string) (int, map[string]any) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	code, body := get("/v1/balances/" + alice.Addr.Hex() + "/" + usdc.Hex())
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "250.5", body["amount"])

	code, body = get("/v1/nonces/withdraw/" + alice.Addr.Hex() + "/3")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["used"])

	code, _ = get("/v1/markets/abc")
	require.Equal(t, http.StatusBadRequest, code)

	code, body = get("/v1/vaults/" + alice.Addr.Hex())
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "NotFound", body["code"])

	code, body = get("/v1/status")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["command_seq"])

	code, _ = get("/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	health.SetReady(true)
	code, _ = get("/readyz")
	require.Equal(t, http.StatusOK, code)

	code, _ = get("/healthz")
	require.Equal(t, http.StatusOK, code)
}
