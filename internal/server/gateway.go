package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"PerpSettle/internal/observability"
	"PerpSettle/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

// pathHandler adapts one QueryService call to a gateway route.
type pathHandler func(ctx context.Context, params map[string]string) (any, error)

// NewGatewayMux serves the query API as HTTP/JSON. Routes call the service
// in-process and share the gRPC error mapping.
func NewGatewayMux(qs *query.QueryService) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		pattern string
		handle  pathHandler
	}{
		{"/v1/status", func(ctx context.Context, _ map[string]string) (any, error) {
			return qs.GetStatus(ctx, &query.EmptyRequest{})
		}},
		{"/v1/accounts/{account}", func(ctx context.Context, p map[string]string) (any, error) {
			return qs.GetAccount(ctx, &query.AccountRequest{Account: p["account"]})
		}},
		{"/v1/balances/{account}/{asset}", func(ctx context.Context, p map[string]string) (any, error) {
			return qs.GetBalance(ctx, &query.BalanceRequest{Account: p["account"], Asset: p["asset"]})
		}},
		{"/v1/positions/{account}", func(ctx context.Context, p map[string]string) (any, error) {
			return qs.GetPositions(ctx, &query.AccountRequest{Account: p["account"]})
		}},
		{"/v1/positions/{account}/{market}", func(ctx context.Context, p map[string]string) (any, error) {
			market, err := parseUint(p["market"], 32)
			if err != nil {
				return nil, err
			}
			return qs.GetPosition(ctx, &query.PositionRequest{Account: p["account"], Market: uint32(market)})
		}},
		{"/v1/markets/{market}", func(ctx context.Context, p map[string]string) (any, error) {
			market, err := parseUint(p["market"], 32)
			if err != nil {
				return nil, err
			}
			return qs.GetMarket(ctx, &query.MarketRequest{Market: uint32(market)})
		}},
		{"/v1/fees", func(ctx context.Context, _ map[string]string) (any, error) {
			return qs.GetFees(ctx, &query.EmptyRequest{})
		}},
		{"/v1/insurance", func(ctx context.Context, _ map[string]string) (any, error) {
			return qs.GetInsurance(ctx, &query.EmptyRequest{})
		}},
		{"/v1/vaults/{vault}", func(ctx context.Context, p map[string]string) (any, error) {
			return qs.GetVault(ctx, &query.VaultRequest{Vault: p["vault"]})
		}},
		{"/v1/vaults/{vault}/stakers/{staker}", func(ctx context.Context, p map[string]string) (any, error) {
			return qs.GetStake(ctx, &query.StakeRequest{Vault: p["vault"], Staker: p["staker"]})
		}},
		{"/v1/nonces/{purpose}/{account}/{nonce}", func(ctx context.Context, p map[string]string) (any, error) {
			nonce, err := parseUint(p["nonce"], 64)
			if err != nil {
				return nil, err
			}
			return qs.GetNonce(ctx, &query.NonceRequest{Purpose: p["purpose"], Account: p["account"], Nonce: nonce})
		}},
		{"/v1/orders/{digest}", func(ctx context.Context, p map[string]string) (any, error) {
			return qs.GetOrder(ctx, &query.OrderRequest{Digest: p["digest"]})
		}},
		{"/v1/admin/integrity", func(ctx context.Context, _ map[string]string) (any, error) {
			return qs.VerifyIntegrity(ctx, &query.EmptyRequest{})
		}},
	}

	for _, rt := range routes {
		handle := rt.handle
		err := mux.HandlePath(http.MethodGet, rt.pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			resp, err := handle(r.Context(), params)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})
		if err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// NewHTTPHandler combines the gateway routes with the probe endpoints.
func NewHTTPHandler(qs *query.QueryService, health *observability.HealthChecker) (http.Handler, error) {
	gw, err := NewGatewayMux(qs)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	if health != nil {
		mux.HandleFunc("/healthz", health.LivenessHandler)
		mux.HandleFunc("/readyz", health.ReadinessHandler)
	} else {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	mux.Handle("/", gw)
	return mux, nil
}

func parseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		return 0, &paramError{err: err}
	}
	return v, nil
}

type paramError struct{ err error }

func (e *paramError) Error() string { return "invalid path parameter: " + e.err.Error() }
func (e *paramError) Unwrap() error { return query.ErrInvalidArgument }

func writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	writeJSON(w, runtime.HTTPStatusFromCode(code), map[string]any{
		"code":    code.String(),
		"message": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
