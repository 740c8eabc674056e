package query

import (
	"context"
	"time"

	"PerpSettle/internal/core"
)

// GetBalance returns an account's spot balance of one asset together with
// the asset's supply and USD cap.
func (qs *QueryService) GetBalance(_ context.Context, req *BalanceRequest) (resp *BalanceResponse, err error) {
	defer qs.track("GetBalance", time.Now(), &err)

	account, err := parseAddress("account", req.Account)
	if err != nil {
		return nil, err
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}

	qs.state.View(func(r core.Reader) error {
		resp = &BalanceResponse{
			Account:      account.Hex(),
			Asset:        asset.Hex(),
			Amount:       dec(r.Balance(account, asset)),
			TotalSupply:  dec(r.TotalSupply(asset)),
			AsOfSequence: r.Status().CommandSeq,
		}
		if c, ok := r.SupplyCap(asset); ok {
			s := dec(c)
			resp.SupplyCapUSD = &s
		}
		return nil
	})
	return resp, nil
}
