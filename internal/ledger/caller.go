package ledger

import (
	"errors"
	"fmt"
)

// Caller identifies the component asking a ledger to mutate. Each ledger is
// constructed with the fixed set of callers it accepts.
type Caller string

const (
	CallerProcessor   Caller = "processor"
	CallerMatching    Caller = "matching"
	CallerLiquidation Caller = "liquidation"
	CallerVault       Caller = "vault"
	CallerClearing    Caller = "clearing"
)

var ErrUnauthorizedCaller = errors.New("unauthorized ledger caller")

// AllowList is the set of callers a store accepts on its mutating methods.
type AllowList map[Caller]struct{}

func NewAllowList(callers ...Caller) AllowList {
	al := make(AllowList, len(callers))
	for _, c := range callers {
		al[c] = struct{}{}
	}
	return al
}

// Check returns ErrUnauthorizedCaller unless c is on the list.
func (al AllowList) Check(c Caller) error {
	if _, ok := al[c]; !ok {
		return fmt.Errorf("%w: %s", ErrUnauthorizedCaller, c)
	}
	return nil
}
