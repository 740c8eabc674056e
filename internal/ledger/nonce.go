package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Purpose tags an independent replay-guard namespace.
type Purpose uint8

const (
	PurposeOrder Purpose = iota + 1
	PurposeWithdraw
	PurposeSignerRegistration
	PurposeStake
	PurposeUnstake
	PurposeLiquidation
	PurposeTransfer
	PurposeCrossLedger
)

var purposeNames = map[Purpose]string{
	PurposeOrder:              "order",
	PurposeWithdraw:           "withdraw",
	PurposeSignerRegistration: "signer",
	PurposeStake:              "stake",
	PurposeUnstake:            "unstake",
	PurposeLiquidation:        "liquidation",
	PurposeTransfer:           "transfer",
	PurposeCrossLedger:        "cross_ledger",
}

func (p Purpose) String() string {
	if n, ok := purposeNames[p]; ok {
		return n
	}
	return fmt.Sprintf("purpose(%d)", uint8(p))
}

// ParsePurpose is the inverse of Purpose.String.
func ParsePurpose(s string) (Purpose, bool) {
	for p, n := range purposeNames {
		if n == s {
			return p, true
		}
	}
	return 0, false
}

var ErrNonceUsed = errors.New("nonce already used")

type nonceKey struct {
	Purpose Purpose
	Account common.Address
	Nonce   uint64
}

// NonceSet is a write-once set of (purpose, account, nonce) triples.
type NonceSet struct {
	undo    *UndoLog
	allowed AllowList
	used    map[nonceKey]struct{}
}

func NewNonceSet(undo *UndoLog, callers ...Caller) *NonceSet {
	return &NonceSet{
		undo:    undo,
		allowed: NewAllowList(callers...),
		used:    make(map[nonceKey]struct{}),
	}
}

func (s *NonceSet) IsUsed(p Purpose, account common.Address, nonce uint64) bool {
	_, ok := s.used[nonceKey{Purpose: p, Account: account, Nonce: nonce}]
	return ok
}

// Use marks the nonce used. Reuse returns ErrNonceUsed.
func (s *NonceSet) Use(caller Caller, p Purpose, account common.Address, nonce uint64) error {
	if err := s.allowed.Check(caller); err != nil {
		return err
	}
	key := nonceKey{Purpose: p, Account: account, Nonce: nonce}
	if _, ok := s.used[key]; ok {
		return fmt.Errorf("%w: %s %s/%d", ErrNonceUsed, p, account.Hex(), nonce)
	}
	SetMapValue(s.undo, s.used, key, struct{}{})
	return nil
}

// --- Snapshot ---

type NonceRecord struct {
	Purpose Purpose        `json:"purpose"`
	Account common.Address `json:"account"`
	Nonce   uint64         `json:"nonce"`
}

func (s *NonceSet) Export() []NonceRecord {
	out := make([]NonceRecord, 0, len(s.used))
	for k := range s.used {
		out = append(out, NonceRecord{Purpose: k.Purpose, Account: k.Account, Nonce: k.Nonce})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Purpose != out[j].Purpose {
			return out[i].Purpose < out[j].Purpose
		}
		if c := bytes.Compare(out[i].Account[:], out[j].Account[:]); c != 0 {
			return c < 0
		}
		return out[i].Nonce < out[j].Nonce
	})
	return out
}

func (s *NonceSet) Import(records []NonceRecord) {
	clear(s.used)
	for _, r := range records {
		s.used[nonceKey{Purpose: r.Purpose, Account: r.Account, Nonce: r.Nonce}] = struct{}{}
	}
}
