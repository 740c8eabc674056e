package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// AccountType classifies an address. Unknown addresses are Main accounts.
type AccountType uint8

const (
	AccountMain AccountType = iota
	AccountSubaccount
	AccountVault
)

func (t AccountType) String() string {
	switch t {
	case AccountMain:
		return "Main"
	case AccountSubaccount:
		return "Subaccount"
	case AccountVault:
		return "Vault"
	default:
		return "Unknown"
	}
}

var (
	ErrNotMainAccount     = errors.New("account is not a main account")
	ErrHasSubaccounts     = errors.New("account has subaccounts")
	ErrSubaccountInactive = errors.New("subaccount is inactive")
	ErrNotSubaccount      = errors.New("account is not a subaccount")
	ErrSelfReference      = errors.New("account cannot reference itself")
)

type signerKey struct {
	Account common.Address
	Signer  common.Address
}

// AccountBook holds account classification, subaccount parentage and
// delegated signers.
type AccountBook struct {
	undo    *UndoLog
	allowed AllowList

	types    map[common.Address]AccountType
	parents  map[common.Address]common.Address
	children map[common.Address]int
	inactive map[common.Address]bool
	signers  map[signerKey]bool
}

func NewAccountBook(undo *UndoLog, callers ...Caller) *AccountBook {
	return &AccountBook{
		undo:     undo,
		allowed:  NewAllowList(callers...),
		types:    make(map[common.Address]AccountType),
		parents:  make(map[common.Address]common.Address),
		children: make(map[common.Address]int),
		inactive: make(map[common.Address]bool),
		signers:  make(map[signerKey]bool),
	}
}

// Type returns the account's classification.
func (b *AccountBook) Type(addr common.Address) AccountType {
	return b.types[addr]
}

func (b *AccountBook) IsVault(addr common.Address) bool {
	return b.types[addr] == AccountVault
}

// Parent returns the Main account owning a subaccount.
func (b *AccountBook) Parent(addr common.Address) (common.Address, bool) {
	p, ok := b.parents[addr]
	return p, ok
}

// MainOf returns the owning Main for a subaccount, or addr itself.
func (b *AccountBook) MainOf(addr common.Address) common.Address {
	if p, ok := b.parents[addr]; ok {
		return p
	}
	return addr
}

func (b *AccountBook) HasSubaccounts(addr common.Address) bool {
	return b.children[addr] > 0
}

// IsActive reports false only for subaccounts explicitly deactivated.
func (b *AccountBook) IsActive(addr common.Address) bool {
	return !b.inactive[addr]
}

// CreateSubaccount attaches sub to main. The caller has already verified sub
// carries no balances or positions.
func (b *AccountBook) CreateSubaccount(caller Caller, main, sub common.Address) error {
	if err := b.allowed.Check(caller); err != nil {
		return err
	}
	if main == sub {
		return ErrSelfReference
	}
	if b.types[main] != AccountMain {
		return fmt.Errorf("%w: parent %s is %s", ErrNotMainAccount, main.Hex(), b.types[main])
	}
	if b.types[sub] != AccountMain || b.children[sub] > 0 {
		return fmt.Errorf("%w: %s cannot become a subaccount", ErrNotMainAccount, sub.Hex())
	}

	SetMapValue(b.undo, b.types, sub, AccountSubaccount)
	SetMapValue(b.undo, b.parents, sub, main)
	SetMapValue(b.undo, b.children, main, b.children[main]+1)
	return nil
}

// SetActive marks a subaccount active or inactive.
func (b *AccountBook) SetActive(caller Caller, sub common.Address, active bool) error {
	if err := b.allowed.Check(caller); err != nil {
		return err
	}
	if b.types[sub] != AccountSubaccount {
		return fmt.Errorf("%w: %s", ErrNotSubaccount, sub.Hex())
	}
	if active {
		DeleteMapValue(b.undo, b.inactive, sub)
	} else {
		SetMapValue(b.undo, b.inactive, sub, true)
	}
	return nil
}

// MarkVault converts a Main account without subaccounts into a Vault.
func (b *AccountBook) MarkVault(caller Caller, addr common.Address) error {
	if err := b.allowed.Check(caller); err != nil {
		return err
	}
	if b.types[addr] != AccountMain {
		return fmt.Errorf("%w: %s is %s", ErrNotMainAccount, addr.Hex(), b.types[addr])
	}
	if b.children[addr] > 0 {
		return fmt.Errorf("%w: %s", ErrHasSubaccounts, addr.Hex())
	}
	SetMapValue(b.undo, b.types, addr, AccountVault)
	return nil
}

// AddSigner delegates signing authority of account to signer.
func (b *AccountBook) AddSigner(caller Caller, account, signer common.Address) error {
	if err := b.allowed.Check(caller); err != nil {
		return err
	}
	if account == signer {
		return ErrSelfReference
	}
	SetMapValue(b.undo, b.signers, signerKey{Account: account, Signer: signer}, true)
	return nil
}

// IsDelegate reports whether signer may sign for account. Delegations on a
// Main account extend to its subaccounts.
func (b *AccountBook) IsDelegate(account, signer common.Address) bool {
	if b.signers[signerKey{Account: account, Signer: signer}] {
		return true
	}
	if p, ok := b.parents[account]; ok {
		return p == signer || b.signers[signerKey{Account: p, Signer: signer}]
	}
	return false
}

// --- Snapshot ---

type AccountRecord struct {
	Address  common.Address  `json:"address"`
	Type     AccountType     `json:"type"`
	Parent   *common.Address `json:"parent,omitempty"`
	Inactive bool            `json:"inactive,omitempty"`
}

type SignerRecord struct {
	Account common.Address `json:"account"`
	Signer  common.Address `json:"signer"`
}

type AccountBookState struct {
	Accounts []AccountRecord `json:"accounts"`
	Signers  []SignerRecord  `json:"signers"`
}

// Export returns a deterministic copy of the book.
func (b *AccountBook) Export() AccountBookState {
	var st AccountBookState
	for addr, t := range b.types {
		rec := AccountRecord{Address: addr, Type: t, Inactive: b.inactive[addr]}
		if p, ok := b.parents[addr]; ok {
			p := p
			rec.Parent = &p
		}
		st.Accounts = append(st.Accounts, rec)
	}
	sort.Slice(st.Accounts, func(i, j int) bool {
		return bytes.Compare(st.Accounts[i].Address[:], st.Accounts[j].Address[:]) < 0
	})
	for k, ok := range b.signers {
		if ok {
			st.Signers = append(st.Signers, SignerRecord{Account: k.Account, Signer: k.Signer})
		}
	}
	sort.Slice(st.Signers, func(i, j int) bool {
		if c := bytes.Compare(st.Signers[i].Account[:], st.Signers[j].Account[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(st.Signers[i].Signer[:], st.Signers[j].Signer[:]) < 0
	})
	return st
}

// Import replaces the book's contents. Not recorded in the undo log.
func (b *AccountBook) Import(st AccountBookState) {
	clear(b.types)
	clear(b.parents)
	clear(b.children)
	clear(b.inactive)
	clear(b.signers)
	for _, rec := range st.Accounts {
		b.types[rec.Address] = rec.Type
		if rec.Parent != nil {
			b.parents[rec.Address] = *rec.Parent
			b.children[*rec.Parent]++
		}
		if rec.Inactive {
			b.inactive[rec.Address] = true
		}
	}
	for _, s := range st.Signers {
		b.signers[signerKey{Account: s.Account, Signer: s.Signer}] = true
	}
}
