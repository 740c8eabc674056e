package capability

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var ErrNotAuthorized = errors.New("signature not authorized for account")

// DelegateLookup answers whether signer may act for account.
type DelegateLookup interface {
	IsDelegate(account, signer common.Address) bool
}

// Authorizer combines signature validation, signer delegation and roles
// into the checks every signed operation goes through.
type Authorizer struct {
	verifier  SignatureVerifier
	roles     RoleChecker
	delegates DelegateLookup
}

func NewAuthorizer(verifier SignatureVerifier, roles RoleChecker, delegates DelegateLookup) *Authorizer {
	return &Authorizer{verifier: verifier, roles: roles, delegates: delegates}
}

// Authorize accepts sig when it is valid for account itself, or when the
// recovered signer is a registered delegate of account.
func (a *Authorizer) Authorize(account common.Address, digest common.Hash, sig []byte) error {
	if a.verifier.IsValidSignature(account, digest, sig) {
		return nil
	}
	signer, err := Recover(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotAuthorized, account.Hex(), err)
	}
	if a.delegates.IsDelegate(account, signer) {
		return nil
	}
	return fmt.Errorf("%w: %s signed by %s", ErrNotAuthorized, account.Hex(), signer.Hex())
}

// AuthorizeSigner checks a signature made by a named signer. The signer must
// be the account, one of its delegates, or hold one of the given roles.
func (a *Authorizer) AuthorizeSigner(account, signer common.Address, digest common.Hash, sig []byte, roles ...Role) error {
	if !a.verifier.IsValidSignature(signer, digest, sig) {
		return fmt.Errorf("%w: bad signature from %s", ErrNotAuthorized, signer.Hex())
	}
	if signer == account || a.delegates.IsDelegate(account, signer) {
		return nil
	}
	for _, r := range roles {
		if a.roles != nil && a.roles.HasRole(r, signer) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not sign for %s", ErrNotAuthorized, signer.Hex(), account.Hex())
}

// HasRole reports whether caller holds role.
func (a *Authorizer) HasRole(role Role, caller common.Address) bool {
	return a.roles != nil && a.roles.HasRole(role, caller)
}
