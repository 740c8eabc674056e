package capability

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the r||s||v layout carried on the wire.
const SignatureLength = 65

var ErrInvalidSignature = errors.New("invalid signature")

// SignatureVerifier answers isValidSignature(account, digest, signature).
type SignatureVerifier interface {
	IsValidSignature(account common.Address, digest common.Hash, sig []byte) bool
}

// ContractSigner validates signatures on behalf of a contract-style account,
// mirroring ERC-1271 isValidSignature.
type ContractSigner interface {
	IsValidSignature(digest common.Hash, sig []byte) bool
}

// ContractSignerFunc adapts a function to ContractSigner.
type ContractSignerFunc func(digest common.Hash, sig []byte) bool

func (f ContractSignerFunc) IsValidSignature(digest common.Hash, sig []byte) bool {
	return f(digest, sig)
}

// ECDSAVerifier recovers secp256k1 signers and compares them to the account.
// Accounts registered as contracts are delegated to their ContractSigner.
type ECDSAVerifier struct {
	mu        sync.RWMutex
	contracts map[common.Address]ContractSigner
}

func NewECDSAVerifier() *ECDSAVerifier {
	return &ECDSAVerifier{contracts: make(map[common.Address]ContractSigner)}
}

// RegisterContract routes signature checks for account to signer.
func (v *ECDSAVerifier) RegisterContract(account common.Address, signer ContractSigner) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.contracts[account] = signer
}

func (v *ECDSAVerifier) IsValidSignature(account common.Address, digest common.Hash, sig []byte) bool {
	v.mu.RLock()
	c, ok := v.contracts[account]
	v.mu.RUnlock()
	if ok {
		return c.IsValidSignature(digest, sig)
	}
	signer, err := Recover(digest, sig)
	if err != nil {
		return false
	}
	return signer == account
}

// Recover returns the address that produced sig over digest. Both v=0/1 and
// v=27/28 are accepted; high-s signatures are rejected.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	s := make([]byte, SignatureLength)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	if s[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig[64])
	}
	r, ss := new(big.Int).SetBytes(s[:32]), new(big.Int).SetBytes(s[32:64])
	if !crypto.ValidateSignatureValues(s[64], r, ss, true) {
		return common.Address{}, fmt.Errorf("%w: r/s out of range", ErrInvalidSignature)
	}
	pub, err := crypto.SigToPub(digest[:], s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
